// Package sbi dispatches guest ecalls per the Supervisor Binary Interface:
// a handful of extensions are implemented directly, and everything else is
// routed to a FirmwareProxy standing in for real SBI firmware underneath.
package sbi

import "github.com/tinyrange/rvisor/internal/hv"

// Extension IDs this hypervisor recognizes for direct handling.
const (
	ExtBase   = 0x10
	ExtPMU    = 0x504d55   // "PMU"
	ExtRFence = 0x52464e43 // "RFNC"
	ExtFWFT   = 0x46574654 // "FWFT"
)

// Base extension function IDs.
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
	BaseProbeExtension = 3
	BaseGetMvendorID   = 4
	BaseGetMarchID     = 5
	BaseGetMimplID     = 6
)

// RFENCE extension function IDs.
const (
	RFenceRemoteFenceI        = 0
	RFenceRemoteSFenceVMA     = 1
	RFenceRemoteSFenceVMAASID = 2
)

// FWFT (Firmware Features) function IDs; the feature numbers are in fwft.go.
const (
	FWFTSet = 0
	FWFTGet = 1
)

// Standard SBI error codes.
const (
	Success           = 0
	ErrFailed         = -1
	ErrNotSupported   = -2
	ErrInvalidParam   = -3
	ErrDenied         = -4
	ErrInvalidAddress = -5
	ErrAlreadyAvail   = -6
)

// FirmwareProxy stands in for real SBI firmware beneath this hypervisor.
// Because this hypervisor models a single hart with nothing underneath it,
// the only legitimate implementation is one that reports NotSupported for
// everything it isn't specifically told to emulate. A real deployment
// backed by OpenSBI would
// implement this by trapping into that firmware.
type FirmwareProxy interface {
	// Ecall forwards a generic SBI call with the given EID/FID and
	// arguments a0-a4, returning the (error, value) pair the guest
	// expects in a0/a1.
	Ecall(eid, fid uint64, args [5]uint64) (int64, uint64)

	// SpecVersion, ImplID, and ImplVersion answer the Base extension's
	// informational calls; this hypervisor still queries the backing
	// firmware for these rather than hardcoding them, since they describe
	// the firmware's SBI implementation, not this hypervisor's.
	SpecVersion() (major, minor uint64)
	ImplID() uint64
	ImplVersion() uint64
}

// Call is one guest ecall: EID in a7, FID in a6, arguments a0-a4.
type Call struct {
	EID  uint64
	FID  uint64
	Args [5]uint64
}

// Handle dispatches one SBI call and writes the (error, value)
// result into the guest's a0/a1, then advances sepc by 4 (an ecall is
// always a 4-byte instruction, so no instruction-length lookup is needed).
func Handle(data *hv.Data, fw FirmwareProxy, call Call) {
	var errCode int64 = Success
	var val uint64

	switch call.EID {
	case ExtBase:
		errCode, val = handleBase(fw, call)
	case ExtPMU:
		errCode, val = handlePMU(fw, call)
	case ExtRFence:
		errCode, val = handleRFence(fw, call)
	case ExtFWFT:
		errCode, val = handleFWFT(call)
	default:
		errCode, val = fw.Ecall(call.EID, call.FID, call.Args)
	}

	data.Guest.SetXreg(10, uint64(errCode))
	data.Guest.SetXreg(11, val)
	data.Guest.Sepc += 4
}

// handleBase never returns an error code: even unrecognized Base
// FIDs fall through to a zero value on Success, matching the firmware
// contract that Base calls always succeed.
func handleBase(fw FirmwareProxy, call Call) (int64, uint64) {
	switch call.FID {
	case BaseGetSpecVersion:
		major, minor := fw.SpecVersion()
		return Success, major<<24 | minor
	case BaseGetImplID:
		return Success, fw.ImplID()
	case BaseGetImplVersion:
		return Success, fw.ImplVersion()
	case BaseProbeExtension:
		_, val := fw.Ecall(ExtBase, BaseProbeExtension, call.Args)
		return Success, val
	case BaseGetMvendorID, BaseGetMarchID, BaseGetMimplID:
		return Success, 0
	default:
		return Success, 0
	}
}
