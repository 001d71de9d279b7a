package trap

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/hv"
)

// PlicClaimer is satisfied by *plic.PLIC; kept as an interface here so the
// dispatcher doesn't import plic just to call one method.
type PlicClaimer interface {
	Claim(context int) (uint32, error)
}

// Trap carries everything the dispatcher read off the hart for one trap.
type Trap struct {
	Cause  uint64
	Stval  uint64
	Htval  uint64
	Htinst uint64
}

// Dispatch runs the trap vector's state machine: classify cause,
// route interrupts, and forward any exception this hypervisor has no
// dedicated handler for to the guest. It returns the Kind so the caller
// (the run loop) knows whether a dedicated handler (ecall, page fault
// family, illegal instruction) still needs to run before sret.
func Dispatch(data *hv.Data, plic PlicClaimer, plicContext int, t Trap, log *logrus.Entry) (Kind, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	kind := Classify(t.Cause)
	log.WithFields(logrus.Fields{
		"scause": t.Cause, "kind": kind, "sepc": data.Guest.Sepc,
	}).Debug("trap dispatched")

	switch kind {
	case KindInterrupt:
		if err := routeInterrupt(data, plic, plicContext, Code(t.Cause)); err != nil {
			return kind, err
		}
	case KindForward:
		forwardToGuest(data, t)
	}
	return kind, nil
}

// routeInterrupt redirects a hardware interrupt into the guest's
// virtual-interrupt-pending bits, claiming from the PLIC for external ones.
func routeInterrupt(data *hv.Data, plic PlicClaimer, plicContext int, code uint64) error {
	switch code {
	case CauseSupervisorSoft:
		data.CSR.SetVSSoftPending(true)
	case CauseSupervisorTimer:
		data.CSR.SetVSTimerPending(true)
	case CauseSupervisorExternal:
		irq, err := plic.Claim(plicContext)
		if err != nil {
			return errors.Wrap(err, "trap: plic claim")
		}
		data.CSR.PendingClaimedIRQ = irq
		data.CSR.SetVSExternalPending(true)
	default:
		return errors.Errorf("trap: unhandled interrupt code %d", code)
	}
	return nil
}

// forwardToGuest delivers an exception this hypervisor has no handler
// for to the guest's own trap vector.
func forwardToGuest(data *hv.Data, t Trap) {
	RaiseGuestException(data, t.Cause, t.Stval)
}

// sstatusSPP is bit 8 of sstatus, the previous-privilege bit the guest's
// trap vector reads to learn which mode it was entered from.
const sstatusSPP = uint64(1) << 8

// RaiseGuestException synthesizes a VS-level exception outside of the
// normal hart trap path: software emulation (the extension emulator) needs
// to deliver a fault to the guest for a condition real hardware would
// never trap on directly, such as a malformed shadow-stack access. It is
// the same vsepc/vscause/vstval/sepc rewrite a real forwarded trap does,
// including the SPP shuffle: the guest's previous privilege moves into
// vsstatus.SPP and the guest resumes its trap vector in (virtual)
// supervisor mode.
func RaiseGuestException(data *hv.Data, cause, tval uint64) {
	data.CSR.Vsepc = data.Guest.Sepc
	data.CSR.Vscause = cause
	data.CSR.Vstval = tval
	data.CSR.Vsstatus = (data.CSR.Vsstatus &^ sstatusSPP) | (data.Guest.Sstatus & sstatusSPP)
	data.Guest.SetSPP(true)
	data.Guest.Sepc = data.CSR.Vstvec
}
