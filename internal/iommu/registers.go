// Package iommu programs a RISC-V IOMMU (per the riscv-iommu specification)
// to route DMA from passthrough PCI devices through the same G-stage
// translation the hart uses, so a misbehaving or compromised device cannot
// reach memory outside the guest it belongs to.
package iommu

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/addr"
)

// Register byte offsets within the IOMMU's memory-mapped register file.
const (
	RegCapabilities = 0x00
	RegDDTP         = 0x10
	RegCQB          = 0x18
	RegCQT          = 0x24
	RegFQB          = 0x28
	RegFQT          = 0x34
	RegPQB          = 0x38
	RegPQT          = 0x44
	RegCQCSR        = 0x48
	RegFQCSR        = 0x4c
	RegPQCSR        = 0x50
)

const (
	fieldCapabilitiesSv39x4 = 17
	fieldCQBPPN             = 10
	fieldCQCSRCQON          = 0x10
	fieldFQCSRFQON          = 0x10
	fieldPQCSRPQON          = 0x10
	fieldDDTPPPN            = 10
)

// QueueEntries is the number of 16-byte entries in each of the command,
// fault, and page-request queues: N = 4096 / 16 = 256, so the queue fits
// exactly one 4 KiB page.
const QueueEntries = 256

// log2QueueEntries is log2(QueueEntries), the value programmed into a
// queue base register's LOG2SZ-1 field plus one.
const log2QueueEntries = 8

// ErrUnsupportedVersion is returned when the IOMMU reports a capabilities
// major version this hypervisor does not know how to drive.
var ErrUnsupportedVersion = errors.New("iommu: unsupported capabilities version")

// ErrSv39x4NotSupported is returned when the IOMMU does not support the
// G-stage translation mode this hypervisor uses.
var ErrSv39x4NotSupported = errors.New("iommu: sv39x4 not supported")

// Mode is the ddtp.iommu_mode field.
type Mode uint64

const (
	ModeOff  Mode = 0
	ModeBare Mode = 1
	ModeLv1  Mode = 2
	ModeLv2  Mode = 3
	ModeLv3  Mode = 4
)

// Registers overlays an IOMMU's memory-mapped register file at base.
type Registers struct {
	base addr.HostPhysicalAddress
	log  *logrus.Entry
}

// New wraps the register file at base.
func New(base addr.HostPhysicalAddress, log *logrus.Entry) *Registers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registers{base: base, log: log.WithField("component", "iommu")}
}

func (r *Registers) read64(offset uint64) uint64     { return hostRead64(r.base.Add(offset)) }
func (r *Registers) write64(offset uint64, v uint64) { hostWrite64(r.base.Add(offset), v) }
func (r *Registers) read32(offset uint64) uint32     { return hostRead32(r.base.Add(offset)) }
func (r *Registers) write32(offset uint64, v uint32) { hostWrite32(r.base.Add(offset), v) }

// CapabilitiesVersion returns (major, minor) from the capabilities register.
func (r *Registers) CapabilitiesVersion() (uint8, uint8) {
	v := r.read64(RegCapabilities)
	return uint8((v >> 4) & 0xf), uint8(v & 0xf)
}

// CapabilitiesSv39x4Supported reports the Sv39x4 capability bit.
func (r *Registers) CapabilitiesSv39x4Supported() bool {
	v := r.read64(RegCapabilities)
	return (v>>fieldCapabilitiesSv39x4)&0x1 == 1
}

// SetDDTP programs the device-directory-table pointer register with mode
// and the root table's host-physical address.
func (r *Registers) SetDDTP(mode Mode, ddtAddr addr.HostPhysicalAddress) {
	v := (uint64(ddtAddr)>>12)<<fieldDDTPPPN | uint64(mode)
	r.write64(RegDDTP, v)
}

// setQueueBase is shared by CQB/FQB/PQB: PPN in the high bits, log2(size)-1
// in the low bits.
func (r *Registers) setQueueBase(offset uint64, queueAddr addr.HostPhysicalAddress) error {
	if uint64(queueAddr)%addr.PageSize4K != 0 {
		return errors.New("iommu: queue address must be 4 KiB aligned")
	}
	v := (uint64(queueAddr)>>12)<<fieldCQBPPN | uint64(log2QueueEntries-1)
	r.write64(offset, v)
	return nil
}
