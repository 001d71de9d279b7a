package pci

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// AHCI HBA memory-register layout (AHCI 1.3.1 §3): generic host control at
// the top of the window, then one 0x80-byte register block per port
// starting at 0x100.
const (
	hbaPortsBase  = 0x100
	hbaPortStride = 0x80
	hbaMaxPorts   = 32
)

// Per-port register offsets within a port's register block.
const (
	PortCLB  = 0x00 // command list base (low)
	PortCLBU = 0x04 // command list base (high)
	PortIS   = 0x10 // interrupt status
	PortCI   = 0x38 // command issue
)

// ErrOutsideWindow is returned for an access past the end of the ABAR
// window; the dispatcher forwards the original fault to the guest.
var ErrOutsideWindow = errors.New("pci: access outside ABAR window")

// issuedCommand is the in-flight record for one occupied command slot,
// kept between the guest's command-issue write and the completion
// interrupt so the header and PRDs can be put back exactly as the guest
// wrote them.
type issuedCommand struct {
	header  *CommandHeader
	table   CommandTable
	dir     TransferDirection
	storage *CommandTableGpaStorage
}

// Hba intercepts the guest's accesses to the SATA controller's ABAR
// window, which is deliberately withheld from the G-stage map. Every
// register access passes through to the hardware registers unchanged
// except the two the DMA-translation dance hangs off: a store to a port's
// command-issue register rewrites the addressed command chain from
// guest-physical to host-physical first, and a load of a port's interrupt
// status restores completed slots before the guest sees them.
type Hba struct {
	abar  addr.HostPhysicalAddress
	size  uint64
	gst   GStageTranslator
	arena *hostmem.Arena
	log   *logrus.Entry

	issued [hbaMaxPorts][32]*issuedCommand
}

// NewHba wraps the discovered SATA controller's ABAR window.
func NewHba(ctrl SataController, gst GStageTranslator, arena *hostmem.Arena, log *logrus.Entry) *Hba {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hba{
		abar:  ctrl.ABARBase,
		size:  ctrl.ABARSize,
		gst:   gst,
		arena: arena,
		log:   log.WithField("component", "sata"),
	}
}

// Contains reports whether the faulting guest-physical address falls inside
// the ABAR window. PCI memory windows are identity-mapped (bus address ==
// CPU address == guest-physical address), so the comparison is numeric.
func (h *Hba) Contains(gpa addr.GuestPhysicalAddress) bool {
	return uint64(gpa) >= uint64(h.abar) && uint64(gpa) < uint64(h.abar)+h.size
}

// Offset converts a faulting guest-physical address into an offset within
// the ABAR window.
func (h *Hba) Offset(gpa addr.GuestPhysicalAddress) uint64 {
	return uint64(gpa) - uint64(h.abar)
}

// portReg decodes offset into a (port, register) pair, reporting ok=false
// for the generic host-control registers above the port blocks.
func portReg(offset uint64) (port int, reg uint64, ok bool) {
	if offset < hbaPortsBase {
		return 0, 0, false
	}
	rel := offset - hbaPortsBase
	port = int(rel / hbaPortStride)
	if port >= hbaMaxPorts {
		return 0, 0, false
	}
	return port, rel % hbaPortStride, true
}

// Read services a guest load from the ABAR window.
func (h *Hba) Read(offset uint64) (uint32, error) {
	if offset+4 > h.size {
		return 0, ErrOutsideWindow
	}
	value := hostRead32(h.abar.Add(offset))
	if port, reg, ok := portReg(offset); ok && reg == PortIS && value != 0 {
		h.completePort(port)
	}
	return value, nil
}

// Write services a guest store to the ABAR window.
func (h *Hba) Write(offset uint64, value uint32) error {
	if offset+4 > h.size {
		return ErrOutsideWindow
	}
	if port, reg, ok := portReg(offset); ok && reg == PortCI {
		h.issuePort(port, value)
	}
	hostWrite32(h.abar.Add(offset), value)
	return nil
}

// issuePort rewrites the command chain for every slot the guest is newly
// issuing, before the doorbell value reaches the hardware.
func (h *Hba) issuePort(port int, ci uint32) {
	for slot := 0; slot < 32; slot++ {
		if ci&(1<<slot) == 0 || h.issued[port][slot] != nil {
			continue
		}
		h.issueSlot(port, slot)
	}
}

// issueSlot translates one command slot's header and PRD table from the
// guest's addresses to host-physical ones. A failed translation
// here means the guest handed the controller a pointer into memory it was
// never given, corruption the hypervisor cannot paper over, so it is
// fatal rather than forwarded.
func (h *Hba) issueSlot(port, slot int) {
	portBase := h.abar.Add(hbaPortsBase + uint64(port)*hbaPortStride)
	clb := addr.GuestPhysicalAddress(
		uint64(hostRead32(portBase.Add(PortCLBU)))<<32 | uint64(hostRead32(portBase.Add(PortCLB))))

	headerHPA, err := h.gst.Walk(clb.Add(uint64(slot) * CommandHeaderSize))
	if err != nil {
		h.log.WithError(err).WithField("clb", clb).Panic("sata: command header translation failed")
	}
	header := (*CommandHeader)(unsafe.Pointer(uintptr(headerHPA)))

	tableGPA := addr.GuestPhysicalAddress(uint64(header.CTBAU)<<32 | uint64(header.CTBA))
	tableHPA, err := h.gst.Walk(tableGPA)
	if err != nil {
		h.log.WithError(err).WithField("ctba", tableGPA).Panic("sata: command table translation failed")
	}
	header.CTBA = uint32(uint64(tableHPA))
	header.CTBAU = uint32(uint64(tableHPA) >> 32)

	dir := DeviceToHost
	if header.Write() {
		dir = HostToDevice
	}

	table := NewCommandTable(tableHPA)
	storage := &CommandTableGpaStorage{CommandTableGPA: tableGPA}
	if err := table.TranslateAll(header.PRDTL(), h.gst, h.arena, dir, storage); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"port": port, "slot": slot}).Panic("sata: prd translation failed")
	}

	h.issued[port][slot] = &issuedCommand{header: header, table: table, dir: dir, storage: storage}
	h.log.WithFields(logrus.Fields{"port": port, "slot": slot, "prdtl": header.PRDTL()}).Debug("command issued")
}

// completePort restores every issued slot whose command-issue bit the
// hardware has since cleared: PRD addresses go back to the guest's
// originals (copying bounce-buffered read data back first), the header's
// CTBA is restored, and the bounce buffers are released.
func (h *Hba) completePort(port int) {
	portBase := h.abar.Add(hbaPortsBase + uint64(port)*hbaPortStride)
	ci := hostRead32(portBase.Add(PortCI))

	for slot := 0; slot < 32; slot++ {
		cmd := h.issued[port][slot]
		if cmd == nil || ci&(1<<slot) != 0 {
			continue
		}
		if err := cmd.table.RestoreAll(h.gst, cmd.dir, cmd.storage); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"port": port, "slot": slot}).Panic("sata: prd restore failed")
		}
		gpa := uint64(cmd.storage.CommandTableGPA)
		cmd.header.CTBA = uint32(gpa)
		cmd.header.CTBAU = uint32(gpa >> 32)
		for _, entry := range cmd.storage.Entries {
			if entry.Bounce != nil {
				if err := h.arena.Free(entry.Bounce); err != nil {
					h.log.WithError(err).Warn("sata: bounce buffer release failed")
				}
			}
		}
		h.issued[port][slot] = nil
		h.log.WithFields(logrus.Fields{"port": port, "slot": slot}).Debug("command completed")
	}
}
