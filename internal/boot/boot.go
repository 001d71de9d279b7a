// Package boot is the hypervisor bootstrap: it consumes the typed device
// tree, backs guest RAM, builds the G-stage translation, programs the
// IOMMU, sets up the H-extension CSR state a VS-mode entry requires, and
// hands back the Machine whose HandleTrap is the HS-mode trap vector for
// the rest of the guest's life.
package boot

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/config"
	"github.com/tinyrange/rvisor/internal/devtree"
	"github.com/tinyrange/rvisor/internal/extemu"
	"github.com/tinyrange/rvisor/internal/fdt"
	"github.com/tinyrange/rvisor/internal/gstage"
	"github.com/tinyrange/rvisor/internal/hostmem"
	"github.com/tinyrange/rvisor/internal/hv"
	"github.com/tinyrange/rvisor/internal/iommu"
	"github.com/tinyrange/rvisor/internal/pci"
	"github.com/tinyrange/rvisor/internal/plic"
	"github.com/tinyrange/rvisor/internal/sbi"
)

// Guest memory layout: RAM begins at the DRAM base; the guest image and
// its device-tree copy are placed at fixed offsets within it.
const (
	DRAMBase              = addr.GuestPhysicalAddress(0x8000_0000)
	GuestTextOffset       = 0x0020_0000
	GuestDeviceTreeOffset = 0x0180_0000
)

// hstatus.SPV (bit 7): the virtualization mode sret returns to.
const hstatusSPV = 1 << 7

// sstatus.SUM (bit 18): permit supervisor access to user-accessible pages.
const sstatusSUM = 1 << 18

// Loader loads a guest kernel image into a DRAM slot and returns the
// guest-physical entry address. The ELF loader itself is an external
// collaborator; base is the guest-physical address dram[0] corresponds to.
type Loader interface {
	Load(image []byte, dram []byte, base addr.GuestPhysicalAddress) (addr.GuestPhysicalAddress, error)
}

// ramFlags maps guest RAM readable, writable, executable, and
// guest-user-accessible (G-stage leaves must set U for VS/VU accesses).
const ramFlags = addr.FlagSet(addr.FlagValid | addr.FlagRead | addr.FlagWrite | addr.FlagExec | addr.FlagUser)

// deviceFlags maps a passthrough MMIO window readable and writable.
const deviceFlags = addr.FlagSet(addr.FlagValid | addr.FlagRead | addr.FlagWrite | addr.FlagUser)

// Options carries everything Bootstrap needs beyond the machine
// description itself.
type Options struct {
	Config     *config.Config
	DeviceTree *fdt.Node
	Kernel     []byte
	DTBBlob    []byte
	Loader     Loader
	Firmware   sbi.FirmwareProxy
	Log        *logrus.Entry
}

// Bootstrap brings the machine from "nothing but a device tree" to "one
// sret away from the guest": hart id must be zero, single-hart only.
func Bootstrap(hartID uint64, opts Options) (*Machine, error) {
	if hartID != 0 {
		return nil, errors.Errorf("boot: only hart 0 is supported, got %d", hartID)
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("hart", hartID)
	fw := opts.Firmware
	if fw == nil {
		fw = sbi.NoFirmware{SpecMajor: 2}
	}

	catalog, err := devtree.Build(opts.DeviceTree)
	if err != nil {
		return nil, errors.Wrap(err, "boot: device catalog")
	}

	arena := hostmem.NewArena()
	ram, err := arena.Allocate(opts.Config.RAMSizeMiB << 20)
	if err != nil {
		return nil, errors.Wrap(err, "boot: guest ram")
	}

	dtbGPA := DRAMBase.Add(GuestDeviceTreeOffset)
	if len(opts.DTBBlob) > 0 {
		if GuestDeviceTreeOffset+uint64(len(opts.DTBBlob)) > uint64(len(ram.Data)) {
			return nil, errors.New("boot: device tree blob does not fit in guest ram")
		}
		copy(ram.Data[GuestDeviceTreeOffset:], opts.DTBBlob)
	}

	entry, err := opts.Loader.Load(opts.Kernel, ram.Data[GuestTextOffset:], DRAMBase.Add(GuestTextOffset))
	if err != nil {
		return nil, errors.Wrap(err, "boot: load guest kernel")
	}

	gst, err := gstage.NewRootPageTable(arena)
	if err != nil {
		return nil, errors.Wrap(err, "boot: g-stage root")
	}

	// SATA discovery happens before the G-stage build so the ABAR window
	// can be withheld from the map: accesses to it must trap.
	var hba *pci.Hba
	var sataCtrl pci.SataController
	if catalog.PCI != nil && opts.Config.Devices.PCI != nil && opts.Config.Devices.PCI.Sata != nil {
		fn := opts.Config.Devices.PCI.Sata
		sataCtrl = pci.ProbeSataController(catalog.PCI.Base, pci.Bdf{Bus: fn.Bus, Device: fn.Device, Function: fn.Function})
		hba = pci.NewHba(sataCtrl, gst, arena, log)
		log.WithFields(logrus.Fields{
			"vendor": sataCtrl.VendorID, "device": sataCtrl.DeviceID, "abar": sataCtrl.ABARBase,
		}).Info("sata controller discovered")
	}

	maps := memoryMaps(catalog, ram, hba, sataCtrl)
	if err := gst.Build(maps); err != nil {
		return nil, errors.Wrap(err, "boot: g-stage build")
	}

	p := plic.New(opts.Config.PLICContexts, log)

	if catalog.IOMMU != nil {
		deviceID := uint32(0)
		if pciCfg := opts.Config.Devices.PCI; pciCfg != nil && pciCfg.Sata != nil {
			s := pciCfg.Sata
			deviceID = s.Bus<<8 | s.Device<<3 | s.Function
		}
		if err := programIOMMU(catalog.IOMMU.Base, arena, gst.Base(), deviceID, log); err != nil {
			return nil, errors.Wrap(err, "boot: iommu")
		}
	}

	data := hv.New(catalog, gst, p, arena)

	// CSR contract at VS-mode entry.
	data.CSR.Hedeleg = hv.DefaultHedeleg
	data.CSR.Hideleg = hv.DefaultHideleg
	data.CSR.SetHgatp(uint64(gst.Base()) >> 12)
	data.CSR.Hstatus = hstatusSPV
	data.Guest.SetSPP(true)
	data.Guest.Sstatus |= sstatusSUM

	// Guest registers at entry: a0 = hart id, a1 = guest DTB address.
	data.Guest.SetXreg(10, hartID)
	data.Guest.SetXreg(11, uint64(dtbGPA))
	data.Guest.Sepc = uint64(entry)

	var exts []extemu.Extension
	if opts.Config.Extensions.Zicfiss {
		exts = append(exts, &extemu.Zicfiss{})
	}
	if opts.Config.Extensions.Zbb {
		exts = append(exts, &extemu.Zbb{})
	}

	// Context-id = hart × privilege: hart 0's S-mode context is 1 when the
	// platform exposes an M-mode context 0 alongside it.
	plicContext := 0
	if opts.Config.PLICContexts > 1 {
		plicContext = 1
	}

	log.WithFields(logrus.Fields{
		"entry": entry, "dtb": dtbGPA, "maps": len(maps),
	}).Info("bootstrap complete")

	return &Machine{
		Data:        data,
		PLIC:        p,
		Hba:         hba,
		Extensions:  extemu.NewManager(exts...),
		Firmware:    fw,
		RAM:         ram,
		plicContext: plicContext,
		log:         log,
	}, nil
}

// memoryMaps assembles the full G-stage map: guest RAM, every passthrough
// device window, and the PCI memory ranges -- minus the PLIC window and
// the SATA ABAR, which are withheld so their accesses trap for emulation.
func memoryMaps(catalog *devtree.Catalog, ram *hostmem.Region, hba *pci.Hba, sata pci.SataController) []addr.MemoryMap {
	maps := []addr.MemoryMap{
		addr.NewMemoryMap(DRAMBase, ram.Base, uint64(len(ram.Data)), ramFlags),
		identityMap(catalog.CLINT),
		identityMap(catalog.UART),
	}
	for _, v := range catalog.VirtIO {
		maps = append(maps, identityMap(v.MMIORegion))
	}
	if catalog.RTC != nil {
		maps = append(maps, identityMap(*catalog.RTC))
	}
	if catalog.AXISDC != nil {
		maps = append(maps, identityMap(*catalog.AXISDC))
	}
	if catalog.PCI != nil {
		maps = append(maps, identityMap(catalog.PCI.MMIORegion))
		ranges := catalog.PCI.Ranges
		if hba != nil {
			ranges = withholdWindow(ranges, addr.GuestPhysicalAddress(sata.ABARBase), sata.ABARSize)
		}
		maps = append(maps, ranges...)
	}
	return maps
}

// identityMap maps a device's MMIO window at its own address: the guest
// sees the platform's physical layout unchanged.
func identityMap(r devtree.MMIORegion) addr.MemoryMap {
	return addr.NewMemoryMap(addr.GuestPhysicalAddress(r.Base), r.Base, r.Size, deviceFlags)
}

// withholdWindow removes [base, base+size) from every map it intersects,
// splitting maps as needed, so the window's pages stay untranslated and
// guest accesses to them fault into the emulator. base and size must be
// page-aligned (BAR windows always are).
func withholdWindow(maps []addr.MemoryMap, base addr.GuestPhysicalAddress, size uint64) []addr.MemoryMap {
	end := base.Add(size)
	var out []addr.MemoryMap
	for _, m := range maps {
		if end <= m.GuestPhysBase || base >= m.End() {
			out = append(out, m)
			continue
		}
		if base > m.GuestPhysBase {
			length := uint64(base) - uint64(m.GuestPhysBase)
			out = append(out, addr.NewMemoryMap(m.GuestPhysBase, m.HostPhysBase, length, m.Flags))
		}
		if end < m.End() {
			length := uint64(m.End()) - uint64(end)
			out = append(out, addr.NewMemoryMap(end, m.Translate(end), length, m.Flags))
		}
	}
	return out
}

// programIOMMU runs the IOMMU bring-up: one 4 KiB page per queue, a one-level
// DDT page whose every device context is valid and shares the hart's G-stage
// root, DDTP in Lv1 mode.
func programIOMMU(base addr.HostPhysicalAddress, arena *hostmem.Arena, gstRoot addr.HostPhysicalAddress, deviceID uint32, log *logrus.Entry) error {
	regs := iommu.New(base, log)

	var queues [3]addr.HostPhysicalAddress
	for i := range queues {
		page, err := arena.Allocate(addr.PageSize4K)
		if err != nil {
			return errors.Wrap(err, "queue page")
		}
		queues[i] = page.Base
	}
	if err := regs.Initialize(queues[0], queues[1], queues[2]); err != nil {
		return err
	}

	ddt, err := iommu.BuildSingleDeviceDDT(arena, deviceID, gstRoot)
	if err != nil {
		return err
	}
	regs.SetDDTP(iommu.ModeLv1, ddt)
	return nil
}
