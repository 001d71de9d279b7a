// Package devtree builds the DeviceCatalog, the immutable inventory of
// MMIO-mapped devices the hypervisor needs to know about, by walking a
// typed device-tree (internal/fdt) rather than parsing a raw DTB, per the
// bootstrap's external "device-tree provider" boundary.
package devtree

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/fdt"
)

// MMIORegion is a single (base, size) window discovered from a node's reg
// property.
type MMIORegion struct {
	Base addr.HostPhysicalAddress
	Size uint64
}

// VirtIODevice describes one virtio-mmio window.
type VirtIODevice struct {
	Name string
	MMIORegion
}

// PCIRootDevice describes the PCI ECAM window plus its parsed ranges, with
// sub-devices enumerated separately (internal/pci walks the config space).
type PCIRootDevice struct {
	MMIORegion
	Ranges []addr.MemoryMap
}

// InitrdRegion bounds the initrd image already loaded into guest-physical
// memory, as reported by /chosen.
type InitrdRegion struct {
	Start addr.GuestPhysicalAddress
	End   addr.GuestPhysicalAddress
}

// Catalog is the immutable device inventory constructed once at bootstrap.
// Per-device mutable state (PLIC claim slots, SATA command buffers) lives
// in the owning package (internal/plic, internal/pci), not here.
type Catalog struct {
	CLINT  MMIORegion
	PLIC   MMIORegion
	UART   MMIORegion
	VirtIO []VirtIODevice
	PCI    *PCIRootDevice
	IOMMU  *MMIORegion
	Initrd *InitrdRegion

	// Enumerated but with no dedicated emulation logic yet: reads and
	// writes pass straight through their identity mapping.
	RTC    *MMIORegion
	AXISDC *MMIORegion
}

// addressSizeCells reads #address-cells/#size-cells from a node, defaulting
// to the common riscv-virtio convention (2, 2) when absent.
func addressSizeCells(n *fdt.Node) (int, int) {
	ac, sc := 2, 2
	if v := n.U32Array("#address-cells"); len(v) == 1 {
		ac = int(v[0])
	}
	if v := n.U32Array("#size-cells"); len(v) == 1 {
		sc = int(v[0])
	}
	return ac, sc
}

func firstRegion(n *fdt.Node, parent *fdt.Node) (MMIORegion, error) {
	ac, sc := addressSizeCells(parent)
	ranges, err := n.Reg(ac, sc)
	if err != nil {
		return MMIORegion{}, err
	}
	if len(ranges) == 0 {
		return MMIORegion{}, errors.Errorf("devtree: node %q has empty reg", n.Name)
	}
	return MMIORegion{Base: addr.HostPhysicalAddress(ranges[0].Address), Size: ranges[0].Size}, nil
}

// Build walks root and returns the device catalog required by the
// bootstrap. CLINT, PLIC, and UART are mandatory per the DTB contract;
// everything else is optional.
func Build(root *fdt.Node) (*Catalog, error) {
	soc, ok := fdt.FindNode(root, "/soc")
	if !ok {
		return nil, errors.New("devtree: missing /soc node")
	}

	cat := &Catalog{}

	clint, ok := fdt.FindNode(root, "/soc/clint")
	if !ok {
		return nil, errors.New("devtree: missing /soc/clint")
	}
	region, err := firstRegion(clint, soc)
	if err != nil {
		return nil, errors.Wrap(err, "devtree: clint")
	}
	cat.CLINT = region

	plic, ok := fdt.FindNode(root, "/soc/plic")
	if !ok {
		return nil, errors.New("devtree: missing /soc/plic")
	}
	if region, err = firstRegion(plic, soc); err != nil {
		return nil, errors.Wrap(err, "devtree: plic")
	}
	cat.PLIC = region

	uart, ok := fdt.FindNode(root, "/soc/serial")
	if !ok {
		return nil, errors.New("devtree: missing /soc/serial")
	}
	if region, err = firstRegion(uart, soc); err != nil {
		return nil, errors.Wrap(err, "devtree: serial")
	}
	cat.UART = region

	for _, vdev := range fdt.FindNodesByPrefix(soc, "virtio_mmio") {
		region, err := firstRegion(vdev, soc)
		if err != nil {
			return nil, errors.Wrapf(err, "devtree: %s", vdev.Name)
		}
		cat.VirtIO = append(cat.VirtIO, VirtIODevice{Name: vdev.Name, MMIORegion: region})
	}

	if pciNode, ok := fdt.FindNode(root, "/soc/pci"); ok {
		region, err := firstRegion(pciNode, soc)
		if err != nil {
			return nil, errors.Wrap(err, "devtree: pci")
		}
		ranges, err := ParsePCIRanges(pciNode)
		if err != nil {
			return nil, errors.Wrap(err, "devtree: pci ranges")
		}
		cat.PCI = &PCIRootDevice{MMIORegion: region, Ranges: ranges}
	}

	if iommuNode, ok := fdt.FindNode(root, "/soc/iommu"); ok {
		region, err := firstRegion(iommuNode, soc)
		if err != nil {
			return nil, errors.Wrap(err, "devtree: iommu")
		}
		cat.IOMMU = &region
	}

	if rtcNode, ok := fdt.FindNode(root, "/soc/rtc"); ok {
		region, err := firstRegion(rtcNode, soc)
		if err != nil {
			return nil, errors.Wrap(err, "devtree: rtc")
		}
		cat.RTC = &region
	}

	if sdcNode, ok := fdt.FindNode(root, "/soc/axi_sdc"); ok {
		region, err := firstRegion(sdcNode, soc)
		if err != nil {
			return nil, errors.Wrap(err, "devtree: axi_sdc")
		}
		cat.AXISDC = &region
	}

	if chosen, ok := fdt.FindNode(root, "/chosen"); ok {
		start, errStart := chosen.PropertyCells("linux,initrd-start")
		end, errEnd := chosen.PropertyCells("linux,initrd-end")
		if errStart == nil && errEnd == nil {
			cat.Initrd = &InitrdRegion{
				Start: addr.GuestPhysicalAddress(start),
				End:   addr.GuestPhysicalAddress(end),
			}
		}
	}

	return cat, nil
}
