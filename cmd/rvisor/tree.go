package main

import (
	"fmt"

	"github.com/tinyrange/rvisor/internal/config"
	"github.com/tinyrange/rvisor/internal/fdt"
)

// deviceTree is the device-tree provider: it turns the config's [devices]
// table into the typed node tree the bootstrap walks, the same shape a
// DTB decoder would hand over.
func deviceTree(cfg *config.Config) *fdt.Node {
	soc := fdt.Node{
		Name: "soc",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
	}

	addNode := func(name string, w config.Window, extra map[string]fdt.Property) {
		props := map[string]fdt.Property{"reg": regProperty(w)}
		for k, v := range extra {
			props[k] = v
		}
		soc.Children = append(soc.Children, fdt.Node{
			Name:       fmt.Sprintf("%s@%x", name, w.Base),
			Properties: props,
		})
	}

	addNode("clint", cfg.Devices.CLINT, nil)
	addNode("plic", cfg.Devices.PLIC, nil)
	addNode("serial", cfg.Devices.Serial, nil)
	for _, w := range cfg.Devices.VirtIO {
		addNode("virtio_mmio", w, nil)
	}
	if p := cfg.Devices.PCI; p != nil {
		addNode("pci", p.Window, map[string]fdt.Property{
			"ranges": {U32: rangesCells(p.Ranges)},
		})
	}
	if w := cfg.Devices.IOMMU; w != nil {
		addNode("iommu", *w, nil)
	}
	if w := cfg.Devices.RTC; w != nil {
		addNode("rtc", *w, nil)
	}
	if w := cfg.Devices.AXISDC; w != nil {
		addNode("axi_sdc", *w, nil)
	}

	root := &fdt.Node{Name: "", Children: []fdt.Node{soc}}
	if cfg.Initrd != nil {
		root.Children = append(root.Children, fdt.Node{
			Name: "chosen",
			Properties: map[string]fdt.Property{
				"linux,initrd-start": {U64: []uint64{cfg.Initrd.Start}},
				"linux,initrd-end":   {U64: []uint64{cfg.Initrd.End}},
			},
		})
	}
	return root
}

// regProperty encodes a window as a 2-address-cell, 2-size-cell reg.
func regProperty(w config.Window) fdt.Property {
	return fdt.Property{U32: []uint32{
		uint32(w.Base >> 32), uint32(w.Base),
		uint32(w.Size >> 32), uint32(w.Size),
	}}
}

// rangesCells encodes the PCI ranges as the standard 7-cell chunks: a
// 3-cell bus address whose high cell carries the space type in bits
// [25:24], a 2-cell CPU address, and a 2-cell size.
func rangesCells(ranges []config.PCIRange) []uint32 {
	var cells []uint32
	for _, r := range ranges {
		cells = append(cells,
			(r.Space&0b11)<<24, uint32(r.BusAddress>>32), uint32(r.BusAddress),
			uint32(r.CPUAddress>>32), uint32(r.CPUAddress),
			uint32(r.Size>>32), uint32(r.Size),
		)
	}
	return cells
}
