package pci

import "github.com/tinyrange/rvisor/internal/addr"

// SataController records the discovered AHCI Base Address Register (ABAR)
// window for a SATA function found in configuration space.
type SataController struct {
	Ident    Bdf
	VendorID uint32
	DeviceID uint32
	ABARBase addr.HostPhysicalAddress
	ABARSize uint64
}

// ProbeSataController reads the identifying registers and BAR5 (the AHCI
// spec fixes the ABAR at BAR5) for fn within the ECAM window at
// configBase, and returns the controller's memory-mapped register window.
func ProbeSataController(configBase addr.HostPhysicalAddress, fn Bdf) SataController {
	vendorID := ReadConfigRegister(configBase, fn, RegVendorID)
	deviceID := ReadConfigRegister(configBase, fn, RegDeviceID)

	bar := ReadConfigRegister(configBase, fn, RegBAR5)
	// Bit 0 of a memory BAR is always 0; AHCI does not use the
	// prefetchable or 64-bit-decode bits of BAR5.
	base := addr.HostPhysicalAddress(bar &^ 0xf)
	size := BARSize(configBase, fn, RegBAR5)

	return SataController{
		Ident:    fn,
		VendorID: vendorID,
		DeviceID: deviceID,
		ABARBase: base,
		ABARSize: size,
	}
}
