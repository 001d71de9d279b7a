// Package config decodes the TOML machine description: how much guest RAM
// to back, where the guest kernel and device-tree blob come from, which
// optional extensions the hart emulates, and the MMIO layout of the
// platform's devices. The [devices] table is the machine description a
// device-tree provider turns into typed nodes for the bootstrap.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Window is one MMIO (base, size) region.
type Window struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// PCIRange mirrors one 7-cell chunk of a PCI host bridge's ranges
// property: an address-space type, a bus address, the CPU address it maps
// to, and a size.
type PCIRange struct {
	// Space is the bus-address space type from the high cell's bits
	// [25:24]: 1 = I/O, 2 = 32-bit memory, 3 = 64-bit memory.
	Space      uint32 `toml:"space"`
	BusAddress uint64 `toml:"bus-address"`
	CPUAddress uint64 `toml:"cpu-address"`
	Size       uint64 `toml:"size"`
}

// SataFunction names the PCI function of the passthrough SATA controller.
type SataFunction struct {
	Bus      uint32 `toml:"bus"`
	Device   uint32 `toml:"device"`
	Function uint32 `toml:"function"`
}

// PCIDevice describes the ECAM window, its memory ranges, and the optional
// SATA function whose ABAR the hypervisor intercepts.
type PCIDevice struct {
	Window
	Ranges []PCIRange    `toml:"ranges"`
	Sata   *SataFunction `toml:"sata"`
}

// Devices is the platform MMIO layout. CLINT, PLIC, and serial are
// mandatory; everything else is optional.
type Devices struct {
	CLINT  Window     `toml:"clint"`
	PLIC   Window     `toml:"plic"`
	Serial Window     `toml:"serial"`
	VirtIO []Window   `toml:"virtio"`
	PCI    *PCIDevice `toml:"pci"`
	IOMMU  *Window    `toml:"iommu"`
	RTC    *Window    `toml:"rtc"`
	AXISDC *Window    `toml:"axi-sdc"`
}

// Initrd bounds the initrd image in guest-physical memory, surfaced to the
// guest through /chosen.
type Initrd struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Extensions selects which optional ISA extensions the hart emulates for
// the guest.
type Extensions struct {
	Zicfiss bool `toml:"zicfiss"`
	Zbb     bool `toml:"zbb"`
}

// Config is the decoded machine description.
type Config struct {
	RAMSizeMiB   uint64     `toml:"ram-size-mib"`
	Kernel       string     `toml:"kernel"`
	DTB          string     `toml:"dtb"`
	PLICContexts int        `toml:"plic-contexts"`
	Initrd       *Initrd    `toml:"initrd"`
	Extensions   Extensions `toml:"extensions"`
	Devices      Devices    `toml:"devices"`
}

// Defaults fills unset fields with the values a minimal riscv-virt-style
// machine wants.
func (c *Config) Defaults() {
	if c.RAMSizeMiB == 0 {
		c.RAMSizeMiB = 256
	}
	if c.PLICContexts == 0 {
		c.PLICContexts = 2
	}
}

// Validate rejects descriptions the bootstrap cannot work with.
func (c *Config) Validate() error {
	if c.Kernel == "" {
		return errors.New("config: kernel image path is required")
	}
	if c.Devices.CLINT.Size == 0 {
		return errors.New("config: devices.clint is required")
	}
	if c.Devices.PLIC.Size == 0 {
		return errors.New("config: devices.plic is required")
	}
	if c.Devices.Serial.Size == 0 {
		return errors.New("config: devices.serial is required")
	}
	if c.PLICContexts < 1 {
		return errors.New("config: plic-contexts must be at least 1")
	}
	if c.Devices.PCI == nil && c.Devices.IOMMU != nil {
		return errors.New("config: devices.iommu requires devices.pci")
	}
	if c.Initrd != nil && c.Initrd.End <= c.Initrd.Start {
		return errors.New("config: initrd end must be above start")
	}
	return nil
}

// Load decodes, defaults, and validates the machine description at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
