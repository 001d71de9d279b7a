package main

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
)

// flatImageLoader copies a flat (pre-extracted) guest image to the start
// of its DRAM slot and reports the slot base as the entry point. A guest
// packaged as an ELF goes through the external ELF loader collaborator
// instead; this harness only needs flat images.
type flatImageLoader struct{}

func (flatImageLoader) Load(image []byte, dram []byte, base addr.GuestPhysicalAddress) (addr.GuestPhysicalAddress, error) {
	if len(image) == 0 {
		return 0, errors.New("loader: empty guest image")
	}
	if len(image) > len(dram) {
		return 0, errors.Errorf("loader: image (%d bytes) does not fit in dram slot (%d bytes)", len(image), len(dram))
	}
	copy(dram, image)
	return base, nil
}
