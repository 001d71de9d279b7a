package hv

import (
	"github.com/tinyrange/rvisor/internal/devtree"
	"github.com/tinyrange/rvisor/internal/gstage"
	"github.com/tinyrange/rvisor/internal/hostmem"
	"github.com/tinyrange/rvisor/internal/plic"
)

// Data is the aggregate of everything a trap handler, SBI handler, or
// extension emulator needs to service one guest exit: the guest's saved
// register file, the software-modeled H-extension CSRs, the device
// catalogue discovered from the DTB, the G-stage table, the virtualized
// PLIC, and the host memory arena backing guest RAM. It is built once at
// bootstrap (C11) and passed by pointer into every handler, rather than
// reached for as a global -- see the package doc for why.
type Data struct {
	Guest *GuestContext
	CSR   *CSRFile

	Catalog *devtree.Catalog
	GStage  *gstage.RootPageTable
	PLIC    *plic.PLIC
	Arena   *hostmem.Arena

	// ShadowStackPointer is the Zicfiss ssp CSR, modeled here rather than
	// in CSRFile because it is only meaningful when henvcfg.SSE is set
	// and the extension emulator owns its lifecycle.
	ShadowStackPointer uint64
}

// New assembles a Data from its already-constructed parts. Bootstrap (C11)
// is the only expected caller.
func New(catalog *devtree.Catalog, gst *gstage.RootPageTable, p *plic.PLIC, arena *hostmem.Arena) *Data {
	return &Data{
		Guest:   &GuestContext{},
		CSR:     &CSRFile{},
		Catalog: catalog,
		GStage:  gst,
		PLIC:    p,
		Arena:   arena,
	}
}
