package boot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/config"
	"github.com/tinyrange/rvisor/internal/fdt"
	"github.com/tinyrange/rvisor/internal/gstage"
	"github.com/tinyrange/rvisor/internal/hv"
	"github.com/tinyrange/rvisor/internal/plic"
	"github.com/tinyrange/rvisor/internal/trap"
)

const (
	testCLINTBase = 0x0200_0000
	testPLICBase  = 0x0c00_0000
	testPLICSize  = 0x60_0000
	testUARTBase  = 0x1000_0000
)

func reg(base, size uint32) fdt.Property {
	return fdt.Property{U32: []uint32{0, base, 0, size}}
}

func testTree() *fdt.Node {
	return &fdt.Node{
		Name: "",
		Children: []fdt.Node{
			{
				Name: "soc",
				Children: []fdt.Node{
					{Name: "clint@2000000", Properties: map[string]fdt.Property{"reg": reg(testCLINTBase, 0x1_0000)}},
					{Name: "plic@c000000", Properties: map[string]fdt.Property{"reg": reg(testPLICBase, testPLICSize)}},
					{Name: "serial@10000000", Properties: map[string]fdt.Property{"reg": reg(testUARTBase, 0x100)}},
				},
			},
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"linux,initrd-start": {U32: []uint32{0x8440_0000}},
					"linux,initrd-end":   {U32: []uint32{0x8800_0000}},
				},
			},
		},
	}
}

// flatLoader stands in for the external ELF loader: it copies a flat image
// to the start of the dram slot and reports the slot base as the entry.
type flatLoader struct{}

func (flatLoader) Load(image []byte, dram []byte, base addr.GuestPhysicalAddress) (addr.GuestPhysicalAddress, error) {
	copy(dram, image)
	return base, nil
}

func testConfig() *config.Config {
	c := &config.Config{
		RAMSizeMiB: 64,
		Kernel:     "test",
		Extensions: config.Extensions{Zicfiss: true, Zbb: true},
		Devices: config.Devices{
			CLINT:  config.Window{Base: testCLINTBase, Size: 0x1_0000},
			PLIC:   config.Window{Base: testPLICBase, Size: testPLICSize},
			Serial: config.Window{Base: testUARTBase, Size: 0x100},
		},
	}
	c.Defaults()
	return c
}

func bootMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := Bootstrap(0, Options{
		Config:     testConfig(),
		DeviceTree: testTree(),
		Kernel:     []byte{0x13, 0x00, 0x00, 0x00}, // nop
		DTBBlob:    []byte{0xd0, 0x0d, 0xfe, 0xed},
		Loader:     flatLoader{},
	})
	require.NoError(t, err)
	return m
}

func TestBootstrapCSRAndEntryState(t *testing.T) {
	m := bootMachine(t)

	// hgatp: Sv39x4 mode, VMID 0, PPN of the root table.
	require.Equal(t, uint64(hv.HgatpModeSv39x4), m.Data.CSR.Hgatp>>60)
	require.Equal(t, uint64(m.Data.GStage.Base())>>12, m.Data.CSR.HgatpPPN())

	require.Equal(t, uint64(hv.DefaultHedeleg), m.Data.CSR.Hedeleg)
	require.Equal(t, uint64(hv.DefaultHideleg), m.Data.CSR.Hideleg)
	require.Equal(t, uint64(hstatusSPV), m.Data.CSR.Hstatus&hstatusSPV)
	require.True(t, m.Data.Guest.SPP())
	require.NotZero(t, m.Data.Guest.Sstatus&sstatusSUM)

	// a0 = hart id, a1 = guest DTB address, sepc = entry.
	require.Equal(t, uint64(0), m.Data.Guest.Xreg(10))
	require.Equal(t, uint64(DRAMBase.Add(GuestDeviceTreeOffset)), m.Data.Guest.Xreg(11))
	require.Equal(t, uint64(DRAMBase.Add(GuestTextOffset)), m.Data.Guest.Sepc)

	// The DTB copy and the loaded image are where the layout says.
	require.Equal(t, byte(0xd0), m.RAM.Data[GuestDeviceTreeOffset])
	require.Equal(t, byte(0x13), m.RAM.Data[GuestTextOffset])
}

func TestBootstrapGStageMapsRAMAndWithholdsPLIC(t *testing.T) {
	m := bootMachine(t)

	hpa, err := m.Data.GStage.Walk(DRAMBase.Add(0x1234))
	require.NoError(t, err)
	require.Equal(t, m.RAM.Base.Add(0x1234), hpa)

	// Passthrough devices are identity-mapped.
	hpa, err = m.Data.GStage.Walk(addr.GuestPhysicalAddress(testUARTBase))
	require.NoError(t, err)
	require.Equal(t, addr.HostPhysicalAddress(testUARTBase), hpa)

	// The PLIC window must fault.
	_, err = m.Data.GStage.Walk(addr.GuestPhysicalAddress(testPLICBase))
	require.ErrorIs(t, err, gstage.ErrInvalidEntry)
}

func TestBootstrapRejectsSecondaryHart(t *testing.T) {
	_, err := Bootstrap(1, Options{Config: testConfig(), DeviceTree: testTree(), Loader: flatLoader{}})
	require.Error(t, err)
}

// lw a0, 0(t0)
const insnLWa0 = uint32(5<<15 | 0b010<<12 | 10<<7 | opLoad)

// sw t1, 0(t0)
const insnSWt1 = uint32(6<<20 | 5<<15 | 0b010<<12 | opStore)

func TestSBISpecVersionQuery(t *testing.T) {
	m := bootMachine(t)
	m.Data.Guest.SetXreg(17, 0x10) // EID: Base
	m.Data.Guest.SetXreg(16, 0)    // FID: GetSpecVersion
	sepc := m.Data.Guest.Sepc

	require.NoError(t, m.HandleTrap(trap.Trap{Cause: trap.CauseEcallFromVS}))

	require.Equal(t, uint64(0), m.Data.Guest.Xreg(10))
	require.Equal(t, uint64(2)<<24, m.Data.Guest.Xreg(11))
	require.Equal(t, sepc+4, m.Data.Guest.Sepc)
}

func TestPLICClaimThroughTrapPath(t *testing.T) {
	m := bootMachine(t)
	claimGPA := uint64(testPLICBase) + plic.ThresholdBase + uint64(m.plicContext)*plic.ContextStride + 4

	readClaim := func() uint64 {
		m.Data.Guest.SetXreg(10, 0xffff_ffff_ffff_ffff)
		require.NoError(t, m.HandleTrap(trap.Trap{
			Cause:  trap.CauseLoadGuestPageFault,
			Htval:  claimGPA,
			Htinst: uint64(insnLWa0),
		}))
		return m.Data.Guest.Xreg(10)
	}

	// No pending IRQ: claim reads 0.
	require.Equal(t, uint64(0), readClaim())

	// IRQ #3 arrives: enable it for the hart's context, mark it pending,
	// and deliver the external interrupt so the dispatcher claims it.
	require.NoError(t, m.PLIC.Write(3*4, 1)) // priority
	require.NoError(t, m.PLIC.Write(plic.EnableBase+uint64(m.plicContext)*0x80, 1<<3))
	m.PLIC.SetPending(3, true)
	require.NoError(t, m.HandleTrap(trap.Trap{Cause: trap.InterruptBit | trap.CauseSupervisorExternal}))
	require.NotZero(t, m.Data.CSR.Hvip&hv.HidelegVSExtern)

	require.Equal(t, uint64(3), readClaim())
	// Idempotence: the slot drained on the first read.
	require.Equal(t, uint64(0), readClaim())
}

func TestPLICThresholdStoreWritesThrough(t *testing.T) {
	m := bootMachine(t)
	thresholdGPA := uint64(testPLICBase) + plic.ThresholdBase + uint64(m.plicContext)*plic.ContextStride
	thresholdOffset := plic.ThresholdBase + uint64(m.plicContext)*plic.ContextStride

	m.Data.Guest.SetXreg(6, 0xffff_ffff)
	sepc := m.Data.Guest.Sepc
	require.NoError(t, m.HandleTrap(trap.Trap{
		Cause:  trap.CauseStoreAmoGuestPageFault,
		Htval:  thresholdGPA,
		Htinst: uint64(insnSWt1),
	}))

	// No fault surfaced to the guest, and the register reflects the write
	// (the PLIC keeps the architecturally-defined low priority bits).
	require.Zero(t, m.Data.CSR.Vscause)
	require.Equal(t, sepc+4, m.Data.Guest.Sepc)
	v, err := m.PLIC.Read(thresholdOffset)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)
}

func TestMMIOFaultOutsideEmulatedWindowsForwardsToGuest(t *testing.T) {
	m := bootMachine(t)
	m.Data.CSR.Vstvec = 0x8021_0000
	sepc := m.Data.Guest.Sepc

	require.NoError(t, m.HandleTrap(trap.Trap{
		Cause:  trap.CauseLoadGuestPageFault,
		Stval:  0x4000_0000,
		Htval:  0x4000_0000,
		Htinst: uint64(insnLWa0),
	}))

	require.Equal(t, uint64(trap.CauseLoadGuestPageFault), m.Data.CSR.Vscause)
	require.Equal(t, sepc, m.Data.CSR.Vsepc)
	require.Equal(t, uint64(0x8021_0000), m.Data.Guest.Sepc)
}

func amoInsn(funct5, rs2, rs1, rd uint32) uint32 {
	return funct5<<27 | rs2<<20 | rs1<<15 | rd<<7 | 0b0101111
}

func TestZicfissMismatchRaisesPseudoVSException(t *testing.T) {
	m := bootMachine(t)

	// VU-mode with senvcfg.SSE set; the shadow stack lives in guest RAM
	// (vsatp is Bare, so GVA == GPA).
	m.Data.Guest.SetSPP(false)
	m.Data.CSR.SetSenvcfgSSE(true)
	m.Data.ShadowStackPointer = uint64(DRAMBase) + 0x10_0000
	m.Data.CSR.Vstvec = 0x8020_0400

	const (
		zicfissFunct5 = 0b11100
		sspush        = 0
		sspopchk      = 1
	)

	m.Data.Guest.SetXreg(5, 0xdead_beef)
	require.NoError(t, m.HandleTrap(trap.Trap{
		Cause: trap.CauseIllegalInstruction,
		Stval: uint64(amoInsn(zicfissFunct5, sspush, 5, 0)),
	}))
	require.Zero(t, m.Data.CSR.Vscause)

	m.Data.Guest.SetXreg(6, 0)
	require.NoError(t, m.HandleTrap(trap.Trap{
		Cause: trap.CauseIllegalInstruction,
		Stval: uint64(amoInsn(zicfissFunct5, sspopchk, 6, 0)),
	}))

	require.Equal(t, uint64(trap.CauseSoftwareCheck), m.Data.CSR.Vscause)
	require.Equal(t, uint64(3), m.Data.CSR.Vstval)
	require.Equal(t, uint64(0x8020_0400), m.Data.Guest.Sepc)
	// The pseudo exception records the trapped-from privilege and enters
	// the guest's handler in (virtual) supervisor mode.
	require.True(t, m.Data.Guest.SPP())
}

func TestZbbThroughIllegalInstructionPath(t *testing.T) {
	m := bootMachine(t)

	// andn t2, t0, t1: funct7 0100000, funct3 111.
	m.Data.Guest.SetXreg(5, 0b1111)
	m.Data.Guest.SetXreg(6, 0b0101)
	insn := uint32(0b0100000<<25 | 6<<20 | 5<<15 | 0b111<<12 | 7<<7 | 0b0110011)
	sepc := m.Data.Guest.Sepc

	require.NoError(t, m.HandleTrap(trap.Trap{Cause: trap.CauseIllegalInstruction, Stval: uint64(insn)}))
	require.Equal(t, uint64(0b1010), m.Data.Guest.Xreg(7))
	require.Equal(t, sepc+4, m.Data.Guest.Sepc)
}

func TestWithholdWindowSplitsMaps(t *testing.T) {
	flags := deviceFlags
	maps := []addr.MemoryMap{addr.NewMemoryMap(0x4000_0000, 0x4000_0000, 0x10_0000, flags)}

	out := withholdWindow(maps, 0x4008_0000, 0x1000)
	require.Len(t, out, 2)
	require.Equal(t, addr.GuestPhysicalAddress(0x4000_0000), out[0].GuestPhysBase)
	require.Equal(t, uint64(0x8_0000), out[0].Length)
	require.Equal(t, addr.GuestPhysicalAddress(0x4008_1000), out[1].GuestPhysBase)
	require.Equal(t, uint64(0x7_f000), out[1].Length)
	require.Equal(t, addr.HostPhysicalAddress(0x4008_1000), out[1].HostPhysBase)

	// A window covering the whole map removes it.
	out = withholdWindow(maps, 0x4000_0000, 0x10_0000)
	require.Empty(t, out)

	// A disjoint window leaves the map untouched.
	out = withholdWindow(maps, 0x5000_0000, 0x1000)
	require.Equal(t, maps, out)
}

func TestDecodeMMIO(t *testing.T) {
	// ld a1, 0(t0)
	acc, err := decodeMMIO(5<<15 | 0b011<<12 | 11<<7 | opLoad)
	require.NoError(t, err)
	require.Equal(t, mmioAccess{width: 8, reg: 11}, acc)

	// lbu a2, 0(t0)
	acc, err = decodeMMIO(5<<15 | 0b100<<12 | 12<<7 | opLoad)
	require.NoError(t, err)
	require.Equal(t, mmioAccess{width: 1, reg: 12}, acc)

	// sd t1, 0(t0)
	acc, err = decodeMMIO(6<<20 | 5<<15 | 0b011<<12 | opStore)
	require.NoError(t, err)
	require.Equal(t, mmioAccess{store: true, width: 8, reg: 6}, acc)

	// c.lw a0, 0(a1): quadrant 0, funct3 010, rd' = a0 (x10 = 8+2)
	acc, err = decodeMMIO(0b010<<13 | 2<<2)
	require.NoError(t, err)
	require.Equal(t, mmioAccess{width: 4, reg: 10, signed: true}, acc)

	// Not a memory access.
	_, err = decodeMMIO(0b0110011)
	require.ErrorIs(t, err, errNotMemoryAccess)
}

func TestExtend(t *testing.T) {
	require.Equal(t, uint64(0xffff_ffff_ffff_8000), extend(0x8000, mmioAccess{width: 2, signed: true}))
	require.Equal(t, uint64(0x8000), extend(0x8000, mmioAccess{width: 2}))
	require.Equal(t, uint64(0x12), extend(0x3412, mmioAccess{width: 1}))
}
