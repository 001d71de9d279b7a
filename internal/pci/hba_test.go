package pci

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// hbaFixture wires a fake ABAR window, a command list with one header, and
// a command table into host memory the way a guest would have laid them
// out, using identity G-stage translation.
type hbaFixture struct {
	hba    *Hba
	arena  *hostmem.Arena
	abar   *hostmem.Region
	list   *hostmem.Region
	table  *hostmem.Region
	header *CommandHeader
}

func newHbaFixture(t *testing.T) *hbaFixture {
	t.Helper()
	arena := hostmem.NewArena()

	abar, err := arena.Allocate(0x1100)
	require.NoError(t, err)
	list, err := arena.Allocate(addr.PageSize4K)
	require.NoError(t, err)
	table, err := arena.Allocate(addr.PageSize4K)
	require.NoError(t, err)

	ctrl := SataController{ABARBase: abar.Base, ABARSize: uint64(len(abar.Data))}
	hba := NewHba(ctrl, identityGStage{}, arena, nil)

	// Port 0's command list base points at the list region ("guest" wrote
	// its GPA there; identity translation makes GPA == HPA).
	portBase := abar.Base.Add(hbaPortsBase)
	hostWrite32(portBase.Add(PortCLB), uint32(uint64(list.Base)))
	hostWrite32(portBase.Add(PortCLBU), uint32(uint64(list.Base)>>32))

	header := (*CommandHeader)(unsafe.Pointer(uintptr(list.Base)))
	header.CTBA = uint32(uint64(table.Base))
	header.CTBAU = uint32(uint64(table.Base) >> 32)

	return &hbaFixture{hba: hba, arena: arena, abar: abar, list: list, table: table, header: header}
}

func (f *hbaFixture) portReg(reg uint64) uint64 { return hbaPortsBase + reg }

func TestHbaCommandIssueTranslatesAndCompletionRestores(t *testing.T) {
	f := newHbaFixture(t)

	// Two single-page PRDs at distinct "guest" pages, per the 8 KiB
	// non-contiguous read scenario: each is translated in place.
	page0, err := f.arena.Allocate(addr.PageSize4K)
	require.NoError(t, err)
	page1, err := f.arena.Allocate(addr.PageSize4K)
	require.NoError(t, err)

	f.header.DW0 = 2 << 16 // PRDTL=2, W=0 (read)
	table := NewCommandTable(f.table.Base)
	for i, region := range []*hostmem.Region{page0, page1} {
		prd := table.prd(uint32(i))
		prd.DBA = uint32(uint64(region.Base))
		prd.DBAU = uint32(uint64(region.Base) >> 32)
		prd.DBC = addr.PageSize4K - 1
	}
	wantCTBA, wantCTBAU := f.header.CTBA, f.header.CTBAU
	wantDBA0 := table.prd(0).DBA

	require.NoError(t, f.hba.Write(f.portReg(PortCI), 1))

	// Header now carries the host-physical command table address; with
	// identity translation that equals the original, so assert via the
	// issued-slot record instead.
	require.NotNil(t, f.hba.issued[0][0])
	require.Len(t, f.hba.issued[0][0].storage.Entries, 2)
	require.Equal(t, addr.GuestPhysicalAddress(page0.Base), f.hba.issued[0][0].storage.Entries[0].GPA)

	// Controller completes: CI bit clears, IS bit sets; the guest's IS
	// read triggers restoration.
	hostWrite32(f.abar.Base.Add(f.portReg(PortCI)), 0)
	hostWrite32(f.abar.Base.Add(f.portReg(PortIS)), 1)
	v, err := f.hba.Read(f.portReg(PortIS))
	require.NoError(t, err)
	require.Equal(t, uint32(1), v)

	require.Nil(t, f.hba.issued[0][0])
	require.Equal(t, wantCTBA, f.header.CTBA)
	require.Equal(t, wantCTBAU, f.header.CTBAU)
	require.Equal(t, wantDBA0, table.prd(0).DBA)
}

func TestHbaBouncesMultiPageRead(t *testing.T) {
	f := newHbaFixture(t)

	data, err := f.arena.Allocate(2 * addr.PageSize4K)
	require.NoError(t, err)

	f.header.DW0 = 1 << 16 // PRDTL=1, W=0 (device-to-host)
	table := NewCommandTable(f.table.Base)
	prd := table.prd(0)
	prd.DBA = uint32(uint64(data.Base))
	prd.DBAU = uint32(uint64(data.Base) >> 32)
	prd.DBC = 2*addr.PageSize4K - 1

	require.NoError(t, f.hba.Write(f.portReg(PortCI), 1))

	cmd := f.hba.issued[0][0]
	require.NotNil(t, cmd)
	bounce := cmd.storage.Entries[0].Bounce
	require.NotNil(t, bounce)

	// The PRD now points at the bounce buffer, not the guest pages.
	got := uint64(prd.DBAU)<<32 | uint64(prd.DBA)
	require.Equal(t, uint64(bounce.Base), got)

	// "Device" deposits read data into the bounce buffer, then completes.
	copy(bounce.Data, []byte{0xca, 0xfe})
	bounce.Data[addr.PageSize4K] = 0x5a
	hostWrite32(f.abar.Base.Add(f.portReg(PortCI)), 0)
	hostWrite32(f.abar.Base.Add(f.portReg(PortIS)), 1)
	_, err = f.hba.Read(f.portReg(PortIS))
	require.NoError(t, err)

	require.Equal(t, byte(0xca), data.Data[0])
	require.Equal(t, byte(0xfe), data.Data[1])
	require.Equal(t, byte(0x5a), data.Data[addr.PageSize4K])
	require.Equal(t, uint64(data.Base), uint64(prd.DBAU)<<32|uint64(prd.DBA))
}

func TestHbaRejectsOutOfWindowAccess(t *testing.T) {
	f := newHbaFixture(t)
	_, err := f.hba.Read(uint64(len(f.abar.Data)))
	require.ErrorIs(t, err, ErrOutsideWindow)
	require.ErrorIs(t, f.hba.Write(uint64(len(f.abar.Data)), 0), ErrOutsideWindow)
}

func TestHbaPassesThroughUnrelatedRegisters(t *testing.T) {
	f := newHbaFixture(t)
	require.NoError(t, f.hba.Write(0x04, 0x1234_5678)) // generic host control
	v, err := f.hba.Read(0x04)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1234_5678), v)
}
