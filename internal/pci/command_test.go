package pci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// identityGStage treats a guest-physical address as already host-physical,
// which is all a unit test needs from GStageTranslator.
type identityGStage struct{}

func (identityGStage) Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error) {
	return addr.HostPhysicalAddress(gpa), nil
}

func TestTranslateSinglePageUsesDirectTranslation(t *testing.T) {
	arena := hostmem.NewArena()
	region, err := arena.Allocate(addr.PageSize4K)
	require.NoError(t, err)

	prd := &PhysicalRegionDescriptor{DBC: 0xff} // 256 bytes, single page
	gpa := uint64(region.Base)
	prd.DBA = uint32(gpa)
	prd.DBAU = uint32(gpa >> 32)

	data, err := prd.TranslateDataBaseAddress(identityGStage{}, arena, HostToDevice)
	require.NoError(t, err)
	require.Nil(t, data.Bounce)
	require.Equal(t, gpa, uint64(prd.DBAU)<<32|uint64(prd.DBA))
}

func TestTranslateMultiPageAllocatesBounceAndCopiesOnWrite(t *testing.T) {
	arena := hostmem.NewArena()
	src, err := arena.Allocate(2 * addr.PageSize4K)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = byte(i)
	}

	prd := &PhysicalRegionDescriptor{DBC: uint32(2*addr.PageSize4K - 1)}
	gpa := uint64(src.Base)
	prd.DBA = uint32(gpa)
	prd.DBAU = uint32(gpa >> 32)

	data, err := prd.TranslateDataBaseAddress(identityGStage{}, arena, HostToDevice)
	require.NoError(t, err)
	require.NotNil(t, data.Bounce)
	require.Equal(t, src.Data, data.Bounce.Data)

	// DBA/DBAU now point at the bounce buffer, not the original GPA.
	require.NotEqual(t, gpa, uint64(prd.DBAU)<<32|uint64(prd.DBA))

	require.NoError(t, prd.RestoreDataBaseAddress(identityGStage{}, data, HostToDevice))
	require.Equal(t, gpa, uint64(prd.DBAU)<<32|uint64(prd.DBA))
}

func TestRestoreDeviceToHostWritesBackBounceBuffer(t *testing.T) {
	arena := hostmem.NewArena()
	dst, err := arena.Allocate(2 * addr.PageSize4K)
	require.NoError(t, err)

	prd := &PhysicalRegionDescriptor{DBC: uint32(2*addr.PageSize4K - 1)}
	gpa := uint64(dst.Base)
	prd.DBA = uint32(gpa)
	prd.DBAU = uint32(gpa >> 32)

	data, err := prd.TranslateDataBaseAddress(identityGStage{}, arena, DeviceToHost)
	require.NoError(t, err)
	require.NotNil(t, data.Bounce)

	for i := range data.Bounce.Data {
		data.Bounce.Data[i] = 0x42
	}

	require.NoError(t, prd.RestoreDataBaseAddress(identityGStage{}, data, DeviceToHost))
	for _, b := range dst.Data {
		require.Equal(t, byte(0x42), b)
	}
}
