package sbi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlePMUMasksFlagOnConfigMatching(t *testing.T) {
	fw := &fakeFirmware{ecallVal: 9}
	errCode, val := handlePMU(fw, Call{
		FID:  pmuCounterConfigMatching,
		Args: [5]uint64{1, 2, 0xdead_ff, 4, 5},
	})
	require.EqualValues(t, Success, errCode)
	require.Equal(t, uint64(9), val)
	require.Equal(t, uint64(0xff), fw.ecallArgs[2])
	require.Equal(t, uint64(1), fw.ecallArgs[0])
	require.Equal(t, uint64(4), fw.ecallArgs[3])
}

func TestHandlePMUMasksFlagOnStartAndStop(t *testing.T) {
	fw := &fakeFirmware{}
	handlePMU(fw, Call{FID: pmuCounterStart, Args: [5]uint64{0, 0, 0x1_ff}})
	require.Equal(t, uint64(0xff), fw.ecallArgs[2])

	handlePMU(fw, Call{FID: pmuCounterStop, Args: [5]uint64{0, 0, 0x2_ff}})
	require.Equal(t, uint64(0xff), fw.ecallArgs[2])
}

func TestHandlePMUPassesCounterReadsThrough(t *testing.T) {
	fw := &fakeFirmware{ecallVal: 42}
	_, val := handlePMU(fw, Call{FID: pmuCounterFwRead, Args: [5]uint64{3}})
	require.Equal(t, uint64(42), val)
	require.Equal(t, uint64(3), fw.ecallArgs[0])
}

func TestHandlePMUPassesSnapshotShmemThrough(t *testing.T) {
	fw := &fakeFirmware{}
	handlePMU(fw, Call{FID: pmuSnapshotSetShmem, Args: [5]uint64{0x8000_1000, 0, 0xf}})
	require.Equal(t, uint64(0x8000_1000), fw.ecallArgs[0])
	require.Equal(t, uint64(0xf), fw.ecallArgs[2])
}
