package sbi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleFWFTShadowStackSetAndGetSucceed(t *testing.T) {
	for _, fid := range []uint64{FWFTSet, FWFTGet} {
		errCode, val := handleFWFT(Call{FID: fid, Args: [5]uint64{fwftFeatureShadowStack}})
		require.EqualValues(t, Success, errCode)
		require.Equal(t, uint64(0), val)
	}
}

func TestHandleFWFTRejectsUnknownFID(t *testing.T) {
	errCode, val := handleFWFT(Call{FID: 2})
	require.EqualValues(t, ErrNotSupported, errCode)
	require.Equal(t, uint64(0), val)
}

func TestHandleFWFTPanicsOnUnsupportedFeature(t *testing.T) {
	require.Panics(t, func() {
		handleFWFT(Call{FID: FWFTSet, Args: [5]uint64{fwftFeatureLandingPad}})
	})
}
