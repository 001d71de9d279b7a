package plic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimThenReadIsIdempotent(t *testing.T) {
	p := New(2, nil)
	require.NoError(t, p.Write(EnableBase, 1<<3)) // enable source 3 on context 0
	p.SetPending(3, true)
	require.NoError(t, p.Write(PriorityBase+3*4, 5))

	source, err := p.Claim(0)
	require.NoError(t, err)
	require.Equal(t, uint32(3), source)

	v, err := p.Read(ThresholdBase + 4)
	require.NoError(t, err)
	require.Equal(t, uint32(3), v)

	v, err = p.Read(ThresholdBase + 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), v)
}

func TestThresholdWriteThenReadRoundTrips(t *testing.T) {
	p := New(2, nil)
	require.NoError(t, p.Write(ThresholdBase, 0xffff_ffff))
	v, err := p.Read(ThresholdBase)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v) // masked to 3 bits
}

func TestInvalidContextRejected(t *testing.T) {
	p := New(1, nil)
	_, err := p.Claim(5)
	require.ErrorIs(t, err, ErrInvalidContextID)

	_, err = p.Read(ThresholdBase + 1*ContextStride)
	require.ErrorIs(t, err, ErrInvalidContextID)
}

func TestOffsetBeyondWindowIsInvalidAddress(t *testing.T) {
	p := New(1, nil)
	_, err := p.Read(p.WindowSize() + 4)
	require.ErrorIs(t, err, ErrInvalidAddress)
}
