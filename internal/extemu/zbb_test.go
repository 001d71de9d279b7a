package extemu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvisor/internal/hv"
)

func rType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func newZbbData() *hv.Data {
	return &hv.Data{Guest: &hv.GuestContext{}, CSR: &hv.CSRFile{}}
}

func TestZbbAndnOrnXnor(t *testing.T) {
	z := Zbb{}
	data := newZbbData()
	data.Guest.SetXreg(1, 0b1100)
	data.Guest.SetXreg(2, 0b1010)

	handled, err := z.TryInstruction(data, nil, nil, Decode(rType(zbbFunct7RType, 2, 1, zbbFunct3Andn, 3, opOp)))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, uint64(0b0100), data.Guest.Xreg(3))

	handled, err = z.TryInstruction(data, nil, nil, Decode(rType(zbbFunct7RType, 2, 1, zbbFunct3Orn, 4, opOp)))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, data.Guest.Xreg(1)|^data.Guest.Xreg(2), data.Guest.Xreg(4))

	handled, err = z.TryInstruction(data, nil, nil, Decode(rType(zbbFunct7RType, 2, 1, zbbFunct3Xnor, 5, opOp)))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, ^(data.Guest.Xreg(1) ^ data.Guest.Xreg(2)), data.Guest.Xreg(5))
}

func TestZbbRori(t *testing.T) {
	z := Zbb{}
	data := newZbbData()
	data.Guest.SetXreg(1, 1)

	insn := uint32(zbbFunct6Rori<<26 | 1<<20 | 1<<15 | zbbFunct3Rori<<12 | 2<<7 | opOpImm)
	handled, err := z.TryInstruction(data, nil, nil, Decode(insn))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, uint64(1)<<63, data.Guest.Xreg(2))
}

func TestZbbOrcB(t *testing.T) {
	z := Zbb{}
	data := newZbbData()
	data.Guest.SetXreg(1, 0x0001_0000_0000_0001)

	insn := uint32(zbbFunct7OrcB<<25 | zbbRs2OrcB<<20 | 1<<15 | zbbFunct3OrcB<<12 | 2<<7 | opOpImm)
	handled, err := z.TryInstruction(data, nil, nil, Decode(insn))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, uint64(0x00ff_0000_0000_00ff), data.Guest.Xreg(2))
}

func TestZbbClz(t *testing.T) {
	z := Zbb{}
	data := newZbbData()
	data.Guest.SetXreg(1, 1)

	insn := uint32(zbbFunct7Clz<<25 | zbbRs2Clz<<20 | 1<<15 | zbbFunct3Clz<<12 | 2<<7 | opOpImm)
	handled, err := z.TryInstruction(data, nil, nil, Decode(insn))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, uint64(63), data.Guest.Xreg(2))
}

func TestZbbRejectsUnrecognizedInstruction(t *testing.T) {
	z := Zbb{}
	data := newZbbData()
	handled, err := z.TryInstruction(data, nil, nil, Decode(0))
	require.NoError(t, err)
	require.False(t, handled)
}
