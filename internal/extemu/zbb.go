package extemu

import "github.com/tinyrange/rvisor/internal/hv"

// Zbb emulates the subset of the basic bit-manipulation extension this
// hypervisor needs a guest to be able to run: RORI, ANDN, ORN, XNOR,
// ORC.B, and CLZ. Every other Zbb opcode stays unrecognized rather than
// rounding out coverage the guest workload never exercises. It owns no
// CSR.
type Zbb struct{}

const xlen = 64

// R-type Zbb opcodes (opOp, a funct7 of 0100000 shared with SUB/SRA).
const (
	zbbFunct7RType = 0b0100000
	zbbFunct3Andn  = 0b111
	zbbFunct3Orn   = 0b110
	zbbFunct3Xnor  = 0b100
)

// I-type Zbb opcodes (opOpImm). ORC.B and CLZ use funct3=101/001
// respectively; ORC.B shares funct3=101 with RORI and is told apart from
// it by the fixed funct7/rs2 fields below.
const (
	zbbFunct3Rori = 0b101
	zbbFunct6Rori = 0b011000

	zbbFunct3OrcB = 0b101
	zbbFunct7OrcB = 0b0010100
	zbbRs2OrcB    = 0b00111

	zbbFunct3Clz = 0b001
	zbbFunct7Clz = 0b0110000
	zbbRs2Clz    = 0b00000
)

// TryInstruction implements Extension.
func (Zbb) TryInstruction(data *hv.Data, _ GVATranslator, _ GPATranslator, d Decoded) (bool, error) {
	switch d.Opcode {
	case opOp:
		if d.Funct7 != zbbFunct7RType {
			return false, nil
		}
		rs1, rs2 := data.Guest.Xreg(int(d.Rs1)), data.Guest.Xreg(int(d.Rs2))
		switch d.Funct3 {
		case zbbFunct3Andn:
			data.Guest.SetXreg(int(d.Rd), rs1&^rs2)
			return true, nil
		case zbbFunct3Orn:
			data.Guest.SetXreg(int(d.Rd), rs1|(^rs2))
			return true, nil
		case zbbFunct3Xnor:
			data.Guest.SetXreg(int(d.Rd), ^(rs1 ^ rs2))
			return true, nil
		}
		return false, nil

	case opOpImm:
		switch {
		case d.Funct3 == zbbFunct3Rori && d.Funct6 == zbbFunct6Rori:
			input := data.Guest.Xreg(int(d.Rs1))
			shift := uint(d.Shamt)
			data.Guest.SetXreg(int(d.Rd), (input>>shift)|(input<<(xlen-shift)))
			return true, nil
		case d.Funct3 == zbbFunct3OrcB && d.Funct7 == zbbFunct7OrcB && d.Rs2 == zbbRs2OrcB:
			data.Guest.SetXreg(int(d.Rd), orcB(data.Guest.Xreg(int(d.Rs1))))
			return true, nil
		case d.Funct3 == zbbFunct3Clz && d.Funct7 == zbbFunct7Clz && d.Rs2 == zbbRs2Clz:
			input := data.Guest.Xreg(int(d.Rs1))
			data.Guest.SetXreg(int(d.Rd), uint64(clz64(input)))
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

// TryCSR implements Extension; Zbb owns no CSR.
func (Zbb) TryCSR(*hv.Data, Decoded) (bool, error) { return false, nil }

// TryCSRField implements Extension; Zbb overlays no CSR field.
func (Zbb) TryCSRField(*hv.Data, Decoded, uint64, *uint64) bool { return false }

func orcB(input uint64) uint64 {
	const byteSize = 8
	var output uint64
	for start := 0; start < xlen; start += byteSize {
		if (input>>start)&0xff != 0 {
			output |= 0xff << start
		}
	}
	return output
}

func clz64(v uint64) int {
	n := 0
	for bit := xlen - 1; bit >= 0; bit-- {
		if v&(1<<uint(bit)) != 0 {
			break
		}
		n++
	}
	return n
}
