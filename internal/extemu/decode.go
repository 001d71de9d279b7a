// Package extemu emulates the instructions and CSR accesses this
// hypervisor does not implement in hardware: Zicfiss (shadow stack) and a
// handful of Zbb (basic bit-manipulation) opcodes. A guest executing one of
// these traps as an illegal instruction; the trap dispatcher hands the
// raw instruction word here instead of forwarding the fault to the guest.
package extemu

// Standard opcode field (insn[6:0]) values this package cares about.
const (
	opOpImm = 0b0010011 // I-type ALU, also RORI/ORC.B/CLZ (Zbb)
	opOp    = 0b0110011 // R-type ALU, also ANDN/ORN/XNOR (Zbb)
	opAMO   = 0b0101111 // atomic-memory-operation space, also Zicfiss
	opSys   = 0b1110011 // SYSTEM: CSR instructions
)

// Decoded is a 32-bit instruction word split into the fields every opcode
// family this package handles needs; unused fields for a given opcode are
// simply ignored by its handler.
type Decoded struct {
	Raw    uint32
	Opcode uint32
	Rd     uint32
	Funct3 uint32
	Rs1    uint32
	Rs2    uint32
	Funct5 uint32 // AMO-space top 5 bits of funct7, selects the AMO operation
	Funct6 uint32 // insn[31:26], the funct6 of an RV64 shift-immediate
	Funct7 uint32
	Shamt  uint32 // insn[25:20], RV64 6-bit shift amount
	CSR    uint32 // insn[31:20], valid only for opSys
}

// Decode splits insn into the fields used by Zicfiss/Zbb recognition.
func Decode(insn uint32) Decoded {
	return Decoded{
		Raw:    insn,
		Opcode: insn & 0x7f,
		Rd:     (insn >> 7) & 0x1f,
		Funct3: (insn >> 12) & 0x7,
		Rs1:    (insn >> 15) & 0x1f,
		Rs2:    (insn >> 20) & 0x1f,
		Funct5: (insn >> 27) & 0x1f,
		Funct6: (insn >> 26) & 0x3f,
		Funct7: (insn >> 25) & 0x7f,
		Shamt:  (insn >> 20) & 0x3f,
		CSR:    (insn >> 20) & 0xfff,
	}
}
