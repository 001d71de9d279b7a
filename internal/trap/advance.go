package trap

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hv"
)

// htinstCompressedBit is bit 1 of htinst: 0 means the trapping instruction
// was 16-bit (compressed).
const htinstCompressedBit = 1 << 1

// GVATranslator resolves a guest virtual address to guest-physical,
// satisfied by *vsstage.Walker.
type GVATranslator interface {
	Translate(gva addr.GuestVirtualAddress) (addr.GuestPhysicalAddress, error)
}

// GPATranslator resolves a guest-physical address to host-physical,
// satisfied by *gstage.RootPageTable.
type GPATranslator interface {
	Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error)
}

// AdvanceSepc moves the guest past an emulated instruction: after it has been
// successfully emulated, move guest sepc past it. The instruction length
// comes from htinst bit 1 when htinst is non-zero; otherwise the
// instruction is re-fetched by translating sepc through VS-stage then
// G-stage and inspecting its low 16 bits (a compressed instruction never
// has 0b11 in bits [1:0]).
func AdvanceSepc(data *hv.Data, htinst uint64, vsWalk GVATranslator, gWalk GPATranslator) error {
	if htinst != 0 {
		data.Guest.Sepc += instrLen(htinst&htinstCompressedBit != 0)
		return nil
	}

	gpa, err := vsWalk.Translate(addr.GuestVirtualAddress(data.Guest.Sepc))
	if err != nil {
		return errors.Wrap(err, "trap: advance sepc: vs-stage translate")
	}
	hpa, err := gWalk.Walk(gpa)
	if err != nil {
		return errors.Wrap(err, "trap: advance sepc: g-stage translate")
	}
	low16 := *(*uint16)(unsafe.Pointer(uintptr(hpa)))
	data.Guest.Sepc += instrLen(low16&0x3 == 0x3)
	return nil
}

func instrLen(is32Bit bool) uint64 {
	if is32Bit {
		return 4
	}
	return 2
}
