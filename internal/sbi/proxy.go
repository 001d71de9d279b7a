package sbi

// NoFirmware is the only legitimate FirmwareProxy when there is genuinely
// no SBI firmware underneath this hypervisor: every EID it is asked to
// forward returns NotSupported, and its
// Base-extension identity is this hypervisor's own, since there is no
// other implementation to query.
type NoFirmware struct {
	SpecMajor, SpecMinor uint64
	ID                   uint64
	Version              uint64
}

func (f NoFirmware) Ecall(eid, fid uint64, args [5]uint64) (int64, uint64) {
	return ErrNotSupported, 0
}

func (f NoFirmware) SpecVersion() (major, minor uint64) { return f.SpecMajor, f.SpecMinor }
func (f NoFirmware) ImplID() uint64                     { return f.ID }
func (f NoFirmware) ImplVersion() uint64                { return f.Version }
