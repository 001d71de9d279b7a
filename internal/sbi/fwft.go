package sbi

import "fmt"

// FWFT features (p.78 of the SBI FWFT extension doc). Only ShadowStack is
// emulated; everything else is out of scope for this hypervisor.
const (
	fwftFeatureMisalignedExcDeleg  = 0
	fwftFeatureLandingPad          = 1
	fwftFeatureShadowStack         = 2
	fwftFeatureDoubleTrap          = 3
	fwftFeaturePteAdHwUpdating     = 4
	fwftFeaturePointerMaskingPmlen = 5
)

// handleFWFT emulates the Firmware Features extension locally: there is no
// firmware underneath to forward to. SET and GET both report success
// for the shadow-stack feature, since this hypervisor never enables it for
// the guest; any other feature number is one this hypervisor has no
// emulation for and is a configuration error, not a recoverable guest
// fault, so it panics rather than returning a bogus SBI error code.
func handleFWFT(call Call) (int64, uint64) {
	feature := call.Args[0]

	switch call.FID {
	case FWFTSet, FWFTGet:
		switch feature {
		case fwftFeatureShadowStack:
			return Success, 0
		default:
			panic(fmt.Sprintf("sbi: fwft: unimplemented feature %d", feature))
		}
	default:
		return ErrNotSupported, 0
	}
}
