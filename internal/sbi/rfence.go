package sbi

// handleRFence forwards RFENCE calls to firmware. REMOTE_FENCE_I and
// REMOTE_SFENCE_VMA[_ASID] take a (hart-mask, hart-mask-base) pair in
// args[0]/args[1] identifying the target harts, followed by the
// FID-specific address/size/ASID arguments; with a single hart this
// hypervisor has nothing to reconstruct, so the mask and the trailing
// arguments are forwarded as-is.
func handleRFence(fw FirmwareProxy, call Call) (int64, uint64) {
	switch call.FID {
	case RFenceRemoteFenceI, RFenceRemoteSFenceVMA, RFenceRemoteSFenceVMAASID:
		return fw.Ecall(ExtRFence, call.FID, call.Args)
	default:
		return ErrNotSupported, 0
	}
}
