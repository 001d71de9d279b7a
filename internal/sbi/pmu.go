package sbi

// PMU function IDs (subset this hypervisor recognizes before forwarding).
const (
	pmuNumCounters           = 0
	pmuCounterGetInfo        = 1
	pmuCounterConfigMatching = 2
	pmuCounterStart          = 3
	pmuCounterStop           = 4
	pmuCounterFwRead         = 5
	pmuCounterFwReadHi       = 6
	pmuSnapshotSetShmem      = 9
)

// pmuFlagMask keeps only bits [7:0] of a PMU config/start/stop flag word.
const pmuFlagMask = 0xff

// handlePMU forwards each PMU FID to the firmware proxy. Only
// COUNTER_CONFIG_MATCHING, COUNTER_START, and COUNTER_STOP carry a flag word
// (in args[2]), which is masked to its defined low 8 bits before forwarding;
// every other FID's arguments are plain indices or addresses and pass
// through unmodified.
func handlePMU(fw FirmwareProxy, call Call) (int64, uint64) {
	args := call.Args
	switch call.FID {
	case pmuCounterConfigMatching, pmuCounterStart, pmuCounterStop:
		args[2] &= pmuFlagMask
	}
	return fw.Ecall(ExtPMU, call.FID, args)
}
