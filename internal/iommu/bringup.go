package iommu

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
)

// maxPollIterations bounds the busy-poll loops below. Real hardware
// activates a queue within a handful of cycles; this backstops against a
// hang if the IOMMU model is missing or misbehaving.
const maxPollIterations = 1_000_000

// ErrQueueDidNotActivate is returned when a queue's *on bit never sets
// after enable, within maxPollIterations.
var ErrQueueDidNotActivate = errors.New("iommu: queue did not activate")

// Initialize runs the guidelines-for-initialization sequence (riscv-iommu
// §6.2): verify the capabilities version and Sv39x4 support, then bring up
// the command, fault, and page-request queues at the given host-physical
// addresses (each must be a 4 KiB-aligned page holding QueueEntries
// 16-byte slots).
func (r *Registers) Initialize(cqAddr, fqAddr, pqAddr addr.HostPhysicalAddress) error {
	major, _ := r.CapabilitiesVersion()
	if major < 1 {
		return ErrUnsupportedVersion
	}
	if !r.CapabilitiesSv39x4Supported() {
		return ErrSv39x4NotSupported
	}

	if err := r.bringUpCommandQueue(cqAddr); err != nil {
		return err
	}
	if err := r.bringUpFaultQueue(fqAddr); err != nil {
		return err
	}
	if err := r.bringUpPageRequestQueue(pqAddr); err != nil {
		return err
	}
	r.log.Info("iommu queues active")
	return nil
}

func (r *Registers) bringUpCommandQueue(queueAddr addr.HostPhysicalAddress) error {
	if err := r.setQueueBase(RegCQB, queueAddr); err != nil {
		return errors.Wrap(err, "iommu: cqb")
	}
	r.write32(RegCQT, 0)
	r.write32(RegCQCSR, r.read32(RegCQCSR)|1)
	for i := 0; i < maxPollIterations; i++ {
		if (r.read32(RegCQCSR)>>fieldCQCSRCQON)&1 == 1 {
			return nil
		}
	}
	return errors.Wrap(ErrQueueDidNotActivate, "command queue")
}

func (r *Registers) bringUpFaultQueue(queueAddr addr.HostPhysicalAddress) error {
	if err := r.setQueueBase(RegFQB, queueAddr); err != nil {
		return errors.Wrap(err, "iommu: fqb")
	}
	r.write32(RegFQT, 0)
	r.write32(RegFQCSR, r.read32(RegFQCSR)|1)
	for i := 0; i < maxPollIterations; i++ {
		if (r.read32(RegFQCSR)>>fieldFQCSRFQON)&1 == 1 {
			return nil
		}
	}
	return errors.Wrap(ErrQueueDidNotActivate, "fault queue")
}

func (r *Registers) bringUpPageRequestQueue(queueAddr addr.HostPhysicalAddress) error {
	if err := r.setQueueBase(RegPQB, queueAddr); err != nil {
		return errors.Wrap(err, "iommu: pqb")
	}
	r.write32(RegPQT, 0)
	r.write32(RegPQCSR, r.read32(RegPQCSR)|1)
	for i := 0; i < maxPollIterations; i++ {
		if (r.read32(RegPQCSR)>>fieldPQCSRPQON)&1 == 1 {
			return nil
		}
	}
	return errors.Wrap(ErrQueueDidNotActivate, "page-request queue")
}
