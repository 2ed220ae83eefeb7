// Package cpu coordinates physical-core fencing. When a VM with
// passthrough-pinned vCPUs shuts down, its dedicated cores are taken
// offline before the VM's resources are released, and brought back online
// afterwards for reuse. Requests are asynchronous one-shot signals; the
// requester blocks only on the bounded acknowledgment barrier.
package cpu

import (
	"context"
	"errors"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
	"github.com/metalvisor/metalvisor/internal/timeout"
)

const (
	statusOnline uint32 = iota
	statusOffline
)

const pollInterval = time.Millisecond

// Signaler delivers a one-shot inter-core kick, the moral equivalent of a
// notification IPI. Kick must not block: the sender never waits for
// delivery, only for the acknowledgment barrier that follows.
type Signaler interface {
	Kick(coreID uint16)
}

type core struct {
	status           atomic.Uint32
	offlineRequested atomic.Bool
	onlineRequested  atomic.Bool
	shutdownVM       atomic.Bool
}

// Coordinator tracks per-core fencing state for every physical core on the
// platform. One scheduling context runs per core; the coordinator is the
// only cross-core synchronization point.
type Coordinator struct {
	sig   Signaler
	self  func() uint16
	cores []core
}

// New builds a coordinator for numCores cores. self reports the calling
// core's id so a core never kicks itself.
func New(numCores uint16, self func() uint16, sig Signaler) *Coordinator {
	return &Coordinator{
		sig:   sig,
		self:  self,
		cores: make([]core, numCores),
	}
}

// NumCores returns the platform core count.
func (c *Coordinator) NumCores() uint16 {
	return uint16(len(c.cores))
}

// MaskBit returns the CoreMask bit for a core id.
func MaskBit(coreID uint16) uint64 {
	return uint64(1) << coreID
}

// MarkOffline flags coreID as offline-requested and kicks it unless it is
// the calling core.
func (c *Coordinator) MarkOffline(ctx context.Context, coreID uint16) error {
	if int(coreID) >= len(c.cores) {
		return ErrCoreOutOfRange
	}
	c.cores[coreID].offlineRequested.Store(true)
	if coreID != c.self() {
		c.sig.Kick(coreID)
	}
	log.G(ctx).WithField(logfields.CoreID, coreID).Debug("core offline requested")
	return nil
}

// OfflinePending consumes a pending offline request for coreID. The
// per-core scheduling loop polls this and calls AckOffline once it has
// quiesced.
func (c *Coordinator) OfflinePending(coreID uint16) bool {
	return c.cores[coreID].offlineRequested.CompareAndSwap(true, false)
}

// AckOffline is called from coreID's own context once it is fenced.
func (c *Coordinator) AckOffline(coreID uint16) {
	c.cores[coreID].status.Store(statusOffline)
}

// AckOnline is called from coreID's own context once it is back in
// service.
func (c *Coordinator) AckOnline(coreID uint16) {
	c.cores[coreID].onlineRequested.Store(false)
	c.cores[coreID].status.Store(statusOnline)
}

// OnlinePending consumes a pending online request for coreID.
func (c *Coordinator) OnlinePending(coreID uint16) bool {
	return c.cores[coreID].onlineRequested.CompareAndSwap(true, false)
}

// Offline reports whether coreID is fenced.
func (c *Coordinator) Offline(coreID uint16) bool {
	return c.cores[coreID].status.Load() == statusOffline
}

var (
	errCoresStillOnline  = errors.New("cores still online")
	errCoresStillOffline = errors.New("cores still offline")
)

// WaitOffline blocks the calling core until every core in mask reports
// offline, bounded by timeout.CoreOffline. A core that never acknowledges
// is reported as ErrCoreTimeout; the barrier must never hang.
func (c *Coordinator) WaitOffline(ctx context.Context, mask uint64) (err error) {
	if mask == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		log.G(ctx).WithFields(logrus.Fields{
			logfields.CoreMask: mask,
			logfields.Duration: time.Since(start),
		}).Debug("core offline barrier done")
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInterval
	bo.MaxElapsedTime = timeout.CoreOffline

	err = backoff.Retry(func() error {
		if c.remaining(mask) != 0 {
			return errCoresStillOnline
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return pkgerrors.Wrapf(ErrCoreTimeout, "waiting for cores 0x%x to offline", c.remaining(mask))
	}
	return nil
}

// StartCores requests every core in mask back online and waits for each
// acknowledgment, bounded per core by timeout.CoreOnline. Failure leaves
// the missing cores fenced and is reported to the caller; it does not undo
// whatever operation triggered the restart.
func (c *Coordinator) StartCores(ctx context.Context, mask uint64) error {
	if mask == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, coreID := range CoresOf(mask) {
		c.cores[coreID].onlineRequested.Store(true)
		if coreID != c.self() {
			c.sig.Kick(coreID)
		}

		g.Go(func() error {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = pollInterval
			bo.MaxElapsedTime = timeout.CoreOnline

			err := backoff.Retry(func() error {
				if c.Offline(coreID) {
					return errCoresStillOffline
				}
				return nil
			}, backoff.WithContext(bo, ctx))
			if err != nil {
				return pkgerrors.Wrapf(ErrCoreTimeout, "waiting for core %d to restart", coreID)
			}
			return nil
		})
	}
	return g.Wait()
}

// RequestShutdownVM flags coreID to tear down the VM it is running and
// kicks it unless it is the calling core.
func (c *Coordinator) RequestShutdownVM(coreID uint16) error {
	if int(coreID) >= len(c.cores) {
		return ErrCoreOutOfRange
	}
	c.cores[coreID].shutdownVM.Store(true)
	if coreID != c.self() {
		c.sig.Kick(coreID)
	}
	return nil
}

// ConsumeShutdownVMRequest consumes a pending shutdown-VM request on
// coreID, returning whether one was set.
func (c *Coordinator) ConsumeShutdownVMRequest(coreID uint16) bool {
	return c.cores[coreID].shutdownVM.CompareAndSwap(true, false)
}

// remaining returns the subset of mask whose cores are not yet offline.
func (c *Coordinator) remaining(mask uint64) uint64 {
	var still uint64
	for _, coreID := range CoresOf(mask) {
		if !c.Offline(coreID) {
			still |= MaskBit(coreID)
		}
	}
	return still
}

// CoresOf expands a core bitmask into core ids, ascending.
func CoresOf(mask uint64) []uint16 {
	out := make([]uint16, 0, bits.OnesCount64(mask))
	for mask != 0 {
		coreID := uint16(bits.TrailingZeros64(mask))
		out = append(out, coreID)
		mask &^= MaskBit(coreID)
	}
	return out
}
