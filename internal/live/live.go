// Package live drives the pipeline's concurrency core: one WebSocket
// head subscription feeding a bounded queue, fanned out per block into
// six stages (block header store, balance delta, auxiliary builder
// deltas, relay payload collection, adjustment collection, PBS
// aggregate).
package live

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/metrics"
	"github.com/pbsdata/ingestor/internal/rpc"
)

// HeaderStoreFn stores block N's header and returns once it is durable;
// every other stage depends on this one having completed first.
type HeaderStoreFn func(ctx context.Context, blockNumber uint64) error

// BalanceFn tracks and persists both the fee recipient's balance delta
// and the known auxiliary builder deltas for block N in one paired
// before/after read.
type BalanceFn func(ctx context.Context, blockNumber uint64) error

// RelayFn collects and persists relay payloads for block N. The
// implementation wired in cmd/ingestor fetches each relay's most recent
// page rather than a page scoped to block N's slot.
type RelayFn func(ctx context.Context, blockNumber uint64) error

// AdjustmentFn collects and persists relay adjustments for block N. The
// implementation wired in cmd/ingestor fetches each relay's most recent
// page rather than a page scoped to block N's slot.
type AdjustmentFn func(ctx context.Context, blockNumber uint64) error

// AggregateFn recomputes and persists block N's PBS aggregate record.
type AggregateFn func(ctx context.Context, blockNumber uint64) error

// Coordinator owns the live WebSocket subscription, the bounded block
// queue, and the per-block stage fan-out.
type Coordinator struct {
	Subscriber *rpc.WSHeadSubscriber
	Queue      chan uint64

	StoreHeader        HeaderStoreFn
	TrackBalance       BalanceFn
	CollectRelay       RelayFn
	CollectAdjustments AdjustmentFn
	Aggregate          AggregateFn

	// RelayPreWaitMin/Max bound the jittered delay before the relay
	// collection stage issues its first query for a fresh block (relays
	// publish with lag).
	RelayPreWaitMin time.Duration
	RelayPreWaitMax time.Duration

	ShutdownGracePeriod time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// NewQueue builds the bounded FIFO the WebSocket reader and the stage
// dispatcher share.
func NewQueue(capacity int) chan uint64 {
	return make(chan uint64, capacity)
}

// Run pumps head events into the queue and dispatches one stage fan-out
// per dequeued block until ctx is cancelled, then drains in-flight
// blocks for up to ShutdownGracePeriod before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pump(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			c.Logger.Info("live coordinator shutting down, draining in-flight blocks")
			drained := make(chan struct{})
			go func() {
				wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(c.ShutdownGracePeriod):
				c.Logger.Warn("shutdown grace period elapsed with stages still in flight")
			}
			<-pumpDone
			return ctx.Err()

		case blockNumber, ok := <-c.Queue:
			if !ok {
				<-pumpDone
				return nil
			}
			if c.Metrics != nil {
				c.Metrics.LiveQueueDepth.Set(float64(len(c.Queue)))
				c.Metrics.LiveHeadNumber.Set(float64(blockNumber))
			}
			wg.Add(1)
			go func(n uint64) {
				defer wg.Done()
				c.processBlock(ctx, n)
			}(blockNumber)
		}
	}
}

// pump forwards head events from the WebSocket subscriber into the
// bounded queue. A full queue naturally backpressures: the blocking send
// below stalls this loop, which stalls draining of the subscriber's own
// event channel, which is exactly the "reader stops consuming" behavior
// until space frees.
func (c *Coordinator) pump(ctx context.Context) {
	events := c.Subscriber.Events()
	for {
		select {
		case <-ctx.Done():
			c.Subscriber.Close()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if len(c.Queue) == cap(c.Queue) {
				c.Logger.Warn("live queue at capacity, WebSocket reader backpressured")
			}
			select {
			case c.Queue <- ev.Number:
			case <-ctx.Done():
				c.Subscriber.Close()
				return
			}
		}
	}
}

// processBlock runs one block's six-stage fan-out. The header store
// stage gates everything else; balance, relay, and adjustment collection
// run concurrently and each is isolated so one stage's failure never
// cancels its siblings or the next block's fan-out. The aggregate stage
// runs once all three have reported success or a defined failure.
func (c *Coordinator) processBlock(ctx context.Context, blockNumber uint64) {
	log := c.Logger.With(zap.Uint64("block_number", blockNumber))

	if err := c.StoreHeader(ctx, blockNumber); err != nil {
		c.recordStageError(log, "block_header", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer c.recoverStage(log, "balance")
		if err := c.TrackBalance(ctx, blockNumber); err != nil {
			c.recordStageError(log, "balance", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer c.recoverStage(log, "relay")
		if err := c.waitRelayPreWait(ctx); err != nil {
			return
		}
		if err := c.CollectRelay(ctx, blockNumber); err != nil {
			c.recordStageError(log, "relay", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer c.recoverStage(log, "adjustment")
		if err := c.waitRelayPreWait(ctx); err != nil {
			return
		}
		if err := c.CollectAdjustments(ctx, blockNumber); err != nil {
			c.recordStageError(log, "adjustment", err)
		}
	}()

	wg.Wait()

	if err := c.Aggregate(ctx, blockNumber); err != nil {
		c.recordStageError(log, "aggregate", err)
	}
}

func (c *Coordinator) waitRelayPreWait(ctx context.Context) error {
	span := c.RelayPreWaitMax - c.RelayPreWaitMin
	wait := c.RelayPreWaitMin
	if span > 0 {
		wait += time.Duration(rand.Int63n(int64(span)))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) recoverStage(log *zap.Logger, stage string) {
	if r := recover(); r != nil {
		if c.Metrics != nil {
			c.Metrics.LiveStageErrors.WithLabelValues(stage).Inc()
		}
		log.Error("live stage panicked", zap.String("stage", stage), zap.Any("recover", r))
	}
}

func (c *Coordinator) recordStageError(log *zap.Logger, stage string, err error) {
	if c.Metrics != nil {
		c.Metrics.LiveStageErrors.WithLabelValues(stage).Inc()
	}
	if ingesterr.Fatal(err) {
		log.Error("live stage hit a fatal condition", zap.String("stage", stage), zap.Error(err))
		return
	}
	log.Warn("live stage failed", zap.String("stage", stage), zap.Error(err))
}
