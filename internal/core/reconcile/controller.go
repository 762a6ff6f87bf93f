// Package reconcile decides when the mirror can no longer be trusted and
// recovers it by fetching a full dump.
//
// The controller moves between three states:
//
//	Synced ──first early batch──▶ AwaitingGapFill ──buffer drained──▶ Synced
//	   │                               │
//	   └──apply error / reconnect──────┴──gap timeout──▶ Resyncing ──dump applied──▶ Synced
//
// While Resyncing, one fetch loop retries the dump endpoint with jittered
// exponential backoff. Repeated failures surface as StatusDegraded; the loop
// keeps going until a dump arrives or the controller is closed.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/zeusync/patchmirror/internal/core/events/bus"
	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/retry"
)

// DumpSource fetches the server's current full tree.
type DumpSource interface {
	FetchDump(ctx context.Context) (patch.Dump, error)
}

// DumpSourceFunc adapts a function to DumpSource.
type DumpSourceFunc func(ctx context.Context) (patch.Dump, error)

func (f DumpSourceFunc) FetchDump(ctx context.Context) (patch.Dump, error) {
	return f(ctx)
}

// DeliverFunc hands a fetched dump to the single writer. It returns an error
// when the writer is gone, which ends the fetch loop.
type DeliverFunc func(ctx context.Context, dump patch.Dump) error

type Config struct {
	Backoff retry.Policy `yaml:"backoff"`
	// DegradedAfter is the number of consecutive dump fetch failures after
	// which the status turns Degraded.
	DegradedAfter int `yaml:"degraded_after" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		Backoff:       retry.DefaultPolicy(),
		DegradedAfter: 3,
	}
}

type Controller struct {
	config  Config
	source  DumpSource
	deliver DeliverFunc
	events  bus.EventBus
	logger  log.Log

	// pubMu orders status publications; mu guards the fields below.
	pubMu         sync.Mutex
	mu            sync.Mutex
	state         State
	transportDown bool
	failures      int
	resyncs       uint64
	closed        bool

	ctx        context.Context
	cancel     context.CancelFunc
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(config Config, source DumpSource, deliver DeliverFunc, events bus.EventBus, logger log.Log) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:  config,
		source:  source,
		deliver: deliver,
		events:  events,
		logger:  logger.With(log.String("component", "reconcile")),
		state:   StateSynced,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Failures is the number of consecutive failed dump fetches in the current
// resync.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Resyncs counts how many times Resyncing was entered.
func (c *Controller) Resyncs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

// Subscribe registers fn for every status change. fn runs synchronously on
// the goroutine that caused the change and must not call back into the
// controller's mutating methods.
func (c *Controller) Subscribe(fn func(StatusChange)) (bus.Subscription, error) {
	return c.events.SubscribeTopic(StatusTopic, StatusEventType, func(e bus.Event) error {
		if change, ok := e.Data().(StatusChange); ok {
			fn(change)
		}
		return nil
	})
}

// GapOpened records the first out-of-order arrival.
func (c *Controller) GapOpened() {
	c.transition(func() string {
		if c.state == StateSynced {
			c.state = StateAwaitingGapFill
			c.logger.Debug("Awaiting gap fill")
		}
		return "gap-opened"
	})
}

// GapClosed records that the out-of-order buffer drained completely.
func (c *Controller) GapClosed() {
	c.transition(func() string {
		if c.state == StateAwaitingGapFill {
			c.state = StateSynced
			c.logger.Debug("Gap filled")
		}
		return "gap-closed"
	})
}

// Resync enters Resyncing and starts the dump fetch loop. It reports false
// when a resync is already in progress or the controller is closed, so one
// episode issues exactly one fetch loop however many triggers pile up.
func (c *Controller) Resync(reason string) bool {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.closed || c.state == StateResyncing {
		c.mu.Unlock()
		return false
	}
	previous := c.statusLocked()
	c.state = StateResyncing
	c.failures = 0
	c.resyncs++

	if c.loopCancel != nil {
		c.loopCancel()
	}
	// every fetch of this episode carries the same request id
	loopCtx, loopCancel := context.WithCancel(log.ContextWithRequestID(c.ctx, uuid.NewString()))
	c.loopCancel = loopCancel
	c.wg.Add(1)
	go c.fetchLoop(loopCtx)

	current := c.statusLocked()
	c.mu.Unlock()

	c.logger.WithContext(loopCtx).Info("Resync started", log.String("reason", reason))
	c.publish(previous, current, reason)
	return true
}

// DumpApplied is called by the writer once a dump replaced the tree.
func (c *Controller) DumpApplied(rev patch.Revision) {
	c.transition(func() string {
		if c.state == StateResyncing && c.failures > 0 {
			c.logger.Info("Resync recovered", log.Int("failed_attempts", c.failures))
		}
		c.state = StateSynced
		c.failures = 0
		if c.loopCancel != nil {
			c.loopCancel()
			c.loopCancel = nil
		}
		c.logger.Info("Synced from dump", log.Uint64("revision", uint64(rev)))
		return "dump-applied"
	})
}

// TransportLost marks the delivery channel as down; the status turns Degraded
// until TransportRestored.
func (c *Controller) TransportLost() {
	c.transition(func() string {
		c.transportDown = true
		return "transport-lost"
	})
}

func (c *Controller) TransportRestored() {
	c.transition(func() string {
		c.transportDown = false
		return "transport-restored"
	})
}

// Close stops any fetch loop and waits for it to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) fetchLoop(ctx context.Context) {
	defer c.wg.Done()
	logger := c.logger.WithContext(ctx)

	attempt := 0
	operation := func() error {
		attempt++
		dump, err := c.source.FetchDump(ctx)
		if err != nil {
			return err
		}
		if err = c.deliver(ctx, dump); err != nil {
			return backoff.Permanent(err)
		}
		logger.Debug("Dump fetched",
			log.Uint64("revision", uint64(dump.Revision)),
			log.Int("attempt", attempt))
		return nil
	}

	policy := backoff.WithContext(c.config.Backoff.NewBackOff(), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		c.fetchFailed(logger, err, next)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("Dump fetch loop stopped", log.Error(err))
	}
}

func (c *Controller) fetchFailed(logger log.Log, err error, next time.Duration) {
	c.transition(func() string {
		c.failures++
		fields := []log.Field{
			log.Int("failures", c.failures),
			log.Duration("retry_in", next),
			log.Error(err),
		}
		if c.failures == c.config.DegradedAfter {
			logger.Error("Dump endpoint unreachable, connectivity degraded", fields...)
		} else {
			logger.Warn("Dump fetch failed", fields...)
		}
		return "dump-fetch-failed"
	})
}

// transition runs mutate under the lock and publishes the resulting status if
// it changed.
func (c *Controller) transition(mutate func() string) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	previous := c.statusLocked()
	reason := mutate()
	current := c.statusLocked()
	c.mu.Unlock()

	c.publish(previous, current, reason)
}

func (c *Controller) publish(previous, current Status, reason string) {
	if previous == current {
		return
	}
	c.logger.Info("Connectivity status changed",
		log.Stringer("from", previous),
		log.Stringer("to", current),
		log.String("reason", reason))

	event := bus.NewEvent(StatusEventType, "reconcile", StatusChange{Previous: previous, Current: current, Reason: reason})
	if err := c.events.PublishToTopic(StatusTopic, event); err != nil {
		c.logger.Warn("Status subscriber failed", log.Error(err))
	}
}

func (c *Controller) statusLocked() Status {
	degraded := c.transportDown ||
		(c.state == StateResyncing && c.config.DegradedAfter > 0 && c.failures >= c.config.DegradedAfter)
	switch {
	case degraded:
		return StatusDegraded
	case c.state == StateResyncing:
		return StatusResyncing
	default:
		return StatusSynced
	}
}
