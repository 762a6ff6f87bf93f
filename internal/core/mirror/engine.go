// Package mirror runs the single writer that keeps the local tree in step with
// the server. Transport events, gap timer expiries and fetched dumps all enter
// one intake queue and are handled in arrival order on the Run goroutine.
package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/patchmirror/internal/core/events/bus"
	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/internal/core/reconcile"
	"github.com/zeusync/patchmirror/internal/core/store"
	"github.com/zeusync/patchmirror/internal/core/tracker"
	"github.com/zeusync/patchmirror/internal/core/transport"
)

var (
	ErrEngineStopped  = errors.New("mirror engine stopped")
	ErrAlreadyRunning = errors.New("mirror engine already running")
)

type Config struct {
	Tracker   tracker.Config
	Reconcile reconcile.Config
	// QueueSize bounds the intake queue; Submit blocks while it is full.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Tracker:   tracker.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		QueueSize: 256,
	}
}

type itemKind uint8

const (
	itemEvent itemKind = iota
	itemExpire
	itemResync
)

type item struct {
	kind   itemKind
	event  transport.Event
	gen    uint64
	reason string
}

// slowStatusDelivery is how long status handlers may hold the publisher
// before the delivery is logged as slow.
const slowStatusDelivery = 50 * time.Millisecond

type Engine struct {
	store   *store.Store
	tracker *tracker.Tracker
	ctrl    *reconcile.Controller
	events  bus.EventBus
	logger  log.Log

	intake   chan item
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once
	stats     counters
}

type Option func(*engineOptions)

type engineOptions struct {
	tracker []tracker.Option
}

// WithTrackerOptions forwards options to the sequence tracker.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(o *engineOptions) { o.tracker = append(o.tracker, opts...) }
}

// New wires a tracker and a reconciliation controller around st. Status
// changes are published on events.
func New(config Config, st *store.Store, source reconcile.DumpSource, events bus.EventBus, logger log.Log, opts ...Option) *Engine {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}

	e := &Engine{
		store:   st,
		events:  events,
		logger:  logger.With(log.String("component", "engine")),
		intake:  make(chan item, config.QueueSize),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
	e.tracker = tracker.New(config.Tracker, st, st.Revision(), e.postExpiry, logger, o.tracker...)
	e.ctrl = reconcile.New(config.Reconcile, source, e.deliverDump, events, logger)
	events.AddObserver(e)
	return e
}

// OnDelivered counts status deliveries and reports handlers that stall the
// publisher. Handler errors are logged by the controller.
func (e *Engine) OnDelivered(topic, eventType string, handlers int, _ error, d time.Duration) {
	if topic != reconcile.StatusTopic {
		return
	}
	e.stats.statusDeliveries.Add(uint64(handlers))
	e.stats.statusPublished.Add(1)
	if d > slowStatusDelivery {
		e.logger.Warn("Slow status handlers",
			log.String("event", eventType), log.Int("handlers", handlers), log.Duration("took", d))
	}
}

// Submit enqueues a transport event. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, ev transport.Event) error {
	return e.enqueue(ctx, item{kind: itemEvent, event: ev})
}

// RequestResync asks the engine to fetch a fresh dump, e.g. at bootstrap.
func (e *Engine) RequestResync(ctx context.Context, reason string) error {
	return e.enqueue(ctx, item{kind: itemResync, reason: reason})
}

// Ready is closed once the first dump has been applied.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) Status() reconcile.Status {
	return e.ctrl.Status()
}

func (e *Engine) State() reconcile.State {
	return e.ctrl.State()
}

// OnStatus registers fn for connectivity status changes.
func (e *Engine) OnStatus(fn func(reconcile.StatusChange)) (bus.Subscription, error) {
	return e.ctrl.Subscribe(fn)
}

func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Run handles queued items until ctx is done. On return the gap timer and any
// dump fetch are cancelled; later submissions fail with ErrEngineStopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		e.tracker.Stop()
		e.stop()
	}()

	e.logger.Info("Engine started", log.Uint64("revision", uint64(e.store.Revision())))
	for {
		select {
		case it := <-e.intake:
			e.handle(it)
		case <-ctx.Done():
			e.logger.Info("Engine stopped", log.Uint64("revision", uint64(e.store.Revision())))
			return nil
		case <-e.stopped:
			return nil
		}
	}
}

// Stop ends Run and cancels timers and fetches without a context.
func (e *Engine) Stop() {
	e.stop()
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		_ = e.ctrl.Close()
		e.events.RemoveObserver(e)
	})
}

func (e *Engine) enqueue(ctx context.Context, it item) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.intake <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// postExpiry runs on the timer goroutine.
func (e *Engine) postExpiry(gen uint64) {
	_ = e.enqueue(context.Background(), item{kind: itemExpire, gen: gen})
}

// deliverDump runs on the controller's fetch goroutine.
func (e *Engine) deliverDump(ctx context.Context, dump patch.Dump) error {
	return e.enqueue(ctx, item{kind: itemEvent, event: transport.DumpEvent(dump)})
}

func (e *Engine) handle(it item) {
	switch it.kind {
	case itemExpire:
		if e.tracker.Expire(it.gen) {
			e.stats.gapTimeouts.Add(1)
			e.resync("gap-timeout")
		}
	case itemResync:
		e.resync(it.reason)
	case itemEvent:
		e.handleEvent(it.event)
	}
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventBatch:
		e.onBatch(ev.Batch)
	case transport.EventDump:
		e.onDump(ev.Dump)
	case transport.EventConnectionLost:
		e.ctrl.TransportLost()
	case transport.EventConnectionRestored:
		// enter Resyncing first so the status goes straight from Degraded to
		// Resyncing
		if ev.ResyncRequired {
			e.resync("reconnect")
		}
		e.ctrl.TransportRestored()
	case transport.EventMalformedBatch:
		e.onMalformedBatch(ev.Err)
	case transport.EventDataError:
		e.stats.dataErrors.Add(1)
		e.logger.Warn("Dropped undecodable payload", log.Error(ev.Err))
	default:
		e.logger.Warn("Unknown transport event", log.Stringer("kind", ev.Kind))
	}
}

func (e *Engine) onBatch(b patch.Batch) {
	out, err := e.tracker.Offer(b)
	e.count(out)
	if err != nil {
		e.stats.applyErrors.Add(1)
		e.logger.Error("Batch rejected, local tree no longer trusted",
			log.Stringer("batch", b),
			log.Uint64("revision", uint64(e.store.Revision())),
			log.Error(err))
		e.resync("apply-error")
		return
	}
	e.signalGap(out)
}

// onMalformedBatch treats a batch that failed validation like one that failed
// to apply: it is gone, so the tree can only be trusted again after a dump.
func (e *Engine) onMalformedBatch(err error) {
	e.stats.applyErrors.Add(1)
	fields := []log.Field{log.Uint64("revision", uint64(e.store.Revision())), log.Error(err)}
	var batchErr *patch.BatchError
	if errors.As(err, &batchErr) {
		fields = append(fields,
			log.Uint64("from", uint64(batchErr.From)),
			log.Uint64("to", uint64(batchErr.To)),
			log.Int("operation", batchErr.Index),
			log.String("op", batchErr.Op),
			log.String("path", batchErr.Path))
	}
	e.logger.Error("Malformed batch, local tree no longer trusted", fields...)
	e.resync("malformed-batch")
}

func (e *Engine) onDump(d patch.Dump) {
	if err := e.store.ApplyDump(d); err != nil {
		e.logger.Error("Dump not applied", log.Uint64("revision", uint64(d.Revision)), log.Error(err))
		return
	}
	e.stats.dumpsApplied.Add(1)
	e.readyOnce.Do(func() { close(e.ready) })

	out, err := e.tracker.Reset(d.Revision)
	e.ctrl.DumpApplied(d.Revision)
	e.count(out)
	if err != nil {
		e.stats.applyErrors.Add(1)
		e.logger.Error("Replay after dump failed", log.Uint64("revision", uint64(d.Revision)), log.Error(err))
		e.resync("apply-error")
		return
	}
	e.signalGap(out)
}

// resync enters Resyncing; the tracker holds batches until the dump lands.
func (e *Engine) resync(reason string) {
	if e.ctrl.Resync(reason) {
		e.stats.resyncs.Add(1)
	}
	e.tracker.Suspend()
}

func (e *Engine) signalGap(out tracker.Outcome) {
	if out.GapOpened {
		e.ctrl.GapOpened()
	}
	if out.GapClosed {
		e.ctrl.GapClosed()
	}
}

func (e *Engine) count(out tracker.Outcome) {
	e.stats.applied.Add(uint64(out.AppliedCount))
	e.stats.stale.Add(uint64(out.DroppedStale))
	switch out.Disposition {
	case tracker.Stale:
		e.stats.stale.Add(1)
	case tracker.Buffered:
		e.stats.buffered.Add(1)
	}
	if out.Evicted {
		e.stats.evicted.Add(1)
	}
}
