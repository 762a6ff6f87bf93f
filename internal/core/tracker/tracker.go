// Package tracker enforces strict revision ordering on the incoming batch
// stream. Early batches are parked in a bounded buffer until the gap before
// them closes; a single timer bounds how long a gap may stay open.
package tracker

import (
	"time"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/sequence"
)

// Sink commits an in-order batch. The store implements it.
type Sink interface {
	ApplyBatch(batch patch.Batch) error
}

// Timer is the part of *time.Timer the tracker needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a timer. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	// GapTimeout bounds how long a gap may stay open before a resync.
	GapTimeout time.Duration
	// BufferCapacity bounds the number of early batches held.
	BufferCapacity int
}

func DefaultConfig() Config {
	return Config{
		GapTimeout:     5 * time.Second,
		BufferCapacity: 64,
	}
}

// Disposition says what Offer did with a batch.
type Disposition uint8

const (
	Applied Disposition = iota
	Buffered
	Stale
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Stale:
		return "stale"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome reports the effect of one Offer.
type Outcome struct {
	Disposition Disposition
	// AppliedCount counts batches committed by this call, drained ones included.
	AppliedCount int
	// DroppedStale counts buffered batches discarded because the baseline
	// overtook them.
	DroppedStale int
	// Evicted is set when buffering this batch pushed out the oldest one.
	Evicted bool
	// GapOpen is true while batches are buffered waiting for a missing revision.
	GapOpen bool
	// GapOpened is true when this call armed the gap timer.
	GapOpened bool
	// GapClosed is true when this call drained the buffer completely.
	GapClosed bool
}

// Tracker is driven by a single goroutine and is not safe for concurrent use.
// Timer expiry never touches the tracker directly: the expire callback is
// expected to hand the generation back to the owning goroutine, which then
// calls Expire.
type Tracker struct {
	config    Config
	sink      Sink
	expected  patch.Revision
	buffer    *sequence.Buffer[patch.Revision, patch.Batch]
	timer     Timer
	timerGen  uint64
	suspended bool
	onExpire  func(gen uint64)
	afterFunc AfterFunc
	logger    log.Log
}

type Option func(*Tracker)

// WithAfterFunc replaces time.AfterFunc, for tests.
func WithAfterFunc(f AfterFunc) Option {
	return func(t *Tracker) { t.afterFunc = f }
}

// New returns a tracker expecting a batch starting at expected. onExpire is
// called from the timer goroutine with the generation of the expired timer.
func New(config Config, sink Sink, expected patch.Revision, onExpire func(gen uint64), logger log.Log, opts ...Option) *Tracker {
	t := &Tracker{
		config:    config,
		sink:      sink,
		expected:  expected,
		buffer:    sequence.NewBuffer[patch.Revision, patch.Batch](config.BufferCapacity),
		onExpire:  onExpire,
		afterFunc: realAfterFunc,
		logger:    logger.With(log.String("component", "tracker")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Expected() patch.Revision {
	return t.expected
}

func (t *Tracker) Buffered() int {
	return t.buffer.Len()
}

func (t *Tracker) TimerArmed() bool {
	return t.timer != nil
}

func (t *Tracker) Suspended() bool {
	return t.suspended
}

// Offer routes one batch: apply it if it is next, park it if it is early,
// drop it if it is stale. An apply failure clears all sequencing state and is
// returned so the caller can force a resync.
func (t *Tracker) Offer(batch patch.Batch) (Outcome, error) {
	switch {
	case batch.From < t.expected:
		t.logger.Debug("Stale batch discarded",
			log.Stringer("batch", batch),
			log.Uint64("expected", uint64(t.expected)))
		return Outcome{Disposition: Stale, GapOpen: !t.buffer.IsEmpty()}, nil

	case batch.From > t.expected || t.suspended:
		return t.park(batch), nil
	}

	out := Outcome{Disposition: Applied}
	if err := t.sink.ApplyBatch(batch); err != nil {
		t.abandon()
		out.Disposition = Failed
		return out, err
	}
	t.expected = batch.To
	out.AppliedCount = 1

	applied, dropped, err := t.drain()
	out.AppliedCount += applied
	out.DroppedStale = dropped
	if err != nil {
		out.Disposition = Failed
		return out, err
	}

	out.GapOpen = !t.buffer.IsEmpty()
	if !out.GapOpen && t.disarm() {
		out.GapClosed = true
	}
	return out, nil
}

// Expire handles a fired gap timer. It reports true when the gap is still
// open, in which case the buffer has been cleared and a resync must start.
// Expiries of timers that were since disarmed or replaced are ignored.
func (t *Tracker) Expire(gen uint64) bool {
	if t.timer == nil || gen != t.timerGen {
		return false
	}
	t.timer = nil
	if t.buffer.IsEmpty() {
		return false
	}

	t.logger.Warn("Gap not filled in time",
		log.Uint64("expected", uint64(t.expected)),
		log.Int("buffered", t.buffer.Len()),
		log.Duration("timeout", t.config.GapTimeout))
	t.buffer.Clear()
	return true
}

// Suspend stops applying batches while a dump is being fetched. Batches keep
// being buffered, without a gap timer, so that those following the dump's
// revision can be replayed once Reset is called.
func (t *Tracker) Suspend() {
	t.suspended = true
	t.disarm()
}

// Reset rebases the tracker on a freshly applied dump at revision rev, then
// replays buffered batches that continue from it.
func (t *Tracker) Reset(rev patch.Revision) (Outcome, error) {
	t.suspended = false
	t.disarm()
	t.expected = rev

	out := Outcome{Disposition: Applied}
	applied, dropped, err := t.drain()
	out.AppliedCount = applied
	out.DroppedStale = dropped
	if err != nil {
		out.Disposition = Failed
		return out, err
	}
	if !t.buffer.IsEmpty() {
		out.GapOpen = true
		out.GapOpened = t.arm()
	}
	return out, nil
}

// Stop cancels the timer and forgets buffered batches.
func (t *Tracker) Stop() {
	t.disarm()
	t.buffer.Clear()
}

func (t *Tracker) park(batch patch.Batch) Outcome {
	out := Outcome{Disposition: Buffered}
	if key, _, evicted := t.buffer.Put(batch.From, batch); evicted {
		out.Evicted = true
		t.logger.Warn("Out-of-order buffer full, oldest batch evicted",
			log.Uint64("evicted_from", uint64(key)),
			log.Int("capacity", t.buffer.Cap()))
	}
	if !t.suspended {
		out.GapOpened = t.arm()
	}
	out.GapOpen = true

	t.logger.Debug("Batch buffered",
		log.Stringer("batch", batch),
		log.Uint64("expected", uint64(t.expected)),
		log.Int("buffered", t.buffer.Len()))
	return out
}

// drain applies buffered batches continuing from expected until none matches.
func (t *Tracker) drain() (applied, dropped int, err error) {
	for {
		dropped += t.buffer.DeleteFunc(func(from patch.Revision, _ patch.Batch) bool {
			return from < t.expected
		})
		next, ok := t.buffer.Take(t.expected)
		if !ok {
			return applied, dropped, nil
		}
		if err = t.sink.ApplyBatch(next); err != nil {
			t.abandon()
			return applied, dropped, err
		}
		t.expected = next.To
		applied++
	}
}

// arm starts the gap timer unless one is already running.
func (t *Tracker) arm() bool {
	if t.timer != nil {
		return false
	}
	t.timerGen++
	gen := t.timerGen
	t.timer = t.afterFunc(t.config.GapTimeout, func() {
		if t.onExpire != nil {
			t.onExpire(gen)
		}
	})
	return true
}

func (t *Tracker) disarm() bool {
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

func (t *Tracker) abandon() {
	t.disarm()
	t.buffer.Clear()
}
