package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/patchmirror/internal/core/events/bus"
	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/retry"
)

var errUnavailable = errors.New("dump endpoint unavailable")

func fastConfig(degradedAfter int) Config {
	return Config{
		Backoff: retry.Policy{
			InitialInterval:     time.Millisecond,
			MaxInterval:         5 * time.Millisecond,
			Multiplier:          2,
			RandomizationFactor: 0.2,
		},
		DegradedAfter: degradedAfter,
	}
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *statusRecorder) record(c StatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Current
	}
	return out
}

// scriptedSource fails the first failN fetches, then serves dump.
type scriptedSource struct {
	calls atomic.Int32
	failN int32
	dump  patch.Dump
	gate  chan struct{}

	mu  sync.Mutex
	ids []string
}

func (s *scriptedSource) FetchDump(ctx context.Context) (patch.Dump, error) {
	n := s.calls.Add(1)
	id, _ := log.RequestID(ctx)
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return patch.Dump{}, ctx.Err()
		}
	}
	if s.failN < 0 || n <= s.failN {
		return patch.Dump{}, errUnavailable
	}
	return s.dump, nil
}

type harness struct {
	ctrl      *Controller
	source    *scriptedSource
	delivered chan patch.Dump
	recorder  *statusRecorder
}

func newHarness(t *testing.T, config Config, source *scriptedSource) *harness {
	t.Helper()
	h := &harness{source: source, delivered: make(chan patch.Dump, 4), recorder: &statusRecorder{}}
	deliver := func(ctx context.Context, d patch.Dump) error {
		select {
		case h.delivered <- d:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.ctrl = New(config, source, deliver, bus.New(), log.NewNop())
	_, err := h.ctrl.Subscribe(h.recorder.record)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) awaitDump(t *testing.T) patch.Dump {
	t.Helper()
	select {
	case d := <-h.delivered:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no dump delivered")
		return patch.Dump{}
	}
}

func TestResyncFetchesDumpAndReturnsToSynced(t *testing.T) {
	h := newHarness(t, fastConfig(3), &scriptedSource{dump: patch.Dump{Revision: 42, Tree: map[string]any{}}})

	require.True(t, h.ctrl.Resync("gap-timeout"))
	assert.Equal(t, StateResyncing, h.ctrl.State())
	assert.Equal(t, StatusResyncing, h.ctrl.Status())

	d := h.awaitDump(t)
	assert.Equal(t, patch.Revision(42), d.Revision)
	h.ctrl.DumpApplied(d.Revision)

	assert.Equal(t, StateSynced, h.ctrl.State())
	assert.Equal(t, []Status{StatusResyncing, StatusSynced}, h.recorder.statuses())
	assert.Equal(t, uint64(1), h.ctrl.Resyncs())
}

func TestEachResyncEpisodeCarriesOneRequestID(t *testing.T) {
	source := &scriptedSource{failN: 2, dump: patch.Dump{Revision: 3}}
	h := newHarness(t, fastConfig(5), source)

	require.True(t, h.ctrl.Resync("gap-timeout"))
	h.ctrl.DumpApplied(h.awaitDump(t).Revision)
	require.True(t, h.ctrl.Resync("apply-error"))
	h.ctrl.DumpApplied(h.awaitDump(t).Revision)

	source.mu.Lock()
	ids := append([]string(nil), source.ids...)
	source.mu.Unlock()
	require.Len(t, ids, 4, "three attempts, then one")
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.NotEqual(t, ids[0], ids[3])
}

func TestResyncIsIdempotentWhileInProgress(t *testing.T) {
	source := &scriptedSource{dump: patch.Dump{Revision: 5}, gate: make(chan struct{})}
	h := newHarness(t, fastConfig(3), source)

	assert.True(t, h.ctrl.Resync("gap-timeout"))
	assert.False(t, h.ctrl.Resync("apply-error"))
	assert.False(t, h.ctrl.Resync("reconnect"))

	close(source.gate)
	h.ctrl.DumpApplied(h.awaitDump(t).Revision)

	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, uint64(1), h.ctrl.Resyncs())
	assert.Equal(t, []Status{StatusResyncing, StatusSynced}, h.recorder.statuses())

	// a new episode starts its own fetch
	assert.True(t, h.ctrl.Resync("gap-timeout"))
	h.ctrl.DumpApplied(h.awaitDump(t).Revision)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestPersistentFetchFailureDegradesThenRecovers(t *testing.T) {
	h := newHarness(t, fastConfig(2), &scriptedSource{failN: 3, dump: patch.Dump{Revision: 9}})

	require.True(t, h.ctrl.Resync("gap-timeout"))
	d := h.awaitDump(t)
	assert.Equal(t, StatusDegraded, h.ctrl.Status())
	assert.Equal(t, 3, h.ctrl.Failures())

	h.ctrl.DumpApplied(d.Revision)
	assert.Equal(t, []Status{StatusResyncing, StatusDegraded, StatusSynced}, h.recorder.statuses())
	assert.Zero(t, h.ctrl.Failures())
}

func TestGapStatesDoNotChangeStatus(t *testing.T) {
	h := newHarness(t, fastConfig(3), &scriptedSource{})

	h.ctrl.GapOpened()
	assert.Equal(t, StateAwaitingGapFill, h.ctrl.State())
	assert.Equal(t, StatusSynced, h.ctrl.Status())

	h.ctrl.GapClosed()
	assert.Equal(t, StateSynced, h.ctrl.State())
	assert.Empty(t, h.recorder.statuses())
}

func TestTransportLossShowsDegradedOnce(t *testing.T) {
	h := newHarness(t, fastConfig(3), &scriptedSource{})

	h.ctrl.TransportLost()
	h.ctrl.TransportLost()
	assert.Equal(t, StatusDegraded, h.ctrl.Status())

	h.ctrl.TransportRestored()
	assert.Equal(t, []Status{StatusDegraded, StatusSynced}, h.recorder.statuses())
}

func TestTransportRestoredDuringResyncShowsResyncing(t *testing.T) {
	source := &scriptedSource{dump: patch.Dump{Revision: 1}, gate: make(chan struct{})}
	h := newHarness(t, fastConfig(3), source)

	h.ctrl.TransportLost()
	h.ctrl.Resync("reconnect")
	assert.Equal(t, StatusDegraded, h.ctrl.Status())
	h.ctrl.TransportRestored()
	assert.Equal(t, StatusResyncing, h.ctrl.Status())
	close(source.gate)
}

func TestCloseStopsFetchLoop(t *testing.T) {
	source := &scriptedSource{failN: -1}
	h := newHarness(t, fastConfig(2), source)

	require.True(t, h.ctrl.Resync("gap-timeout"))
	require.Eventually(t, func() bool { return source.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Close())
	calls := source.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, source.calls.Load())
	assert.False(t, h.ctrl.Resync("gap-timeout"), "closed controller refuses new episodes")
}

func TestDeliverFailureEndsLoop(t *testing.T) {
	source := &scriptedSource{dump: patch.Dump{Revision: 3}}
	ctrl := New(fastConfig(2), source, func(context.Context, patch.Dump) error {
		return errors.New("writer gone")
	}, bus.New(), log.NewNop())
	defer ctrl.Close()

	require.True(t, ctrl.Resync("gap-timeout"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, StateResyncing, ctrl.State())
}
