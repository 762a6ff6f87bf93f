package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/internal/core/reconcile"
	"github.com/zeusync/patchmirror/internal/core/store"
	"github.com/zeusync/patchmirror/internal/core/transport"
)

const waitFor = 3 * time.Second

// fakeServer serves a dump at revision 10 and, when polled from revision 10,
// one batch moving foo from 1 to 2.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dump", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"revision":10,"tree":{"foo":1,"bar":{"list":[]}}}`))
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("revision") != "10" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"fromRevision":10,"toRevision":11,"operations":[{"op":"replace","path":["foo"],"value":2}]}`))
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/push", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"fromRevision":10,"toRevision":11,"operations":[{"op":"add","path":["bar","list",0],"value":"x"}]}`))
		for {
			if _, _, err = conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testConfig(server *httptest.Server, mode transport.Mode) Config {
	cfg := DefaultConfig()
	cfg.DumpURL = server.URL + "/dump"
	cfg.Transport.Mode = mode
	cfg.Transport.Poll = &transport.PollConfig{URL: server.URL + "/poll", Cooldown: 10 * time.Millisecond}
	cfg.Transport.Push = &transport.PushConfig{URL: "ws" + strings.TrimPrefix(server.URL, "http") + "/push"}
	cfg.Resync.Backoff.InitialInterval = 5 * time.Millisecond
	cfg.Resync.Backoff.MaxInterval = 20 * time.Millisecond
	cfg.Transport.Retry = cfg.Resync.Backoff
	return cfg
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	return c
}

func TestPollClientFollowsServer(t *testing.T) {
	c := startClient(t, testConfig(fakeServer(t), transport.ModePoll))

	var mu sync.Mutex
	var last any
	_, err := c.Subscribe(patch.P("foo"), func(ch store.Change) {
		mu.Lock()
		last = ch.Value
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Revision() == 11 }, waitFor, 5*time.Millisecond)
	v, ok := c.Snapshot(patch.P("foo"))
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	assert.Equal(t, reconcile.StatusSynced, c.Status())
	assert.NotEmpty(t, c.ID())
	assert.GreaterOrEqual(t, c.Stats().DumpsApplied, uint64(1))

	mu.Lock()
	defer mu.Unlock()
	if last != nil {
		assert.Equal(t, 2.0, last)
	}
}

func TestPushClientReplaysBatchHeldDuringBootstrap(t *testing.T) {
	c := startClient(t, testConfig(fakeServer(t), transport.ModePush))

	require.Eventually(t, func() bool { return c.Revision() == 11 }, waitFor, 5*time.Millisecond)
	v, _ := c.Snapshot(patch.P("bar", "list"))
	assert.Equal(t, []any{"x"}, v)
}

func TestCloseInvalidatesSubscriptionsAndRefusesRestart(t *testing.T) {
	c := startClient(t, testConfig(fakeServer(t), transport.ModePoll))
	sub, err := c.Subscribe(patch.P("foo"), func(store.Change) {})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, sub.IsActive())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClientClosed)
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client never finished")
	}
}

func TestStatusStreamReportsUnreachableDumpEndpoint(t *testing.T) {
	server := fakeServer(t)
	cfg := testConfig(server, transport.ModePoll)
	cfg.DumpURL = server.URL + "/missing"
	cfg.Resync.DegradedAfter = 2

	c, err := New(cfg, log.NewNop())
	require.NoError(t, err)
	seen := make(chan reconcile.Status, 8)
	_, err = c.OnStatus(func(ch reconcile.StatusChange) { seen <- ch.Current })
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.Equal(t, reconcile.StatusResyncing, <-seen)
	select {
	case s := <-seen:
		assert.Equal(t, reconcile.StatusDegraded, s)
	case <-time.After(waitFor):
		t.Fatal("status never degraded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), ErrBootstrapTimeout)
}

func TestWaitReadyBeforeStart(t *testing.T) {
	c, err := New(testConfig(fakeServer(t), transport.ModePoll), log.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, c.WaitReady(context.Background()), ErrNotStarted)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.WaitReady(context.Background()), ErrClientClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig(), log.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
