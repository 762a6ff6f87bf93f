// Package client provides the application-facing mirror of a server-owned
// state tree.
//
// A Client bootstraps from a full dump, then follows the server through the
// configured transport. Application code reads the tree with Snapshot, reacts
// to changes with Subscribe and watches connectivity with OnStatus.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/patchmirror/internal/core/events/bus"
	"github.com/zeusync/patchmirror/internal/core/mirror"
	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/internal/core/reconcile"
	"github.com/zeusync/patchmirror/internal/core/store"
	"github.com/zeusync/patchmirror/internal/core/transport"
)

// Client represents one mirroring session
type Client struct {
	id     string
	config Config
	logger log.Log

	store     *store.Store
	events    bus.EventBus
	engine    *mirror.Engine
	transport transport.Transport

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
}

// New builds a client. Nothing touches the network until Start.
func New(config Config, logger log.Log) (*Client, error) {
	config.Transport.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger = logger.With(log.String("client_id", id))

	st := store.New(logger)
	tr, err := transport.New(config.Transport, st, logger)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	dumps := transport.NewHTTPDumpSource(config.DumpURL, config.DumpTimeout, logger)
	events := bus.New()

	c := &Client{
		id:        id,
		config:    config,
		logger:    logger.With(log.String("component", "client")),
		store:     st,
		events:    events,
		engine:    mirror.New(config.engineConfig(), st, dumps, events, logger),
		transport: tr,
		done:      make(chan struct{}),
	}

	c.logger.Info("Client created",
		log.String("mode", string(tr.Mode())),
		log.String("dump_url", config.DumpURL))
	return c, nil
}

// ID returns the session id
func (c *Client) ID() string {
	return c.id
}

// Start launches the engine, requests the bootstrap dump and connects the
// transport. It returns once everything is running; use WaitReady to wait
// for the first dump. The client runs until ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return c.engine.Run(groupCtx)
	})

	if err := c.engine.RequestResync(ctx, "bootstrap"); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}
	if err := c.transport.Connect(groupCtx); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}
	group.Go(func() error {
		return c.pump(groupCtx)
	})

	c.started = true
	c.cancel = cancel
	c.group = group
	go func() {
		_ = group.Wait()
		close(c.done)
	}()

	c.logger.Info("Client started")
	return nil
}

// pump forwards transport events to the engine in arrival order.
func (c *Client) pump(ctx context.Context) error {
	for ev := range c.transport.Events() {
		if err := c.engine.Submit(ctx, ev); err != nil {
			if errors.Is(err, mirror.ErrEngineStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// WaitReady blocks until the bootstrap dump has been applied.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if !started && !closed {
		return ErrNotStarted
	}

	select {
	case <-c.engine.Ready():
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return errors.Join(ErrBootstrapTimeout, ctx.Err())
	}
}

// Done is closed once the client stopped running.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the transport and the engine and invalidates all subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started, cancel, group := c.started, c.cancel, c.group
	c.mu.Unlock()

	var err error
	if started {
		cancel()
		if derr := c.transport.Disconnect(); derr != nil && !errors.Is(derr, transport.ErrNotConnected) {
			err = derr
		}
		if gerr := group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			err = errors.Join(err, gerr)
		}
	} else {
		close(c.done)
	}
	c.engine.Stop()
	c.store.Close()
	_ = c.events.Close()

	c.logger.Info("Client closed", log.Uint64("revision", uint64(c.store.Revision())))
	return err
}

// Subscribe registers cb for changes overlapping prefix. Callbacks run on the
// engine goroutine and must not block.
func (c *Client) Subscribe(prefix patch.Path, cb store.Callback) (*store.Subscription, error) {
	return c.store.Subscribe(prefix, cb)
}

// Snapshot returns a deep copy of the subtree at prefix.
func (c *Client) Snapshot(prefix patch.Path) (any, bool) {
	return c.store.Snapshot(prefix)
}

// Revision returns the revision of the local tree
func (c *Client) Revision() patch.Revision {
	return c.store.Revision()
}

// Fingerprint hashes the local tree, for comparing mirrors in diagnostics.
func (c *Client) Fingerprint() uint64 {
	return c.store.Fingerprint()
}

// Status returns the current connectivity status
func (c *Client) Status() reconcile.Status {
	return c.engine.Status()
}

// OnStatus registers cb for connectivity status changes.
func (c *Client) OnStatus(cb func(reconcile.StatusChange)) (bus.Subscription, error) {
	return c.engine.OnStatus(cb)
}

// Stats returns engine counters
func (c *Client) Stats() mirror.Stats {
	return c.engine.Stats()
}
