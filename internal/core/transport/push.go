package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/retry"
)

var _ Transport = (*Pusher)(nil)

// Pusher reads server messages from a WebSocket. Each frame carries one
// message or a JSON array of them. After a broken connection it redials with
// backoff and reports the restoration with ResyncRequired set, since frames
// sent while disconnected are gone.
type Pusher struct {
	config PushConfig
	policy retry.Policy
	dialer *websocket.Dialer
	logger log.Log

	*lifecycle

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewPusher(config PushConfig, policy retry.Policy, buffer int, logger log.Log) (*Pusher, error) {
	if config.URL == "" {
		return nil, errors.New("push url is empty")
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	return &Pusher{
		config:    config,
		policy:    policy,
		dialer:    dialer,
		lifecycle: newLifecycle(buffer),
		logger:    logger.With(log.String("component", "transport"), log.String("mode", string(ModePush))),
	}, nil
}

func (p *Pusher) Mode() Mode {
	return ModePush
}

// Connect starts the dial and read loop.
func (p *Pusher) Connect(ctx context.Context) error {
	runCtx, events, done, err := p.start(ctx)
	if err != nil {
		return err
	}
	go p.run(runCtx, events, done)
	return nil
}

// Disconnect closes the socket and waits for the read loop to exit. Connect
// may be called again afterwards.
func (p *Pusher) Disconnect() error {
	done, err := p.stop()
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (p *Pusher) run(ctx context.Context, events chan Event, done chan struct{}) {
	defer p.finish(events, done)

	backOff := p.policy.NewBackOff()
	everConnected := false
	lost := false
	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backOff.NextBackOff()
			if !lost {
				lost = true
				p.logger.Warn("Push dial failed", log.Error(err), log.Duration("retry_in", wait))
				if !emit(ctx, events, Event{Kind: EventConnectionLost, Err: err}) {
					return
				}
			} else {
				p.logger.Debug("Push redial failed", log.Error(err), log.Duration("retry_in", wait))
			}
			if !retry.Sleep(ctx, wait) {
				return
			}
			continue
		}

		backOff.Reset()
		if lost || everConnected {
			p.logger.Info("Push channel reconnected")
			if !emit(ctx, events, Event{Kind: EventConnectionRestored, ResyncRequired: true}) {
				p.closeConn("shutdown")
				return
			}
		} else {
			p.logger.Info("Push channel connected", log.String("url", p.config.URL))
		}
		lost = false
		everConnected = true

		// ReadMessage does not watch ctx; closing the socket unblocks it
		unwatch := context.AfterFunc(ctx, func() { p.closeConn("client disconnect") })
		err = p.read(ctx, conn, events)
		unwatch()
		p.closeConn("read failed")
		if ctx.Err() != nil {
			return
		}
		lost = true
		p.logger.Warn("Push channel lost", log.Error(err))
		if !emit(ctx, events, Event{Kind: EventConnectionLost, Err: err}) {
			return
		}
		if !retry.Sleep(ctx, backOff.NextBackOff()) {
			return
		}
	}
}

func (p *Pusher) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.config.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial push channel")
	}
	if p.config.MaxMessageSize > 0 {
		conn.SetReadLimit(p.config.MaxMessageSize)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	if ctx.Err() != nil {
		p.closeConn("shutdown")
		return nil, ctx.Err()
	}
	return conn, nil
}

// read consumes frames until the connection fails.
func (p *Pusher) read(ctx context.Context, conn *websocket.Conn, events chan<- Event) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "failed to read message")
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		messages, err := patch.DecodeMessages(data)
		if err != nil {
			ev := decodeFailure(err)
			p.logger.Warn("Undecodable push frame", log.Stringer("kind", ev.Kind), log.Error(err), log.Int("bytes", len(data)))
			if !emit(ctx, events, ev) {
				return ctx.Err()
			}
			continue
		}
		for _, m := range messages {
			if !emit(ctx, events, fromMessage(m)) {
				return ctx.Err()
			}
		}
	}
}

func (p *Pusher) closeConn(reason string) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	_ = conn.Close()
}
