// Package transport delivers server payloads to the mirror as a single
// ordered stream of events, either by polling an HTTP endpoint or by reading a
// WebSocket push channel.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/retry"
)

var (
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrNotConnected     = errors.New("transport not connected")
	ErrUnknownMode      = errors.New("unknown transport mode")
)

// EventKind discriminates Event.
type EventKind uint8

const (
	EventBatch EventKind = iota
	EventDump
	EventConnectionLost
	EventConnectionRestored
	// EventDataError reports a payload that could not be decoded. It is not a
	// loss of connectivity.
	EventDataError
	// EventMalformedBatch reports a batch whose revisions or operations are
	// malformed. Err is a *patch.BatchError.
	EventMalformedBatch
)

func (k EventKind) String() string {
	switch k {
	case EventBatch:
		return "batch"
	case EventDump:
		return "dump"
	case EventConnectionLost:
		return "connection-lost"
	case EventConnectionRestored:
		return "connection-restored"
	case EventDataError:
		return "data-error"
	case EventMalformedBatch:
		return "malformed-batch"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one item of the transport stream.
type Event struct {
	Kind  EventKind
	Batch patch.Batch
	Dump  patch.Dump
	// ResyncRequired is set on EventConnectionRestored when messages may have
	// been missed with no way to replay them.
	ResyncRequired bool
	Err            error
	At             time.Time
}

func BatchEvent(b patch.Batch) Event {
	return Event{Kind: EventBatch, Batch: b, At: time.Now()}
}

func DumpEvent(d patch.Dump) Event {
	return Event{Kind: EventDump, Dump: d, At: time.Now()}
}

func fromMessage(m patch.Message) Event {
	if m.IsDump() {
		return DumpEvent(*m.Dump)
	}
	return BatchEvent(*m.Batch)
}

// decodeFailure classifies an undecodable payload. A recognisable batch that
// failed validation must reach the engine as such; anything else is noise.
func decodeFailure(err error) Event {
	var batchErr *patch.BatchError
	if errors.As(err, &batchErr) {
		return Event{Kind: EventMalformedBatch, Err: err}
	}
	return Event{Kind: EventDataError, Err: err}
}

// Mode names a transport variant.
type Mode string

const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

// Transport produces the event stream. Events is closed once the transport
// stops after Disconnect.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan Event
	Mode() Mode
}

// RevisionSource reports the revision the mirror currently holds.
type RevisionSource interface {
	Revision() patch.Revision
}

type PollConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	// Timeout bounds a single poll request.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type PushConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	// MaxMessageSize caps one frame; zero means no limit.
	MaxMessageSize int64 `yaml:"max_message_size" validate:"gte=0"`
}

type Config struct {
	Mode  Mode         `yaml:"mode" validate:"oneof=poll push"`
	Poll  *PollConfig  `yaml:"poll" validate:"required_if=Mode poll"`
	Push  *PushConfig  `yaml:"push" validate:"required_if=Mode push"`
	Retry retry.Policy `yaml:"retry"`
	// EventBuffer sizes the Events channel.
	EventBuffer int `yaml:"event_buffer" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Mode: ModePoll,
		Poll: &PollConfig{
			Cooldown: time.Second,
			Timeout:  10 * time.Second,
		},
		Retry:       retry.DefaultPolicy(),
		EventBuffer: 64,
	}
}

// Normalize drops the settings of the variant not selected by Mode and fills
// zero poll timings with defaults.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModePoll:
		c.Push = nil
		if c.Poll != nil {
			def := DefaultConfig().Poll
			if c.Poll.Cooldown == 0 {
				c.Poll.Cooldown = def.Cooldown
			}
			if c.Poll.Timeout == 0 {
				c.Poll.Timeout = def.Timeout
			}
		}
	case ModePush:
		c.Poll = nil
	}
}

// New resolves the configured variant.
func New(config Config, revisions RevisionSource, logger log.Log) (Transport, error) {
	switch config.Mode {
	case ModePoll:
		if config.Poll == nil {
			return nil, errors.Wrap(ErrUnknownMode, "poll mode without poll settings")
		}
		return NewPoller(*config.Poll, config.Retry, config.EventBuffer, revisions, logger)
	case ModePush:
		if config.Push == nil {
			return nil, errors.Wrap(ErrUnknownMode, "push mode without push settings")
		}
		return NewPusher(*config.Push, config.Retry, config.EventBuffer, logger)
	default:
		return nil, errors.Wrapf(ErrUnknownMode, "%q", config.Mode)
	}
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
