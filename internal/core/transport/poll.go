package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/pkg/retry"
)

// maxBodySize caps a poll or dump response.
const maxBodySize = 64 << 20

var _ Transport = (*Poller)(nil)

// Poller asks the server for everything after the mirror's revision every
// cooldown. A 204 means nothing new.
type Poller struct {
	config    PollConfig
	policy    retry.Policy
	endpoint  *url.URL
	client    *http.Client
	revisions RevisionSource
	logger    log.Log

	*lifecycle
}

func NewPoller(config PollConfig, policy retry.Policy, buffer int, revisions RevisionSource, logger log.Log) (*Poller, error) {
	endpoint, err := url.Parse(config.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid poll url")
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = config.Timeout

	return &Poller{
		config:    config,
		policy:    policy,
		endpoint:  endpoint,
		client:    client,
		revisions: revisions,
		lifecycle: newLifecycle(buffer),
		logger:    logger.With(log.String("component", "transport"), log.String("mode", string(ModePoll))),
	}, nil
}

func (p *Poller) Mode() Mode {
	return ModePoll
}

// Connect starts polling. The first request is issued immediately.
func (p *Poller) Connect(ctx context.Context) error {
	runCtx, events, done, err := p.start(ctx)
	if err != nil {
		return err
	}
	go p.run(runCtx, events, done)

	p.logger.Info("Polling started",
		log.String("url", p.endpoint.String()),
		log.Duration("cooldown", p.config.Cooldown))
	return nil
}

// Disconnect stops polling and waits for the loop to exit. Connect may be
// called again afterwards.
func (p *Poller) Disconnect() error {
	done, err := p.stop()
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (p *Poller) run(ctx context.Context, events chan Event, done chan struct{}) {
	defer p.finish(events, done)

	backOff := p.policy.NewBackOff()
	lost := false
	for {
		err := p.poll(ctx, events)
		if ctx.Err() != nil {
			return
		}

		wait := p.config.Cooldown
		if err != nil {
			wait = backOff.NextBackOff()
			if !lost {
				lost = true
				p.logger.Warn("Poll failed, server unreachable", log.Error(err), log.Duration("retry_in", wait))
				if !emit(ctx, events, Event{Kind: EventConnectionLost, Err: err}) {
					return
				}
			} else {
				p.logger.Debug("Poll retry failed", log.Error(err), log.Duration("retry_in", wait))
			}
		} else {
			backOff.Reset()
			if lost {
				lost = false
				p.logger.Info("Poll recovered")
				if !emit(ctx, events, Event{Kind: EventConnectionRestored}) {
					return
				}
			}
		}

		if !retry.Sleep(ctx, wait) {
			return
		}
	}
}

// poll performs one request. Only transport failures are returned; an
// undecodable body is emitted as EventMalformedBatch or EventDataError.
func (p *Poller) poll(ctx context.Context, events chan<- Event) error {
	target := *p.endpoint
	query := target.Query()
	query.Set("revision", strconv.FormatUint(uint64(p.revisions.Revision()), 10))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build poll request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "poll request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
	default:
		return errors.Errorf("poll returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "failed to read poll response")
	}
	if len(body) == 0 {
		return nil
	}

	messages, err := patch.DecodeMessages(body)
	if err != nil {
		ev := decodeFailure(err)
		p.logger.Warn("Undecodable poll response", log.Stringer("kind", ev.Kind), log.Error(err), log.Int("bytes", len(body)))
		emit(ctx, events, ev)
		return nil
	}
	for _, m := range messages {
		if !emit(ctx, events, fromMessage(m)) {
			return ctx.Err()
		}
	}
	return nil
}
