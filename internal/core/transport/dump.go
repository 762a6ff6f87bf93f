package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
)

// RequestIDHeader carries the resync episode id to the dump endpoint.
const RequestIDHeader = "X-Request-Id"

// HTTPDumpSource fetches full dumps from the dump endpoint.
type HTTPDumpSource struct {
	url    string
	client *http.Client
	logger log.Log
}

func NewHTTPDumpSource(dumpURL string, timeout time.Duration, logger log.Log) *HTTPDumpSource {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTPDumpSource{
		url:    dumpURL,
		client: client,
		logger: logger.With(log.String("component", "dump-source")),
	}
}

func (s *HTTPDumpSource) FetchDump(ctx context.Context) (patch.Dump, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return patch.Dump{}, errors.Wrap(err, "failed to build dump request")
	}
	req.Header.Set("Accept", "application/json")
	if id, ok := log.RequestID(ctx); ok {
		req.Header.Set(RequestIDHeader, id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return patch.Dump{}, errors.Wrap(err, "dump request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return patch.Dump{}, errors.Errorf("dump endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return patch.Dump{}, errors.Wrap(err, "failed to read dump")
	}

	m, err := patch.DecodeMessage(body)
	if err != nil {
		return patch.Dump{}, errors.Wrap(err, "failed to decode dump")
	}
	if !m.IsDump() {
		return patch.Dump{}, errors.Wrap(patch.ErrMalformed, "dump endpoint returned a batch")
	}

	s.logger.WithContext(ctx).Debug("Dump received", log.Uint64("revision", uint64(m.Dump.Revision)), log.Int("bytes", len(body)))
	return *m.Dump, nil
}
