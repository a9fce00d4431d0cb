package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/costlens/costlens/span"
)

// StatusError reports a non-2xx collector response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded with status %d", e.StatusCode)
}

// IsRetryable reports whether a submission error is worth retrying.
// Client errors other than 429 are permanent: the same batch would fail
// again identically.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return statusErr.StatusCode >= 500
	}
	return true
}

// HTTPSubmitter posts JSON span batches to the collector ingest endpoint.
type HTTPSubmitter struct {
	// Endpoint is the full ingest URL, e.g. http://collector:8080/api/v1/spans.
	Endpoint string
	// Client defaults to a plain http.Client. It must NOT be a traced
	// client: submitting spans through the interceptor would trace the
	// trace pipeline itself.
	Client *http.Client
	// Headers are added to every submission (auth tokens and the like).
	Headers map[string]string
}

func (s *HTTPSubmitter) Submit(ctx context.Context, spans []*span.Span) error {
	if s == nil || s.Endpoint == "" {
		return fmt.Errorf("http submitter endpoint is not configured")
	}
	if len(spans) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := span.EncodeBatch(spans)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build span submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tracectxClientTimestampHeader, fmt.Sprintf("%d", time.Now().UTC().UnixMilli()))
	for name, value := range s.Headers {
		req.Header.Set(name, value)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit span batch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Batch submissions carry a client-side timestamp for clock-skew detection.
const tracectxClientTimestampHeader = "X-Costlens-Client-Timestamp"
