package intercept

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
)

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// captureBody reads up to maxBytes for parsing and returns a reader that
// replays the consumed prefix before continuing with the original body, so
// the caller sees the byte stream untouched.
func captureBody(body io.ReadCloser, maxBytes int) ([]byte, io.ReadCloser) {
	limited := &io.LimitedReader{R: body, N: int64(maxBytes)}
	// A read error is not swallowed: the replay reader hands back the
	// prefix and then surfaces the same failure to the caller.
	prefix, _ := io.ReadAll(limited)
	return prefix, &replayBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), body),
		closer: body,
	}
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (r *replayBody) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// streamBody tees a streaming response into a bounded capture buffer and
// invokes onDone exactly once when the stream ends, whether the caller
// drains it to EOF or closes it early.
type streamBody struct {
	inner    io.ReadCloser
	buf      bytes.Buffer
	maxBytes int
	onDone   func(captured []byte)
	once     sync.Once
}

func newStreamBody(inner io.ReadCloser, maxBytes int, onDone func([]byte)) *streamBody {
	return &streamBody{inner: inner, maxBytes: maxBytes, onDone: onDone}
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.inner.Read(p)
	if n > 0 {
		remaining := s.maxBytes - s.buf.Len()
		if remaining > 0 {
			chunk := p[:n]
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			_, _ = s.buf.Write(chunk)
		}
	}
	if err == io.EOF {
		s.fire()
	}
	return n, err
}

func (s *streamBody) Close() error {
	err := s.inner.Close()
	s.fire()
	return err
}

func (s *streamBody) fire() {
	s.once.Do(func() {
		if s.onDone != nil {
			s.onDone(s.buf.Bytes())
		}
	})
}
