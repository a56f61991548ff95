package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"ai-workflows/backend/internal/telemetry"
	"ai-workflows/backend/pkg/models"
)

// ErrorMarker starts the terminal line of a stream that failed.
const ErrorMarker = "\n[[ERROR]]"

var errStreamClosed = errors.New("stream closed")

// streamWriter forwards fragments to an HTTP response. Fragments wait in a
// bounded queue; a full queue blocks the sender. Fragments that pile up
// between flushes are coalesced, and flushes are spaced by a minimum
// interval. Headers are written with the first fragment so a run that never
// streams can still answer with JSON.
type streamWriter struct {
	w       http.ResponseWriter
	queue   chan string
	limiter *rate.Limiter
	tel     *telemetry.Telemetry

	startOnce sync.Once
	started   bool
	closeOnce sync.Once
	done      chan struct{}
	failed    chan struct{}
	err       error
}

func newStreamWriter(w http.ResponseWriter, cfg StreamConfig, tel *telemetry.Telemetry) *streamWriter {
	limit := rate.Inf
	if cfg.MinFlushInterval > 0 {
		limit = rate.Every(cfg.MinFlushInterval)
	}
	return &streamWriter{
		w:       w,
		queue:   make(chan string, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		tel:     tel,
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// Send implements chain.Sink.
func (s *streamWriter) Send(ctx context.Context, fragment string) error {
	s.startOnce.Do(func() {
		h := s.w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
		go s.pump(context.WithoutCancel(ctx))
	})
	select {
	case s.queue <- fragment:
		return nil
	case <-s.failed:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started reports whether response headers were written.
func (s *streamWriter) Started() bool { return s.started }

func (s *streamWriter) pump(ctx context.Context) {
	defer close(s.done)
	for first := range s.queue {
		if err := s.limiter.Wait(ctx); err != nil {
			s.fail(err)
			return
		}
		var sb strings.Builder
		sb.WriteString(first)
	coalesce:
		for {
			select {
			case frag, ok := <-s.queue:
				if !ok {
					break coalesce
				}
				sb.WriteString(frag)
			default:
				break coalesce
			}
		}
		if err := s.write(sb.String()); err != nil {
			s.fail(err)
			return
		}
		s.tel.StreamFlush(ctx)
	}
}

func (s *streamWriter) write(text string) error {
	if _, err := s.w.Write([]byte(text)); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *streamWriter) fail(err error) {
	s.err = err
	close(s.failed)
}

// Close waits until every queued fragment was written.
func (s *streamWriter) Close() {
	if !s.started {
		return
	}
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

// Fail closes the stream with the terminal error marker.
func (s *streamWriter) Fail(body *models.ErrorBody) error {
	s.Close()
	select {
	case <-s.failed:
		return errStreamClosed
	default:
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.write(ErrorMarker + string(data) + "\n")
}
