// Package adapter holds the concrete platform adapters behind the core's
// observation and capture seams. One adapter per platform; the core itself
// never touches host primitives.
package adapter

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/model"
)

// observationEvent is the NDJSON wire shape consumed by StreamSource.
type observationEvent struct {
	Kind       string `json:"kind"` // "request" or "response"
	ID         string `json:"id"`
	URL        string `json:"url"`
	Method     string `json:"method,omitempty"`
	Body       string `json:"body,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	TabID      int    `json:"tabId"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// StreamSource reads observation events as JSON lines from a reader,
// typically stdin fed by the host browser's native-messaging bridge.
type StreamSource struct {
	reader io.Reader
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	released bool
}

// NewStreamSource creates an observation source over r.
func NewStreamSource(r io.Reader, logger *zap.Logger) *StreamSource {
	return &StreamSource{reader: r, logger: logger}
}

// Subscribe starts the read loop and delivers decoded events to the
// handlers. The returned release function stops delivery; the loop itself
// ends when the reader is exhausted.
func (s *StreamSource) Subscribe(
	onRequest func(model.RequestObservation),
	onResponse func(model.ResponseObservation),
) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		go s.readLoop(onRequest, onResponse)
	}

	return func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
	}, nil
}

func (s *StreamSource) readLoop(
	onRequest func(model.RequestObservation),
	onResponse func(model.ResponseObservation),
) {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		s.mu.Lock()
		released := s.released
		s.mu.Unlock()
		if released {
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event observationEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("Dropping undecodable observation event", zap.Error(err))
			continue
		}

		ts := time.Now()
		if event.Timestamp > 0 {
			ts = time.UnixMilli(event.Timestamp)
		}

		switch event.Kind {
		case "request":
			onRequest(model.RequestObservation{
				ID:        event.ID,
				URL:       event.URL,
				Method:    event.Method,
				Body:      event.Body,
				TabID:     event.TabID,
				Timestamp: ts,
			})
		case "response":
			onResponse(model.ResponseObservation{
				ID:         event.ID,
				URL:        event.URL,
				StatusCode: event.StatusCode,
				TabID:      event.TabID,
				Timestamp:  ts,
			})
		default:
			s.logger.Warn("Unknown observation event kind",
				zap.String("kind", event.Kind))
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("Observation stream read failed", zap.Error(err))
	}
}
