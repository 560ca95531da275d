package streamable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DIO0550/instructions/internal/jsonrpc"
)

// stream is the push channel of one session. At most one GET consumes it at
// a time; a new subscriber ends the previous one.
type stream struct {
	log *EventLog

	mu     sync.Mutex
	active chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(retention int) *stream {
	return &stream{
		log:    NewEventLog(retention),
		closed: make(chan struct{}),
	}
}

// Send appends msg to the event log. It implements engine.Sink.
func (s *stream) Send(_ context.Context, msg *jsonrpc.Message) error {
	select {
	case <-s.closed:
		return fmt.Errorf("stream closed")
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.log.Append(data)
	return nil
}

// subscribe registers a new consumer and ends the previous one. The returned
// channel is closed when the consumer is replaced or the stream closes.
func (s *stream) subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		close(s.active)
	}
	s.active = make(chan struct{})
	return s.active
}

func (s *stream) unsubscribe(ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && (<-chan struct{})(s.active) == ch {
		close(s.active)
		s.active = nil
	}
}

// Close ends the stream and its consumer.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.active != nil {
			close(s.active)
			s.active = nil
		}
		s.mu.Unlock()
	})
	return nil
}
