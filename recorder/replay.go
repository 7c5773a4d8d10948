package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/theater-run/theater/chain"
)

// ReplaySource answers host-function calls from a previously recorded
// chain instead of performing real I/O. Events are consumed in order: each
// call to Next advances past the next unconsumed Call/Result (or
// Call/Error) pair for the given capability/op, so replaying the same
// sequence of calls the original run made reproduces the same answers.
type ReplaySource struct {
	mu     sync.Mutex
	events []chain.Event
	cursor int
}

// NewReplaySource constructs a ReplaySource over a chronologically
// ordered chain.
func NewReplaySource(events []chain.Event) *ReplaySource {
	return &ReplaySource{events: events}
}

// Next returns the result recorded for the next Call event matching
// capability/op, or the recorded error if that call resulted in an Error
// event. ok is false once no unconsumed matching call remains.
func (s *ReplaySource) Next(capability, op string) (result []byte, callErr error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	callType := eventType(capability, op, "Call")
	resultType := eventType(capability, op, "Result")
	errorType := eventType(capability, op, "Error")

	for i := s.cursor; i < len(s.events); i++ {
		if s.events[i].EventType != callType {
			continue
		}
		for j := i + 1; j < len(s.events); j++ {
			switch s.events[j].EventType {
			case resultType:
				s.cursor = j + 1
				var recorded []byte
				if err := json.Unmarshal(s.events[j].Data, &recorded); err != nil {
					return nil, fmt.Errorf("decode recorded result: %w", err), true
				}
				return recorded, nil, true
			case errorType:
				s.cursor = j + 1
				var msg string
				if err := json.Unmarshal(s.events[j].Data, &msg); err != nil {
					msg = string(s.events[j].Data)
				}
				return nil, errors.New(msg), true
			}
		}
		break
	}
	return nil, nil, false
}
