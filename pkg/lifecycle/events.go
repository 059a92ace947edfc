package lifecycle

import (
	"github.com/maintkit/maintkit/pkg/core"
)

// Events returns a channel receiving lifecycle events. The caller must
// call Unsubscribe when done to prevent resource leaks.
func (s *Service) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	s.mu.Lock()
	s.eventSubs = append(s.eventSubs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events(). The
// channel is not closed; callers should stop reading before calling
// Unsubscribe.
func (s *Service) Unsubscribe(ch <-chan core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.eventSubs {
		if sub == ch {
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			return
		}
	}
}

// emit delivers an event to all subscribers, dropping it for any that are
// full rather than blocking a state transition on a slow consumer.
func (s *Service) emit(e core.Event) {
	s.mu.RLock()
	subs := make([]chan core.Event, len(s.eventSubs))
	copy(subs, s.eventSubs)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
