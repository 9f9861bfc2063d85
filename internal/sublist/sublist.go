package sublist

import (
	"sync"

	"nuha.dev/fieldsync/internal/location"
)

// Subscriber receives position updates. Push must not block; returning
// true removes the subscriber from the list.
type Subscriber interface {
	Push(p location.Position) (closed bool)
}

type Sublist struct {
	mu   sync.Mutex
	list map[Subscriber]bool
	last *location.Position
}

func NewSublist() *Sublist {
	s := &Sublist{}
	s.list = make(map[Subscriber]bool)
	return s
}

// Subscribe adds sub and replays the last sent position to it.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		if closed := sub.Push(*s.last); closed {
			return
		}
	}
	s.list[sub] = true
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Send(p location.Position) {
	s.mu.Lock()
	s.last = &p
	for sub := range s.list {
		closed := sub.Push(p)
		if closed {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}

// Forget drops the replay position, subscribers stay.
func (s *Sublist) Forget() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
