package transport

import "sync"

// handlerSet is a copy-on-write handler list shared by the transports.
type handlerSet struct {
	mu     sync.Mutex
	nextID int
	list   []handlerEntry
}

type handlerEntry struct {
	id int
	h  Handler
}

func (s *handlerSet) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	next := make([]handlerEntry, len(s.list), len(s.list)+1)
	copy(next, s.list)
	s.list = append(next, handlerEntry{id: id, h: h})

	return func() { s.remove(id) }
}

func (s *handlerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]handlerEntry, 0, len(s.list))
	for _, e := range s.list {
		if e.id != id {
			next = append(next, e)
		}
	}
	s.list = next
}

func (s *handlerSet) snapshot() []handlerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *handlerSet) dispatch(msg Message) {
	for _, e := range s.snapshot() {
		e.h(msg)
	}
}
