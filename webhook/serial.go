package webhook

import "sync"

// Serializer runs functions one at a time per key. Different keys run in
// parallel. Safe for concurrent use; the zero value is ready.
type Serializer struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Do runs fn while holding the lock for key.
func (s *Serializer) Do(key string, fn func() error) error {
	l := s.acquire(key)
	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		s.release(key, l)
	}()
	return fn()
}

func (s *Serializer) acquire(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*keyLock)
	}
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *Serializer) release(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// keys returns the number of keys with queued or running work.
func (s *Serializer) keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
