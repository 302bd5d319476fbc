package worker

import (
	"sync"
	"time"
)

const (
	circuitBaseDelay  = 5 * time.Second
	circuitMaxDelay   = 2 * time.Minute
	circuitResetAfter = 5 * time.Minute
)

// circuitState tracks consecutive failed deliveries to one destination.
// Once fails reaches the trip count the destination is skipped for a
// cooldown that doubles with every further failure.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	trip int

	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) isOpen(now time.Time, key string) (bool, time.Time) {
	if s.trip <= 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[key]
	if st == nil {
		return false, time.Time{}
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > circuitResetAfter {
		delete(s.m, key)
		return false, time.Time{}
	}
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, err error) {
	if s.trip <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.m, key)
		return
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	st.fails++
	st.lastFailure = now
	if st.fails < s.trip {
		return
	}
	d := circuitBaseDelay
	for i := 0; i < st.fails-s.trip && d < circuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, circuitMaxDelay))
}

func (s *circuitStore) open(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
