package worker

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore enforcing a kind's concurrency
// class across all workers. Tokens are pre-filled up to limit.
//
// Note: limit is fixed for the life of the semaphore. The registry is sealed
// before the pool starts, so limits cannot change at runtime.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Best-effort: never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupLimiterStore holds one semaphore per task kind.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(kind string, limit int) *groupSemaphore {
	if s == nil || limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(kind)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	s.mu.Unlock()
	return gs
}
