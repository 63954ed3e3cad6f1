package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a per-user fixed window kept in process memory.
// ARCHITECTURAL DISCOVERY: per-user state is dropped after a few idle
// windows by Cleanup so long-running servers do not accumulate entries.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[int64]*windowState
	now     func() time.Time
}

type windowState struct {
	count       int
	windowStart time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) (*MemoryLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[int64]*windowState),
		now:     time.Now,
	}, nil
}

// Allow counts one action for userID and reports whether it fits the window.
func (l *MemoryLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	state, exists := l.clients[userID]
	if !exists || now.Sub(state.windowStart) >= l.window {
		l.clients[userID] = &windowState{count: 1, windowStart: now}
		return true, nil
	}

	if state.count >= l.limit {
		return false, nil
	}
	state.count++
	return true, nil
}

// Cleanup forgets users idle for five windows.
func (l *MemoryLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for userID, state := range l.clients {
		if now.Sub(state.windowStart) > 5*l.window {
			delete(l.clients, userID)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

func (l *MemoryLimiter) Close() error { return nil }
