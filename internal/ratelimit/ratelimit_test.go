package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryLimiter_Window(t *testing.T) {
	limiter, err := NewMemoryLimiter(3, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow(ctx, 1); !ok {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if ok, _ := limiter.Allow(ctx, 1); ok {
		t.Error("fourth message in the window should be rejected")
	}
	if ok, _ := limiter.Allow(ctx, 2); !ok {
		t.Error("other users have their own window")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow(ctx, 1); !ok {
		t.Error("a new window should admit again")
	}
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	limiter, _ := NewMemoryLimiter(10, time.Minute)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), 1)
	limiter.Allow(context.Background(), 2)

	now = now.Add(3 * time.Minute)
	limiter.Allow(context.Background(), 2)

	now = now.Add(3 * time.Minute)
	if removed := limiter.Cleanup(); removed != 1 {
		t.Errorf("expected 1 stale entry removed, got %d", removed)
	}
}

func TestMemoryLimiter_InvalidConfig(t *testing.T) {
	if _, err := NewMemoryLimiter(0, time.Minute); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
	if _, err := NewMemoryLimiter(5, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	limiter, _ := NewMemoryLimiter(100, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(context.Background(), 7); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("expected exactly 100 allowed, got %d", allowed)
	}
}

func TestRedisLimiter_Window(t *testing.T) {
	redis := miniredis.RunT(t)

	limiter, err := NewRedisLimiter(redis.Addr(), "", "test", 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisLimiter() error = %v", err)
	}
	defer limiter.Close()

	ctx := context.Background()
	if err := limiter.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, 1)
		if err != nil || !ok {
			t.Fatalf("message %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, 1); ok {
		t.Error("third message should be rejected")
	}
	if ok, _ := limiter.Allow(ctx, 2); !ok {
		t.Error("other users have their own window")
	}
}

func TestRedisLimiter_FailsClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisLimiter(redis.Addr(), "", "", 5, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisLimiter() error = %v", err)
	}
	defer limiter.Close()

	redis.Close()

	ok, err := limiter.Allow(context.Background(), 1)
	if ok {
		t.Error("limiter must not admit when redis is down")
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestRedisLimiter_RequiresAddr(t *testing.T) {
	if _, err := NewRedisLimiter(" ", "", "", 5, time.Minute); !errors.Is(err, ErrMissingRedisAddr) {
		t.Errorf("expected ErrMissingRedisAddr, got %v", err)
	}
}
