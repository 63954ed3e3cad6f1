package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaychat/internal/testutil"
	"relaychat/pkg/types"
)

func TestAuthority_CanJoinWithoutCache(t *testing.T) {
	store := testutil.NewMemStore()
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	carol := store.AddUser("carol")
	chat := store.AddChat(types.ChatTypeDirect, alice, bob)

	a := New(store, 0, nil)
	ctx := context.Background()

	tests := []struct {
		user int64
		want bool
	}{
		{alice, true},
		{bob, true},
		{carol, false},
	}
	for _, tt := range tests {
		got, err := a.CanJoin(ctx, tt.user, chat)
		if err != nil {
			t.Fatalf("CanJoin(%d) error = %v", tt.user, err)
		}
		if got != tt.want {
			t.Errorf("CanJoin(%d) = %v, want %v", tt.user, got, tt.want)
		}
	}

	if ok, _ := a.CanJoin(ctx, alice, 9999); ok {
		t.Error("unknown chat must not be joinable")
	}
}

func TestAuthority_Participants(t *testing.T) {
	store := testutil.NewMemStore()
	ids := []int64{store.AddUser("a"), store.AddUser("b"), store.AddUser("c")}
	chat := store.AddChat(types.ChatTypeGroup, ids[2], ids[0], ids[1])

	for _, ttl := range []time.Duration{0, time.Minute} {
		a := New(store, ttl, nil)
		got, err := a.Participants(context.Background(), chat)
		if err != nil {
			t.Fatalf("Participants() error = %v", err)
		}
		if len(got) != 3 || got[0] != ids[0] || got[2] != ids[2] {
			t.Errorf("ttl=%v: Participants() = %v, want sorted %v", ttl, got, ids)
		}
	}
}

func TestAuthority_CacheAndInvalidate(t *testing.T) {
	store := testutil.NewMemStore()
	alice := store.AddUser("alice")
	bob := store.AddUser("bob")
	chat := store.AddChat(types.ChatTypeGroup, alice, bob)

	a := New(store, time.Minute, nil)
	now := time.Unix(1700000000, 0)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	a.CanJoin(ctx, alice, chat)
	a.CanJoin(ctx, bob, chat)
	a.CanJoin(ctx, 12345, chat)
	if store.ParticipantLookups != 1 {
		t.Errorf("expected one store lookup while cached, got %d", store.ParticipantLookups)
	}

	a.Invalidate(chat)
	a.CanJoin(ctx, alice, chat)
	if store.ParticipantLookups != 2 {
		t.Errorf("expected reload after invalidate, got %d lookups", store.ParticipantLookups)
	}

	now = now.Add(2 * time.Minute)
	a.CanJoin(ctx, alice, chat)
	if store.ParticipantLookups != 3 {
		t.Errorf("expected reload after expiry, got %d lookups", store.ParticipantLookups)
	}
}

func TestAuthority_StoreFailure(t *testing.T) {
	store := testutil.NewMemStore()
	store.FailParticipants = true

	for _, ttl := range []time.Duration{0, time.Minute} {
		a := New(store, ttl, nil)
		ok, err := a.CanJoin(context.Background(), 1, 1)
		if ok || !errors.Is(err, testutil.ErrInjected) {
			t.Errorf("ttl=%v: CanJoin() = %v, %v; want false with store error", ttl, ok, err)
		}
	}
}

// stalledStore returns a fixed participant set from its first load, after
// holding it until released.
type stalledStore struct {
	*testutil.MemStore
	stale   []int64
	loading chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalledStore) ListParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return s.MemStore.ListParticipantIDs(ctx, chatID)
	}
	close(s.loading)
	<-s.release
	return s.stale, nil
}

func TestAuthority_InvalidateDuringLoad(t *testing.T) {
	mem := testutil.NewMemStore()
	alice := mem.AddUser("alice")
	bob := mem.AddUser("bob")
	chat := mem.AddChat(types.ChatTypeDirect, alice, bob)

	store := &stalledStore{
		MemStore: mem,
		stale:    nil,
		loading:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	a := New(store, time.Minute, nil)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		ok, _ := a.CanJoin(ctx, alice, chat)
		done <- ok
	}()
	<-store.loading
	a.Invalidate(chat)
	close(store.release)
	if ok := <-done; ok {
		t.Error("the stalled load should see the stale empty set")
	}

	ok, err := a.CanJoin(ctx, alice, chat)
	if err != nil {
		t.Fatalf("CanJoin() error = %v", err)
	}
	if !ok {
		t.Error("a load that raced Invalidate must not be cached")
	}
}
