package membership

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaychat/pkg/interfaces"
)

// Authority decides whether a user may join a chat's room. The predicate is
// the existence of a participant row in the store; with a positive cache TTL
// participant sets are memoized per chat.
type Authority struct {
	store  interfaces.ParticipantStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	cache       map[int64]cacheEntry // chatID -> participants
	generations map[int64]uint64     // bumped by Invalidate
}

type cacheEntry struct {
	members   map[int64]struct{}
	expiresAt time.Time
}

// New returns an Authority. cacheTTL <= 0 disables caching and every check
// goes to the store.
func New(store interfaces.ParticipantStore, cacheTTL time.Duration, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:  store,
		ttl:    cacheTTL,
		logger: logger.With("component", "membership"),
		now:    time.Now,

		cache:       make(map[int64]cacheEntry),
		generations: make(map[int64]uint64),
	}
}

// CanJoin reports whether userID is a participant of chatID.
func (a *Authority) CanJoin(ctx context.Context, userID, chatID int64) (bool, error) {
	if a.ttl <= 0 {
		ok, err := a.store.IsParticipant(ctx, chatID, userID)
		if err != nil {
			return false, fmt.Errorf("failed to check participant %d of chat %d: %w", userID, chatID, err)
		}
		return ok, nil
	}

	members, err := a.members(ctx, chatID)
	if err != nil {
		return false, err
	}
	_, ok := members[userID]
	return ok, nil
}

// Participants returns the participant ids of chatID in ascending order.
func (a *Authority) Participants(ctx context.Context, chatID int64) ([]int64, error) {
	if a.ttl <= 0 {
		ids, err := a.store.ListParticipantIDs(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to list participants of chat %d: %w", chatID, err)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	}

	members, err := a.members(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Invalidate drops the cached participants of chatID. A load that started
// before the call does not repopulate the cache.
func (a *Authority) Invalidate(chatID int64) {
	a.mu.Lock()
	delete(a.cache, chatID)
	a.generations[chatID]++
	a.mu.Unlock()
}

// members returns the cached participant set, loading it from the store on
// a miss. The lock is never held across store I/O.
func (a *Authority) members(ctx context.Context, chatID int64) (map[int64]struct{}, error) {
	now := a.now()

	a.mu.RLock()
	entry, exists := a.cache[chatID]
	generation := a.generations[chatID]
	a.mu.RUnlock()
	if exists && now.Before(entry.expiresAt) {
		return entry.members, nil
	}

	ids, err := a.store.ListParticipantIDs(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants of chat %d: %w", chatID, err)
	}

	members := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	a.mu.Lock()
	current := a.generations[chatID] == generation
	if current {
		a.cache[chatID] = cacheEntry{members: members, expiresAt: now.Add(a.ttl)}
	}
	a.mu.Unlock()

	if current {
		a.logger.Debug("participants cached", "chat_id", chatID, "count", len(members))
	}
	return members, nil
}
