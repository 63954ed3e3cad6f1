package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

// ErrInjected is returned by MemStore operations switched to fail.
var ErrInjected = errors.New("injected store failure")

// MemStore is an in-memory interfaces.Store.
type MemStore struct {
	mu           sync.Mutex
	users        map[int64]*types.User
	chats        map[int64]*types.Chat
	participants map[int64]map[int64]bool // chatID -> userID
	messages     []*types.Message
	nextID       int64

	// FailMessages makes CreateMessage fail; FailParticipants makes the
	// participant lookups fail.
	FailMessages     bool
	FailParticipants bool

	ParticipantLookups int
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:        make(map[int64]*types.User),
		chats:        make(map[int64]*types.Chat),
		participants: make(map[int64]map[int64]bool),
	}
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

// AddUser seeds a user and returns its id.
func (s *MemStore) AddUser(username string) int64 {
	u, _ := s.CreateUser(context.Background(), username, username+"@example.com", "x")
	return u.ID
}

// AddChat seeds a chat and returns its id.
func (s *MemStore) AddChat(chatType string, participantIDs ...int64) int64 {
	var name *string
	if chatType == types.ChatTypeGroup {
		n := "group"
		name = &n
	}
	c, _ := s.CreateChat(context.Background(), chatType, name, participantIDs)
	return c.ID
}

// Messages returns a copy of every persisted message.
func (s *MemStore) Messages() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MemStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ParticipantLookups++
	if s.FailParticipants {
		return false, ErrInjected
	}
	return s.participants[chatID][userID], nil
}

func (s *MemStore) ListParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ParticipantLookups++
	if s.FailParticipants {
		return nil, ErrInjected
	}
	ids := make([]int64, 0, len(s.participants[chatID]))
	for id := range s.participants[chatID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemStore) CreateMessage(ctx context.Context, msg interfaces.NewMessage) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMessages {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, ErrInjected)
	}
	author, ok := s.users[msg.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %d", types.ErrPersistence, msg.UserID)
	}
	m := &types.Message{
		ID:          s.id(),
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		Username:    author.Username,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		FilePath:    msg.FilePath,
		CreatedAt:   time.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemStore) CreateUser(ctx context.Context, username, email, passwordHash string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username || u.Email == email {
			return nil, types.ErrConflict
		}
	}
	u := &types.User{ID: s.id(), Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemStore) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return u, nil
}

func (s *MemStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.User
	for _, u := range s.users {
		if u.ID != excludeID && strings.Contains(strings.ToLower(u.Username), strings.ToLower(query)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreateChat(ctx context.Context, chatType string, name *string, participantIDs []int64) (*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &types.Chat{ID: s.id(), Type: chatType, Name: name, CreatedAt: time.Now().UTC()}
	s.participants[c.ID] = make(map[int64]bool)
	for _, id := range participantIDs {
		if s.participants[c.ID][id] {
			continue
		}
		s.participants[c.ID][id] = true
		if u, ok := s.users[id]; ok {
			c.Participants = append(c.Participants, u)
		}
	}
	s.chats[c.ID] = c
	return c, nil
}

func (s *MemStore) GetChat(ctx context.Context, chatID int64) (*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return c, nil
}

func (s *MemStore) FindDirectChat(ctx context.Context, userA, userB int64) (*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		p := s.participants[c.ID]
		if c.Type == types.ChatTypeDirect && len(p) == 2 && p[userA] && p[userB] {
			return c, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemStore) ListChatsForUser(ctx context.Context, userID int64) ([]*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Chat
	for _, c := range s.chats {
		if s.participants[c.ID][userID] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemStore) ListMessages(ctx context.Context, chatID int64, limit int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemStore) HealthCheck(ctx context.Context) error { return nil }
func (s *MemStore) Close() error                          { return nil }
