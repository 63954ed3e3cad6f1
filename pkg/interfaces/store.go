package interfaces

import (
	"context"

	"relaychat/pkg/types"
)

// ParticipantStore answers chat membership questions from persisted rows.
type ParticipantStore interface {
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	ListParticipantIDs(ctx context.Context, chatID int64) ([]int64, error)
}

// NewMessage is a message ready to be written.
type NewMessage struct {
	ChatID      int64
	UserID      int64
	Content     *string
	MessageType string
	FilePath    *string
}

// MessageStore persists messages. CreateMessage returns the committed row,
// joined with the author's username.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (*types.Message, error)
}

// Store is everything the HTTP API and the real-time core need from
// persistence.
// ARCHITECTURAL DISCOVERY: components declare the narrow slice they use
// (ParticipantStore, MessageStore) so fakes stay small.
type Store interface {
	ParticipantStore
	MessageStore

	CreateUser(ctx context.Context, username, email, passwordHash string) (*types.User, error)
	GetUserByID(ctx context.Context, userID int64) (*types.User, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]*types.User, error)

	CreateChat(ctx context.Context, chatType string, name *string, participantIDs []int64) (*types.Chat, error)
	GetChat(ctx context.Context, chatID int64) (*types.Chat, error)
	FindDirectChat(ctx context.Context, userA, userB int64) (*types.Chat, error)
	ListChatsForUser(ctx context.Context, userID int64) ([]*types.Chat, error)

	ListMessages(ctx context.Context, chatID int64, limit int) ([]*types.Message, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// FileStore holds uploaded files addressed by a flat name.
type FileStore interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// RateLimiter admits or rejects one action for a user.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}
