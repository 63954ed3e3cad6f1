package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

// Authorizer decides whether a user may post into a chat.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, chatID int64) (bool, error)
}

// Broadcaster fans a persisted message out to a chat room.
type Broadcaster interface {
	BroadcastToChatExcept(chatID int64, event types.Event, exceptConnID string) int
}

// Submission is one message as received from a client.
type Submission struct {
	UserID   int64
	ChatID   int64
	Content  *string
	Type     string
	FilePath *string

	// OriginConnID is the handle the message came from. It is skipped by the
	// room broadcast; the caller confirms to it directly. Empty for HTTP.
	OriginConnID string
}

// Path validates, rate limits, persists and routes chat messages.
// ARCHITECTURAL DISCOVERY: persist-then-route. A message is broadcast only
// after the store committed it, and never when persistence failed.
type Path struct {
	authz   Authorizer
	store   interfaces.MessageStore
	files   interfaces.FileStore
	limiter interfaces.RateLimiter
	router  Broadcaster
	logger  *slog.Logger
}

// New wires the ingest path. files and limiter may be nil to skip the file
// existence check and rate limiting.
func New(authz Authorizer, store interfaces.MessageStore, files interfaces.FileStore, limiter interfaces.RateLimiter, router Broadcaster, logger *slog.Logger) *Path {
	if logger == nil {
		logger = slog.Default()
	}
	return &Path{
		authz:   authz,
		store:   store,
		files:   files,
		limiter: limiter,
		router:  router,
		logger:  logger.With("component", "ingest"),
	}
}

// Submit runs one message through the path and returns the persisted row.
func (p *Path) Submit(ctx context.Context, sub Submission) (*types.Message, error) {
	if sub.ChatID == 0 {
		return nil, types.Invalid("chat_id is required")
	}

	allowed, err := p.authz.CanJoin(ctx, sub.UserID, sub.ChatID)
	if err != nil {
		return nil, fmt.Errorf("check participant %d of chat %d: %w", sub.UserID, sub.ChatID, err)
	}
	if !allowed {
		return nil, fmt.Errorf("post to chat %d: %w", sub.ChatID, types.ErrAccessDenied)
	}

	messageType, err := types.NormalizeMessageType(sub.Type)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateMessageBody(messageType, sub.Content, sub.FilePath); err != nil {
		return nil, err
	}

	if sub.FilePath != nil && *sub.FilePath != "" && p.files != nil {
		exists, err := p.files.Exists(ctx, *sub.FilePath)
		if err != nil {
			return nil, fmt.Errorf("check file %q: %w", *sub.FilePath, err)
		}
		if !exists {
			return nil, fmt.Errorf("file %q: %w", *sub.FilePath, types.ErrNotFound)
		}
	}

	if p.limiter != nil {
		ok, err := p.limiter.Allow(ctx, sub.UserID)
		if err != nil {
			p.logger.Error("rate limiter unavailable, rejecting message", "user_id", sub.UserID, "error", err)
		}
		if !ok {
			return nil, fmt.Errorf("user %d: %w", sub.UserID, types.ErrRateLimited)
		}
	}

	msg, err := p.store.CreateMessage(ctx, interfaces.NewMessage{
		ChatID:      sub.ChatID,
		UserID:      sub.UserID,
		Content:     sub.Content,
		MessageType: messageType,
		FilePath:    sub.FilePath,
	})
	if err != nil {
		if !errors.Is(err, types.ErrPersistence) {
			err = fmt.Errorf("%w: %v", types.ErrPersistence, err)
		}
		p.logger.Error("failed to persist message", "chat_id", sub.ChatID, "user_id", sub.UserID, "error", err)
		return nil, err
	}

	delivered := p.router.BroadcastToChatExcept(sub.ChatID, types.MustEvent(types.EventNewMessage, msg), sub.OriginConnID)

	p.logger.Info("message sent", "chat_id", sub.ChatID, "user_id", sub.UserID, "message_id", msg.ID, "delivered", delivered)
	return msg, nil
}
