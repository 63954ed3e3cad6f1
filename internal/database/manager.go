package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "relaychat/pkg/database"
	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

// Manager is the sqlite implementation of interfaces.Store.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop has returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

var _ interfaces.Store = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. Migrations
// are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: the pool serves concurrent reads; writes never
	// use more than one connection at a time.
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   250 * time.Millisecond,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write on one goroutine. A write that hit a busy or
// locked database is retried once. Writes still queued at shutdown are
// answered with ErrManagerClosed.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				m.logger.Warn("database busy, retrying write", "delay", m.retryDelay, "error", err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down", "queued", len(m.writeChannel))
			m.rejectQueued()
			return
		}
	}
}

func (m *Manager) rejectQueued() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// result is buffered, so an abandoned operation never blocks the writer.
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		// the writer may have answered just before it exited
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// Users

func (m *Manager) CreateUser(ctx context.Context, username, email, passwordHash string) (*types.User, error) {
	var id int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
			username, email, passwordHash,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", username, types.ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return m.GetUserByID(ctx, id)
}

const userColumns = `id, username, email, password_hash, created_at`

func (m *Manager) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// SearchUsers matches usernames containing query, case-insensitively for
// ASCII, ordered by username.
func (m *Manager) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]*types.User, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE username LIKE ? ESCAPE '\' AND id != ?
		 ORDER BY username ASC
		 LIMIT ?`,
		"%"+escapeLike(query)+"%", excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

// Chats

// CreateChat inserts the chat and its participants in one transaction.
// Duplicate participant ids are collapsed.
func (m *Manager) CreateChat(ctx context.Context, chatType string, name *string, participantIDs []int64) (*types.Chat, error) {
	var chatID int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `INSERT INTO chats (type, name) VALUES (?, ?)`, chatType, name)
		if err != nil {
			return fmt.Errorf("failed to insert chat: %w", err)
		}
		if chatID, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, userID := range participantIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO chat_participants (chat_id, user_id) VALUES (?, ?)`,
				chatID, userID,
			); err != nil {
				return fmt.Errorf("failed to add participant %d: %w", userID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return m.GetChat(ctx, chatID)
}

func (m *Manager) GetChat(ctx context.Context, chatID int64) (*types.Chat, error) {
	var chat types.Chat
	var name sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT id, type, name, created_at FROM chats WHERE id = ?`, chatID,
	).Scan(&chat.ID, &chat.Type, &name, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %d: %w", chatID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	if name.Valid {
		chat.Name = &name.String
	}

	participants, err := m.participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Participants = participants
	return &chat, nil
}

// FindDirectChat returns the direct chat whose participants are exactly
// userA and userB.
func (m *Manager) FindDirectChat(ctx context.Context, userA, userB int64) (*types.Chat, error) {
	var chatID int64
	err := m.db.QueryRowContext(ctx, `
		SELECT c.id FROM chats c
		JOIN chat_participants a ON a.chat_id = c.id AND a.user_id = ?
		JOIN chat_participants b ON b.chat_id = c.id AND b.user_id = ?
		WHERE c.type = 'direct'
		  AND (SELECT COUNT(*) FROM chat_participants p WHERE p.chat_id = c.id) = 2
		ORDER BY c.id ASC
		LIMIT 1
	`, userA, userB).Scan(&chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("direct chat %d/%d: %w", userA, userB, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query direct chat: %w", err)
	}
	return m.GetChat(ctx, chatID)
}

// ListChatsForUser returns the user's chats, newest first.
func (m *Manager) ListChatsForUser(ctx context.Context, userID int64) ([]*types.Chat, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating chat rows: %w", err)
	}

	chats := make([]*types.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := m.GetChat(ctx, id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (m *Manager) participants(ctx context.Context, chatID int64) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.created_at
		FROM chat_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = ?
		ORDER BY u.id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	return users, nil
}

// Participants

func (m *Manager) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var exists int
	err := m.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query participant: %w", err)
	}
	return exists == 1, nil
}

func (m *Manager) ListParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id ASC`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Messages

const messageColumns = `m.id, m.chat_id, m.user_id, u.username, m.content, m.message_type, m.file_path, m.created_at`

// CreateMessage inserts the message and reads it back joined with the
// author's username inside the same transaction. Every failure wraps
// types.ErrPersistence.
func (m *Manager) CreateMessage(ctx context.Context, msg interfaces.NewMessage) (*types.Message, error) {
	var created *types.Message
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (chat_id, user_id, content, message_type, file_path) VALUES (?, ?, ?, ?, ?)`,
			msg.ChatID, msg.UserID, msg.Content, msg.MessageType, msg.FilePath,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.user_id WHERE m.id = ?`, id,
		)
		if created, err = scanMessage(row); err != nil {
			return fmt.Errorf("failed to read back message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return created, nil
}

// ListMessages returns the latest limit messages of a chat in chronological
// order. limit <= 0 returns the whole history.
func (m *Manager) ListMessages(ctx context.Context, chatID int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*types.User, error) {
	var u types.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

func scanMessage(row scanner) (*types.Message, error) {
	var msg types.Message
	var content, filePath sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.UserID,
		&msg.Username,
		&content,
		&msg.MessageType,
		&filePath,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if content.Valid {
		msg.Content = &content.String
	}
	if filePath.Valid {
		msg.FilePath = &filePath.String
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
