package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"relaychat/internal/ingest"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/signaling"
	"relaychat/pkg/interfaces"
)

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Deps are the components the hub coordinates.
type Deps struct {
	Registry *registry.Registry
	Router   *router.Router
	Ingest   *ingest.Path
	Relay    *signaling.Relay
	Verifier TokenVerifier
	Logger   *slog.Logger

	// RequireEventToken makes every authenticated event carry its own token.
	// When false an absent token falls back to the connection's identity.
	RequireEventToken bool
}

// Hub owns the connection lifecycle and dispatches inbound events.
// ARCHITECTURAL DISCOVERY: connects and disconnects go through one channel
// consumed by a single goroutine, so presence transitions for a user are
// computed in the order the transport saw them. Event handling runs on the
// caller's goroutine; room state is protected by the router's locks.
type Hub struct {
	registry          *registry.Registry
	router            *router.Router
	ingest            *ingest.Path
	relay             *signaling.Relay
	verifier          TokenVerifier
	requireEventToken bool
	logger            *slog.Logger

	handlers map[string]handlerFunc

	lifecycleChannel chan lifecycleOp
	shutdownChannel  chan struct{}
	done             chan struct{}

	running bool
	stopped bool // a hub runs at most once
	mu      sync.RWMutex
}

type lifecycleKind int

const (
	opConnect lifecycleKind = iota
	opDisconnect
)

type lifecycleOp struct {
	kind   lifecycleKind
	conn   interfaces.Connection
	result chan error
}

func New(deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		registry:          deps.Registry,
		router:            deps.Router,
		ingest:            deps.Ingest,
		relay:             deps.Relay,
		verifier:          deps.Verifier,
		requireEventToken: deps.RequireEventToken,
		logger:            logger.With("component", "hub"),
		lifecycleChannel:  make(chan lifecycleOp, 100),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
	}
	h.handlers = h.dispatchTable()
	return h
}

// Start runs the lifecycle goroutine until Stop or ctx is done. A hub that
// has stopped cannot be started again.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	h.running = true
	h.stopped = true
	h.mu.Unlock()

	h.logger.Info("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop ends the lifecycle goroutine and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	h.logger.Info("event hub stopped")
	return nil
}

// Running reports whether the lifecycle goroutine is accepting work.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect registers conn and announces the owner as online if this is
// their first handle.
func (h *Hub) Connect(ctx context.Context, conn interfaces.Connection) error {
	return h.submit(ctx, opConnect, conn)
}

// Disconnect unregisters conn, leaves all its rooms and announces the owner
// as offline if this was their last handle. Disconnecting an unknown or
// already disconnected handle is a no-op.
func (h *Hub) Disconnect(ctx context.Context, conn interfaces.Connection) error {
	return h.submit(ctx, opDisconnect, conn)
}

func (h *Hub) submit(ctx context.Context, kind lifecycleKind, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	op := lifecycleOp{kind: kind, conn: conn, result: make(chan error, 1)}
	select {
	case h.lifecycleChannel <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubNotRunning
	}

	select {
	case err := <-op.result:
		return err
	case <-h.done:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case op := <-h.lifecycleChannel:
			switch op.kind {
			case opConnect:
				op.result <- h.handleConnect(op.conn)
			case opDisconnect:
				h.handleDisconnect(op.conn)
				op.result <- nil
			}

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleConnect(conn interfaces.Connection) error {
	first, err := h.registry.Register(conn)
	if err != nil {
		return fmt.Errorf("register connection %s: %w", conn.ID(), err)
	}

	h.logger.Info("connection registered", "conn_id", conn.ID(), "user_id", conn.UserID(), "first", first)
	if first {
		h.router.BroadcastPresence(conn.UserID(), true)
	}
	return nil
}

// handleDisconnect unregisters before leaving rooms so a concurrent Join
// for this handle fails instead of leaving a dangling membership.
func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	if !h.registry.Contains(conn.ID()) {
		h.logger.Debug("connection already deregistered", "conn_id", conn.ID())
		return
	}

	last := h.registry.Unregister(conn)
	left := h.router.LeaveAll(conn)

	h.logger.Info("connection deregistered", "conn_id", conn.ID(), "user_id", conn.UserID(), "rooms_left", len(left), "last", last)
	if last {
		h.router.BroadcastPresence(conn.UserID(), false)
	}
}
