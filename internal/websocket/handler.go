package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/auth"
	"relaychat/pkg/interfaces"
)

// Lifecycle is the event hub as seen by the transport.
type Lifecycle interface {
	Connect(ctx context.Context, conn interfaces.Connection) error
	Disconnect(ctx context.Context, conn interfaces.Connection) error
	HandleFrame(ctx context.Context, conn interfaces.Connection, frame []byte)
}

// TokenVerifier resolves the handshake credential to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// allows every origin. Requests without an Origin header are not
	// browsers and always pass.
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	Connection       Options
}

// Handler upgrades authenticated requests to live connections.
type Handler struct {
	hub      Lifecycle
	verifier TokenVerifier
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger

	allowAll bool
	origins  map[string]struct{}
}

func NewHandler(hub Lifecycle, verifier TokenVerifier, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	h := &Handler{
		hub:      hub,
		verifier: verifier,
		opts:     cfg.Connection.withDefaults(),
		logger:   logger.With("component", "websocket"),
		origins:  make(map[string]struct{}),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			h.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(origin); ok {
			h.origins[normalized] = struct{}{}
		}
	}
	if len(h.origins) == 0 {
		h.allowAll = true
	}

	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	return h
}

// ServeHTTP verifies the credential, upgrades, registers the connection with
// the hub and runs the read pump until the connection ends.
// FUNCTIONAL DISCOVERY: verification happens before the upgrade so a bad
// credential gets a plain 401 instead of a socket that is closed at once.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		h.logger.Warn("websocket credential rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := NewConnection(ws, userID, h.opts)
	logger := h.logger.With("conn_id", conn.ID(), "user_id", userID)

	if err := h.hub.Connect(conn.Context(), conn); err != nil {
		logger.Error("connection rejected by hub", "error", err)
		_ = conn.Close()
		return
	}
	logger.Info("connection opened")

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.hub.Disconnect(ctx, conn); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
		logger.Info("connection closed", "duration", time.Since(conn.OpenedAt()))
	}()

	err = conn.ReadPump(func(frame []byte) {
		h.hub.HandleFrame(conn.Context(), conn, frame)
	})
	if err != nil {
		logger.Warn("websocket read error", "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if ok {
		if _, allowed := h.origins[normalized]; allowed {
			return true
		}
	}
	h.logger.Warn("blocked websocket connection from disallowed origin", "origin", origin)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
