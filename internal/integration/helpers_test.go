package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"relaychat/internal/auth"
	"relaychat/internal/database"
	"relaychat/internal/hub"
	"relaychat/internal/ingest"
	"relaychat/internal/logging"
	"relaychat/internal/membership"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/signaling"
	"relaychat/internal/testutil"
	dbconfig "relaychat/pkg/database"
)

// core is the real-time stack on top of a real sqlite database.
type core struct {
	db       *database.Manager
	members  *membership.Authority
	hub      *hub.Hub
	verifier *auth.Verifier
}

// newCore opens a fresh database in a temp dir, applies the embedded
// migrations and wires the hub with a membership cache of cacheTTL.
func newCore(t *testing.T, cacheTTL time.Duration) *core {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "integration.db")

	logger := logging.Discard()
	db, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := dbconfig.NewMigrationManager(db.GetDB(), "").ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	verifier, err := auth.NewVerifier(auth.Config{Secret: "integration-secret"})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	members := membership.New(db, cacheTTL, logger)
	rt := router.New(reg, members, logger)
	h := hub.New(hub.Deps{
		Registry:          reg,
		Router:            rt,
		Ingest:            ingest.New(members, db, nil, nil, rt, logger),
		Relay:             signaling.New(members, rt, true, logger),
		Verifier:          verifier,
		Logger:            logger,
		RequireEventToken: true,
	})
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	return &core{db: db, members: members, hub: h, verifier: verifier}
}

func (c *core) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := c.db.CreateUser(context.Background(), name, name+"@example.com", "hash")
	if err != nil {
		t.Fatalf("CreateUser(%s) error = %v", name, err)
	}
	return u.ID
}

func (c *core) connect(t *testing.T, userID int64) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn(userID)
	if err := c.hub.Connect(context.Background(), conn); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return conn
}

// emit sends one event from conn, signed with its owner's token.
func (c *core) emit(t *testing.T, conn *testutil.FakeConn, event string, data map[string]any) {
	t.Helper()
	token, err := c.verifier.Issue(conn.UserID())
	if err != nil {
		t.Fatal(err)
	}
	data["token"] = token
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatal(err)
	}
	c.hub.HandleFrame(context.Background(), conn, raw)
}
