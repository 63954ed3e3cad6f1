package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"relaychat/internal/auth"
	"relaychat/internal/ingest"
	"relaychat/internal/logging"
	"relaychat/internal/membership"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/storage"
	"relaychat/internal/testutil"
	"relaychat/pkg/types"
)

type unhealthyStore struct {
	*testutil.MemStore
}

func (unhealthyStore) HealthCheck(ctx context.Context) error {
	return errors.New("disk on fire")
}

type fixture struct {
	server   *Server
	store    *testutil.MemStore
	verifier *auth.Verifier
	registry *registry.Registry
	router   *router.Router
	files    *storage.LocalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMemStore()
	verifier, err := auth.NewVerifier(auth.Config{Secret: "api-test-secret"})
	if err != nil {
		t.Fatal(err)
	}
	files, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	logger := logging.Discard()
	reg := registry.New()
	members := membership.New(store, 0, logger)
	rt := router.New(reg, members, logger)

	f := &fixture{store: store, verifier: verifier, registry: reg, router: rt, files: files}
	f.server = NewServer(Deps{
		Store:          store,
		Tokens:         verifier,
		Passwords:      auth.NewHasher(bcrypt.MinCost),
		Files:          files,
		Ingest:         ingest.New(members, store, files, nil, rt, logger),
		Membership:     members,
		Presence:       reg,
		Rooms:          rt,
		Logger:         logger,
		CORSOrigins:    []string{"*"},
		MaxUploadBytes: 64,
	})
	f.server.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func (f *fixture) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := f.verifier.Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error
}

func TestServer_RegisterAndLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/register", "", `{"username":"alice","email":"alice@example.com","password":"secret1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body)
	}
	var reg AuthResponse
	decode(t, w, &reg)
	if reg.Message == "" || reg.User == nil || reg.User.Username != "alice" {
		t.Fatalf("unexpected register response %+v", reg)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("password hash must not be serialized")
	}
	if id, err := f.verifier.Verify(reg.AccessToken); err != nil || id != reg.User.ID {
		t.Errorf("register token verifies to %d, %v", id, err)
	}

	w = f.do(t, "POST", "/api/login", "", `{"username":"alice","password":"secret1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body)
	}
	var login AuthResponse
	decode(t, w, &login)
	if login.User.ID != reg.User.ID || login.AccessToken == "" {
		t.Errorf("unexpected login response %+v", login)
	}

	for _, body := range []string{
		`{"username":"alice","password":"wrong-password"}`,
		`{"username":"nobody","password":"secret1"}`,
	} {
		if w := f.do(t, "POST", "/api/login", "", body); w.Code != http.StatusUnauthorized {
			t.Errorf("login %s: status = %d", body, w.Code)
		}
	}
}

func TestServer_RegisterRejections(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/register", "", `{"username":"alice","email":"alice@example.com","password":"secret1"}`)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing fields", `{"username":"bob"}`, "Missing required fields"},
		{"duplicate username", `{"username":"alice","email":"other@example.com","password":"secret1"}`, "Username already exists"},
		{"duplicate email", `{"username":"bob","email":"alice@example.com","password":"secret1"}`, "Email already exists"},
		{"short password", `{"username":"bob","email":"bob@example.com","password":"123"}`, "Password"},
		{"bad json", `{"username":`, "Invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", "/api/register", "", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body)
			}
			if msg := errorOf(t, w); !strings.Contains(msg, tt.want) {
				t.Errorf("error %q does not mention %q", msg, tt.want)
			}
		})
	}
}

func TestServer_RequiresBearerToken(t *testing.T) {
	f := newFixture(t)

	paths := []string{"/api/chats", "/api/users", "/api/online", "/api/chats/1/messages", "/api/files/1_a.txt"}
	for _, path := range paths {
		w := f.do(t, "GET", path, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", path, w.Code)
		}
		if msg := errorOf(t, w); msg != "Authentication required" {
			t.Errorf("%s: error = %q", path, msg)
		}
	}

	if w := f.do(t, "GET", "/api/chats", "garbage", ""); w.Code != http.StatusUnauthorized || errorOf(t, w) != "Invalid token" {
		t.Errorf("bad token: %d %s", w.Code, w.Body)
	}

	// browser clients pass the credential as ?token=
	req := httptest.NewRequest("GET", "/api/online?token="+f.token(t, 1), nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("query token: status = %d", w.Code)
	}
}

func TestServer_CreateDirectChat(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	token := f.token(t, alice)

	w := f.do(t, "POST", "/api/chats", token, fmt.Sprintf(`{"type":"direct","participant_ids":[%d]}`, bob))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var created ChatResponse
	decode(t, w, &created)
	if created.Chat.OtherUser == nil || created.Chat.OtherUser.ID != bob || len(created.Chat.Participants) != 2 {
		t.Errorf("unexpected chat %+v", created.Chat)
	}

	// the same pair from the other side finds the existing chat
	w = f.do(t, "POST", "/api/chats", f.token(t, bob), fmt.Sprintf(`{"participant_ids":[%d]}`, alice))
	if w.Code != http.StatusOK {
		t.Fatalf("existing chat status = %d, body %s", w.Code, w.Body)
	}
	var existing ChatResponse
	decode(t, w, &existing)
	if existing.Chat.ID != created.Chat.ID || existing.Chat.OtherUser.ID != alice {
		t.Errorf("expected chat %d seen by bob, got %+v", created.Chat.ID, existing.Chat)
	}

	w = f.do(t, "GET", "/api/chats", token, "")
	var list ListChatsResponse
	decode(t, w, &list)
	if len(list.Chats) != 1 || list.Chats[0].OtherUser.ID != bob {
		t.Errorf("unexpected chat list %s", w.Body)
	}
}

func TestServer_CreateChatRejections(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	token := f.token(t, alice)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"group without name", fmt.Sprintf(`{"type":"group","participant_ids":[%d]}`, bob), "Group name is required"},
		{"direct with two", fmt.Sprintf(`{"type":"direct","participant_ids":[%d,%d]}`, bob, bob+10), "exactly one"},
		{"direct with self", fmt.Sprintf(`{"type":"direct","participant_ids":[%d]}`, alice), "yourself"},
		{"unknown type", `{"type":"channel"}`, "Chat type"},
		{"unknown user", `{"type":"direct","participant_ids":[999]}`, "User 999 not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", "/api/chats", token, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body)
			}
			if msg := errorOf(t, w); !strings.Contains(msg, tt.want) {
				t.Errorf("error %q does not mention %q", msg, tt.want)
			}
		})
	}
}

func TestServer_CreateGroupChat(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	carol := f.store.AddUser("carol")

	body := fmt.Sprintf(`{"type":"group","name":"team","participant_ids":[%d,%d,%d]}`, bob, carol, alice)
	w := f.do(t, "POST", "/api/chats", f.token(t, alice), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp ChatResponse
	decode(t, w, &resp)
	if len(resp.Chat.Participants) != 3 || resp.Chat.OtherUser != nil {
		t.Errorf("unexpected group %+v", resp.Chat)
	}
	ok, _ := f.store.IsParticipant(context.Background(), resp.Chat.ID, carol)
	if !ok {
		t.Error("carol should be a participant")
	}
}

func TestServer_Messages(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	carol := f.store.AddUser("carol")
	chatID := f.store.AddChat(types.ChatTypeDirect, alice, bob)
	path := fmt.Sprintf("/api/chats/%d/messages", chatID)

	// bob is watching the room over a live connection
	bobConn := testutil.NewFakeConn(bob)
	if _, err := f.registry.Register(bobConn); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Join(context.Background(), bobConn, chatID); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, "POST", path, f.token(t, alice), `{"content":"hello over http"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("post status = %d, body %s", w.Code, w.Body)
	}
	var posted PostMessageResponse
	decode(t, w, &posted)
	if posted.Data == nil || *posted.Data.Content != "hello over http" || posted.Data.MessageType != types.MessageTypeText || posted.Data.Username != "alice" {
		t.Errorf("unexpected posted message %+v", posted.Data)
	}
	if got := bobConn.Named(types.EventNewMessage); len(got) != 1 {
		t.Errorf("bob should receive the message live, got %d", len(got))
	}

	w = f.do(t, "POST", path, f.token(t, alice), `{"content":"   "}`)
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Message content is required" {
		t.Errorf("blank message: %d %s", w.Code, w.Body)
	}
	w = f.do(t, "POST", path, f.token(t, alice), `{"message_type":"file","file_path":"1_missing.pdf"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file reference: %d %s", w.Code, w.Body)
	}

	w = f.do(t, "GET", path, f.token(t, bob), "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list ListMessagesResponse
	decode(t, w, &list)
	if len(list.Messages) != 1 || list.Messages[0].ID != posted.Data.ID {
		t.Errorf("unexpected history %s", w.Body)
	}

	for _, method := range []string{"GET", "POST"} {
		w := f.do(t, method, path, f.token(t, carol), `{"content":"let me in"}`)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s by outsider: status = %d", method, w.Code)
		}
	}
	if len(f.store.Messages()) != 1 {
		t.Error("rejected messages must not be persisted")
	}

	if w := f.do(t, "GET", "/api/chats/abc/messages", f.token(t, alice), ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad chat id: status = %d", w.Code)
	}
}

func TestServer_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	bob := f.store.AddUser("bob")
	chatID := f.store.AddChat(types.ChatTypeDirect, alice, bob)
	f.store.FailMessages = true

	w := f.do(t, "POST", fmt.Sprintf("/api/chats/%d/messages", chatID), f.token(t, alice), `{"content":"hi"}`)
	if w.Code != http.StatusInternalServerError || errorOf(t, w) != "Failed to save message" {
		t.Errorf("persistence failure: %d %s", w.Code, w.Body)
	}
}

func upload(t *testing.T, f *fixture, token, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mw.Close()

	req := httptest.NewRequest("POST", "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestServer_UploadAndDownload(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	token := f.token(t, alice)

	w := upload(t, f, token, "../My Notes.txt", []byte("meeting at noon"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body %s", w.Code, w.Body)
	}
	var resp UploadResponse
	decode(t, w, &resp)
	if resp.FilePath != "1700000000_My_Notes.txt" || resp.URL != "/api/files/1700000000_My_Notes.txt" {
		t.Errorf("unexpected upload response %+v", resp)
	}

	w = f.do(t, "GET", resp.URL, token, "")
	if w.Code != http.StatusOK || w.Body.String() != "meeting at noon" {
		t.Errorf("download: %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	if w := f.do(t, "GET", "/api/files/1_nothing.txt", token, ""); w.Code != http.StatusNotFound {
		t.Errorf("missing file: status = %d", w.Code)
	}

	// an uploaded file can be referenced by a message
	bob := f.store.AddUser("bob")
	chatID := f.store.AddChat(types.ChatTypeDirect, alice, bob)
	body := fmt.Sprintf(`{"message_type":"file","file_path":%q}`, resp.FilePath)
	if w := f.do(t, "POST", fmt.Sprintf("/api/chats/%d/messages", chatID), token, body); w.Code != http.StatusCreated {
		t.Errorf("file message: %d %s", w.Code, w.Body)
	}
}

func TestServer_UploadRejections(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, f.store.AddUser("alice"))

	if w := upload(t, f, token, "run.exe", []byte("MZ")); w.Code != http.StatusBadRequest || errorOf(t, w) != "Invalid file type" {
		t.Errorf("exe upload: %d %s", w.Code, w.Body)
	}
	if w := upload(t, f, token, "big.txt", bytes.Repeat([]byte("x"), 100)); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload: %d %s", w.Code, w.Body)
	}

	req := httptest.NewRequest("POST", "/api/upload", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-multipart upload: status = %d", w.Code)
	}
}

func TestServer_SearchUsers(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("alice")
	f.store.AddUser("alina")
	f.store.AddUser("bob")
	for i := 0; i < 25; i++ {
		f.store.AddUser(fmt.Sprintf("al%02d", i))
	}

	w := f.do(t, "GET", "/api/users?search=ali", f.token(t, alice), "")
	var resp ListUsersResponse
	decode(t, w, &resp)
	if len(resp.Users) != 1 || resp.Users[0].Username != "alina" {
		t.Errorf("search should exclude the caller, got %s", w.Body)
	}

	w = f.do(t, "GET", "/api/users?search=al", f.token(t, alice), "")
	decode(t, w, &resp)
	if len(resp.Users) != userSearchLimit {
		t.Errorf("search returned %d users, want %d", len(resp.Users), userSearchLimit)
	}
}

func TestServer_Online(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testutil.NewFakeConn(4))
	f.registry.Register(testutil.NewFakeConn(2))
	f.registry.Register(testutil.NewFakeConn(4))

	w := f.do(t, "GET", "/api/online", f.token(t, 9), "")
	var resp types.OnlineUsersPayload
	decode(t, w, &resp)
	if len(resp.UserIDs) != 2 {
		t.Errorf("online users = %v", resp.UserIDs)
	}
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testutil.NewFakeConn(1))

	w := f.do(t, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "healthy" || resp.Connections == nil || resp.Connections.Connections != 1 || resp.Rooms == nil {
		t.Errorf("unexpected health %s", w.Body)
	}

	sick := NewServer(Deps{Store: unhealthyStore{f.store}, Tokens: f.verifier, Logger: logging.Discard()})
	w = httptest.NewRecorder()
	sick.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy database: status = %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.Status != "unhealthy" || !strings.Contains(resp.Database, "disk on fire") {
		t.Errorf("unexpected health %s", w.Body)
	}
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("OPTIONS", "/api/chats", nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", w.Code, w.Header())
	}

	restricted := NewServer(Deps{Store: f.store, Tokens: f.verifier, CORSOrigins: []string{"https://chat.example.com"}})
	for origin, want := range map[string]string{
		"https://chat.example.com": "https://chat.example.com",
		"https://evil.example.com": "",
	} {
		req := httptest.NewRequest("OPTIONS", "/api/login", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		restricted.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: allow = %q, want %q", origin, got, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		types.ErrMissingToken:                       http.StatusUnauthorized,
		types.ErrAccessDenied:                       http.StatusForbidden,
		types.Invalid("bad"):                        http.StatusBadRequest,
		fmt.Errorf("x: %w", types.ErrPersistence):   http.StatusInternalServerError,
		types.ErrNotFound:                           http.StatusNotFound,
		types.ErrConflict:                           http.StatusConflict,
		fmt.Errorf("u 1: %w", types.ErrRateLimited): http.StatusTooManyRequests,
		errors.New("boom"):                          http.StatusInternalServerError,
	}
	for err, want := range tests {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestServer_RequestID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("responses carry a generated request id")
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("request id = %q, want the client's", got)
	}
}
