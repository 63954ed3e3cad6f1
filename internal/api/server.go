package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaychat/internal/ingest"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/storage"
	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

const (
	userSearchLimit = 20
	messagePageSize = 0 // every message of the chat, oldest first
)

// TokenService issues and verifies bearer tokens.
type TokenService interface {
	Issue(userID int64) (string, error)
	Verify(token string) (int64, error)
}

// PasswordHasher hashes and checks account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Check(hash, password string) (bool, error)
}

// Invalidator drops cached chat membership after the participants changed.
type Invalidator interface {
	Invalidate(chatID int64)
}

// Presence reports connection state for /api/online and /health.
type Presence interface {
	OnlineUsers() []int64
	Stats() registry.Stats
}

// RoomStats reports router state for /health.
type RoomStats interface {
	Stats() router.Stats
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Store          interfaces.Store
	Tokens         TokenService
	Passwords      PasswordHasher
	Files          storage.Store
	Ingest         *ingest.Path
	Membership     Invalidator
	Presence       Presence
	Rooms          RoomStats
	Logger         *slog.Logger
	CORSOrigins    []string
	MaxUploadBytes int64
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation: message rules live in the ingest path, the API only adapts HTTP to it
type Server struct {
	store          interfaces.Store
	tokens         TokenService
	passwords      PasswordHasher
	files          storage.Store
	ingest         *ingest.Path
	membership     Invalidator
	presence       Presence
	rooms          RoomStats
	logger         *slog.Logger
	allowAll       bool
	origins        map[string]bool
	maxUploadBytes int64
	now            func() time.Time
	router         *http.ServeMux
	handler        http.Handler
}

// NewServer wires the routes. Membership, Presence and Rooms may be nil.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = storage.MaxUploadBytes
	}

	s := &Server{
		store:          deps.Store,
		tokens:         deps.Tokens,
		passwords:      deps.Passwords,
		files:          deps.Files,
		ingest:         deps.Ingest,
		membership:     deps.Membership,
		presence:       deps.Presence,
		rooms:          deps.Rooms,
		logger:         logger.With("component", "api"),
		origins:        make(map[string]bool),
		maxUploadBytes: maxUpload,
		now:            time.Now,
		router:         http.NewServeMux(),
	}
	for _, origin := range deps.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			s.allowAll = true
		} else if origin != "" {
			s.origins[strings.ToLower(origin)] = true
		}
	}
	if len(deps.CORSOrigins) == 0 {
		s.allowAll = true
	}

	s.setupRoutes()
	s.handler = s.requestMiddleware(s.router)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// register and login are public, every other /api route needs a bearer token
func (s *Server) setupRoutes() {
	public := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	private := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(h)))
	}

	s.router.Handle("/api/register", public(s.handleRegister))
	s.router.Handle("/api/login", public(s.handleLogin))
	s.router.Handle("/api/chats", private(s.handleChats))
	s.router.Handle("/api/chats/{id}/messages", private(s.handleMessages))
	s.router.Handle("/api/upload", private(s.handleUpload))
	s.router.Handle("/api/files/{name}", s.corsMiddleware(s.authMiddleware(http.HandlerFunc(s.handleFile))))
	s.router.Handle("/api/users", private(s.handleUsers))
	s.router.Handle("/api/online", private(s.handleOnline))
	s.router.Handle("/health", public(s.healthCheck))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Message     string      `json:"message,omitempty"`
	AccessToken string      `json:"access_token"`
	User        *types.User `json:"user"`
}

type CreateChatRequest struct {
	Type           string  `json:"type"`
	Name           *string `json:"name"`
	ParticipantIDs []int64 `json:"participant_ids"`
}

type ChatResponse struct {
	Message string      `json:"message"`
	Chat    *types.Chat `json:"chat"`
}

type ListChatsResponse struct {
	Chats []*types.Chat `json:"chats"`
}

type ListMessagesResponse struct {
	Messages []*types.Message `json:"messages"`
}

type PostMessageRequest struct {
	Content     *string `json:"content"`
	MessageType string  `json:"message_type"`
	FilePath    *string `json:"file_path"`
}

type PostMessageResponse struct {
	Message string         `json:"message"`
	Data    *types.Message `json:"data"`
}

type UploadResponse struct {
	FilePath string `json:"file_path"`
	URL      string `json:"url"`
}

type ListUsersResponse struct {
	Users []*types.User `json:"users"`
}

type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Database    string          `json:"database"`
	Connections *registry.Stats `json:"connections,omitempty"`
	Rooms       *router.Stats   `json:"rooms,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// FUNCTIONAL DISCOVERY: POST /api/register - create an account and sign the caller in
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := types.ValidateRegistration(req.Username, req.Email, req.Password); err != nil {
		s.sendError(w, types.ClientMessage(err), http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		s.sendError(w, "Username already exists", http.StatusBadRequest)
		return
	} else if !errors.Is(err, types.ErrNotFound) {
		s.fail(w, "register", err)
		return
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		s.fail(w, "register", err)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, req.Email, hash)
	if errors.Is(err, types.ErrConflict) {
		// the username was free a moment ago, so the email is taken
		s.sendError(w, "Email already exists", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, "register", err)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.fail(w, "register", err)
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	s.writeJSON(w, http.StatusCreated, AuthResponse{
		Message:     "User created successfully",
		AccessToken: token,
		User:        user,
	})
}

// FUNCTIONAL DISCOVERY: POST /api/login - exchange credentials for a token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		s.sendError(w, "Missing username or password", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, types.ErrNotFound) {
		s.sendError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.fail(w, "login", err)
		return
	}

	ok, err := s.passwords.Check(user.PasswordHash, req.Password)
	if err != nil {
		s.fail(w, "login", err)
		return
	}
	if !ok {
		s.sendError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.fail(w, "login", err)
		return
	}
	s.writeJSON(w, http.StatusOK, AuthResponse{AccessToken: token, User: user})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listChats(w, r)
	case http.MethodPost:
		s.createChat(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: GET /api/chats - chats of the caller, direct chats carry other_user
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	chats, err := s.store.ListChatsForUser(r.Context(), userID)
	if err != nil {
		s.fail(w, "list chats", err)
		return
	}

	views := make([]*types.Chat, len(chats))
	for i, chat := range chats {
		views[i] = chat.ForViewer(userID)
	}
	s.writeJSON(w, http.StatusOK, ListChatsResponse{Chats: views})
}

// FUNCTIONAL DISCOVERY: POST /api/chats - create a chat, an existing direct chat is returned as is
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var req CreateChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = types.ChatTypeDirect
	}
	if err := types.ValidateNewChat(req.Type, req.Name, userID, req.ParticipantIDs); err != nil {
		s.sendError(w, types.ClientMessage(err), http.StatusBadRequest)
		return
	}

	participants := []int64{userID}
	for _, id := range req.ParticipantIDs {
		if id == userID {
			continue
		}
		if _, err := s.store.GetUserByID(r.Context(), id); errors.Is(err, types.ErrNotFound) {
			s.sendError(w, fmt.Sprintf("User %d not found", id), http.StatusBadRequest)
			return
		} else if err != nil {
			s.fail(w, "create chat", err)
			return
		}
		participants = append(participants, id)
	}

	if req.Type == types.ChatTypeDirect {
		existing, err := s.store.FindDirectChat(r.Context(), userID, req.ParticipantIDs[0])
		if err == nil {
			s.writeJSON(w, http.StatusOK, ChatResponse{Message: "Chat already exists", Chat: existing.ForViewer(userID)})
			return
		}
		if !errors.Is(err, types.ErrNotFound) {
			s.fail(w, "create chat", err)
			return
		}
	}

	chat, err := s.store.CreateChat(r.Context(), req.Type, req.Name, participants)
	if err != nil {
		s.fail(w, "create chat", err)
		return
	}
	if s.membership != nil {
		s.membership.Invalidate(chat.ID)
	}

	s.logger.Info("chat created", "chat_id", chat.ID, "type", chat.Type, "user_id", userID, "participants", len(participants))
	s.writeJSON(w, http.StatusCreated, ChatResponse{Message: "Chat created successfully", Chat: chat.ForViewer(userID)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || chatID <= 0 {
		s.sendError(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r, chatID)
	case http.MethodPost:
		s.postMessage(w, r, chatID)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: GET /api/chats/{id}/messages - history, oldest first, participants only
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, chatID int64) {
	ok, err := s.store.IsParticipant(r.Context(), chatID, userFrom(r.Context()))
	if err != nil {
		s.fail(w, "list messages", err)
		return
	}
	if !ok {
		s.sendError(w, "Chat not found or access denied", http.StatusNotFound)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), chatID, messagePageSize)
	if err != nil {
		s.fail(w, "list messages", err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	s.writeJSON(w, http.StatusOK, ListMessagesResponse{Messages: messages})
}

// FUNCTIONAL DISCOVERY: POST /api/chats/{id}/messages - same path as the send_message event
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, chatID int64) {
	var req PostMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	msg, err := s.ingest.Submit(r.Context(), ingest.Submission{
		UserID:   userFrom(r.Context()),
		ChatID:   chatID,
		Content:  req.Content,
		Type:     req.MessageType,
		FilePath: req.FilePath,
	})
	if errors.Is(err, types.ErrAccessDenied) {
		s.sendError(w, "Chat not found or access denied", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "post message", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, PostMessageResponse{Message: "Message sent successfully", Data: msg})
}

// FUNCTIONAL DISCOVERY: POST /api/upload - multipart "file", stored as <unix>_<safe name>
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.sendError(w, "File too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, http.ErrMissingFile):
			s.sendError(w, "No file provided", http.StatusBadRequest)
		default:
			s.sendError(w, "Invalid upload", http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	if header.Filename == "" {
		s.sendError(w, "No file selected", http.StatusBadRequest)
		return
	}
	if header.Size > s.maxUploadBytes {
		s.sendError(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	name, err := storage.ObjectName(s.now(), header.Filename)
	if err != nil {
		s.sendError(w, "Invalid file type", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.files.Save(r.Context(), name, file, header.Size, contentType); err != nil {
		s.fail(w, "upload", err)
		return
	}

	s.logger.Info("file uploaded", "user_id", userFrom(r.Context()), "file", name, "size", header.Size)
	s.writeJSON(w, http.StatusOK, UploadResponse{FilePath: name, URL: "/api/files/" + name})
}

// FUNCTIONAL DISCOVERY: GET /api/files/{name} - raw file bytes
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.sendJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	if storage.ValidName(name) != nil {
		s.sendJSONError(w, "File not found", http.StatusNotFound)
		return
	}

	body, info, err := s.files.Open(r.Context(), name)
	if errors.Is(err, storage.ErrFileNotFound) {
		s.sendJSONError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to open file", "file", name, "error", err)
		s.sendJSONError(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("file download interrupted", "file", name, "error", err)
	}
}

// FUNCTIONAL DISCOVERY: GET /api/users?search= - username substring search, caller excluded
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	search := strings.TrimSpace(r.URL.Query().Get("search"))
	users, err := s.store.SearchUsers(r.Context(), search, userFrom(r.Context()), userSearchLimit)
	if err != nil {
		s.fail(w, "search users", err)
		return
	}
	if users == nil {
		users = []*types.User{}
	}
	s.writeJSON(w, http.StatusOK, ListUsersResponse{Users: users})
}

// GET /api/online
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids := []int64{}
	if s.presence != nil {
		ids = append(ids, s.presence.OnlineUsers()...)
	}
	s.writeJSON(w, http.StatusOK, types.OnlineUsersPayload{UserIDs: ids})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("database health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = fmt.Sprintf("error: %v", err)
	}
	if s.presence != nil {
		stats := s.presence.Stats()
		resp.Connections = &stats
	}
	if s.rooms != nil {
		stats := s.rooms.Stats()
		resp.Rooms = &stats
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps a domain error onto a status and logs what the client does not see.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
	} else {
		s.logger.Warn("request rejected", "op", op, "error", err)
	}
	s.sendError(w, types.ClientMessage(err), code)
}

// statusFor maps the shared error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// sendJSONError is sendError for routes that do not pass through jsonMiddleware.
func (s *Server) sendJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	s.sendError(w, message, code)
}
