package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Chat types
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// Message types. A text message carries content, audio and file messages
// carry a reference into file storage.
const (
	MessageTypeText  = "text"
	MessageTypeAudio = "audio"
	MessageTypeFile  = "file"
)

// Inbound events consumed from client connections.
const (
	EventJoinRoom       = "join_room"
	EventJoinChat       = "join_chat"
	EventLeaveRoom      = "leave_room"
	EventLeaveChat      = "leave_chat"
	EventSendMessage    = "send_message"
	EventCallOffer      = "call_offer"
	EventCallAnswer     = "call_answer"
	EventICECandidate   = "ice_candidate"
	EventCallEnd        = "call_end"
	EventGetOnlineUsers = "get_online_users"
)

// Outbound events produced for client connections. call_offer, call_answer,
// ice_candidate and call_end share their names with the inbound events.
const (
	EventJoinedChat  = "joined_chat"
	EventLeftChat    = "left_chat"
	EventNewMessage  = "new_message"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
	EventOnlineUsers = "online_users"
	EventError       = "error"
)

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chat is a direct or group conversation. OtherUser is filled for direct
// chats when rendered for one of the two participants.
type Chat struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	Name         *string   `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []*User   `json:"participants"`
	OtherUser    *User     `json:"other_user,omitempty"`
}

// HasParticipant reports whether userID is among the loaded participants.
func (c *Chat) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ForViewer returns a copy of the chat with OtherUser set for direct chats.
func (c *Chat) ForViewer(userID int64) *Chat {
	view := *c
	view.OtherUser = nil
	if c.Type == ChatTypeDirect {
		for _, p := range c.Participants {
			if p.ID != userID {
				view.OtherUser = p
				break
			}
		}
	}
	return &view
}

// Message is a persisted chat message in its wire form.
type Message struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chat_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	Content     *string   `json:"content"`
	MessageType string    `json:"message_type"`
	FilePath    *string   `json:"file_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is the envelope exchanged over a live connection in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an event envelope.
func NewEvent(name string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

// MustEvent is NewEvent for payloads built from plain structs and maps that
// cannot fail to marshal.
func MustEvent(name string, data interface{}) Event {
	ev, err := NewEvent(name, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// ErrorEvent builds the sender-directed error event.
func ErrorEvent(message string) Event {
	return MustEvent(EventError, ErrorPayload{Message: message})
}

// Outbound payloads

type ErrorPayload struct {
	Message string `json:"message"`
}

type ChatRef struct {
	ChatID int64 `json:"chat_id"`
}

type PresencePayload struct {
	UserID int64 `json:"user_id"`
}

type OnlineUsersPayload struct {
	UserIDs []int64 `json:"user_ids"`
}

type CallOfferPayload struct {
	ChatID   int64           `json:"chat_id"`
	CallerID int64           `json:"caller_id"`
	Offer    json.RawMessage `json:"offer"`
}

type CallAnswerPayload struct {
	ChatID     int64           `json:"chat_id"`
	AnswererID int64           `json:"answerer_id"`
	Answer     json.RawMessage `json:"answer"`
}

type ICECandidatePayload struct {
	ChatID    int64           `json:"chat_id"`
	SenderID  int64           `json:"sender_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEndPayload struct {
	ChatID  int64 `json:"chat_id"`
	EndedBy int64 `json:"ended_by"`
}

// Inbound payloads. Token is the bearer credential carried on every
// authenticated event.

type JoinRequest struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type LeaveRequest struct {
	ChatID int64 `json:"chat_id"`
}

type SendMessageRequest struct {
	Token       string  `json:"token"`
	ChatID      int64   `json:"chat_id"`
	Content     *string `json:"content"`
	MessageType string  `json:"message_type"`
	FilePath    *string `json:"file_path"`
}

type CallOfferRequest struct {
	Token  string          `json:"token"`
	ChatID int64           `json:"chat_id"`
	Offer  json.RawMessage `json:"offer"`
}

type CallAnswerRequest struct {
	Token    string          `json:"token"`
	ChatID   int64           `json:"chat_id"`
	CallerID int64           `json:"caller_id"`
	Answer   json.RawMessage `json:"answer"`
}

type ICECandidateRequest struct {
	Token     string          `json:"token"`
	ChatID    int64           `json:"chat_id"`
	TargetID  int64           `json:"target_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEndRequest struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

// ChatRoomKey names the fan-out group of a chat.
func ChatRoomKey(chatID int64) string {
	return fmt.Sprintf("chat_%d", chatID)
}

// UserRoomKey names the personal channel of a user.
func UserRoomKey(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}
