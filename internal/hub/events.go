package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"relaychat/internal/ingest"
	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

type handlerFunc func(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error

func (h *Hub) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		types.EventJoinRoom:       h.handleJoin,
		types.EventJoinChat:       h.handleJoin,
		types.EventLeaveRoom:      h.handleLeave,
		types.EventLeaveChat:      h.handleLeave,
		types.EventSendMessage:    h.handleSendMessage,
		types.EventCallOffer:      h.handleCallOffer,
		types.EventCallAnswer:     h.handleCallAnswer,
		types.EventICECandidate:   h.handleICECandidate,
		types.EventCallEnd:        h.handleCallEnd,
		types.EventGetOnlineUsers: h.handleGetOnlineUsers,
	}
}

// HandleFrame decodes one inbound frame and runs its handler. Any failure is
// reported to the sending connection only as an error event; the connection
// stays open.
func (h *Hub) HandleFrame(ctx context.Context, conn interfaces.Connection, frame []byte) {
	// TECHNICAL DISCOVERY: peek the event name with gjson so the payload is
	// decoded once, by the handler that knows its shape.
	if !gjson.ValidBytes(frame) {
		h.reply(conn, "", types.Invalid("Invalid message format"))
		return
	}
	name := gjson.GetBytes(frame, "event").String()
	if name == "" {
		h.reply(conn, "", types.Invalid("Invalid message format"))
		return
	}

	handler, ok := h.handlers[name]
	if !ok {
		h.logger.Warn("unknown event", "conn_id", conn.ID(), "event", name)
		h.send(conn, types.ErrorEvent("Unknown event: "+name))
		return
	}

	var data json.RawMessage
	if raw := gjson.GetBytes(frame, "data"); raw.Exists() {
		data = json.RawMessage(raw.Raw)
	}

	if err := handler(ctx, conn, data); err != nil {
		h.reply(conn, name, err)
	}
}

// reply converts err into the client-facing error event.
func (h *Hub) reply(conn interfaces.Connection, event string, err error) {
	var validation *types.ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, types.ErrAuth),
		errors.Is(err, types.ErrAccessDenied),
		errors.Is(err, types.ErrRateLimited),
		errors.Is(err, types.ErrNotFound):
		h.logger.Warn("event rejected", "conn_id", conn.ID(), "user_id", conn.UserID(), "event", event, "error", err)
	default:
		h.logger.Error("event failed", "conn_id", conn.ID(), "user_id", conn.UserID(), "event", event, "error", err)
	}
	h.send(conn, types.ErrorEvent(types.ClientMessage(err)))
}

func (h *Hub) send(conn interfaces.Connection, event types.Event) {
	if err := conn.Send(event); err != nil {
		h.logger.Debug("reply dropped", "conn_id", conn.ID(), "event", event.Name, "error", err)
	}
}

// authenticate resolves the token carried in data. Its subject must own the
// connection.
func (h *Hub) authenticate(conn interfaces.Connection, data json.RawMessage) (int64, error) {
	token := gjson.GetBytes(data, "token").String()
	if token == "" {
		if !h.requireEventToken {
			return conn.UserID(), nil
		}
		return 0, types.ErrMissingToken
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		return 0, err
	}
	if userID != conn.UserID() {
		return 0, fmt.Errorf("token for user %d on connection of user %d: %w", userID, conn.UserID(), types.ErrInvalidToken)
	}
	return userID, nil
}

func decode(event string, data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.Invalid("Invalid %s payload", event)
	}
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if _, err := h.authenticate(conn, data); err != nil {
		return err
	}
	var req types.JoinRequest
	if err := decode(types.EventJoinChat, data, &req); err != nil {
		return err
	}
	if req.ChatID == 0 {
		return types.Invalid("chat_id is required")
	}

	if err := h.router.Join(ctx, conn, req.ChatID); err != nil {
		return err
	}
	h.send(conn, types.MustEvent(types.EventJoinedChat, types.ChatRef{ChatID: req.ChatID}))
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var req types.LeaveRequest
	if err := decode(types.EventLeaveChat, data, &req); err != nil {
		return err
	}
	if req.ChatID == 0 {
		return types.Invalid("chat_id is required")
	}

	h.router.Leave(conn, req.ChatID)
	h.send(conn, types.MustEvent(types.EventLeftChat, types.ChatRef{ChatID: req.ChatID}))
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	userID, err := h.authenticate(conn, data)
	if err != nil {
		return err
	}
	var req types.SendMessageRequest
	if err := decode(types.EventSendMessage, data, &req); err != nil {
		return err
	}

	msg, err := h.ingest.Submit(ctx, ingest.Submission{
		UserID:       userID,
		ChatID:       req.ChatID,
		Content:      req.Content,
		Type:         req.MessageType,
		FilePath:     req.FilePath,
		OriginConnID: conn.ID(),
	})
	if err != nil {
		return err
	}

	// The room broadcast skipped the origin handle; confirm to it here.
	h.send(conn, types.MustEvent(types.EventNewMessage, msg))
	return nil
}

func (h *Hub) handleCallOffer(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	userID, err := h.authenticate(conn, data)
	if err != nil {
		return err
	}
	var req types.CallOfferRequest
	if err := decode(types.EventCallOffer, data, &req); err != nil {
		return err
	}
	_, err = h.relay.Offer(ctx, userID, req.ChatID, req.Offer)
	return err
}

func (h *Hub) handleCallAnswer(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	userID, err := h.authenticate(conn, data)
	if err != nil {
		return err
	}
	var req types.CallAnswerRequest
	if err := decode(types.EventCallAnswer, data, &req); err != nil {
		return err
	}
	return h.relay.Answer(ctx, userID, req.ChatID, req.CallerID, req.Answer)
}

func (h *Hub) handleICECandidate(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	userID, err := h.authenticate(conn, data)
	if err != nil {
		return err
	}
	var req types.ICECandidateRequest
	if err := decode(types.EventICECandidate, data, &req); err != nil {
		return err
	}
	return h.relay.ICECandidate(ctx, userID, req.ChatID, req.TargetID, req.Candidate)
}

func (h *Hub) handleCallEnd(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	userID, err := h.authenticate(conn, data)
	if err != nil {
		return err
	}
	var req types.CallEndRequest
	if err := decode(types.EventCallEnd, data, &req); err != nil {
		return err
	}
	_, err = h.relay.End(ctx, userID, req.ChatID)
	return err
}

func (h *Hub) handleGetOnlineUsers(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if _, err := h.authenticate(conn, data); err != nil {
		return err
	}
	h.send(conn, types.MustEvent(types.EventOnlineUsers, types.OnlineUsersPayload{UserIDs: h.registry.OnlineUsers()}))
	return nil
}
