package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"relaychat/pkg/types"
)

// Participants answers chat membership questions.
type Participants interface {
	CanJoin(ctx context.Context, userID, chatID int64) (bool, error)
	Participants(ctx context.Context, chatID int64) ([]int64, error)
}

// Sender delivers an event on a user's personal channel.
type Sender interface {
	SendToUser(userID int64, event types.Event) int
}

// Relay forwards WebRTC signaling between chat participants. Offer, answer
// and candidate bodies are opaque and passed through unchanged.
//
// Offers always require the caller to be a participant. In strict mode
// answers, candidates and call ends also require both ends to be
// participants of the chat.
type Relay struct {
	members Participants
	sender  Sender
	strict  bool
	logger  *slog.Logger
}

func New(members Participants, sender Sender, strict bool, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		members: members,
		sender:  sender,
		strict:  strict,
		logger:  logger.With("component", "signaling"),
	}
}

// Offer sends call_offer to every other participant of chatID and returns
// how many users were addressed.
func (r *Relay) Offer(ctx context.Context, callerID, chatID int64, offer json.RawMessage) (int, error) {
	if err := r.requireParticipant(ctx, callerID, chatID); err != nil {
		return 0, err
	}

	participants, err := r.members.Participants(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("call offer in chat %d: %w", chatID, err)
	}

	event := types.MustEvent(types.EventCallOffer, types.CallOfferPayload{
		ChatID:   chatID,
		CallerID: callerID,
		Offer:    passthrough(offer),
	})

	addressed := 0
	for _, userID := range participants {
		if userID == callerID {
			continue
		}
		r.sender.SendToUser(userID, event)
		addressed++
	}

	r.logger.Info("call offer relayed", "chat_id", chatID, "caller_id", callerID, "recipients", addressed)
	return addressed, nil
}

// Answer sends call_answer to the caller.
func (r *Relay) Answer(ctx context.Context, answererID, chatID, callerID int64, answer json.RawMessage) error {
	if callerID == 0 {
		return types.Invalid("caller_id is required")
	}
	if err := r.requirePair(ctx, answererID, callerID, chatID); err != nil {
		return err
	}

	r.sender.SendToUser(callerID, types.MustEvent(types.EventCallAnswer, types.CallAnswerPayload{
		ChatID:     chatID,
		AnswererID: answererID,
		Answer:     passthrough(answer),
	}))

	r.logger.Info("call answer relayed", "chat_id", chatID, "answerer_id", answererID, "caller_id", callerID)
	return nil
}

// ICECandidate sends ice_candidate to the target.
func (r *Relay) ICECandidate(ctx context.Context, senderID, chatID, targetID int64, candidate json.RawMessage) error {
	if targetID == 0 {
		return types.Invalid("target_id is required")
	}
	if err := r.requirePair(ctx, senderID, targetID, chatID); err != nil {
		return err
	}

	r.sender.SendToUser(targetID, types.MustEvent(types.EventICECandidate, types.ICECandidatePayload{
		ChatID:    chatID,
		SenderID:  senderID,
		Candidate: passthrough(candidate),
	}))

	r.logger.Debug("ice candidate relayed", "chat_id", chatID, "sender_id", senderID, "target_id", targetID)
	return nil
}

// End sends call_end to every other participant of chatID.
func (r *Relay) End(ctx context.Context, userID, chatID int64) (int, error) {
	if r.strict {
		if err := r.requireParticipant(ctx, userID, chatID); err != nil {
			return 0, err
		}
	}

	participants, err := r.members.Participants(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("call end in chat %d: %w", chatID, err)
	}

	event := types.MustEvent(types.EventCallEnd, types.CallEndPayload{ChatID: chatID, EndedBy: userID})

	addressed := 0
	for _, p := range participants {
		if p == userID {
			continue
		}
		r.sender.SendToUser(p, event)
		addressed++
	}

	r.logger.Info("call ended", "chat_id", chatID, "ended_by", userID, "recipients", addressed)
	return addressed, nil
}

func (r *Relay) requireParticipant(ctx context.Context, userID, chatID int64) error {
	if chatID == 0 {
		return types.Invalid("chat_id is required")
	}
	ok, err := r.members.CanJoin(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("check participant %d of chat %d: %w", userID, chatID, err)
	}
	if !ok {
		return fmt.Errorf("user %d in chat %d: %w", userID, chatID, types.ErrAccessDenied)
	}
	return nil
}

// requirePair checks both ends of a point-to-point signal in strict mode.
func (r *Relay) requirePair(ctx context.Context, fromID, toID, chatID int64) error {
	if !r.strict {
		return nil
	}
	if err := r.requireParticipant(ctx, fromID, chatID); err != nil {
		return err
	}
	return r.requireParticipant(ctx, toID, chatID)
}

func passthrough(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
