package types

import (
	"regexp"
	"strings"
)

// MaxContentBytes caps the size of a text message body.
const MaxContentBytes = 65536

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// NormalizeMessageType applies the "text" default and rejects unknown types.
func NormalizeMessageType(messageType string) (string, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return MessageTypeText, nil
	}
	if !IsValidMessageType(messageType) {
		return "", Invalid("Unsupported message type: %s", messageType)
	}
	return messageType, nil
}

// IsValidMessageType checks the message type against the known set.
func IsValidMessageType(messageType string) bool {
	switch messageType {
	case MessageTypeText, MessageTypeAudio, MessageTypeFile:
		return true
	default:
		return false
	}
}

// ValidateMessageBody checks the content/file_path rules of a message type.
// Text needs non-blank content; audio and file need a file reference.
func ValidateMessageBody(messageType string, content, filePath *string) error {
	switch messageType {
	case MessageTypeText:
		if content == nil || strings.TrimSpace(*content) == "" {
			return Invalid("Message content is required")
		}
	case MessageTypeAudio, MessageTypeFile:
		if filePath == nil || strings.TrimSpace(*filePath) == "" {
			return Invalid("File path is required for file/audio messages")
		}
	default:
		return Invalid("Unsupported message type: %s", messageType)
	}
	if content != nil && len(*content) > MaxContentBytes {
		return Invalid("Message content exceeds 64KB limit")
	}
	return nil
}

// ValidateRegistration checks the fields of a new account.
func ValidateRegistration(username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return Invalid("Missing required fields")
	}
	if len(username) > 80 || !usernameRegex.MatchString(username) {
		return Invalid("Username must be 1-80 characters: letters, digits, '.', '_' or '-'")
	}
	if len(email) > 120 || !emailRegex.MatchString(email) {
		return Invalid("Invalid email address")
	}
	if len(password) < 6 {
		return Invalid("Password must be at least 6 characters")
	}
	return nil
}

// ValidateNewChat checks the chat creation rules for the creator.
func ValidateNewChat(chatType string, name *string, creatorID int64, participantIDs []int64) error {
	switch chatType {
	case ChatTypeGroup:
		if name == nil || strings.TrimSpace(*name) == "" {
			return Invalid("Group name is required")
		}
		if len(*name) > 100 {
			return Invalid("Group name must be at most 100 characters")
		}
	case ChatTypeDirect:
		if len(participantIDs) != 1 {
			return Invalid("Direct chat must have exactly one other participant")
		}
		if participantIDs[0] == creatorID {
			return Invalid("Cannot create direct chat with yourself")
		}
	default:
		return Invalid("Chat type must be 'direct' or 'group'")
	}
	return nil
}
