package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates visitor message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 10000 { // ~10KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateChatbotID validates a chatbot ID.
func ValidateChatbotID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid chatbot ID format")
	}
	return nil
}

// ValidateVisitorID validates a widget visitor ID. Visitor IDs are client
// generated, so only length and encoding are enforced.
func ValidateVisitorID(id string) error {
	if len(id) == 0 {
		return errors.New("visitor ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("visitor ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("visitor ID must be valid UTF-8")
	}
	return nil
}

// ValidateButtonValue validates a quick-reply button value.
func ValidateButtonValue(value string) error {
	if len(value) == 0 {
		return errors.New("button value cannot be empty")
	}
	if len(value) > 256 {
		return errors.New("button value exceeds maximum length")
	}
	return nil
}
