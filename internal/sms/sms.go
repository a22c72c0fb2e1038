package sms

import (
	"context"
	"errors"
	"unicode/utf8"
)

// MaxMessageLength is the single-segment SMS length. Longer bodies are flagged
// to the operator but still sent.
const MaxMessageLength = 160

// ErrMalformedResponse is returned when a provider answers 2xx with a body that
// lacks the fields the send/poll loop depends on.
var ErrMalformedResponse = errors.New("malformed provider response")

// Delivery statuses after which a message is no longer polled.
const (
	StatusDelivered       = "delivered"
	StatusUndelivered     = "undelivered"
	StatusFailed          = "failed"
	StatusDeliveryUnknown = "delivery_unknown"
)

// TerminalStatuses lists every status that ends polling for a message.
var TerminalStatuses = []string{StatusDelivered, StatusUndelivered, StatusFailed, StatusDeliveryUnknown}

// IsTerminal reports whether status ends polling.
func IsTerminal(status string) bool {
	switch status {
	case StatusDelivered, StatusUndelivered, StatusFailed, StatusDeliveryUnknown:
		return true
	}
	return false
}

// MessageTooLong reports whether body exceeds a single SMS segment.
func MessageTooLong(body string) bool {
	return utf8.RuneCountInString(body) > MaxMessageLength
}

// SendResult holds the outcome of a provider Send or Status call.
// Fields carries the provider's full JSON object for display.
type SendResult struct {
	MessageID string
	Status    string
	Fields    map[string]any
}

// Provider submits SMS messages and reports their delivery status.
type Provider interface {
	Send(ctx context.Context, to, body string) (*SendResult, error)
	Status(ctx context.Context, messageID string) (*SendResult, error)
}
