package sms

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogProvider logs SMS sends instead of delivering them. Useful for dry runs:
// every message is accepted as queued and reported delivered on the first
// status query.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider. If logger is nil, slog.Default() is used.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, to, body string) (*SendResult, error) {
	id := "LG" + uuid.NewString()
	p.logger.Info("sms.LogProvider", "to", to, "body", body, "message_id", id)
	return &SendResult{
		MessageID: id,
		Status:    "queued",
		Fields:    map[string]any{"sid": id, "to": to, "body": body, "status": "queued"},
	}, nil
}

func (p *LogProvider) Status(_ context.Context, messageID string) (*SendResult, error) {
	return &SendResult{
		MessageID: messageID,
		Status:    StatusDelivered,
		Fields:    map[string]any{"sid": messageID, "status": StatusDelivered},
	}, nil
}
