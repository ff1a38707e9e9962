package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification is a user-facing message handed to the delivery channel.
type Notification struct {
	UserID  string
	Type    string
	Title   string
	Message string
}

// Notifier delivers notifications. Delivery is fire-and-forget for every
// caller in this codebase: failures are logged, never propagated.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the structured log. It stands in for
// the push/email delivery pipeline, which lives outside this service.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the notification.
func (n *LogNotifier) Send(_ context.Context, notification Notification) error {
	n.logger.Info("notification dispatched",
		zap.String("user_id", notification.UserID),
		zap.String("type", notification.Type),
		zap.String("title", notification.Title),
		zap.String("message", notification.Message))
	return nil
}
