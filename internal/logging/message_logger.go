package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
		now:    time.Now,
	}
}

// MessageContext contains all context about a message for logging.
// Envelope values are sanitized before they are written.
type MessageContext struct {
	QueueID        string
	Domain         string
	From           string
	To             []string
	Subject        string
	Size           int64
	ClientIP       string
	Helo           string
	Submission     bool
	DMARC          string
	ReceptionTime  time.Time
	DeliveryHost   string
	DeliveryMethod string
	RetryCount     int
	NextRetry      time.Time
	Error          string
}

func sanitizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Sanitize(v)
	}
	return out
}

func (ml *MessageLogger) since(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return ml.now().Sub(t).Milliseconds()
}

// LogReception logs when a message is received and queued
func (ml *MessageLogger) LogReception(ctx MessageContext) {
	ml.logger.Info("message_reception",
		"event_type", "reception",
		"queue_id", ctx.QueueID,
		"domain", ctx.Domain,
		"from", Sanitize(ctx.From),
		"to", sanitizeAll(ctx.To),
		"recipient_count", len(ctx.To),
		"subject", Sanitize(ctx.Subject),
		"size", ctx.Size,
		"client_ip", ctx.ClientIP,
		"helo", Sanitize(ctx.Helo),
		"submission", ctx.Submission,
		"dmarc", ctx.DMARC,
	)
}

// LogRejection logs when a message or recipient is refused at reception
func (ml *MessageLogger) LogRejection(ctx MessageContext) {
	ml.logger.Warn("message_rejection",
		"event_type", "rejection",
		"domain", ctx.Domain,
		"from", Sanitize(ctx.From),
		"to", sanitizeAll(ctx.To),
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
		"client_ip", ctx.ClientIP,
		"helo", Sanitize(ctx.Helo),
		"dmarc", ctx.DMARC,
		"rejection_reason", ctx.Error,
		"status", "rejected",
	)
}

// LogDelivery logs successful delivery of every remaining recipient
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := []any{
		"event_type", "delivery",
		"queue_id", ctx.QueueID,
		"domain", ctx.Domain,
		"from", Sanitize(ctx.From),
		"to", sanitizeAll(ctx.To),
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
		"delivery_method", ctx.DeliveryMethod,
		"retry_count", ctx.RetryCount,
		"total_delay_ms", ml.since(ctx.ReceptionTime),
		"status", "delivered",
	}
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	ml.logger.Info("message_delivery", fields...)
}

// LogDeferral logs when a message is deferred for retry
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	var nextRetryIn time.Duration
	if !ctx.NextRetry.IsZero() {
		nextRetryIn = ctx.NextRetry.Sub(ml.now())
	}
	ml.logger.Warn("message_deferral",
		"event_type", "deferral",
		"queue_id", ctx.QueueID,
		"domain", ctx.Domain,
		"from", Sanitize(ctx.From),
		"to", sanitizeAll(ctx.To),
		"recipient_count", len(ctx.To),
		"retry_count", ctx.RetryCount,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(nextRetryIn.Seconds()),
		"total_delay_ms", ml.since(ctx.ReceptionTime),
		"deferral_reason", Sanitize(ctx.Error),
		"status", "deferred",
	)
}

// LogBounce logs when a message permanently fails
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	ml.logger.Error("message_bounce",
		"event_type", "bounce",
		"queue_id", ctx.QueueID,
		"domain", ctx.Domain,
		"from", Sanitize(ctx.From),
		"to", sanitizeAll(ctx.To),
		"recipient_count", len(ctx.To),
		"retry_count", ctx.RetryCount,
		"total_delay_ms", ml.since(ctx.ReceptionTime),
		"bounce_reason", Sanitize(ctx.Error),
		"status", "bounced",
	)
}
