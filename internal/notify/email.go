package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/icarus-drones/storefront-api/internal/events"
)

// EmailSender delivers one message. Implementations wrap whatever transport
// operations provide (SMTP relay, API-based sender).
type EmailSender interface {
	Send(to, subject, body string) error
}

// LogSender writes outbound mail to the log instead of a relay, used in
// development and when no relay is configured.
type LogSender struct {
	Logger zerolog.Logger
}

// Send implements EmailSender.
func (s LogSender) Send(to, subject, body string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(body)).Msg("email_logged")
	return nil
}

// EmailNotifier sends transactional emails for selected topics. Failures are
// reported to the bus but never abort order finalization.
type EmailNotifier struct {
	Mail    EmailSender
	Enabled bool
	From    string
}

// Notify implements the events.Notifier interface.
func (n EmailNotifier) Notify(_ context.Context, event events.Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	return n.Mail.Send(to, subjectFor(event.Topic), bodyFor(event.Topic, payload, event.OccurredAt))
}

func extractRecipient(payload map[string]any) string {
	for _, key := range []string{"email", "recipient", "customerEmail"} {
		if val, ok := payload[key]; ok {
			if s, ok := val.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicOrderCreated:
		return "We received your order"
	case events.TopicOrderSettled:
		return "Your Icarus Drones order confirmation"
	case events.TopicPaymentFailed:
		return "There was a problem with your payment"
	default:
		return fmt.Sprintf("Icarus Drones notification: %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if number, ok := payload["orderNumber"].(string); ok && number != "" {
		summary += fmt.Sprintf("\nOrder number: %s", number)
	}
	if total, ok := payload["grandTotal"].(string); ok && total != "" {
		summary += fmt.Sprintf("\nOrder total: %s", total)
	}
	return summary
}
