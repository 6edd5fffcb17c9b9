// Package notification provides alert delivery to external channels
// (Telegram, webhooks, the log) for trading events.
package notification

import (
	"context"
	"errors"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
// Preformatted messages are rendered verbatim in a fixed-width block.
type Alert struct {
	Level        AlertLevel `json:"level"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Preformatted bool       `json:"preformatted"`
}

// Text builds a plain info alert.
func Text(title, msg string) Alert {
	return Alert{Level: AlertInfo, Title: title, Message: msg}
}

// Block builds a preformatted info alert.
func Block(title, msg string) Alert {
	return Alert{Level: AlertInfo, Title: title, Message: msg, Preformatted: true}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Preformatted {
		log.Printf("[notify] [%s] %s:\n%s", alert.Level, alert.Title, alert.Message)
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to every backend. All backends are attempted;
// failures are joined.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
