/*
Package notify delivers notifications about money movements.

PURPOSE:
  Settlements and withdrawal transitions tell suppliers and employees what
  happened (SMS for suppliers, mobile money / bank notices for employees).
  Delivery is a side channel: a failed notification never undoes the
  financial write that triggered it. Callers use Send, which logs and
  swallows the error.

DISPATCHERS:
  - LogDispatcher:   writes the rendered message to the zap logger
  - KafkaDispatcher: publishes a JSON event for the SMS/notification service
  - Multi:           fans a message out to several dispatchers

TEMPLATES:
  Message bodies are rendered from named text/template templates
  (templates.go) unless the caller sets Body.
*/
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Channel string

const (
	ChannelSMS         Channel = "SMS"
	ChannelMobileMoney Channel = "MOBILE_MONEY"
	ChannelBank        Channel = "BANK"
	ChannelEmail       Channel = "EMAIL"
)

// Message is one notification to one recipient.
type Message struct {
	Channel   Channel        `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	Body      string         `json:"body"`
}

// Dispatcher delivers a message.
type Dispatcher interface {
	Notify(ctx context.Context, msg Message) error
}

// Send renders msg and dispatches it. Errors are logged, never returned.
func Send(ctx context.Context, d Dispatcher, logger *zap.Logger, msg Message) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if msg.Body == "" && msg.Template != "" {
		body, err := Render(msg.Template, msg.Data)
		if err != nil {
			logger.Warn("notification template failed",
				zap.String("template", msg.Template), zap.Error(err))
			return
		}
		msg.Body = body
	}

	if err := d.Notify(ctx, msg); err != nil {
		logger.Warn("notification not delivered",
			zap.String("channel", string(msg.Channel)),
			zap.String("recipient", msg.Recipient),
			zap.String("template", msg.Template),
			zap.Error(err),
		)
	}
}

// =============================================================================
// LOG DISPATCHER
// =============================================================================

// LogDispatcher writes messages to the log; the default when no broker is set.
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d LogDispatcher) Notify(_ context.Context, msg Message) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient),
		zap.String("template", msg.Template),
		zap.String("body", msg.Body),
	)
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
