// Package notify emits fire-and-forget pipeline events to reporting
// collaborators and an optional Telegram operator channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"earlyaction/internal/config"

	tgbot "github.com/go-telegram/bot"
	"github.com/nats-io/nats.go"
)

const (
	// EventPhaseActivated announces one completed phase activation.
	EventPhaseActivated = "phase.activated"
	// EventPhaseReverted announces one completed phase reversal.
	EventPhaseReverted = "phase.reverted"
	// EventPayoutCreated announces one persisted payout intent.
	EventPayoutCreated = "payout.created"
	// EventTokenReserved announces one group token reservation.
	EventTokenReserved = "token.reserved"
)

// Emitter publishes pipeline events without delivery guarantees.
// Params: event name and JSON-encodable payload.
// Returns: none; emit failures are absorbed.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any)
}

// Bus fans events out to NATS subjects and the Telegram operator chat.
// Params: NATS connection, subject prefix, optional Telegram client, logger.
// Returns: fire-and-forget event bus.
type Bus struct {
	nc       *nats.Conn
	prefix   string
	telegram *tgbot.Bot
	chatID   string
	logger   *slog.Logger
}

// NewBus creates event bus from notify config.
// Params: notify settings and logger.
// Returns: initialized bus or setup error; disabled config yields no-op bus.
func NewBus(cfg config.NotifyConfig, logger *slog.Logger) (*Bus, error) {
	bus := &Bus{prefix: cfg.SubjectPrefix, logger: logger}
	if !cfg.Enabled {
		return bus, nil
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect notify nats: %w", err)
	}
	bus.nc = nc

	if cfg.Telegram.Enabled {
		client, err := tgbot.New(cfg.Telegram.BotToken, tgbot.WithSkipGetMe())
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("init telegram operator channel: %w", err)
		}
		bus.telegram = client
		bus.chatID = cfg.Telegram.ChatID
	}
	return bus, nil
}

// Emit publishes one event to all configured sinks.
// Params: context, event name, and JSON-encodable payload.
// Returns: none; failures are logged and absorbed.
func (b *Bus) Emit(ctx context.Context, event string, payload any) {
	if b == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		b.warn("encode event payload failed", event, err)
		return
	}

	if b.nc != nil {
		subject := b.prefix + "." + event
		if err := b.nc.Publish(subject, body); err != nil {
			b.warn("publish event failed", event, err)
		}
	}

	if b.telegram != nil {
		if _, err := b.telegram.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: b.chatID,
			Text:   operatorMessage(event, body),
		}); err != nil {
			b.warn("telegram operator message failed", event, err)
		}
	}
}

// Close closes bus NATS connection.
// Params: none.
// Returns: nil after connection close.
func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.nc.Close()
	return nil
}

// warn logs one absorbed emit failure.
// Params: message, event name, and cause.
// Returns: none.
func (b *Bus) warn(message, event string, err error) {
	if b.logger != nil {
		b.logger.Warn(message, "event", event, "error", err.Error())
	}
}

// operatorMessage renders one event for the operator chat.
// Params: event name and encoded payload.
// Returns: short human-readable line.
func operatorMessage(event string, body []byte) string {
	var fields map[string]any
	header := strings.ToUpper(strings.ReplaceAll(event, ".", " "))
	line := header + " at " + time.Now().UTC().Format(time.RFC3339)
	if err := json.Unmarshal(body, &fields); err != nil {
		return line
	}
	if description, ok := fields["description"].(string); ok && description != "" {
		return line + "\n" + description
	}
	if phaseID, ok := fields["phase_id"].(string); ok && phaseID != "" {
		return line + "\nphase " + phaseID
	}
	return line
}
