// Package notify turns structured engine events into operator
// notifications. The engine emits domain.Event values; this package formats
// them and fans them out to the configured channels (Telegram, Discord) and
// optionally onto the event bus for other processes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/avdeev/tradeforge/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns the channel identifier (e.g. "telegram").
	Name() string
}

// busChannel is the event-bus channel engine events are republished on.
const busChannel = "engine:events"

// Notifier implements domain.EventSink. It filters by event type, formats
// events into human-readable messages, and dispatches to every sender. A
// single sender failure never prevents delivery to the rest.
type Notifier struct {
	senders []Sender
	allowed map[domain.EventType]bool
	bus     domain.EventBus // may be nil
	logger  *slog.Logger
}

var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier delivering to the given senders. Only
// events whose type appears in events are forwarded; an empty list allows
// everything. bus may be nil.
func NewNotifier(senders []Sender, events []domain.EventType, bus domain.EventBus, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[e] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		bus:     bus,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit satisfies domain.EventSink.
func (n *Notifier) Emit(ctx context.Context, evt domain.Event) error {
	if n.bus != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			if perr := n.bus.Publish(ctx, busChannel, payload); perr != nil {
				n.logger.Warn("event bus publish failed", slog.String("error", perr.Error()))
			}
		}
	}

	if len(n.allowed) > 0 && !n.allowed[evt.Type] {
		return nil
	}

	title, message := format(evt)
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// format renders one event as a title and body.
func format(evt domain.Event) (string, string) {
	var title string
	switch evt.Type {
	case domain.EventBotStarted:
		title = "Bot started"
	case domain.EventBotStopped:
		title = "Bot stopped"
	case domain.EventTradeExecuted:
		title = "Trade executed"
	case domain.EventTradeFailed:
		title = "Trade failed"
	case domain.EventRiskAlert:
		title = "Risk alert"
	case domain.EventPositionClosed:
		title = "Position closed"
	case domain.EventEmergencyHalt:
		title = "EMERGENCY HALT"
	default:
		title = string(evt.Type)
	}

	var b strings.Builder
	if evt.Symbol != "" {
		fmt.Fprintf(&b, "symbol: %s\n", evt.Symbol)
	}
	if evt.BotID != "" {
		fmt.Fprintf(&b, "bot: %s\n", evt.BotID)
	}
	keys := make([]string, 0, len(evt.Detail))
	for k := range evt.Detail {
		keys = append(keys, k)
	}
	// Stable body ordering keeps repeated notifications comparable.
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Detail[k])
	}
	return title, b.String()
}
