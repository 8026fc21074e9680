package domain

import (
	"context"
	"time"
)

// EventType enumerates the structured events the engine emits. External
// notifiers subscribe to these; the engine never formats human-readable
// messages itself.
type EventType string

const (
	EventBotStarted     EventType = "bot_started"
	EventBotStopped     EventType = "bot_stopped"
	EventTradeExecuted  EventType = "trade_executed"
	EventTradeFailed    EventType = "trade_failed"
	EventRiskAlert      EventType = "risk_alert"
	EventPositionClosed EventType = "position_closed"
	EventEmergencyHalt  EventType = "emergency_halt"
)

// Event is one structured engine event.
type Event struct {
	Type      EventType
	BotID     string
	Symbol    string
	Detail    map[string]any
	CreatedAt time.Time
}

// EventSink receives engine events. Implementations must not block the
// emitting bot loop for long; slow delivery is the sink's problem.
type EventSink interface {
	Emit(ctx context.Context, evt Event) error
}

// EventBus distributes serialized events across processes (Redis pub/sub in
// production, in-memory in tests).
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
