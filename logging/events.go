package logging

import (
	"github.com/fxsml/tickbus/event"
)

// EventLogConfig selects the levels client events are logged at.
type EventLogConfig struct {
	// Args are additional arguments to include in all log messages.
	Args []any

	// LevelState is used for connection state changes. Defaults to info.
	LevelState LogLevel
	// LevelRetry is used for reconnect attempts and failed connects.
	// Defaults to warn.
	LevelRetry LogLevel
	// LevelFailure is used for failed declarations, publishes and handler
	// faults. Defaults to error.
	LevelFailure LogLevel
	// LevelDrop is used for dropped deliveries and publishes. Defaults to warn.
	LevelDrop LogLevel

	// Disabled disables all event logging when set to true.
	Disabled bool
}

func (c *EventLogConfig) parse() *EventLogConfig {
	if c == nil {
		c = &EventLogConfig{}
	}
	cfg := *c
	if cfg.LevelState = ParseLevel(string(cfg.LevelState)); cfg.LevelState == "" {
		cfg.LevelState = LogLevelInfo
	}
	if cfg.LevelRetry = ParseLevel(string(cfg.LevelRetry)); cfg.LevelRetry == "" {
		cfg.LevelRetry = LogLevelWarn
	}
	if cfg.LevelFailure = ParseLevel(string(cfg.LevelFailure)); cfg.LevelFailure == "" {
		cfg.LevelFailure = LogLevelError
	}
	if cfg.LevelDrop = ParseLevel(string(cfg.LevelDrop)); cfg.LevelDrop == "" {
		cfg.LevelDrop = LogLevelWarn
	}
	return &cfg
}

// Events returns an event observer that writes every event to log.
// It returns nil when cfg disables logging.
func Events(log Logger, cfg *EventLogConfig) event.Func {
	cfg = cfg.parse()
	if cfg.Disabled {
		return nil
	}
	log = OrDefault(log)
	logState := LogFunc(cfg.LevelState, log)
	logRetry := LogFunc(cfg.LevelRetry, log)
	logFailure := LogFunc(cfg.LevelFailure, log)
	logDrop := LogFunc(cfg.LevelDrop, log)

	return func(e event.Event) {
		args := appendArgs(cfg.Args, eventArgs(e))
		msg := "TICKBUS: " + e.Kind.String()
		switch e.Kind {
		case event.KindConnected, event.KindDisconnected, event.KindStateChanged:
			logState(msg, args...)
		case event.KindReconnecting, event.KindConnectFailed:
			logRetry(msg, args...)
		case event.KindPublishDropped, event.KindDeliveryDropped:
			logDrop(msg, args...)
		default:
			logFailure(msg, args...)
		}
	}
}

func eventArgs(e event.Event) []any {
	args := []any{"state", e.State.String()}
	if e.Kind == event.KindStateChanged {
		args = append(args, "previous", e.Previous.String())
	}
	if e.Attempt > 0 {
		args = append(args, "attempt", e.Attempt)
	}
	if e.Delay > 0 {
		args = append(args, "delay", e.Delay)
	}
	if !e.Handle.IsZero() {
		args = append(args, "handle", e.Handle.String())
	}
	if e.Exchange != "" {
		args = append(args, "exchange", e.Exchange)
	}
	if e.Queue != "" {
		args = append(args, "queue", e.Queue)
	}
	if e.RoutingKey != "" {
		args = append(args, "routing_key", e.RoutingKey)
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}
	return args
}

func appendArgs(args ...[]any) []any {
	l := 0
	for _, a := range args {
		l += len(a)
	}
	result := make([]any, 0, l)
	for _, a := range args {
		result = append(result, a...)
	}
	return result
}
