package topology

import (
	"fmt"
	"strings"
)

// ExchangeType selects how an exchange interprets routing keys.
type ExchangeType uint8

const (
	// Direct exchanges route on exact routing key equality.
	Direct ExchangeType = iota + 1
	// Topic exchanges route on dot-delimited patterns with * and # wildcards.
	Topic
	// Fanout exchanges ignore the routing key.
	Fanout
	// Headers exchanges route on message headers instead of the routing key.
	Headers
)

// String returns the broker name of the exchange type ("direct", "topic", ...).
func (t ExchangeType) String() string {
	switch t {
	case Direct:
		return "direct"
	case Topic:
		return "topic"
	case Fanout:
		return "fanout"
	case Headers:
		return "headers"
	default:
		return fmt.Sprintf("ExchangeType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known exchange types.
func (t ExchangeType) Valid() bool {
	return t >= Direct && t <= Headers
}

// ParseExchangeType parses a broker exchange type name. Matching is case
// insensitive.
func ParseExchangeType(s string) (ExchangeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return Direct, nil
	case "topic":
		return Topic, nil
	case "fanout":
		return Fanout, nil
	case "headers":
		return Headers, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownExchangeType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ExchangeType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownExchangeType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ExchangeType) UnmarshalText(b []byte) error {
	v, err := ParseExchangeType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
