package topology

import "errors"

var (
	// ErrEmptyName is returned when a subscription names no exchange or queue.
	ErrEmptyName = errors.New("topology: empty exchange or queue name")

	// ErrNilHandler is returned when a subscription has no handler.
	ErrNilHandler = errors.New("topology: nil handler")

	// ErrUnknownExchangeType is returned for exchange types outside
	// direct, topic, fanout and headers.
	ErrUnknownExchangeType = errors.New("topology: unknown exchange type")

	// ErrUnknownKind is returned for subscriptions that are neither exchange
	// nor queue subscriptions.
	ErrUnknownKind = errors.New("topology: unknown subscription kind")
)
