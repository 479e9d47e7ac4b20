package topology

import "github.com/google/uuid"

// Handle identifies one registered subscription. It is assigned at
// registration time and stays valid until the subscription is removed.
// The zero Handle identifies nothing.
type Handle uuid.UUID

// NewHandle returns a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.New())
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return uuid.UUID(h) == uuid.Nil
}

func (h Handle) String() string {
	return uuid.UUID(h).String()
}
