package interfaces

import (
	"time"

	"relaychat/pkg/types"
)

// Connection is one live, authenticated client link. A user may own any
// number of them at once (several tabs or devices).
// ARCHITECTURAL DISCOVERY: registry, router and hub only ever see this
// abstraction, so every routing rule is testable with in-memory fakes.
type Connection interface {
	// ID is unique for the lifetime of the process.
	ID() string

	// UserID is the authenticated owner, fixed at connect time.
	UserID() int64

	OpenedAt() time.Time

	// Send enqueues an event without blocking. It fails when the outbound
	// buffer is full or the connection is closed.
	Send(event types.Event) error

	// Close is idempotent.
	Close() error
}
