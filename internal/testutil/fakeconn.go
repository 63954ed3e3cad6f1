// Package testutil holds in-memory stand-ins shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaychat/pkg/types"
)

var (
	ErrFakeBufferFull = errors.New("fake connection buffer full")
	ErrFakeClosed     = errors.New("fake connection closed")
)

// FakeConn implements interfaces.Connection and records every event sent to
// it.
type FakeConn struct {
	id       string
	userID   int64
	openedAt time.Time

	mu     sync.Mutex
	events []types.Event
	limit  int // 0 means unbounded
	closed bool
}

func NewFakeConn(userID int64) *FakeConn {
	return &FakeConn{
		id:       uuid.NewString(),
		userID:   userID,
		openedAt: time.Now(),
	}
}

// NewFakeConnWithLimit returns a connection whose buffer rejects sends after
// limit queued events, like a slow consumer.
func NewFakeConnWithLimit(userID int64, limit int) *FakeConn {
	c := NewFakeConn(userID)
	c.limit = limit
	return c
}

func (c *FakeConn) ID() string          { return c.id }
func (c *FakeConn) UserID() int64       { return c.userID }
func (c *FakeConn) OpenedAt() time.Time { return c.openedAt }

func (c *FakeConn) Send(event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrFakeClosed
	}
	if c.limit > 0 && len(c.events) >= c.limit {
		return ErrFakeBufferFull
	}
	c.events = append(c.events, event)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything received so far.
func (c *FakeConn) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the received events with the given name.
func (c *FakeConn) Named(name string) []types.Event {
	var out []types.Event
	for _, ev := range c.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Last decodes the data of the most recent event with the given name into v.
func (c *FakeConn) Last(name string, v interface{}) error {
	named := c.Named(name)
	if len(named) == 0 {
		return fmt.Errorf("no %s event received by user %d", name, c.userID)
	}
	return json.Unmarshal(named[len(named)-1].Data, v)
}
