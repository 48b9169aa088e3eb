package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/casa-relay/internal/protocol"
)

// Door positions reported in the status payload.
const (
	doorOpen   = "open"
	doorClosed = "closed"
)

// garageDoor simulates a single garage door opener.
type garageDoor struct {
	mu      sync.Mutex
	door    string
	changed time.Time
	now     func() time.Time
}

func newGarageDoor() *garageDoor {
	return &garageDoor{door: doorClosed, changed: time.Now(), now: time.Now}
}

// Handle implements agent.CommandHandler.
func (g *garageDoor) Handle(_ context.Context, c protocol.Command) (json.RawMessage, error) {
	g.mu.Lock()
	switch c {
	case protocol.CommandOpen:
		g.set(doorOpen)
	case protocol.CommandClose:
		g.set(doorClosed)
	case protocol.CommandToggle:
		if g.door == doorOpen {
			g.set(doorClosed)
		} else {
			g.set(doorOpen)
		}
	default:
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: garage door cannot %s", protocol.ErrUnsupportedCommand, c)
	}
	g.mu.Unlock()
	return g.Status(), nil
}

// set must be called with mu held.
func (g *garageDoor) set(position string) {
	if g.door != position {
		g.door = position
		g.changed = g.now()
	}
}

// Status implements agent.StatusFunc.
func (g *garageDoor) Status() json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, _ := json.Marshal(struct {
		Door    string    `json:"door"`
		Changed time.Time `json:"changedAt"`
	}{g.door, g.changed.UTC()})
	return data
}
