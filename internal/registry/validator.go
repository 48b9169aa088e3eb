package registry

import (
	"context"
	"time"
)

// Liveness is the outcome of a probe.
type Liveness int

const (
	Dead Liveness = iota
	Alive
)

func (l Liveness) String() string {
	if l == Alive {
		return "alive"
	}
	return "dead"
}

// Pinger delivers a no-op frame to a session.
type Pinger interface {
	Ping(ctx context.Context, sessionID string) error
}

// Prober classifies a session as alive or dead.
type Prober interface {
	Probe(ctx context.Context, sessionID string) Liveness
}

// DefaultProbeTimeout bounds a single probe when none is configured.
const DefaultProbeTimeout = 2 * time.Second

// Validator is the Liveness Validator. It does not retry; any delivery
// error, including a timeout, is Dead.
type Validator struct {
	pinger  Pinger
	timeout time.Duration
}

// NewValidator creates a validator that probes through p.
func NewValidator(p Pinger, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Validator{pinger: p, timeout: timeout}
}

// Probe pings the session within the probe timeout.
func (v *Validator) Probe(ctx context.Context, sessionID string) Liveness {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.pinger.Ping(ctx, sessionID); err != nil {
		return Dead
	}
	return Alive
}
