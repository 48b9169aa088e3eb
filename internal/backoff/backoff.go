// Package backoff is a bounded retry schedule modelled as a state machine.
//
// A Machine starts Ready. Next moves it to Waiting and returns the delay to
// wait before the next attempt; once MaxAttempts delays have been handed out
// it moves to GaveUp, which is terminal until Reset. Waiting is done by the
// caller through Wait, which takes the sleeper and the context explicitly so
// tests never touch a real timer.
package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrGaveUp is returned once the attempt limit is exhausted.
var ErrGaveUp = errors.New("backoff: gave up")

// State is the machine's position in the retry cycle.
type State int

const (
	Ready State = iota
	Waiting
	GaveUp
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case GaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Policy is the retry schedule. Delay n is Initial * Factor^n, capped at Max.
// MaxAttempts <= 0 means retry forever.
type Policy struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the device agent's reconnect schedule.
var DefaultPolicy = Policy{
	Initial:     time.Second,
	Factor:      2,
	Max:         time.Minute,
	MaxAttempts: 10,
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the Sleeper backed by a real timer.
func TimerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Machine tracks attempts against a Policy. It is not safe for concurrent use.
type Machine struct {
	policy   Policy
	state    State
	attempts int
}

// New creates a Ready machine.
func New(p Policy) *Machine {
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return &Machine{policy: p}
}

// Next returns the delay before the next attempt, or ErrGaveUp.
func (m *Machine) Next() (time.Duration, error) {
	if m.state == GaveUp {
		return 0, ErrGaveUp
	}
	if m.policy.MaxAttempts > 0 && m.attempts >= m.policy.MaxAttempts {
		m.state = GaveUp
		return 0, ErrGaveUp
	}

	d := m.delay(m.attempts)
	m.attempts++
	m.state = Waiting
	return d, nil
}

// Wait takes the next delay and sleeps it through sleep.
// The machine returns to Ready when the sleep completes.
func (m *Machine) Wait(ctx context.Context, sleep Sleeper) error {
	d, err := m.Next()
	if err != nil {
		return err
	}
	if err := sleep(ctx, d); err != nil {
		return err
	}
	m.state = Ready
	return nil
}

// Reset returns the machine to Ready with no attempts used.
func (m *Machine) Reset() {
	m.state = Ready
	m.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (m *Machine) Attempts() int { return m.attempts }

// State returns the current state.
func (m *Machine) State() State { return m.state }

func (m *Machine) delay(n int) time.Duration {
	d := float64(m.policy.Initial)
	for range n {
		d *= m.policy.Factor
		if m.policy.Max > 0 && d >= float64(m.policy.Max) {
			return m.policy.Max
		}
	}
	if m.policy.Max > 0 && time.Duration(d) > m.policy.Max {
		return m.policy.Max
	}
	return time.Duration(d)
}
