// Package telemetry counts relay events: registrations, evictions,
// relay hits and misses, reconciliation outcomes.
//
// Sinks are fire-and-forget. Incr must never block the frame path and
// never returns an error.
package telemetry

import (
	"sort"
	"strings"
	"sync"
)

// Event names emitted by the relay core.
const (
	EventSessionOpened = "session_opened"
	EventRegistration  = "registration"
	EventEviction      = "eviction"
	EventRelayHit      = "relay_hit"
	EventRelayMiss     = "relay_miss"
	EventReconcile     = "reconcile"
	EventFanoutFailure = "fanout_failure"
)

// Tags are low-cardinality labels attached to an event.
type Tags map[string]string

// Sink receives event counts.
type Sink interface {
	Incr(event string, tags Tags)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Incr(string, Tags) {}

// Multi fans each event out to several sinks.
type Multi []Sink

func (m Multi) Incr(event string, tags Tags) {
	for _, s := range m {
		s.Incr(event, tags)
	}
}

// Counters keeps in-process totals per event and per event+tags.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64)}
}

func (c *Counters) Incr(event string, tags Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[event]++
	if len(tags) > 0 {
		c.counts[key(event, tags)]++
	}
}

// Get returns the total for an event, or for an event with exactly these tags.
func (c *Counters) Get(event string, tags Tags) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tags) == 0 {
		return c.counts[event]
	}
	return c.counts[key(event, tags)]
}

// Snapshot returns a copy of all counters keyed "event" or "event{k=v,...}".
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func key(event string, tags Tags) string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(event)
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
