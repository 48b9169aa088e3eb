package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/casa-relay/internal/session"
)

var errGone = errors.New("connection gone")

// fakeTransport answers pings for live sessions and records disconnects.
type fakeTransport struct {
	mu           sync.Mutex
	dead         map[string]bool
	pings        map[string]int
	disconnected []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dead: make(map[string]bool), pings: make(map[string]int)}
}

func (f *fakeTransport) Ping(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pings[id]++
	if f.dead[id] {
		return errGone
	}
	return nil
}

func (f *fakeTransport) Disconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnected = append(f.disconnected, id)
	f.dead[id] = true
	return nil
}

func (f *fakeTransport) kill(id string) {
	f.mu.Lock()
	f.dead[id] = true
	f.mu.Unlock()
}

func (f *fakeTransport) pingCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[id]
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnected...)
}

// stepClock returns a strictly increasing time on each call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// failingStore fails every operation with ErrStoreUnavailable.
type failingStore struct{}

func (failingStore) Put(context.Context, session.Session) error { return session.ErrStoreUnavailable }
func (failingStore) Get(context.Context, string) (session.Session, error) {
	return session.Session{}, session.ErrStoreUnavailable
}
func (failingStore) Delete(context.Context, string) error { return session.ErrStoreUnavailable }
func (failingStore) ScanRecent(context.Context, time.Duration) ([]session.Session, error) {
	return nil, session.ErrStoreUnavailable
}
func (failingStore) HealthCheck(context.Context) error { return session.ErrStoreUnavailable }
func (failingStore) Close() error                      { return nil }

// countingStore counts scans and can hold them until released.
type countingStore struct {
	session.Store

	mu    sync.Mutex
	scans int
	gate  chan struct{}
}

func (c *countingStore) ScanRecent(ctx context.Context, window time.Duration) ([]session.Session, error) {
	c.mu.Lock()
	c.scans++
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return c.Store.ScanRecent(ctx, window)
}

func (c *countingStore) scanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

func newTestRegistry(store session.Store) (*Registry, *fakeTransport) {
	tr := newFakeTransport()
	reg := New(store, tr, Config{ProbeTimeout: time.Second, ScanTimeout: time.Second})
	reg.now = newStepClock().Now
	return reg, tr
}

// stallingStore blocks Put, Get and Delete until the context ends, like a
// Store whose backend stopped answering.
type stallingStore struct {
	session.Store
}

func (stallingStore) stall(ctx context.Context) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %w", session.ErrStoreUnavailable, ctx.Err())
}

func (s stallingStore) Put(ctx context.Context, _ session.Session) error { return s.stall(ctx) }
func (s stallingStore) Delete(ctx context.Context, _ string) error       { return s.stall(ctx) }
func (s stallingStore) Get(ctx context.Context, _ string) (session.Session, error) {
	return session.Session{}, s.stall(ctx)
}

// contextStore refuses writes whose context has already ended.
type contextStore struct {
	session.Store
}

func (c contextStore) Put(ctx context.Context, s session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.Put(ctx, s)
}
