package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/session"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

var errGone = errors.New("connection gone")

// fakeGateway records frames per session. Dead sessions fail sends and
// pings; hung sessions block until the context ends.
type fakeGateway struct {
	mu     sync.Mutex
	frames map[string][][]byte
	dead   map[string]bool
	hung   map[string]bool
	closed []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		frames: make(map[string][][]byte),
		dead:   make(map[string]bool),
		hung:   make(map[string]bool),
	}
}

// Send fails with ctx.Err() when ctx has already ended, like the gateway.
func (g *fakeGateway) Send(ctx context.Context, id string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.deliver(ctx, id); err != nil {
		return err
	}
	g.mu.Lock()
	g.frames[id] = append(g.frames[id], append([]byte(nil), frame...))
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Ping(ctx context.Context, id string) error {
	return g.deliver(ctx, id)
}

func (g *fakeGateway) deliver(ctx context.Context, id string) error {
	g.mu.Lock()
	dead, hung := g.dead[id], g.hung[id]
	g.mu.Unlock()

	switch {
	case hung:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return errGone
		}
	case dead:
		return errGone
	}
	return nil
}

func (g *fakeGateway) Disconnect(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dead[id] = true
	g.closed = append(g.closed, id)
	return nil
}

func (g *fakeGateway) kill(id string) {
	g.mu.Lock()
	g.dead[id] = true
	g.mu.Unlock()
}

func (g *fakeGateway) hang(id string) {
	g.mu.Lock()
	g.hung[id] = true
	g.mu.Unlock()
}

func (g *fakeGateway) disconnected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.closed...)
}

// received decodes every frame sent to id.
func (g *fakeGateway) received(t *testing.T, id string) []map[string]any {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]map[string]any, 0, len(g.frames[id]))
	for _, raw := range g.frames[id] {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("frame to %s is not JSON: %s", id, raw)
		}
		out = append(out, m)
	}
	return out
}

// last returns the most recent frame sent to id.
func (g *fakeGateway) last(t *testing.T, id string) map[string]any {
	t.Helper()
	frames := g.received(t, id)
	if len(frames) == 0 {
		t.Fatalf("no frames sent to %s", id)
	}
	return frames[len(frames)-1]
}

type vendorCall struct{ deviceID, command string }

type recordingCommander struct {
	mu    sync.Mutex
	calls []vendorCall
	err   error
}

func (c *recordingCommander) Send(_ context.Context, deviceID, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, vendorCall{deviceID, command})
	return c.err
}

func (c *recordingCommander) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

const (
	storeHealthy int32 = iota
	storeFailing
	storeStalled
)

// flakyStore puts a switchable fault in front of a MemoryStore: every call
// either fails at once or blocks until its context ends.
type flakyStore struct {
	*session.MemoryStore
	mode atomic.Int32
}

func (s *flakyStore) fault(ctx context.Context) error {
	switch s.mode.Load() {
	case storeFailing:
		return session.ErrStoreUnavailable
	case storeStalled:
		<-ctx.Done()
		return fmt.Errorf("%w: %w", session.ErrStoreUnavailable, ctx.Err())
	}
	return nil
}

func (s *flakyStore) Put(ctx context.Context, sess session.Session) error {
	if err := s.fault(ctx); err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, sess)
}

func (s *flakyStore) Get(ctx context.Context, id string) (session.Session, error) {
	if err := s.fault(ctx); err != nil {
		return session.Session{}, err
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *flakyStore) Delete(ctx context.Context, id string) error {
	if err := s.fault(ctx); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, id)
}

func (s *flakyStore) ScanRecent(ctx context.Context, window time.Duration) ([]session.Session, error) {
	if err := s.fault(ctx); err != nil {
		return nil, err
	}
	return s.MemoryStore.ScanRecent(ctx, window)
}

type fixture struct {
	store  *session.MemoryStore
	flaky  *flakyStore
	reg    *registry.Registry
	gw     *fakeGateway
	vendor *recordingCommander
	sink   *telemetry.Counters
	relay  *CommandRelay
	fanout *Fanout
	router *Router
}

func newFixture(frameTimeout time.Duration) *fixture {
	return newFixtureWith(frameTimeout, 30*time.Millisecond)
}

func newFixtureWith(frameTimeout, storeTimeout time.Duration) *fixture {
	f := &fixture{
		store:  session.NewMemoryStore(0),
		gw:     newFakeGateway(),
		vendor: &recordingCommander{},
		sink:   telemetry.NewCounters(),
	}
	f.flaky = &flakyStore{MemoryStore: f.store}
	f.reg = registry.New(f.flaky, f.gw, registry.Config{
		ProbeTimeout: 50 * time.Millisecond,
		ScanTimeout:  time.Second,
		StoreTimeout: storeTimeout,
	})
	f.reg.SetSink(f.sink)

	f.relay = NewCommandRelay(f.reg, f.gw, f.vendor)
	f.relay.SetSink(f.sink)
	f.fanout = NewFanout(f.reg, f.gw, 4)
	f.fanout.SetSink(f.sink)
	f.router = NewRouter(f.reg, f.gw, f.relay, f.fanout, RouterConfig{FrameTimeout: frameTimeout})
	return f
}

func (f *fixture) open(ids ...string) {
	for _, id := range ids {
		f.router.OnOpen(context.Background(), id)
	}
}

func (f *fixture) frame(id, data string) {
	f.router.OnFrame(context.Background(), id, []byte(data))
}

// device opens id and registers it as deviceID.
func (f *fixture) device(t *testing.T, id, deviceID string) {
	t.Helper()
	f.open(id)
	f.frame(id, `{"type":"device_register","deviceId":"`+deviceID+`"}`)
	if got := f.gw.last(t, id); got["status"] != "success" {
		t.Fatalf("device_register on %s = %v", id, got)
	}
}

// client opens id and registers it as a client.
func (f *fixture) client(id string, deviceIDs ...string) {
	f.open(id)
	ids, _ := json.Marshal(deviceIDs)
	if deviceIDs == nil {
		ids = []byte("[]")
	}
	f.frame(id, `{"type":"client_register","deviceIds":`+string(ids)+`}`)
}

func assertFrame(t *testing.T, got map[string]any, want map[string]any) {
	t.Helper()
	for k, v := range want {
		if got[k] != v {
			t.Errorf("frame[%q] = %v, want %v (frame %v)", k, got[k], v, got)
		}
	}
}
