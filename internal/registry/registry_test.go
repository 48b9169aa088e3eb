package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/casa-relay/internal/session"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

func TestRegistry_OpenAndRegisterDevice(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(store)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if s, err := store.Get(ctx, "s1"); err != nil || s.Role != session.RoleUnknown {
		t.Fatalf("after Open store = %+v, %v; want unknown record", s, err)
	}

	s, err := reg.RegisterDevice(ctx, "s1", "garage-1")
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if s.Role != session.RoleDevice || s.DeviceID != "garage-1" {
		t.Errorf("session = %+v", s)
	}

	stored, err := store.Get(ctx, "s1")
	if err != nil || stored.Role != session.RoleDevice || stored.DeviceID != "garage-1" {
		t.Errorf("store = %+v, %v; want device garage-1", stored, err)
	}
	if !reg.IsBound("s1", "garage-1") {
		t.Error("IsBound() = false after registration")
	}
}

func TestRegistry_RegisterDevice_Idempotent(t *testing.T) {
	store := session.NewMemoryStore(0)
	tr := newFakeTransport()
	reg := New(store, tr, Config{})
	fixed := newStepClock().Now()
	reg.now = func() time.Time { return fixed }
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	firstIndex := reg.Snapshot()
	firstStore, _ := store.Get(ctx, "s1")

	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatalf("second RegisterDevice() error = %v", err)
	}
	if !reflect.DeepEqual(reg.Snapshot(), firstIndex) {
		t.Errorf("index changed: %+v -> %+v", firstIndex, reg.Snapshot())
	}
	if secondStore, _ := store.Get(ctx, "s1"); !reflect.DeepEqual(secondStore, firstStore) {
		t.Errorf("store changed: %+v -> %+v", firstStore, secondStore)
	}
	if len(tr.disconnects()) != 0 {
		t.Errorf("re-registration disconnected %v", tr.disconnects())
	}
}

func TestRegistry_Supersession(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, tr := newTestRegistry(store)
	counters := telemetry.NewCounters()
	reg.SetSink(counters)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	reg.Open(ctx, "s2")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterDevice(ctx, "s2", "garage-1"); err != nil {
		t.Fatal(err)
	}

	if id, _ := reg.Lookup(ctx, "garage-1"); id != "s2" {
		t.Errorf("Lookup() = %q, want s2", id)
	}
	if _, ok := reg.Session("s1"); ok {
		t.Error("superseded session still indexed")
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("superseded session still stored: %v", err)
	}
	if got := tr.disconnects(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("disconnects = %v, want [s1]", got)
	}
	if counters.Get(telemetry.EventEviction, telemetry.Tags{"reason": ReasonSuperseded}) != 1 {
		t.Errorf("counters = %v", counters.Snapshot())
	}
}

func TestRegistry_RoleConflict(t *testing.T) {
	reg, _ := newTestRegistry(session.NewMemoryStore(0))
	ctx := context.Background()

	reg.Open(ctx, "c1")
	if _, err := reg.RegisterClient(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterDevice(ctx, "c1", "garage-1"); !errors.Is(err, ErrRoleConflict) {
		t.Errorf("RegisterDevice() on client error = %v, want ErrRoleConflict", err)
	}
	if _, ok := reg.index.LookupDevice("garage-1"); ok {
		t.Error("client session was bound to a device")
	}

	reg.Open(ctx, "d1")
	if _, err := reg.RegisterDevice(ctx, "d1", "garage-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterClient(ctx, "d1"); !errors.Is(err, ErrRoleConflict) {
		t.Errorf("RegisterClient() on device error = %v, want ErrRoleConflict", err)
	}
}

func TestRegistry_RegisterDevice_EmptyID(t *testing.T) {
	reg, _ := newTestRegistry(session.NewMemoryStore(0))
	if _, err := reg.RegisterDevice(context.Background(), "s1", ""); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("error = %v, want ErrInvalidRegistration", err)
	}
}

func TestRegistry_Touch(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(store)
	ctx := context.Background()

	opened := reg.Open(ctx, "s1")
	touched := reg.Touch(ctx, "s1")
	if !touched.LastSeen.After(opened.LastSeen) {
		t.Errorf("LastSeen not advanced: %v -> %v", opened.LastSeen, touched.LastSeen)
	}
	if stored, _ := store.Get(ctx, "s1"); !stored.LastSeen.Equal(touched.LastSeen) {
		t.Errorf("store LastSeen = %v, want %v", stored.LastSeen, touched.LastSeen)
	}
}

func TestRegistry_Touch_RestoresFromStore(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(store)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	reg.ResetIndex()

	s := reg.Touch(ctx, "s1")
	if s.Role != session.RoleDevice || s.DeviceID != "garage-1" {
		t.Errorf("Touch() = %+v, want device restored from store", s)
	}
	if !reg.IsBound("s1", "garage-1") {
		t.Error("binding not restored for an unbound device")
	}
}

func TestRegistry_Touch_UnknownSessionReopens(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(store)

	s := reg.Touch(context.Background(), "ghost")
	if s.Role != session.RoleUnknown {
		t.Errorf("Role = %q, want unknown", s.Role)
	}
	if _, err := store.Get(context.Background(), "ghost"); err != nil {
		t.Errorf("reopened session not stored: %v", err)
	}
}

func TestRegistry_Lookup_ColdIndexReconciles(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, tr := newTestRegistry(store)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	reg.ResetIndex()

	id, ok := reg.Lookup(ctx, "garage-1")
	if !ok || id != "s1" {
		t.Errorf("Lookup() = (%q, %v), want (s1, true)", id, ok)
	}
	if tr.pingCount("s1") != 1 {
		t.Errorf("probes = %d, want 1", tr.pingCount("s1"))
	}
}

func TestRegistry_Lookup_DeadProbeEvicts(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, tr := newTestRegistry(store)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	reg.ResetIndex()
	tr.kill("s1")

	if _, ok := reg.Lookup(ctx, "garage-1"); ok {
		t.Error("Lookup() found a dead device")
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("dead record kept in store: %v", err)
	}
	if _, ok := reg.Lookup(ctx, "garage-1"); ok {
		t.Error("dead device re-surfaced on second lookup")
	}
}

func TestRegistry_StoreFailureAbsorbed(t *testing.T) {
	reg, _ := newTestRegistry(failingStore{})
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatalf("RegisterDevice() error = %v, want store failure absorbed", err)
	}
	if id, ok := reg.Lookup(ctx, "garage-1"); !ok || id != "s1" {
		t.Errorf("Lookup() = (%q, %v), want index path to succeed", id, ok)
	}
	if !reg.Evict(ctx, "s1", ReasonClosed) {
		t.Error("Evict() = false")
	}
	if err := reg.HealthCheck(ctx); !errors.Is(err, session.ErrStoreUnavailable) {
		t.Errorf("HealthCheck() = %v", err)
	}
}

func TestRegistry_ClientSubscriptions(t *testing.T) {
	reg, _ := newTestRegistry(session.NewMemoryStore(0))
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		reg.Open(ctx, id)
	}
	if _, err := reg.RegisterClient(ctx, "c1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterClient(ctx, "c2"); err != nil {
		t.Fatal(err)
	}

	if got := reg.Interested("garage-1"); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Errorf("Interested(garage-1) = %v, want [c1]", got)
	}
	if got := reg.Interested("encoder-1"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("Interested(encoder-1) = %v, want all clients", got)
	}

	reg.Subscribe("c2", "garage-1")
	reg.Evict(ctx, "c1", ReasonClosed)
	if got := reg.Interested("garage-1"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Errorf("Interested(garage-1) after evict = %v, want [c2]", got)
	}
}

func TestRegistry_EvictUnknownNotCounted(t *testing.T) {
	reg, _ := newTestRegistry(session.NewMemoryStore(0))
	counters := telemetry.NewCounters()
	reg.SetSink(counters)

	if reg.Evict(context.Background(), "nobody", ReasonClosed) {
		t.Error("Evict() = true for unknown session")
	}
	if counters.Get(telemetry.EventEviction, nil) != 0 {
		t.Error("eviction of unknown session was counted")
	}
}

func TestRegistry_EvictedSessionStaysEvicted(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(store)
	ctx := context.Background()

	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatal(err)
	}
	reg.Evict(ctx, "s1", ReasonSendFailed)

	// A frame that was already in flight when the eviction ran.
	reg.Touch(ctx, "s1")

	if _, ok := reg.Session("s1"); ok {
		t.Error("Touch put an evicted session back in the index")
	}
	if _, ok := reg.BoundTo("garage-1"); ok {
		t.Error("evicted device binding came back")
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("evicted record back in store: err = %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); !errors.Is(err, ErrEvicted) {
		t.Errorf("RegisterDevice() error = %v, want ErrEvicted", err)
	}
	if _, err := reg.RegisterClient(ctx, "s1"); !errors.Is(err, ErrEvicted) {
		t.Errorf("RegisterClient() error = %v, want ErrEvicted", err)
	}
}

func TestRegistry_StalledStoreBoundedByStoreTimeout(t *testing.T) {
	tr := newFakeTransport()
	reg := New(stallingStore{Store: session.NewMemoryStore(0)}, tr, Config{
		ProbeTimeout: time.Second,
		ScanTimeout:  time.Second,
		StoreTimeout: 20 * time.Millisecond,
	})

	// The caller's deadline is far off; the Store timeout alone bounds each call.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	reg.Open(ctx, "s1")
	if _, err := reg.RegisterDevice(ctx, "s1", "garage-1"); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	reg.Touch(ctx, "s1")
	reg.Touch(ctx, "ghost")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stalled Store calls took %v", elapsed)
	}

	if id, ok := reg.BoundTo("garage-1"); !ok || id != "s1" {
		t.Errorf("BoundTo() = (%q, %v), want index path to succeed", id, ok)
	}
	if _, ok := reg.Session("ghost"); !ok {
		t.Error("unknown session not reopened after a stalled read")
	}
}

func TestRegistry_StoreCallsOutliveCallerDeadline(t *testing.T) {
	store := session.NewMemoryStore(0)
	reg, _ := newTestRegistry(contextStore{Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reg.Open(ctx, "s1")
	if _, err := store.Get(context.Background(), "s1"); err != nil {
		t.Errorf("write with an expired caller context was dropped: %v", err)
	}
}
