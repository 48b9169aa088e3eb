package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/casa-relay/internal/session"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

// Eviction reasons, used in logs and telemetry tags.
const (
	ReasonClosed      = "closed"
	ReasonProbeFailed = "probe_failed"
	ReasonSendFailed  = "send_failed"
	ReasonSuperseded  = "superseded"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport is what the registry needs from the connection layer.
type Transport interface {
	Pinger
	Disconnect(sessionID string) error
}

// DefaultStoreTimeout bounds one Store read, write or delete.
const DefaultStoreTimeout = time.Second

// Config tunes probing and reconciliation.
type Config struct {
	ReconcileWindow  time.Duration
	ScanTimeout      time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int

	// StoreTimeout bounds each Store call. Store calls run detached from
	// the caller's context, so a stalled Store costs at most this much of a
	// frame's budget.
	StoreTimeout time.Duration
}

// Registry keeps the Index and the Session Store in step.
//
// Store failures are logged and absorbed; the Index path always succeeds.
// All public methods are safe for concurrent use.
type Registry struct {
	index      *Index
	store      session.Store
	transport  Transport
	reconciler *Reconciler
	logger     Logger
	sink       telemetry.Sink
	now        func() time.Time

	storeTimeout time.Duration
}

// New creates a registry over store, probing and disconnecting through transport.
func New(store session.Store, transport Transport, cfg Config) *Registry {
	index := NewIndex()
	validator := NewValidator(transport, cfg.ProbeTimeout)
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	return &Registry{
		index:     index,
		store:     store,
		transport: transport,
		reconciler: NewReconciler(store, index, validator, ReconcilerConfig{
			Window:      cfg.ReconcileWindow,
			ScanTimeout: cfg.ScanTimeout,
			Concurrency:  cfg.ProbeConcurrency,
			StoreTimeout: cfg.StoreTimeout,
		}),
		logger:       noopLogger{},
		sink:         telemetry.Noop{},
		now:          time.Now,
		storeTimeout: cfg.StoreTimeout,
	}
}

// SetLogger sets the logger for the registry and its reconciler.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
	r.reconciler.SetLogger(logger)
}

// SetSink sets the telemetry sink for the registry and its reconciler.
func (r *Registry) SetSink(sink telemetry.Sink) {
	r.sink = sink
	r.reconciler.SetSink(sink)
}

// Open records a newly opened connection with role unknown.
func (r *Registry) Open(ctx context.Context, sessionID string) session.Session {
	s := r.index.UpsertSession(session.New(sessionID, r.now()))
	r.persist(ctx, s)
	r.sink.Incr(telemetry.EventSessionOpened, nil)
	return s
}

// Touch refreshes LastSeen for an inbound frame.
//
// A session missing from the Index is restored from the Store, or reopened
// as unknown when the Store has no record either. A restored device session
// regains its binding only if no other session holds the device. A session
// evicted moments ago is never put back.
func (r *Registry) Touch(ctx context.Context, sessionID string) session.Session {
	now := r.now()

	if s, ok := r.index.Refresh(sessionID, now); ok {
		r.persist(ctx, s)
		return s
	}

	s := session.New(sessionID, now)
	if !r.index.Evicted(sessionID) {
		sctx, cancel := r.storeContext(ctx)
		stored, err := r.store.Get(sctx, sessionID)
		cancel()
		switch {
		case err == nil:
			s = stored
		case !errors.Is(err, session.ErrNotFound):
			r.logger.Warn("session store read failed", "session_id", sessionID, "error", err)
		}
	}

	s.Touch(now)
	s, ok := r.index.Restore(s)
	if !ok {
		r.logger.Debug("frame from evicted session", "session_id", sessionID)
		return s
	}

	if s.Role == session.RoleDevice && s.DeviceID != "" {
		if _, bound := r.index.LookupDevice(s.DeviceID); !bound {
			r.index.BindIfFresher(s.DeviceID, s.ID)
		}
	}

	r.persist(ctx, s)
	return s
}

// RegisterDevice promotes the session to a device and binds deviceID to it.
//
// Any session previously bound to deviceID is evicted and disconnected.
// Registering the same pair twice leaves the same state.
func (r *Registry) RegisterDevice(ctx context.Context, sessionID, deviceID string) (session.Session, error) {
	if deviceID == "" {
		return session.Session{}, fmt.Errorf("%w: empty device id", ErrInvalidRegistration)
	}
	if r.index.Evicted(sessionID) {
		return session.Session{}, fmt.Errorf("%w: %s", ErrEvicted, sessionID)
	}
	if cur, ok := r.index.Session(sessionID); ok && !cur.Role.CanBecome(session.RoleDevice) {
		return cur, fmt.Errorf("%w: session %s is %s", ErrRoleConflict, sessionID, cur.Role)
	}

	r.index.UpsertSession(session.Session{ID: sessionID, Role: session.RoleDevice, LastSeen: r.now()})
	displaced := r.index.BindDevice(deviceID, sessionID)

	s, _ := r.index.Session(sessionID)
	r.persist(ctx, s)

	if displaced != "" {
		r.supersede(ctx, displaced)
	}

	r.sink.Incr(telemetry.EventRegistration, telemetry.Tags{"role": string(session.RoleDevice)})
	r.logger.Info("device registered", "session_id", sessionID, "device_id", deviceID, "superseded", displaced)
	return s, nil
}

// RegisterClient promotes the session to a client and subscribes it to deviceIDs.
func (r *Registry) RegisterClient(ctx context.Context, sessionID string, deviceIDs ...string) (session.Session, error) {
	if r.index.Evicted(sessionID) {
		return session.Session{}, fmt.Errorf("%w: %s", ErrEvicted, sessionID)
	}
	if cur, ok := r.index.Session(sessionID); ok && !cur.Role.CanBecome(session.RoleClient) {
		return cur, fmt.Errorf("%w: session %s is %s", ErrRoleConflict, sessionID, cur.Role)
	}

	s := r.index.UpsertSession(session.Session{ID: sessionID, Role: session.RoleClient, LastSeen: r.now()})
	r.index.Subscribe(sessionID, deviceIDs...)
	r.persist(ctx, s)

	r.sink.Incr(telemetry.EventRegistration, telemetry.Tags{"role": string(session.RoleClient)})
	r.logger.Info("client registered", "session_id", sessionID, "subscriptions", len(deviceIDs))
	return s, nil
}

// Subscribe adds a client's interest in deviceID.
func (r *Registry) Subscribe(sessionID, deviceID string) {
	if r.index.Evicted(sessionID) {
		return
	}
	r.index.Subscribe(sessionID, deviceID)
}

// Lookup returns the session bound to deviceID. On an Index miss it runs one
// reconciliation pass and looks again; a second miss means offline.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (string, bool) {
	if id, ok := r.index.LookupDevice(deviceID); ok {
		return id, true
	}

	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Warn("reconcile on lookup miss failed", "device_id", deviceID, "error", err)
	}
	return r.index.LookupDevice(deviceID)
}

// Reconcile rebuilds the Index from the Store and evicts sessions that lost
// their binding to a fresher one.
func (r *Registry) Reconcile(ctx context.Context) (Result, error) {
	res, err := r.reconciler.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range res.Superseded {
		r.supersede(ctx, id)
	}
	return res, nil
}

// BoundTo returns the session the Index binds deviceID to. It never reconciles.
func (r *Registry) BoundTo(deviceID string) (string, bool) {
	return r.index.LookupDevice(deviceID)
}

// IsBound reports whether the Index binds deviceID to sessionID.
// It never reconciles.
func (r *Registry) IsBound(sessionID, deviceID string) bool {
	id, ok := r.index.LookupDevice(deviceID)
	return ok && id == sessionID
}

// Evict removes the session from the Index and the Store.
// It reports whether the Index held the session; only then is the eviction
// counted and logged.
func (r *Registry) Evict(ctx context.Context, sessionID, reason string) bool {
	s, ok := r.index.Evict(sessionID)
	r.forget(ctx, sessionID)

	if !ok {
		return false
	}
	r.sink.Incr(telemetry.EventEviction, telemetry.Tags{"reason": reason})
	r.logger.Info("session evicted", "session_id", sessionID, "device_id", s.DeviceID, "reason", reason)
	return true
}

func (r *Registry) supersede(ctx context.Context, sessionID string) {
	r.Evict(ctx, sessionID, ReasonSuperseded)
	if err := r.transport.Disconnect(sessionID); err != nil {
		r.logger.Debug("disconnecting superseded session", "session_id", sessionID, "error", err)
	}
}

// Interested returns the client sessions to notify about deviceID.
func (r *Registry) Interested(deviceID string) []string {
	return r.index.Subscribers(deviceID)
}

// Session returns the cached record for sessionID.
func (r *Registry) Session(sessionID string) (session.Session, bool) {
	return r.index.Session(sessionID)
}

// Snapshot returns the cached sessions.
func (r *Registry) Snapshot() []session.Session {
	return r.index.Snapshot()
}

// Stats summarises the Index.
func (r *Registry) Stats() IndexStats {
	return r.index.Stats()
}

// ResetIndex wipes the Index. The next lookup miss reconciles from the Store.
func (r *Registry) ResetIndex() {
	r.index.Reset()
	r.logger.Warn("session index reset")
}

// HealthCheck reports Store health.
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// storeContext detaches ctx from the caller's deadline and bounds it by the
// Store timeout.
func (r *Registry) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
}

func (r *Registry) persist(ctx context.Context, s session.Session) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	if err := r.store.Put(sctx, s); err != nil {
		r.logger.Warn("session store write failed", "session_id", s.ID, "device_id", s.DeviceID, "error", err)
		return
	}
	// An eviction that ran while the write was in flight wins.
	if r.index.Evicted(s.ID) {
		r.forget(ctx, s.ID)
	}
}

func (r *Registry) forget(ctx context.Context, sessionID string) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	if err := r.store.Delete(sctx, sessionID); err != nil {
		r.logger.Warn("session store delete failed", "session_id", sessionID, "error", err)
	}
}
