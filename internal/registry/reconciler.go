package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/casa-relay/internal/session"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

// Reconciliation defaults.
const (
	DefaultReconcileWindow  = 30 * time.Minute
	DefaultScanTimeout      = 3 * time.Second
	DefaultProbeConcurrency = 8
)

// ReconcilerConfig bounds the cost of one reconciliation pass.
type ReconcilerConfig struct {
	// Window limits the scan to sessions seen this recently. Older records
	// are presumed abandoned and left to TTL reclamation.
	Window time.Duration

	// ScanTimeout bounds the Store scan.
	ScanTimeout time.Duration

	// Concurrency caps simultaneous probes.
	Concurrency int

	// StoreTimeout bounds each delete of a dead record.
	StoreTimeout time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Window <= 0 {
		c.Window = DefaultReconcileWindow
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultProbeConcurrency
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// Result summarises one pass.
type Result struct {
	Scanned int
	Alive   int
	Dead    int

	// Superseded lists alive sessions that lost their device binding to a
	// fresher session. The caller evicts and disconnects them.
	Superseded []string
}

// Reconciler rebuilds the Index from the Store.
//
// Concurrent callers share a single in-flight pass.
type Reconciler struct {
	store  session.Store
	index  *Index
	prober Prober
	cfg    ReconcilerConfig
	group  singleflight.Group
	logger Logger
	sink   telemetry.Sink
}

// NewReconciler creates a reconciler over store and index.
func NewReconciler(store session.Store, index *Index, prober Prober, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		store:  store,
		index:  index,
		prober: prober,
		cfg:    cfg.withDefaults(),
		logger: noopLogger{},
		sink:   telemetry.Noop{},
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// SetSink sets the telemetry sink for the reconciler.
func (r *Reconciler) SetSink(sink telemetry.Sink) {
	r.sink = sink
}

// Reconcile runs a pass, or joins the one already running.
//
// The pass itself is bounded by the scan and probe timeouts, not by ctx, so
// one impatient caller cannot abort it for the others. Reconcile returns
// ctx.Err() if ctx ends first.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	ch := r.group.DoChan("reconcile", func() (any, error) {
		return r.run(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil //nolint:forcetypeassert // run always returns Result
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Reconciler) run(ctx context.Context) (Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	candidates, err := r.store.ScanRecent(scanCtx, r.cfg.Window)
	cancel()
	if err != nil {
		r.logger.Warn("reconcile scan failed", "error", err)
		return Result{}, fmt.Errorf("scanning session store: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})

	alive := make([]bool, len(candidates))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			alive[i] = r.prober.Probe(ctx, c.ID) == Alive
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // probes never return errors

	res := Result{Scanned: len(candidates)}
	for i, c := range candidates {
		if !alive[i] {
			r.index.Evict(c.ID)
			delCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
			if err := r.store.Delete(delCtx, c.ID); err != nil {
				r.logger.Warn("deleting dead session failed", "session_id", c.ID, "error", err)
			}
			cancel()
			res.Dead++
			r.sink.Incr(telemetry.EventReconcile, telemetry.Tags{"result": Dead.String()})
			r.logger.Debug("reconcile dropped dead session", "session_id", c.ID, "device_id", c.DeviceID)
			continue
		}

		res.Alive++
		r.sink.Incr(telemetry.EventReconcile, telemetry.Tags{"result": Alive.String()})
		merged := r.index.UpsertSession(c)
		if merged.Role != session.RoleDevice || merged.DeviceID == "" {
			continue
		}

		bound, displaced := r.index.BindIfFresher(merged.DeviceID, merged.ID)
		switch {
		case !bound:
			res.Superseded = append(res.Superseded, merged.ID)
		case displaced != "":
			res.Superseded = append(res.Superseded, displaced)
		}
	}

	r.logger.Info("reconciled session index",
		"scanned", res.Scanned,
		"alive", res.Alive,
		"dead", res.Dead,
		"superseded", len(res.Superseded),
	)
	return res, nil
}
