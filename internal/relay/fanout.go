package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/casa-relay/internal/protocol"
	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

// FanoutResult counts deliveries of one status event.
type FanoutResult struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Fanout pushes status updates to the clients interested in a device.
type Fanout struct {
	registry    *registry.Registry
	sender      Sender
	concurrency int
	logger      Logger
	sink        telemetry.Sink
}

// NewFanout creates a fanout delivering at most concurrency sends at once.
func NewFanout(reg *registry.Registry, sender Sender, concurrency int) *Fanout {
	if concurrency <= 0 {
		concurrency = DefaultFanoutConcurrency
	}
	return &Fanout{
		registry:    reg,
		sender:      sender,
		concurrency: concurrency,
		logger:      noopLogger{},
		sink:        telemetry.Noop{},
	}
}

// SetLogger sets the logger.
func (f *Fanout) SetLogger(logger Logger) {
	f.logger = logger
}

// SetSink sets the telemetry sink.
func (f *Fanout) SetSink(sink telemetry.Sink) {
	f.sink = sink
}

// Publish delivers a status_update for deviceID. A failed recipient is evicted
// and the remaining recipients still receive the update.
func (f *Fanout) Publish(ctx context.Context, deviceID string, status json.RawMessage, online bool) FanoutResult {
	recipients := f.registry.Interested(deviceID)
	res := FanoutResult{Recipients: len(recipients)}
	if len(recipients) == 0 {
		return res
	}

	frame, err := protocol.Encode(protocol.NewStatusUpdate(deviceID, status, online))
	if err != nil {
		f.logger.Error("encoding status update", "device_id", deviceID, "error", err)
		res.Failed = len(recipients)
		return res
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for _, clientID := range recipients {
		g.Go(func() error {
			if err := f.sender.Send(ctx, clientID, frame); err != nil {
				failed.Add(1)
				if aborted(err) {
					f.logger.Warn("status fanout ran out of time", "session_id", clientID, "device_id", deviceID, "error", err)
					return nil
				}
				f.logger.Warn("status fanout failed", "session_id", clientID, "device_id", deviceID, "error", err)
				f.registry.Evict(context.WithoutCancel(ctx), clientID, registry.ReasonSendFailed)
				f.sink.Incr(telemetry.EventFanoutFailure, nil)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	return res
}
