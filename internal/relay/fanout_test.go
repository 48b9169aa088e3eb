package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/casa-relay/internal/telemetry"
)

func TestFanout_Subscribers(t *testing.T) {
	f := newFixture(time.Second)
	f.device(t, "s1", "garage-1")
	f.client("c1", "garage-1")
	f.client("c2", "garage-2")

	res := f.fanout.Publish(context.Background(), "garage-1", json.RawMessage(`{"door":"open"}`), true)

	if res != (FanoutResult{Recipients: 1, Delivered: 1}) {
		t.Errorf("result = %+v", res)
	}
	assertFrame(t, f.gw.last(t, "c1"), map[string]any{"type": "status_update", "deviceId": "garage-1"})
	for _, fr := range f.gw.received(t, "c2") {
		if fr["type"] == "status_update" {
			t.Errorf("c2 received update for a device it did not subscribe to: %v", fr)
		}
	}
}

func TestFanout_FallsBackToAllClients(t *testing.T) {
	f := newFixture(time.Second)
	f.device(t, "s1", "garage-1")
	f.client("c1")
	f.client("c2")

	res := f.fanout.Publish(context.Background(), "garage-1", nil, true)

	if res.Recipients != 2 || res.Delivered != 2 {
		t.Errorf("result = %+v", res)
	}
	for _, id := range []string{"c1", "c2"} {
		assertFrame(t, f.gw.last(t, id), map[string]any{"type": "status_update", "isOnline": true})
	}
	for _, fr := range f.gw.received(t, "s1") {
		if fr["type"] == "status_update" {
			t.Error("device session received a status update")
		}
	}
}

func TestFanout_FailureIsPerRecipient(t *testing.T) {
	f := newFixture(time.Second)
	f.client("c1", "garage-1")
	f.client("c2", "garage-1")
	f.client("c3", "garage-1")
	f.gw.kill("c2")

	res := f.fanout.Publish(context.Background(), "garage-1", json.RawMessage(`{"door":"closed"}`), true)

	if res != (FanoutResult{Recipients: 3, Delivered: 2, Failed: 1}) {
		t.Errorf("result = %+v", res)
	}
	if _, ok := f.reg.Session("c2"); ok {
		t.Error("failed recipient still indexed")
	}
	for _, id := range []string{"c1", "c3"} {
		if _, ok := f.reg.Session(id); !ok {
			t.Errorf("healthy recipient %s evicted", id)
		}
	}
	if n := f.sink.Get(telemetry.EventFanoutFailure, nil); n != 1 {
		t.Errorf("fanout_failure = %d, want 1", n)
	}

	// Eviction cleared c2's subscription.
	res = f.fanout.Publish(context.Background(), "garage-1", nil, true)
	if res.Recipients != 2 {
		t.Errorf("recipients after eviction = %d, want 2", res.Recipients)
	}
}

func TestFanout_NoRecipients(t *testing.T) {
	f := newFixture(time.Second)
	f.device(t, "s1", "garage-1")

	if res := f.fanout.Publish(context.Background(), "garage-1", nil, true); res != (FanoutResult{}) {
		t.Errorf("result = %+v, want zero", res)
	}
}

func TestRouter_HeartbeatFansOut(t *testing.T) {
	f := newFixture(time.Second)
	f.device(t, "s1", "garage-1")
	f.client("c1", "garage-1")

	f.frame("s1", `{"type":"device_heartbeat","deviceId":"garage-1","status":{"door":"opening"}}`)

	got := f.gw.last(t, "c1")
	assertFrame(t, got, map[string]any{"type": "status_update", "isOnline": true})
	if status, _ := got["status"].(map[string]any); status["door"] != "opening" {
		t.Errorf("status = %v", got["status"])
	}

	// Registration with a status also notifies subscribers.
	f.open("s2")
	f.frame("s2", `{"type":"device_register","deviceId":"garage-1","status":{"door":"closed"}}`)
	if status, _ := f.gw.last(t, "c1")["status"].(map[string]any); status["door"] != "closed" {
		t.Errorf("status after registration = %v", status)
	}
}
