package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/casa-relay/internal/gateway"
	"github.com/nerrad567/casa-relay/internal/infrastructure/logging"
	"github.com/nerrad567/casa-relay/internal/protocol"
	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/relay"
	"github.com/nerrad567/casa-relay/internal/session"
)

// garageDoor is a minimal CommandHandler.
type garageDoor struct {
	mu   sync.Mutex
	door string
}

func (g *garageDoor) Handle(_ context.Context, c protocol.Command) (json.RawMessage, error) {
	g.mu.Lock()
	switch c {
	case protocol.CommandOpen:
		g.door = "open"
	case protocol.CommandClose:
		g.door = "closed"
	}
	g.mu.Unlock()
	return g.status(), nil
}

func (g *garageDoor) status() json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, _ := json.Marshal(map[string]string{"door": g.door})
	return data
}

func TestAgent_EndToEndThroughRelay(t *testing.T) {
	logger := logging.Discard()

	gw := gateway.New(gateway.Config{}, logger)
	reg := registry.New(session.NewMemoryStore(0), gw, registry.Config{})
	cmds := relay.NewCommandRelay(reg, gw, nil)
	fan := relay.NewFanout(reg, gw, 0)
	gw.SetHandler(relay.NewRouter(reg, gw, cmds, fan, relay.RouterConfig{}))

	srv := httptest.NewServer(gw)
	defer srv.Close()
	defer gw.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_register","deviceIds":["garage-1"]}`)); err != nil {
		t.Fatalf("client_register: %v", err)
	}

	door := &garageDoor{door: "closed"}
	a, err := New(Config{URL: url, DeviceID: "garage-1", HeartbeatInterval: time.Hour, HealthCheckInterval: time.Hour}, door, door.status)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runAgent(a)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Stats().Devices == 0 {
		if time.Now().After(deadline) {
			t.Fatal("device never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_command","deviceId":"garage-1","command":"open"}`)); err != nil {
		t.Fatalf("client_command: %v", err)
	}

	var gotResponse, gotOpen bool
	//nolint:errcheck // test deadline
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !gotResponse || !gotOpen {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("client read (response=%v open=%v): %v", gotResponse, gotOpen, err)
		}
		var m struct {
			Type   string          `json:"type"`
			Status json.RawMessage `json:"status"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("client frame %s: %v", data, err)
		}
		switch m.Type {
		case protocol.TypeCommandResponse:
			if string(m.Status) != `"success"` {
				t.Fatalf("command_response = %s", data)
			}
			gotResponse = true
		case protocol.TypeStatusUpdate:
			if strings.Contains(string(m.Status), `"open"`) {
				gotOpen = true
			}
		}
	}
}

// stalledStore never answers before the caller's context ends.
type stalledStore struct{ session.Store }

func (stalledStore) Put(ctx context.Context, _ session.Session) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) Get(ctx context.Context, _ string) (session.Session, error) {
	<-ctx.Done()
	return session.Session{}, ctx.Err()
}

func (stalledStore) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) ScanRecent(ctx context.Context, _ time.Duration) ([]session.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAgent_RelayKeepsConnectionsWhenStoreStalls(t *testing.T) {
	logger := logging.Discard()

	gw := gateway.New(gateway.Config{}, logger)
	reg := registry.New(stalledStore{session.NewMemoryStore(0)}, gw, registry.Config{StoreTimeout: 20 * time.Millisecond})
	cmds := relay.NewCommandRelay(reg, gw, nil)
	fan := relay.NewFanout(reg, gw, 0)
	gw.SetHandler(relay.NewRouter(reg, gw, cmds, fan, relay.RouterConfig{FrameTimeout: 500 * time.Millisecond}))

	srv := httptest.NewServer(gw)
	defer srv.Close()
	defer gw.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_register","deviceIds":["garage-1"]}`)); err != nil {
		t.Fatalf("client_register: %v", err)
	}

	door := &garageDoor{door: "closed"}
	a, err := New(Config{URL: url, DeviceID: "garage-1", HeartbeatInterval: time.Hour, HealthCheckInterval: time.Hour}, door, door.status)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runAgent(a)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Stats().Devices == 0 {
		if time.Now().After(deadline) {
			t.Fatal("device never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, command := range []string{"open", "close"} {
		frame := `{"type":"client_command","deviceId":"garage-1","command":"` + command + `"}`
		if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("client_command %s: %v", command, err)
		}
		//nolint:errcheck // test deadline
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				t.Fatalf("client read after %s: %v", command, err)
			}
			var m struct {
				Type   string          `json:"type"`
				Status json.RawMessage `json:"status"`
			}
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("client frame %s: %v", data, err)
			}
			if m.Type != protocol.TypeCommandResponse {
				continue
			}
			if string(m.Status) != `"success"` {
				t.Fatalf("command_response after %s = %s", command, data)
			}
			break
		}
	}

	if got := gw.ConnectionCount(); got != 2 {
		t.Errorf("ConnectionCount() = %d, want 2", got)
	}
	if got := reg.Stats().Devices; got != 1 {
		t.Errorf("Stats().Devices = %d, want 1", got)
	}
}
