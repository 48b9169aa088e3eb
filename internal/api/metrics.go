package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/casa-relay/internal/registry"
)

const bytesPerMB = 1 << 20

// Metrics is the body of GET /api/v1/metrics.
type Metrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeStats        `json:"runtime"`
	WebSocket     GatewayStats        `json:"websocket"`
	MQTT          BrokerStats         `json:"mqtt"`
	Index         registry.IndexStats `json:"index"`
	Events        map[string]int64    `json:"events"`
	Database      *PoolStats          `json:"database,omitempty"`
}

type RuntimeStats struct {
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	SysMB      float64 `json:"sys_mb"`
	NumGC      uint32  `json:"num_gc"`
}

type GatewayStats struct {
	Connections int `json:"connections"`
}

type BrokerStats struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// PoolStats mirrors the subset of sql.DBStats worth watching on SQLite.
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	WaitCount int64 `json:"wait_count"`
}

func readRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(ms.HeapAlloc) / bytesPerMB,
		SysMB:      float64(ms.Sys) / bytesPerMB,
		NumGC:      ms.NumGC,
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := Metrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
		Runtime:       readRuntimeStats(),
		WebSocket:     GatewayStats{Connections: s.gateway.ConnectionCount()},
		Index:         s.registry.Stats(),
		Events:        map[string]int64{},
	}
	if s.mqtt != nil {
		out.MQTT = BrokerStats{Enabled: true, Connected: s.mqtt.IsConnected()}
	}
	if s.counters != nil {
		out.Events = s.counters.Snapshot()
	}
	if s.db != nil {
		st := s.db.Stats()
		out.Database = &PoolStats{Open: st.OpenConnections, InUse: st.InUse, WaitCount: st.WaitCount}
	}
	writeJSON(w, http.StatusOK, out)
}
