package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// EventMeasurement holds one point per relay event occurrence.
const EventMeasurement = "relay_events"

// WriteEvent records one occurrence of a relay event.
//
// The event name and tags become InfluxDB tags and the point carries a
// single count=1 field, so dashboards sum() over any window:
//
//	client.WriteEvent("eviction", map[string]string{"reason": "probe_failed"})
func (c *Client) WriteEvent(event string, tags map[string]string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(eventPoint(event, tags, time.Now()))
}

// eventPoint builds the point for one event. An "event" key in tags is
// overwritten by the event name.
func eventPoint(event string, tags map[string]string, at time.Time) *write.Point {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["event"] = event

	return write.NewPoint(EventMeasurement, t, map[string]interface{}{"count": 1}, at)
}
