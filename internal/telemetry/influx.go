package telemetry

// EventWriter is the subset of the InfluxDB client the sink needs.
type EventWriter interface {
	WriteEvent(event string, tags map[string]string)
}

// InfluxSink writes each event as a point through the non-blocking
// InfluxDB write API.
type InfluxSink struct {
	w    EventWriter
	site string
}

// NewInfluxSink wraps an InfluxDB client. site is added as a tag when set.
func NewInfluxSink(w EventWriter, site string) *InfluxSink {
	return &InfluxSink{w: w, site: site}
}

func (s *InfluxSink) Incr(event string, tags Tags) {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	if s.site != "" {
		t["site"] = s.site
	}
	s.w.WriteEvent(event, t)
}
