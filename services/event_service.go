package services

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// EventTracker は名前付きイベントを Prometheus のカウンターとして記録します
type EventTracker struct {
	events *prometheus.CounterVec
	debug  bool
}

func NewEventTracker(reg prometheus.Registerer, debug bool) *EventTracker {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "advisor",
		Name:      "events_total",
		Help:      "Total application events by name",
	}, []string{"event"})
	if reg != nil {
		reg.MustRegister(events)
	}
	return &EventTracker{events: events, debug: debug}
}

// Track はイベントを 1 件数えます。nil の EventTracker では何もしない
func (e *EventTracker) Track(name string, properties map[string]interface{}) {
	if e == nil {
		return
	}
	e.events.WithLabelValues(name).Inc()
	if e.debug {
		log.Printf("event %s: %v", name, properties)
	}
}
