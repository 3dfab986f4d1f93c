package services

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEventTracker_CountsByName(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker := NewEventTracker(reg, false)

	tracker.Track("ConversationCreated", nil)
	tracker.Track("ConversationCreated", map[string]interface{}{"user_id": "u"})
	tracker.Track("UserMessageAdded", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(tracker.events.WithLabelValues("ConversationCreated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tracker.events.WithLabelValues("UserMessageAdded")))
}

func TestEventTracker_NilIsNoop(t *testing.T) {
	var tracker *EventTracker
	assert.NotPanics(t, func() { tracker.Track("anything", nil) })
}
