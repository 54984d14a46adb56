package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"flow.evalgo.org/flow"
)

func TestMatchesType(t *testing.T) {
	tests := []struct {
		name      string
		filter    string
		eventType string
		want      bool
	}{
		{"star matches everything", "*", "session_started", true},
		{"exact match", "session_started", "session_started", true},
		{"prefix match", "session_", "session_status_changed", true},
		{"trailing star prefix", "session_*", "session_deleted", true},
		{"prefix does not match other family", "session_", "flow_updated", false},
		{"comma list first entry", "flow_, session_", "flow_published", true},
		{"comma list second entry", "flow_, session_", "session_started", true},
		{"comma list no entry", "flow_, node_", "session_started", false},
		{"empty filter matches nothing", "", "session_started", false},
		{"whitespace only matches nothing", " , ", "session_started", false},
		{"exact match does not cover longer types", "session_started_extra", "session_started", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesType(tt.filter, tt.eventType))
		})
	}
}

func TestMatches(t *testing.T) {
	ev := New(TypeSessionStarted)

	t.Run("active subscription with matching filter", func(t *testing.T) {
		sub := &flow.EventSubscription{EventTypes: "session_", IsActive: true}
		assert.True(t, Matches(sub, ev))
	})

	t.Run("inactive subscription never matches", func(t *testing.T) {
		sub := &flow.EventSubscription{EventTypes: "*", IsActive: false}
		assert.False(t, Matches(sub, ev))
	})

	t.Run("nil subscription never matches", func(t *testing.T) {
		assert.False(t, Matches(nil, ev))
	})
}
