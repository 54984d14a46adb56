package events

import (
	"context"
	"strings"

	"flow.evalgo.org/flow"
)

// SubscriptionSource lists registered consumer endpoints. Implemented
// by the db subscription store.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*flow.EventSubscription, error)
}

// MatchesType reports whether an event type passes a subscription
// filter. The filter is a comma-separated list of prefixes; "*" (or a
// trailing "*") widens a prefix to a wildcard, so "session_*" and
// "session_" select the same events. An empty filter matches nothing.
func MatchesType(filter, eventType string) bool {
	for _, pattern := range strings.Split(filter, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// Matches reports whether the subscription wants this event.
func Matches(sub *flow.EventSubscription, event *Event) bool {
	if sub == nil || !sub.IsActive {
		return false
	}
	return MatchesType(sub.EventTypes, event.Type)
}
