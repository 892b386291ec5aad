package events

import (
	"strings"
	"time"
)

// Event is one journaled bus event. Type is a dotted name such as
// "task.create" or "subtask.unblocked"; Stream names the journal partition
// it was appended to ("task:{id}", "instance:{id}", "hooks", "global").
type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MatchPattern reports whether a dotted event type matches a dotted pattern
// with * wildcards per segment ("task.*" matches "task.create"; a bare "*"
// matches everything; "*.created" matches "chat.created"). Segment counts
// must agree except for the bare "*" pattern.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(eventType, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
