package models

// EventKind classifies a raw backend change.
type EventKind int

// Raw event kinds.
const (
	EventCreated EventKind = iota + 1
	EventModified
	EventRemoved
	EventRenamed
	// EventWatchFailed reports that the backend can no longer observe Path.
	EventWatchFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	case EventRenamed:
		return "renamed"
	case EventWatchFailed:
		return "watch_failed"
	default:
		return "unknown"
	}
}

// RawEvent is a change reported by a backend adapter, before coalescing.
type RawEvent struct {
	Kind EventKind
	Path string
	// NewPath is set for EventRenamed.
	NewPath string
	// Stats is the post-change snapshot when the backend has one at hand.
	Stats *Stats
	// Err is set for EventWatchFailed.
	Err error
}
