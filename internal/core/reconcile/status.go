package reconcile

// State is the controller's internal sync state.
type State uint8

const (
	StateSynced State = iota
	StateAwaitingGapFill
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateAwaitingGapFill:
		return "awaiting-gap-fill"
	case StateResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// Status is the connectivity signal shown to the application.
type Status uint8

const (
	StatusSynced Status = iota
	StatusDegraded
	StatusResyncing
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusDegraded:
		return "degraded"
	case StatusResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusChange is the payload of every status event.
type StatusChange struct {
	Previous Status
	Current  Status
	// Reason names the trigger, e.g. "gap-timeout" or "dump-fetch-failed".
	Reason string
}

const (
	// StatusTopic is the event bus topic carrying StatusChange payloads.
	StatusTopic = "connectivity"
	// StatusEventType is the event type of status changes within StatusTopic.
	StatusEventType = "status.changed"
)
