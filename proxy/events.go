package proxy

// State is the activation state of a Proxy.
type State int32

// Activation states.
const (
	StateInactive State = iota
	StateActivating
	StateActivated
	StateFailedToActivate
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateFailedToActivate:
		return "failedToActivate"
	default:
		return "unknown"
	}
}

// EventKind selects which fields of Event are set.
type EventKind int

// Event kinds.
const (
	EventActivated        EventKind = iota + 1
	EventDeactivated                // Connection lost or proxy closed
	EventRequestFinished            // RequestID
	EventSignalOccurred             // Signature, Args
	EventPropertyUpdated            // Property, Value
	EventCouldNotActivate           // Reason
	EventError                      // Reason
)

func (k EventKind) String() string {
	switch k {
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventRequestFinished:
		return "requestFinished"
	case EventSignalOccurred:
		return "signalOccurred"
	case EventPropertyUpdated:
		return "propertyUpdated"
	case EventCouldNotActivate:
		return "couldNotActivate"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted on the Events channel of a Proxy.
type Event struct {
	Kind      EventKind
	RequestID uint64
	Signature string
	Args      []any
	Property  string
	Value     any
	Reason    string
}
