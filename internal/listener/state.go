package listener

// State is the reconciliation phase of one listener
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateValidating
	StateConverting
	StatePersisting
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateValidating:
		return "validating"
	case StateConverting:
		return "converting"
	case StatePersisting:
		return "persisting"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return "idle"
	}
}
