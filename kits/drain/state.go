package drain

// State is the lifecycle phase of a Controller. It only ever moves forward:
// Serving -> Draining -> Closed.
type State int32

const (
	// Serving admits every request.
	Serving State = iota
	// Draining rejects new requests while admitted ones finish.
	Draining
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
