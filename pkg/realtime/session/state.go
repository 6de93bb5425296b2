package session

// State is a session lifecycle state.
type State int

const (
	Idle State = iota
	FetchingCredential
	Negotiating
	AwaitingChannelOpen
	Active
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingCredential:
		return "fetching_credential"
	case Negotiating:
		return "negotiating"
	case AwaitingChannelOpen:
		return "awaiting_channel_open"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transitions can happen.
func (s State) IsTerminal() bool {
	return s == Closed || s == Failed
}

// next lists the legal successors of each state. Failed is reachable from
// every non-terminal state and is not listed.
var next = map[State][]State{
	Idle:                {FetchingCredential, Closed},
	FetchingCredential:  {Negotiating, Closing},
	Negotiating:         {AwaitingChannelOpen, Closing},
	AwaitingChannelOpen: {Active, Closing},
	Active:              {Closing},
	Closing:             {Closed},
}

func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Failed {
		return from != Idle && from != Closing
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
