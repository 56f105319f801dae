package session

// State is the session's externally visible state.
type State int

const (
	Idle State = iota
	Initializing
	Listening
	Processing
	Translating
	Synthesizing
	Playing
	Paused
	Error
)

var stateNames = [...]string{
	Idle:         "idle",
	Initializing: "initializing",
	Listening:    "listening",
	Processing:   "processing",
	Translating:  "translating",
	Synthesizing: "synthesizing",
	Playing:      "playing",
	Paused:       "paused",
	Error:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether the state belongs to a running session, including
// the activity states derived from the pipeline.
func (s State) Active() bool {
	switch s {
	case Listening, Processing, Translating, Synthesizing, Playing, Paused:
		return true
	}
	return false
}
