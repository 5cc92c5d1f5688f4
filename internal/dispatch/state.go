package dispatch

import "fmt"

// State is a recipient's position in the dispatch state machine.
type State int

const (
	StateInit State = iota
	StateKeysResolving
	StateEncrypting
	StateTransmitting
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateKeysResolving:
		return "keys-resolving"
	case StateEncrypting:
		return "encrypting"
	case StateTransmitting:
		return "transmitting"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
