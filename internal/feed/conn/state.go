package conn

import "sync/atomic"

// State is the connection lifecycle state. Within one epoch the state only
// moves forward; RECONNECTING starts a new epoch.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }
func (a *atomicState) Load() State   { return State(a.v.Load()) }
