// Package phone provides the call session controller of the softphone: it
// owns the single SIP session handle, exposes the connect, disconnect, call,
// answer and hangup operations, and folds asynchronous session lifecycle
// events into a small connection/call state.
package phone

import "fmt"

// ConnectionState represents the registration state of the softphone.
type ConnectionState int

const (
	// ConnectionDisconnected means no session is registered.
	ConnectionDisconnected ConnectionState = iota
	// ConnectionConnecting means a connect attempt is in flight.
	ConnectionConnecting
	// ConnectionConnected means the registrar accepted the registration.
	ConnectionConnected
	// ConnectionError means the last connect attempt failed.
	ConnectionError
)

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CallState represents the state of the single call slot.
// It is only meaningful while the connection state is ConnectionConnected.
type CallState int

const (
	// CallIdle means there is no call.
	CallIdle CallState = iota
	// CallCalling means an outgoing call is being established.
	CallCalling
	// CallRinging means an incoming call is waiting to be answered.
	CallRinging
	// CallConnected means the call is established.
	CallConnected
)

// String returns the string representation of CallState.
func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// State is a snapshot of the controller state.
type State struct {
	Connection ConnectionState
	Call       CallState
	// Error is the last human-readable failure, empty when absent.
	Error string
}

// Event is a lifecycle notification delivered by a session.
type Event int

const (
	// EventRegistered is fired when the registrar accepts the registration.
	EventRegistered Event = iota
	// EventUnregistered is fired when the registration is removed.
	EventUnregistered
	// EventCallReceived is fired when an incoming call starts ringing.
	EventCallReceived
	// EventCallAnswered is fired when a call is established.
	EventCallAnswered
	// EventCallEnded is fired when a call ends, for any reason.
	EventCallEnded
	// EventTransportConnected is fired when the signaling transport is up.
	EventTransportConnected
	// EventTransportDisconnected is fired when the signaling transport is lost.
	EventTransportDisconnected
)

// String returns the string representation of Event.
func (e Event) String() string {
	switch e {
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	case EventCallReceived:
		return "call_received"
	case EventCallAnswered:
		return "call_answered"
	case EventCallEnded:
		return "call_ended"
	case EventTransportConnected:
		return "transport_connected"
	case EventTransportDisconnected:
		return "transport_disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// Reduce returns the state that results from applying ev to s.
//
// Call events only move the call state while the connection is up, and any
// loss of registration or transport forces the call slot back to idle:
// calls never survive a reconnect.
func Reduce(s State, ev Event) State {
	switch ev {
	case EventRegistered:
		s.Connection = ConnectionConnected
		s.Call = CallIdle
	case EventUnregistered, EventTransportDisconnected:
		s.Connection = ConnectionDisconnected
		s.Call = CallIdle
	case EventCallReceived:
		if s.Connection == ConnectionConnected {
			s.Call = CallRinging
		}
	case EventCallAnswered:
		if s.Connection == ConnectionConnected {
			s.Call = CallConnected
		}
	case EventCallEnded:
		if s.Connection == ConnectionConnected {
			s.Call = CallIdle
		}
	}
	return s
}
