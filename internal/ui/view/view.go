// Package view derives what the phone panel shows from a controller state
// snapshot and the current form contents.
package view

import (
	"strings"

	"github.com/sebas/softphone/internal/phone"
)

// Form holds the user-entered fields of the phone panel.
type Form struct {
	Server      string `json:"server"`
	User        string `json:"user"`
	Password    string `json:"password"`
	Destination string `json:"destination"`
}

// Trimmed returns the form with surrounding whitespace removed from every field.
func (f Form) Trimmed() Form {
	return Form{
		Server:      strings.TrimSpace(f.Server),
		User:        strings.TrimSpace(f.User),
		Password:    f.Password,
		Destination: strings.TrimSpace(f.Destination),
	}
}

// HasCredentials reports whether server, user and password are all filled in.
func (f Form) HasCredentials() bool {
	return f.Server != "" && f.User != "" && f.Password != ""
}

// SipConfig builds the connect configuration from the form. The user field
// becomes the address of record with a sip: scheme.
func (f Form) SipConfig() phone.Config {
	return phone.Config{
		Server:   f.Server,
		AOR:      AOR(f.User),
		Password: f.Password,
	}
}

// AOR turns a user field into an address of record. It is idempotent.
func AOR(user string) string {
	return phone.NormalizeDestination(user)
}

// Controls is the enablement of every control in the phone panel.
type Controls struct {
	Connect    bool `json:"connect"`
	Disconnect bool `json:"disconnect"`
	Reset      bool `json:"reset"`
	Call       bool `json:"call"`
	Answer     bool `json:"answer"`
	Hangup     bool `json:"hangup"`

	CredentialsEditable bool `json:"credentials_editable"`
	DestinationEditable bool `json:"destination_editable"`
}

// Derive computes the control enablement for a state and form.
func Derive(s phone.State, f Form) Controls {
	connected := s.Connection == phone.ConnectionConnected
	disconnected := s.Connection == phone.ConnectionDisconnected

	return Controls{
		Connect:    disconnected && f.HasCredentials(),
		Disconnect: connected,
		Reset:      s.Connection == phone.ConnectionError,
		Call:       connected && s.Call == phone.CallIdle && f.Destination != "",
		Answer:     connected && s.Call == phone.CallRinging,
		Hangup:     connected && (s.Call == phone.CallCalling || s.Call == phone.CallConnected),

		CredentialsEditable: disconnected,
		DestinationEditable: connected,
	}
}

// Allowed reports whether the named action is enabled.
func (c Controls) Allowed(action string) bool {
	switch action {
	case ActionConnect:
		return c.Connect
	case ActionDisconnect:
		return c.Disconnect
	case ActionReset:
		return c.Reset
	case ActionCall:
		return c.Call
	case ActionAnswer:
		return c.Answer
	case ActionHangup:
		return c.Hangup
	default:
		return false
	}
}

// Action names, shared by the form routes and the JSON API.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionReset      = "reset"
	ActionCall       = "call"
	ActionAnswer     = "answer"
	ActionHangup     = "hangup"
)

// StatusLabel returns the human-readable status line for a state.
// While connected the call state is shown instead of the connection state.
func StatusLabel(s phone.State) string {
	switch s.Connection {
	case phone.ConnectionDisconnected:
		return "Not connected"
	case phone.ConnectionConnecting:
		return "Connecting..."
	case phone.ConnectionError:
		return "Error"
	case phone.ConnectionConnected:
		switch s.Call {
		case phone.CallIdle:
			return "Idle"
		case phone.CallCalling:
			return "Calling"
		case phone.CallRinging:
			return "Ringing"
		case phone.CallConnected:
			return "In call"
		}
	}
	return "Unknown"
}
