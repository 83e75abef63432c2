package phone

import (
	"context"
	"io"
	"strings"
)

//go:generate mockgen -source=session.go -destination=mock_session_test.go -package=phone

// Config holds the credentials used for one connect attempt.
type Config struct {
	Server   string // SIP-over-WebSocket server endpoint, e.g. wss://sip.example.com
	AOR      string // Address of record, e.g. sip:alice@example.com
	Password string
}

// Session is the live SIP user agent owned by the Controller.
// Implementations report state changes through SessionOptions.Notify.
type Session interface {
	// Connect opens the signaling transport.
	Connect(ctx context.Context) error
	// Register binds the address of record at the registrar.
	Register(ctx context.Context) error
	// Call places an outgoing call to a SIP URI.
	Call(ctx context.Context, destination string) error
	// Answer accepts the ringing incoming call.
	Answer(ctx context.Context) error
	// Hangup cancels, rejects or ends the current call.
	Hangup(ctx context.Context) error
	// Disconnect unregisters and closes the transport.
	Disconnect(ctx context.Context) error
}

// SessionOptions is everything a SessionFactory needs to build a session.
type SessionOptions struct {
	Config Config
	// AuthUsername is the digest username, derived from the AOR user part.
	AuthUsername string
	// AudioOnly constrains media negotiation to audio. Always true here.
	AudioOnly bool
	// RemoteAudio receives decoded remote audio. May be nil.
	RemoteAudio io.Writer
	// Notify delivers lifecycle events. Safe to call from any goroutine.
	Notify func(Event)
}

// SessionFactory builds a new, not yet connected session.
type SessionFactory func(opts SessionOptions) (Session, error)

// NormalizeDestination turns a dialed number or user into a SIP URI by
// prefixing the sip: scheme when no SIP scheme is present. It is idempotent.
func NormalizeDestination(destination string) string {
	d := strings.TrimSpace(destination)
	if hasSIPScheme(d) {
		return d
	}
	return "sip:" + d
}

// AuthorizationUsername extracts the user part of an address of record,
// e.g. "alice" from "sip:alice@example.com;transport=ws".
func AuthorizationUsername(aor string) string {
	user := strings.TrimSpace(aor)
	if hasSIPScheme(user) {
		user = user[strings.Index(user, ":")+1:]
	}
	if i := strings.IndexAny(user, "@;"); i >= 0 {
		user = user[:i]
	}
	return user
}

func hasSIPScheme(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "sip:") || strings.HasPrefix(l, "sips:")
}
