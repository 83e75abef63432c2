package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Call leg states.
const (
	legCreated     = "created"
	legCalling     = "calling"
	legEarly       = "early"
	legRinging     = "ringing"
	legEstablished = "established"
	legTerminated  = "terminated"
)

// Call leg events.
const (
	evInvite   = "invite"   // outgoing INVITE sent
	evProgress = "progress" // provisional response received
	evIncoming = "incoming" // incoming INVITE accepted for ringing
	evAnswer   = "answer"   // 2xx received or sent
	evReject   = "reject"   // failure response, local reject or CANCEL
	evBye      = "bye"      // established call ended
)

// direction of a call leg.
type direction int

const (
	outbound direction = iota
	inbound
)

func (d direction) String() string {
	if d == inbound {
		return "inbound"
	}
	return "outbound"
}

// leg is the single call handled by the user agent.
type leg struct {
	dir    direction
	callID string
	fsm    *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	// invite is the INVITE sent or received; immutable once the leg is
	// published.
	invite *sip.Request

	// Outgoing calls: set once CANCEL was sent.
	cancelled atomic.Bool

	// Incoming calls.
	serverTx  sip.ServerTransaction
	session   *sipgo.DialogServerSession
	answering atomic.Bool
	// remoteCancel is closed when the caller cancels the INVITE.
	remoteCancel chan struct{}
	cancelOnce   sync.Once

	mu       sync.Mutex
	remoteTo *sip.ToHeader // To of the 2xx, carries the remote tag
	target   sip.Uri       // remote Contact of the 2xx
	media    *mediaStream
	ended    bool
}

func newLeg(parent context.Context, dir direction, callID string) *leg {
	ctx, cancel := context.WithCancel(parent)
	return &leg{
		dir:          dir,
		callID:       callID,
		ctx:          ctx,
		cancel:       cancel,
		remoteCancel: make(chan struct{}),
		fsm: fsm.NewFSM(
			legCreated,
			fsm.Events{
				{Name: evInvite, Src: []string{legCreated}, Dst: legCalling},
				{Name: evProgress, Src: []string{legCalling, legEarly}, Dst: legEarly},
				{Name: evIncoming, Src: []string{legCreated}, Dst: legRinging},
				{Name: evAnswer, Src: []string{legCalling, legEarly, legRinging}, Dst: legEstablished},
				{Name: evReject, Src: []string{legCreated, legCalling, legEarly, legRinging}, Dst: legTerminated},
				{Name: evBye, Src: []string{legEstablished}, Dst: legTerminated},
			},
			fsm.Callbacks{},
		),
	}
}

// fire applies a leg event. Self transitions are not errors.
func (l *leg) fire(event string) error {
	err := l.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return nil
	}
	return fmt.Errorf("call %s: %w", l.callID, err)
}

func (l *leg) cancelledByRemote() {
	l.cancelOnce.Do(func() { close(l.remoteCancel) })
}

func (l *leg) state() string {
	return l.fsm.Current()
}

// early reports whether the call has not been answered yet.
func (l *leg) early() bool {
	switch l.state() {
	case legCreated, legCalling, legEarly, legRinging:
		return true
	}
	return false
}

// setDialog records the remote target and tag of an answered outgoing call.
func (l *leg) setDialog(target sip.Uri, remoteTo *sip.ToHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
	l.remoteTo = remoteTo
}

func (l *leg) dialog() (sip.Uri, *sip.ToHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target, l.remoteTo
}

func (l *leg) setMedia(m *mediaStream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.media = m
}

// finish releases the leg's media and context. It reports false if the leg
// was already finished.
func (l *leg) finish() bool {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return false
	}
	l.ended = true
	media := l.media
	l.media = nil
	l.mu.Unlock()

	if media != nil {
		_ = media.Close()
	}
	l.cancel()
	return true
}
