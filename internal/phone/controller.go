package phone

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// subscriberBuffer is the channel depth of a subscription. A slow
// subscriber loses intermediate snapshots, never the latest one.
const subscriberBuffer = 8

// update is a state mutation queued to the state loop.
type update struct {
	fn   func(State) State
	done chan struct{}
}

// Controller drives one SIP session and tracks its connection and call
// state. All state mutations, whether from operations or from session
// callbacks, are applied by a single goroutine in arrival order.
type Controller struct {
	newSession SessionFactory
	log        *slog.Logger

	// opMu serializes operations so overlapping connects cannot race on
	// the session handle. closing is guarded by opMu.
	opMu    sync.Mutex
	closing bool

	mu      sync.Mutex
	session Session
	gen     uint64 // identifies the current session; bumped on every detach
	audio   io.Writer

	teardowns sync.WaitGroup

	updates   chan update
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   State

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// NewController creates a controller and starts its state loop.
// Close must be called to release it.
func NewController(newSession SessionFactory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		newSession: newSession,
		log:        logger,
		updates:    make(chan update),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		subs:       make(map[int]chan State),
	}
	go c.run()
	return c
}

// State returns the current state snapshot.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Subscribe returns a channel that first receives the current state and
// then every subsequent change. The cancel func releases the subscription.
// The channel is closed on cancel or when the controller is closed.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)

	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.State()
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// SetRemoteAudio sets the sink for decoded remote audio used by the next
// connect attempt. A nil sink discards remote audio.
func (c *Controller) SetRemoteAudio(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = w
}

// Connect replaces any existing session with a new one built from cfg,
// opens its transport and registers it. The connection becomes
// ConnectionConnected only once the session reports EventRegistered.
func (c *Controller) Connect(ctx context.Context, cfg Config) error {
	if err := c.lockOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.apply(func(s State) State {
		s.Connection = ConnectionConnecting
		s.Call = CallIdle
		s.Error = ""
		return s
	})

	if old := c.detach(); old != nil {
		c.log.Debug("[Phone] Replacing existing session")
		c.teardown(ctx, old)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	audio := c.audio
	c.mu.Unlock()

	sess, err := c.newSession(SessionOptions{
		Config:       cfg,
		AuthUsername: AuthorizationUsername(cfg.AOR),
		AudioOnly:    true,
		RemoteAudio:  audio,
		Notify:       func(ev Event) { c.handleEvent(gen, ev) },
	})
	if err != nil {
		return c.failConnect(ctx, gen, nil, err)
	}

	c.mu.Lock()
	if c.gen == gen {
		c.session = sess
	}
	c.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		return c.failConnect(ctx, gen, sess, err)
	}
	if err := sess.Register(ctx); err != nil {
		return c.failConnect(ctx, gen, sess, err)
	}

	c.log.Info("[Phone] Registration requested", "server", cfg.Server, "aor", cfg.AOR)
	return nil
}

// failConnect records a failed connect attempt. The half-built session is
// torn down and the handle cleared so later operations fail fast instead
// of running against a dead session.
func (c *Controller) failConnect(ctx context.Context, gen uint64, sess Session, err error) error {
	c.log.Error("[Phone] Connection error", "error", err)

	c.mu.Lock()
	if c.gen == gen {
		c.session = nil
		c.gen++
	}
	c.mu.Unlock()

	if sess != nil {
		c.teardown(ctx, sess)
	}

	c.apply(func(s State) State {
		s.Connection = ConnectionError
		s.Call = CallIdle
		s.Error = err.Error()
		return s
	})
	return opError("connect", err)
}

// Disconnect tears down the session, if any. The state always ends up
// disconnected and idle, even when the teardown fails; the failure is then
// recorded and returned.
func (c *Controller) Disconnect(ctx context.Context) error {
	if err := c.lockOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.clearError()

	var err error
	if sess := c.detach(); sess != nil {
		err = sess.Disconnect(ctx)
	}

	c.apply(func(s State) State {
		s.Connection = ConnectionDisconnected
		s.Call = CallIdle
		if err != nil {
			s.Error = err.Error()
		}
		return s
	})

	if err != nil {
		c.log.Error("[Phone] Disconnect error", "error", err)
		return opError("disconnect", err)
	}
	return nil
}

// Call places an outgoing call. The destination is normalized to a SIP URI.
func (c *Controller) Call(ctx context.Context, destination string) error {
	if err := c.lockOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	sess := c.current()
	if sess == nil {
		c.log.Error("[Phone] Call error", "error", ErrNotConnected)
		c.apply(func(s State) State {
			s.Call = CallIdle
			s.Error = ErrNotConnected.Error()
			return s
		})
		return ErrNotConnected
	}

	target := NormalizeDestination(destination)
	c.apply(func(s State) State {
		s.Call = CallCalling
		s.Error = ""
		return s
	})

	if err := sess.Call(ctx, target); err != nil {
		c.log.Error("[Phone] Call error", "destination", target, "error", err)
		c.apply(func(s State) State {
			s.Call = CallIdle
			s.Error = err.Error()
			return s
		})
		return opError("call", err)
	}
	return nil
}

// Answer accepts the ringing incoming call. The call state is left to the
// session's lifecycle events.
func (c *Controller) Answer(ctx context.Context) error {
	return c.callControl(ctx, "answer", Session.Answer)
}

// Hangup cancels, rejects or ends the current call. The call state is left
// to the session's lifecycle events.
func (c *Controller) Hangup(ctx context.Context) error {
	return c.callControl(ctx, "hangup", Session.Hangup)
}

func (c *Controller) callControl(ctx context.Context, op string, fn func(Session, context.Context) error) error {
	if err := c.lockOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.clearError()

	sess := c.current()
	if sess == nil {
		c.log.Error("[Phone] "+op+" error", "error", ErrNotConnected)
		c.setError(ErrNotConnected)
		return ErrNotConnected
	}

	if err := fn(sess, ctx); err != nil {
		c.log.Error("[Phone] "+op+" error", "error", err)
		c.setError(err)
		return opError(op, err)
	}
	return nil
}

// Close tears down any live session, ignoring failures, and stops the
// state loop. Subscriptions are closed. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.opMu.Lock()
		c.closing = true
		if sess := c.detach(); sess != nil {
			c.teardown(context.Background(), sess)
		}
		c.opMu.Unlock()

		c.teardowns.Wait()

		c.subsMu.Lock()
		close(c.done)
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
		<-c.loopDone
	})
	return nil
}

// handleEvent applies a lifecycle event coming from the session identified
// by gen. Events from replaced sessions are dropped.
func (c *Controller) handleEvent(gen uint64, ev Event) {
	var lost Session

	c.mu.Lock()
	current := gen == c.gen
	if current && ev == EventTransportDisconnected {
		lost = c.session
		c.session = nil
		c.gen++
	}
	c.mu.Unlock()

	if !current {
		c.log.Debug("[Phone] Dropping event from stale session", "event", ev.String())
		return
	}

	switch ev {
	case EventTransportConnected:
		c.log.Info("[Phone] WebSocket connected")
	case EventTransportDisconnected:
		c.log.Info("[Phone] WebSocket disconnected")
	default:
		c.log.Debug("[Phone] Session event", "event", ev.String())
	}

	c.apply(func(s State) State { return Reduce(s, ev) })

	// The event may be delivered from one of the session's own goroutines,
	// so the release of the lost session must not block it.
	if lost != nil {
		c.teardowns.Add(1)
		go func() {
			defer c.teardowns.Done()
			c.teardown(context.Background(), lost)
		}()
	}
}

// teardown disconnects a session that is no longer wanted. Failures are
// logged and swallowed.
func (c *Controller) teardown(ctx context.Context, sess Session) {
	if err := sess.Disconnect(ctx); err != nil {
		c.log.Warn("[Phone] Session teardown failed", "error", err)
	}
}

// detach removes and returns the current session, invalidating its events.
func (c *Controller) detach() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	c.session = nil
	c.gen++
	return sess
}

func (c *Controller) current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) clearError() {
	c.apply(func(s State) State {
		s.Error = ""
		return s
	})
}

func (c *Controller) setError(err error) {
	c.apply(func(s State) State {
		s.Error = err.Error()
		return s
	})
}

// lockOp takes the operation lock. Once Close has started it fails with
// ErrClosed.
func (c *Controller) lockOp() error {
	c.opMu.Lock()
	if c.closing {
		c.opMu.Unlock()
		return ErrClosed
	}
	return nil
}

// apply queues fn to the state loop and waits until it has been applied.
func (c *Controller) apply(fn func(State) State) {
	u := update{fn: fn, done: make(chan struct{})}
	select {
	case c.updates <- u:
	case <-c.done:
		return
	}
	<-u.done
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case u := <-c.updates:
			c.stateMu.Lock()
			prev := c.state
			c.state = u.fn(prev)
			next := c.state
			c.stateMu.Unlock()

			if next != prev {
				c.publish(next)
			}
			close(u.done)
		case <-c.done:
			return
		}
	}
}

// publish delivers s to every subscriber without blocking the state loop.
// A full subscriber drops its oldest pending snapshot.
func (c *Controller) publish(s State) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
