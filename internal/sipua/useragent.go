// Package sipua is the SIP user agent behind a phone session. It registers
// an address of record over UDP, TCP, TLS or WebSocket, places and answers
// a single audio call at a time, and reports lifecycle events to the phone
// controller.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/softphone/internal/phone"
)

// Defaults applied to zero Options fields.
const (
	DefaultUserAgent         = "softphone"
	DefaultRegisterExpiry    = 300 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	keepaliveFailures = 2
	maxRingTime       = 3 * time.Minute
)

// Options configures a UserAgent.
type Options struct {
	Server   string // signaling endpoint, see ParseEndpoint
	AOR      string // address of record, e.g. sip:alice@example.com
	Username string // digest username; the AOR user when empty
	Password string

	// RemoteAudio receives decoded remote audio as 16-bit 8 kHz PCM.
	RemoteAudio io.Writer

	UserAgent         string
	AdvertiseAddr     string // address put in Contact and SDP
	RegisterExpiry    time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration

	// NameServer answers SRV lookups for SIP URI endpoints without a
	// port; empty uses the system resolver configuration.
	NameServer string

	// RTP port range; both zero binds ephemeral ports.
	RTPPortMin int
	RTPPortMax int

	Logger *slog.Logger
	Notify func(phone.Event)
}

func (o *Options) setDefaults() {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.AdvertiseAddr == "" {
		o.AdvertiseAddr = "127.0.0.1"
	}
	if o.RegisterExpiry <= 0 {
		o.RegisterExpiry = DefaultRegisterExpiry
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NewSessionFactory returns a phone.SessionFactory building user agents
// from base completed with the per-connect credentials. Media is always
// negotiated audio-only.
func NewSessionFactory(base Options) phone.SessionFactory {
	return func(opts phone.SessionOptions) (phone.Session, error) {
		o := base
		o.Server = opts.Config.Server
		o.AOR = opts.Config.AOR
		o.Username = opts.AuthUsername
		o.Password = opts.Config.Password
		o.RemoteAudio = opts.RemoteAudio
		o.Notify = opts.Notify

		ua, err := New(o)
		if err != nil {
			return nil, err
		}
		return ua, nil
	}
}

// UserAgent is a registered SIP endpoint handling at most one call.
type UserAgent struct {
	opts     Options
	log      *slog.Logger
	endpoint Endpoint
	aor      sip.Uri
	contact  sip.ContactHeader

	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	dialogUA *sipgo.DialogUA
	ports    *portPool
	resolver resolver

	// ctx bounds every background loop; cancelled on Disconnect.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	regCallID string
	regTag    string
	cseq      atomic.Uint32

	mu         sync.Mutex
	call       *leg
	registered bool
	closed     bool
}

var _ phone.Session = (*UserAgent)(nil)

// New validates opts and builds a user agent. No network traffic happens
// until Connect.
func New(opts Options) (*UserAgent, error) {
	opts.setDefaults()

	endpoint, err := ParseEndpoint(opts.Server)
	if err != nil {
		return nil, err
	}
	aor, err := parseAOR(opts.AOR)
	if err != nil {
		return nil, err
	}
	if opts.Username == "" {
		opts.Username = aor.User
	}
	ports, err := newPortPool(opts.RTPPortMin, opts.RTPPortMax)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(opts.UserAgent))
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("create user agent: %w", err))
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, errtrace.Wrap(fmt.Errorf("create server: %w", err))
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return nil, errtrace.Wrap(fmt.Errorf("create client: %w", err))
	}

	contactParams := sip.NewParams()
	contactParams.Add("transport", strings.ToLower(endpoint.Transport))
	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      aor.User,
			Host:      contactHost(endpoint, opts.AdvertiseAddr),
			UriParams: contactParams,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UserAgent{
		opts:     opts,
		log:      opts.Logger,
		endpoint: endpoint,
		aor:      aor,
		contact:  contact,
		ua:       ua,
		client:   client,
		server:   srv,
		ports:    ports,
		resolver: resolver{nameServer: opts.NameServer, timeout: opts.RequestTimeout},
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: contact,
		},
		ctx:       ctx,
		cancel:    cancel,
		regCallID: newCallID(),
		regTag:    newTag(),
	}

	srv.OnRequest(sip.INVITE, u.onInvite)
	srv.OnRequest(sip.ACK, u.onAck)
	srv.OnRequest(sip.BYE, u.onBye)
	srv.OnRequest(sip.CANCEL, u.onCancel)
	srv.OnRequest(sip.OPTIONS, u.onOptions)

	if endpoint.Path != "" {
		u.log.Warn("[SIP] WebSocket path is not used for the upgrade", "endpoint", endpoint.String(), "path", endpoint.Path)
	}
	return u, nil
}

// contactHost is the Contact host for endpoint. WebSocket clients are not
// reachable by address and use a random .invalid domain (RFC 7118).
func contactHost(endpoint Endpoint, advertise string) string {
	if endpoint.websocket() {
		return newTag() + ".invalid"
	}
	return advertise
}

// bindContact completes the Contact with the local port the signaling
// connection was opened on, read from the Via sent-by of req.
func (u *UserAgent) bindContact(req *sip.Request) {
	if u.endpoint.websocket() {
		return
	}
	via := req.Via()
	if via == nil || via.Port == 0 {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.contact.Address.Port = via.Port
	u.dialogUA.ContactHDR = u.contact
}

func (u *UserAgent) contactHeader() sip.ContactHeader {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.contact
}

// Connect opens the signaling transport by sending OPTIONS to the server
// and starts the keepalive.
func (u *UserAgent) Connect(ctx context.Context) error {
	if u.isClosed() {
		return errtrace.Wrap(ErrClosed)
	}
	u.resolveEndpoint(ctx)
	sent, err := u.ping(ctx)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("connect %s: %w", u.endpoint, err))
	}
	u.bindContact(sent)

	u.log.Info("[SIP] Transport connected", "endpoint", u.endpoint.String())
	u.notify(phone.EventTransportConnected)
	u.goLoop(u.keepalive)
	return nil
}

// Disconnect ends any call, unregisters and closes the transport. It is
// safe to call on a user agent that never connected, and more than once.
func (u *UserAgent) Disconnect(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	l := u.call
	registered := u.registered
	u.registered = false
	u.mu.Unlock()

	var errs []error
	if l != nil {
		if err := u.hangup(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}

	u.cancel()
	u.bg.Wait()

	if registered {
		if _, err := u.register(ctx, 0); err != nil {
			errs = append(errs, fmt.Errorf("unregister: %w", err))
		} else {
			u.log.Info("[SIP] Unregistered", "aor", u.aor.String())
			u.notify(phone.EventUnregistered)
		}
	}

	if err := u.ua.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close user agent: %w", err))
	}
	u.log.Info("[SIP] Disconnected", "endpoint", u.endpoint.String())
	return errtrace.Wrap(errors.Join(errs...))
}

// keepalive pings the server until ctx is done. Consecutive failures mean
// the transport is gone.
func (u *UserAgent) keepalive(ctx context.Context) {
	ticker := time.NewTicker(u.opts.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := u.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			u.log.Warn("[SIP] Keepalive failed", "failures", failures, "error", err)
			if failures >= keepaliveFailures {
				u.transportLost()
				return
			}
			continue
		}
		failures = 0
	}
}

// transportLost drops registration and call state after the server became
// unreachable.
func (u *UserAgent) transportLost() {
	u.mu.Lock()
	l := u.call
	u.call = nil
	u.registered = false
	u.mu.Unlock()

	if l != nil {
		u.release(l)
	}
	u.log.Warn("[SIP] Transport lost", "endpoint", u.endpoint.String())
	u.notify(phone.EventTransportDisconnected)
}

// ping sends an out-of-dialog OPTIONS and returns it as sent. Any final
// response proves the server reachable.
func (u *UserAgent) ping(ctx context.Context) (*sip.Request, error) {
	domain := u.domainURI()
	req := u.newRequest(sip.OPTIONS, domain, domain, newCallID(), newTag(), 1)
	resp, err := u.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	u.log.Debug("[SIP] OPTIONS response", "status", int(resp.StatusCode))
	return req, nil
}

// transact sends req and waits for its final response. Requests carry
// their own CSeq; the client only fills in missing headers.
func (u *UserAgent) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.RequestTimeout)
	defer cancel()

	tx, err := u.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("send %s: %w", req.Method, err))
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errtrace.Wrap(fmt.Errorf("%s: %w", req.Method, ErrNoResponse))
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, errtrace.Wrap(fmt.Errorf("%s: %w", req.Method, err))
			}
			return nil, errtrace.Wrap(fmt.Errorf("%s: %w", req.Method, ErrNoResponse))
		case <-ctx.Done():
			return nil, errtrace.Wrap(fmt.Errorf("%s: %w", req.Method, ctx.Err()))
		}
	}
}

// newRequest builds an out-of-dialog request from the address of record.
func (u *UserAgent) newRequest(method sip.RequestMethod, recipient, to sip.Uri, callID, fromTag string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	req.AppendHeader(&sip.FromHeader{
		Address: u.aor,
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: to,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seq,
		MethodName: method,
	})

	u.route(req)
	return req
}

// route sends req to the configured server endpoint.
func (u *UserAgent) route(req *sip.Request) {
	req.SetTransport(u.endpoint.Transport)
	req.SetDestination(u.endpoint.Addr())
}

func (u *UserAgent) domainURI() sip.Uri {
	return sip.Uri{Scheme: "sip", Host: u.aor.Host, Port: u.aor.Port}
}

func (u *UserAgent) goLoop(fn func(context.Context)) {
	u.bg.Add(1)
	go func() {
		defer u.bg.Done()
		fn(u.ctx)
	}()
}

func (u *UserAgent) notify(ev phone.Event) {
	if u.opts.Notify != nil {
		u.opts.Notify(ev)
	}
}

func (u *UserAgent) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *UserAgent) currentCall() *leg {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.call
}

func (u *UserAgent) callByID(callID string) *leg {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.call != nil && u.call.callID == callID {
		return u.call
	}
	return nil
}
