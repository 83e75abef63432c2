package sipua

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"

	"github.com/sebas/softphone/internal/phone"
)

const peerWait = 5 * time.Second

// peerHandler answers a request received by the peer. Returned responses
// are sent back in order; nil drops the request.
type peerHandler func(req *sip.Request) []*sip.Response

// sipPeer is a scripted SIP server on a plain UDP socket. It records every
// message the user agent sends and answers requests through per-method
// handlers.
type sipPeer struct {
	t    *testing.T
	conn net.PacketConn
	port int

	mu       sync.Mutex
	handlers map[sip.RequestMethod]peerHandler
	ua       net.Addr

	requests  chan *sip.Request
	responses chan *sip.Response

	// Messages read while looking for another one; test goroutine only.
	seenRequests  []*sip.Request
	seenResponses []*sip.Response
}

func newSIPPeer(t *testing.T) *sipPeer {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	p := &sipPeer{
		t:         t,
		conn:      conn,
		port:      conn.LocalAddr().(*net.UDPAddr).Port,
		handlers:  make(map[sip.RequestMethod]peerHandler),
		requests:  make(chan *sip.Request, 256),
		responses: make(chan *sip.Response, 256),
	}
	p.handle(sip.OPTIONS, reply(200, "OK"))
	p.handle(sip.REGISTER, acceptRegister)
	p.handle(sip.BYE, reply(200, "OK"))
	t.Cleanup(func() { _ = conn.Close() })

	go p.serve()
	return p
}

func (p *sipPeer) server() string {
	return "udp://127.0.0.1:" + strconv.Itoa(p.port)
}

func (p *sipPeer) handle(method sip.RequestMethod, h peerHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

func (p *sipPeer) serve() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := sip.ParseMessage(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *sip.Request:
			p.mu.Lock()
			p.ua = addr
			h := p.handlers[m.Method]
			p.mu.Unlock()
			if h != nil {
				for _, resp := range h(m) {
					p.write(resp.String(), addr)
				}
			}
			select {
			case p.requests <- m:
			default:
			}
		case *sip.Response:
			select {
			case p.responses <- m:
			default:
			}
		}
	}
}

func (p *sipPeer) write(data string, addr net.Addr) {
	if _, err := p.conn.WriteTo([]byte(data), addr); err != nil {
		p.t.Logf("peer write error = %v", err)
	}
}

// send delivers req to the address the user agent last sent from.
func (p *sipPeer) send(req *sip.Request) {
	p.t.Helper()
	p.mu.Lock()
	ua := p.ua
	p.mu.Unlock()
	if ua == nil {
		p.t.Fatal("user agent address unknown, nothing received yet")
	}
	p.write(req.String(), ua)
}

func (p *sipPeer) uaAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, _ := p.ua.(*net.UDPAddr)
	return addr
}

// nextRequest returns the oldest unread request of method.
func (p *sipPeer) nextRequest(method sip.RequestMethod) *sip.Request {
	p.t.Helper()
	for i, req := range p.seenRequests {
		if req.Method == method {
			p.seenRequests = append(p.seenRequests[:i], p.seenRequests[i+1:]...)
			return req
		}
	}
	timeout := time.After(peerWait)
	for {
		select {
		case req := <-p.requests:
			if req.Method == method {
				return req
			}
			p.seenRequests = append(p.seenRequests, req)
		case <-timeout:
			p.t.Fatalf("peer received no %s", method)
			return nil
		}
	}
}

// nextResponse returns the oldest unread response with code to a method
// request.
func (p *sipPeer) nextResponse(method sip.RequestMethod, code sip.StatusCode) *sip.Response {
	p.t.Helper()
	match := func(resp *sip.Response) bool {
		return resp.StatusCode == code && resp.CSeq() != nil && resp.CSeq().MethodName == method
	}
	for i, resp := range p.seenResponses {
		if match(resp) {
			p.seenResponses = append(p.seenResponses[:i], p.seenResponses[i+1:]...)
			return resp
		}
	}
	timeout := time.After(peerWait)
	for {
		select {
		case resp := <-p.responses:
			if match(resp) {
				return resp
			}
			p.seenResponses = append(p.seenResponses, resp)
		case <-timeout:
			p.t.Fatalf("peer received no %d response to %s", int(code), method)
			return nil
		}
	}
}

func reply(code sip.StatusCode, reason string) peerHandler {
	return func(req *sip.Request) []*sip.Response {
		return []*sip.Response{sip.NewResponseFromRequest(req, code, reason, nil)}
	}
}

func acceptRegister(req *sip.Request) []*sip.Response {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if h := req.GetHeader("Expires"); h != nil {
		resp.AppendHeader(sip.NewHeader("Expires", h.Value()))
	}
	return []*sip.Response{resp}
}

// answerWithSDP builds a 2xx to an INVITE carrying an audio answer that
// points at mediaPort. It runs on the peer's read loop.
func (p *sipPeer) answerWithSDP(req *sip.Request, mediaPort int) *sip.Response {
	body, err := buildOffer("127.0.0.1", mediaPort)
	if err != nil {
		p.t.Errorf("buildOffer() error = %v", err)
	}
	resp := sip.NewSDPResponseFromRequest(req, body)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: p.port}})
	return resp
}

// peerCall holds the dialog identifiers of a call the peer places.
type peerCall struct {
	callID string
	from   string
	to     string // user agent tag, known once it answered
	branch string // INVITE branch, reused by CANCEL and a non-2xx ACK
}

func newPeerCall() *peerCall {
	return &peerCall{callID: newCallID(), from: newTag(), branch: sip.GenerateBranch()}
}

// request builds a request of the peer's call towards the user agent.
func (p *sipPeer) request(method sip.RequestMethod, c *peerCall, seq uint32, branch string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            p.port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.from)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}, Params: fromParams})
	toParams := sip.NewParams()
	if c.to != "" {
		toParams.Add("tag", c.to)
	}
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}, Params: toParams})

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: p.port}})
	req.SetBody(nil)
	return req
}

// invite builds the peer's INVITE with an audio offer pointing at mediaPort.
func (p *sipPeer) invite(c *peerCall, mediaPort int) *sip.Request {
	p.t.Helper()
	req := p.request(sip.INVITE, c, 1, c.branch)
	body, err := buildOffer("127.0.0.1", mediaPort)
	if err != nil {
		p.t.Fatalf("buildOffer() error = %v", err)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)
	return req
}

// newPeerUserAgent builds a user agent signaling to p over UDP. It is
// disconnected when the test ends.
func newPeerUserAgent(t *testing.T, p *sipPeer, tweak func(*Options)) (*UserAgent, <-chan phone.Event) {
	t.Helper()
	events := make(chan phone.Event, 64)
	opts := Options{
		Server:         p.server(),
		AOR:            "sip:alice@example.com",
		Password:       "secret",
		AdvertiseAddr:  "127.0.0.1",
		RequestTimeout: 2 * time.Second,
		Logger:         discardLogger(),
		Notify:         func(ev phone.Event) { events <- ev },
	}
	if tweak != nil {
		tweak(&opts)
	}
	ua, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = ua.Disconnect(context.Background()) })
	return ua, events
}

// register connects and registers ua against its peer.
func register(t *testing.T, ua *UserAgent, events <-chan phone.Event) {
	t.Helper()
	if err := ua.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ua.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	expectEvents(t, events, phone.EventTransportConnected, phone.EventRegistered)
}

// expectEvents reads len(want) events and compares them with want.
func expectEvents(t *testing.T, events <-chan phone.Event, want ...phone.Event) {
	t.Helper()
	var got []phone.Event
	timeout := time.After(peerWait)
	for len(got) < len(want) {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("events mismatch (-got +want):\n%s", diff)
	}
}

// expectNoEvent fails if an event arrives within d.
func expectNoEvent(t *testing.T, events <-chan phone.Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Errorf("unexpected event %v", ev)
	case <-time.After(d):
	}
}

func listenRTP(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func tagOf(params sip.HeaderParams) string {
	tag, _ := params.Get("tag")
	return tag
}

// waitState waits until the current call of ua reaches state.
func waitState(t *testing.T, ua *UserAgent, state string) *leg {
	t.Helper()
	deadline := time.Now().Add(peerWait)
	for time.Now().Before(deadline) {
		if l := ua.currentCall(); l != nil && l.state() == state {
			return l
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call never reached state %q", state)
	return nil
}
