package sipua

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
)

// Endpoint is the resolved signaling endpoint of a SIP server.
type Endpoint struct {
	Transport string // UDP, TCP, TLS, WS or WSS
	Host      string
	Port      int
	// SRV is set when the port was defaulted for a domain name, so an
	// RFC 3263 SRV lookup may override host and port.
	SRV bool
	// Path is the URL path of a WebSocket endpoint. The WebSocket
	// transport upgrades at the server root, so a non-empty Path is not
	// honored.
	Path string
}

// Addr returns host:port for the transport layer.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) websocket() bool {
	return e.Transport == "WS" || e.Transport == "WSS"
}

func (e Endpoint) String() string {
	return strings.ToLower(e.Transport) + "://" + e.Addr()
}

var defaultPorts = map[string]int{
	"UDP": 5060,
	"TCP": 5060,
	"TLS": 5061,
	"WS":  80,
	"WSS": 443,
}

// ParseEndpoint parses a server endpoint. Accepted forms are URLs with a
// ws, wss, udp, tcp or tls scheme (wss://sip.example.com:8089/ws) and SIP
// URIs with an optional transport parameter (sip:sip.example.com;transport=tcp).
// The URL path of WebSocket endpoints is kept in Path but not used for
// the upgrade.
func ParseEndpoint(server string) (Endpoint, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: empty", ErrInvalidEndpoint))
	}

	if strings.Contains(server, "://") {
		return parseURLEndpoint(server)
	}
	return parseSIPEndpoint(server)
}

func parseURLEndpoint(server string) (Endpoint, error) {
	u, err := url.Parse(server)
	if err != nil {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: %w", ErrInvalidEndpoint, err))
	}

	ep := Endpoint{Transport: strings.ToUpper(u.Scheme), Host: u.Hostname()}
	def, ok := defaultPorts[ep.Transport]
	if !ok {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme))
	}
	if ep.Host == "" {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, server))
	}

	ep.Port = def
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, p))
		}
		ep.Port = port
	}
	if u.Path != "/" {
		ep.Path = u.Path
	}
	return ep, nil
}

func parseSIPEndpoint(server string) (Endpoint, error) {
	lower := strings.ToLower(server)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		server = "sip:" + server
	}

	var uri sip.Uri
	if err := sip.ParseUri(server, &uri); err != nil {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: %w", ErrInvalidEndpoint, err))
	}
	if uri.Host == "" {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, server))
	}

	ep := Endpoint{Transport: "UDP", Host: uri.Host, Port: uri.Port}
	if strings.EqualFold(uri.Scheme, "sips") {
		ep.Transport = "TLS"
	}
	if tp, ok := uri.UriParams.Get("transport"); ok && tp != "" {
		ep.Transport = strings.ToUpper(tp)
	}
	if _, ok := defaultPorts[ep.Transport]; !ok {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("%w: unsupported transport %q", ErrInvalidEndpoint, ep.Transport))
	}
	if ep.Port == 0 {
		ep.Port = defaultPorts[ep.Transport]
		ep.SRV = !ep.websocket() && net.ParseIP(ep.Host) == nil
	}
	return ep, nil
}

// parseAOR parses an address of record into a SIP URI with a user and host.
func parseAOR(aor string) (sip.Uri, error) {
	aor = strings.TrimSpace(aor)
	lower := strings.ToLower(aor)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		aor = "sip:" + aor
	}

	var uri sip.Uri
	if err := sip.ParseUri(aor, &uri); err != nil {
		return sip.Uri{}, errtrace.Wrap(fmt.Errorf("%w: %w", ErrInvalidAOR, err))
	}
	if uri.User == "" || uri.Host == "" {
		return sip.Uri{}, errtrace.Wrap(fmt.Errorf("%w: %q needs user@host", ErrInvalidAOR, aor))
	}
	return uri, nil
}

// completeTarget turns a call target into a request URI. Targets without a
// host part, such as sip:1234, are completed with the domain of the address
// of record.
func completeTarget(target string, aor sip.Uri) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	scheme := "sip"
	rest := target
	if i := strings.Index(target, ":"); i >= 0 {
		s := strings.ToLower(target[:i])
		if s == "sip" || s == "sips" {
			scheme, rest = s, target[i+1:]
		}
	}
	if rest == "" {
		return sip.Uri{}, errtrace.Wrap(fmt.Errorf("%w: %q", ErrInvalidTarget, target))
	}

	if !strings.Contains(rest, "@") {
		user, params, _ := strings.Cut(rest, ";")
		host := aor.Host
		if aor.Port != 0 {
			host = net.JoinHostPort(aor.Host, strconv.Itoa(aor.Port))
		}
		rest = user + "@" + host
		if params != "" {
			rest += ";" + params
		}
	}

	var uri sip.Uri
	if err := sip.ParseUri(scheme+":"+rest, &uri); err != nil {
		return sip.Uri{}, errtrace.Wrap(fmt.Errorf("%w: %w", ErrInvalidTarget, err))
	}
	return uri, nil
}
