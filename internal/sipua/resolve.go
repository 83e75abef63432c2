package sipua

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

const defaultDNSTimeout = 5 * time.Second

// resolver looks up SIP server locations in DNS (RFC 3263).
type resolver struct {
	// nameServer is host[:port]; empty uses /etc/resolv.conf.
	nameServer string
	timeout    time.Duration
}

// lookupSRV returns the SRV records of _service._proto.host ordered by
// priority, then by descending weight.
func (r resolver) lookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_"+service+"._"+proto+"."+host), dns.TypeSRV)
	m.RecursionDesired = true

	nameserver, err := r.server()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout}
	if client.Timeout <= 0 {
		client.Timeout = defaultDNSTimeout
	}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	var srvs []*dns.SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, rr)
		}
	}
	slices.SortFunc(srvs, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
	return srvs, nil
}

func (r resolver) server() (string, error) {
	if r.nameServer != "" {
		if _, _, err := net.SplitHostPort(r.nameServer); err != nil {
			return net.JoinHostPort(r.nameServer, "53"), nil
		}
		return r.nameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// resolveEndpoint replaces a defaulted endpoint port and host with the best
// SRV record of the server domain. Lookup failures keep the defaults.
func (u *UserAgent) resolveEndpoint(ctx context.Context) {
	if !u.endpoint.SRV {
		return
	}

	service, proto := "sip", "udp"
	switch u.endpoint.Transport {
	case "TCP":
		proto = "tcp"
	case "TLS":
		service, proto = "sips", "tcp"
	}

	srvs, err := u.resolver.lookupSRV(ctx, service, proto, u.endpoint.Host)
	if err != nil || len(srvs) == 0 {
		u.log.Debug("[SIP] No SRV record, using default port", "host", u.endpoint.Host, "error", err)
		return
	}

	best := srvs[0]
	u.log.Info("[SIP] Resolved server via SRV", "host", u.endpoint.Host, "target", best.Target, "port", best.Port)
	u.endpoint.Host = strings.TrimSuffix(best.Target, ".")
	u.endpoint.Port = int(best.Port)
	u.endpoint.SRV = false
}
