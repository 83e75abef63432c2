package sipua

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/softphone/internal/phone"
)

// Register binds the address of record at the registrar and keeps the
// binding refreshed until Disconnect.
func (u *UserAgent) Register(ctx context.Context) error {
	if u.isClosed() {
		return errtrace.Wrap(ErrClosed)
	}

	granted, err := u.register(ctx, int(u.opts.RegisterExpiry/time.Second))
	if err != nil {
		return err
	}

	u.mu.Lock()
	first := !u.registered
	u.registered = true
	u.mu.Unlock()

	u.log.Info("[SIP] Registered", "aor", u.aor.String(), "expires", granted.String())
	u.notify(phone.EventRegistered)
	if first {
		u.goLoop(func(ctx context.Context) { u.refresh(ctx, granted) })
	}
	return nil
}

// refresh re-registers at half of the granted expiry. A failed refresh
// ends the registration.
func (u *UserAgent) refresh(ctx context.Context, granted time.Duration) {
	for {
		timer := time.NewTimer(refreshInterval(granted))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := u.register(ctx, int(u.opts.RegisterExpiry/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.log.Error("[SIP] Registration refresh failed", "aor", u.aor.String(), "error", err)
			u.mu.Lock()
			u.registered = false
			u.mu.Unlock()
			u.notify(phone.EventUnregistered)
			return
		}
		u.log.Debug("[SIP] Registration refreshed", "expires", next.String())
		granted = next
	}
}

func refreshInterval(granted time.Duration) time.Duration {
	if d := granted / 2; d >= time.Second {
		return d
	}
	return time.Second
}

// register sends REGISTER with the given expiry in seconds, answering one
// digest challenge, and returns the expiry granted by the registrar.
func (u *UserAgent) register(ctx context.Context, expires int) (time.Duration, error) {
	req := u.newRegister(expires, nil)
	resp, err := u.transact(ctx, req)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode == 401 || resp.StatusCode == 407 {
		auth, err := u.authorize(req, resp)
		if err != nil {
			return 0, errtrace.Wrap(fmt.Errorf("%w: %w", ErrRegistrationRejected, err))
		}
		req = u.newRegister(expires, auth)
		resp, err = u.transact(ctx, req)
		if err != nil {
			return 0, err
		}
	}

	if resp.StatusCode >= 300 {
		return 0, errtrace.Wrap(fmt.Errorf("%w: %w", ErrRegistrationRejected, statusError(sip.REGISTER, resp)))
	}
	return grantedExpiry(resp, expires), nil
}

func (u *UserAgent) newRegister(expires int, auth sip.Header) *sip.Request {
	registrar := u.domainURI()
	req := u.newRequest(sip.REGISTER, registrar, u.aor, u.regCallID, u.regTag, u.cseq.Add(1))

	contact := u.contactHeader()
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if auth != nil {
		req.AppendHeader(auth)
	}
	return req
}

// authorize answers the digest challenge carried by a 401 or 407 response.
func (u *UserAgent) authorize(req *sip.Request, resp *sip.Response) (sip.Header, error) {
	challengeHdr, authHdr := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == 407 {
		challengeHdr, authHdr = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := resp.GetHeader(challengeHdr)
	if h == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%d without %s header", int(resp.StatusCode), challengeHdr))
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("parse challenge: %w", err))
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.opts.Username,
		Password: u.opts.Password,
	})
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("compute digest: %w", err))
	}
	return sip.NewHeader(authHdr, cred.String()), nil
}

// grantedExpiry reads the binding lifetime from the Contact expires
// parameter or the Expires header, falling back to the requested one.
func grantedExpiry(resp *sip.Response, requested int) time.Duration {
	if c := resp.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(requested) * time.Second
}
