package sipua

import (
	"context"
	"fmt"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/softphone/internal/phone"
)

// onInvite rings on an incoming call while idle and answers 486 otherwise.
func (u *UserAgent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if u.isClosed() {
		_ = u.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	session, err := u.dialogUA.ReadInvite(req, tx)
	if err != nil {
		u.log.Error("[SIP] Failed to create dialog", "call_id", callID, "error", err)
		_ = u.respond(req, tx, 500, "Server Internal Error")
		return
	}

	l := newLeg(u.ctx, inbound, callID)
	l.invite = req
	l.serverTx = tx
	l.session = session
	// The transaction layer answers a matching CANCEL with 200 and the
	// INVITE with 487 itself; the handler only learns about it here.
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) { l.cancelledByRemote() })
	}

	u.mu.Lock()
	if u.call != nil {
		u.mu.Unlock()
		u.log.Info("[SIP] Busy, rejecting call", "call_id", callID)
		_ = u.respond(req, tx, 486, "Busy Here")
		u.release(l)
		return
	}
	u.call = l
	u.mu.Unlock()

	if err := u.respond(req, tx, 180, "Ringing"); err != nil {
		u.log.Error("[SIP] Failed to send 180 Ringing", "call_id", callID, "error", err)
		u.drop(l)
		return
	}
	_ = l.fire(evIncoming)

	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	u.log.Info("[SIP] Incoming call", "call_id", callID, "from", from)
	u.notify(phone.EventCallReceived)

	u.goLoop(func(context.Context) { u.watchRinging(l) })
}

// watchRinging ends a ringing call that the caller cancelled or whose
// INVITE transaction terminated without being answered.
func (u *UserAgent) watchRinging(l *leg) {
	select {
	case <-l.remoteCancel:
		if !l.answering.Load() {
			u.log.Info("[SIP] Caller cancelled", "call_id", l.callID)
			u.endCall(l, evReject, "remote cancel")
		}
	case <-l.serverTx.Done():
		if l.early() && !l.answering.Load() {
			u.endCall(l, evReject, "caller gave up")
		}
	case <-l.ctx.Done():
	}
}

// Answer accepts the ringing incoming call with an audio-only SDP answer.
func (u *UserAgent) Answer(ctx context.Context) error {
	if u.isClosed() {
		return errtrace.Wrap(ErrClosed)
	}
	l := u.currentCall()
	if l == nil || l.dir != inbound || l.state() != legRinging {
		return errtrace.Wrap(ErrNoCall)
	}
	if !l.answering.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrCallInProgress)
	}

	var rm remoteMedia
	offer, err := parseSDP(l.invite.Body())
	if err == nil {
		rm, err = selectRemoteMedia(offer)
	}
	if err != nil {
		_ = u.respond(l.invite, l.serverTx, 488, "Not Acceptable Here")
		u.endCall(l, evReject, "unacceptable offer")
		return err
	}

	conn, port, err := u.ports.listen()
	if err != nil {
		l.answering.Store(false)
		return errtrace.Wrap(fmt.Errorf("open media socket: %w", err))
	}
	media := newMediaStream(conn, u.opts.RemoteAudio, u.log)
	l.setMedia(media)

	answer, err := buildAnswer(offer, u.opts.AdvertiseAddr, port, rm.Codec)
	if err != nil {
		l.answering.Store(false)
		return err
	}
	if err := l.session.RespondSDP(answer); err != nil {
		l.answering.Store(false)
		return errtrace.Wrap(fmt.Errorf("send 200 OK: %w", err))
	}
	_ = l.fire(evAnswer)

	if err := media.Start(rm); err != nil {
		u.log.Warn("[SIP] Media start failed", "call_id", l.callID, "error", err)
	}
	u.log.Info("[SIP] Call answered", "call_id", l.callID, "codec", rm.Codec.Name)
	u.notify(phone.EventCallAnswered)
	return nil
}

func (u *UserAgent) onAck(req *sip.Request, tx sip.ServerTransaction) {
	l := u.callByID(callIDOf(req))
	if l == nil || l.session == nil {
		return
	}
	if err := l.session.ReadAck(req, tx); err != nil {
		u.log.Warn("[SIP] Failed to read ACK", "call_id", l.callID, "error", err)
	}
}

// onBye ends the call on a remote hangup.
func (u *UserAgent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	l := u.callByID(callIDOf(req))
	if l == nil {
		_ = u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	if l.session != nil {
		if err := l.session.ReadBye(req, tx); err != nil {
			u.log.Warn("[SIP] Failed to read BYE", "call_id", l.callID, "error", err)
		}
	} else if err := u.respond(req, tx, 200, "OK"); err != nil {
		u.log.Warn("[SIP] Failed to respond to BYE", "call_id", l.callID, "error", err)
	}
	u.endCall(l, evBye, "remote hangup")
}

// onCancel handles a CANCEL the transaction layer could not match to an
// INVITE transaction.
func (u *UserAgent) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	l := u.callByID(callIDOf(req))
	if l == nil || l.dir != inbound || !l.early() {
		_ = u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	_ = u.respond(req, tx, 200, "OK")
	_ = u.respond(l.invite, l.serverTx, 487, "Request Terminated")
	u.endCall(l, evReject, "remote cancel")
}

// onOptions answers keepalive pings from the server.
func (u *UserAgent) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(resp); err != nil {
		u.log.Debug("[SIP] Failed to answer OPTIONS", "error", err)
	}
}

func (u *UserAgent) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) error {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(resp); err != nil {
		return errtrace.Wrap(fmt.Errorf("respond %d: %w", int(code), err))
	}
	return nil
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}
