package sipua

import (
	"context"
	"fmt"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/softphone/internal/phone"
)

// Call sends an INVITE with an audio-only offer to destination. It returns
// once the INVITE is sent; answer or failure is reported through Notify.
func (u *UserAgent) Call(ctx context.Context, destination string) error {
	if u.isClosed() {
		return errtrace.Wrap(ErrClosed)
	}
	target, err := completeTarget(destination, u.aor)
	if err != nil {
		return err
	}

	conn, port, err := u.ports.listen()
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("open media socket: %w", err))
	}
	offer, err := buildOffer(u.opts.AdvertiseAddr, port)
	if err != nil {
		_ = conn.Close()
		return err
	}

	l := newLeg(u.ctx, outbound, newCallID())
	l.setMedia(newMediaStream(conn, u.opts.RemoteAudio, u.log))

	invite := u.newRequest(sip.INVITE, target, target, l.callID, newTag(), 1)
	contact := u.contactHeader()
	invite.AppendHeader(&contact)
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)
	l.invite = invite

	u.mu.Lock()
	if u.call != nil {
		u.mu.Unlock()
		u.release(l)
		return errtrace.Wrap(ErrCallInProgress)
	}
	u.call = l
	u.mu.Unlock()

	tx, err := u.client.TransactionRequest(l.ctx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		u.drop(l)
		return errtrace.Wrap(fmt.Errorf("send INVITE: %w", err))
	}
	_ = l.fire(evInvite)

	u.log.Info("[SIP] INVITE sent", "call_id", l.callID, "target", target.String())
	u.goLoop(func(context.Context) { u.awaitAnswer(l, tx) })
	return nil
}

// awaitAnswer follows the INVITE transaction of an outgoing call until a
// final response or the end of the leg. On ring timeout the INVITE is
// cancelled and the final response still awaited.
func (u *UserAgent) awaitAnswer(l *leg, tx sip.ClientTransaction) {
	timer := time.NewTimer(maxRingTime)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return

		case <-timer.C:
			u.log.Info("[SIP] No answer, cancelling", "call_id", l.callID)
			ctx, cancel := context.WithTimeout(context.Background(), u.opts.RequestTimeout)
			err := u.cancelInvite(ctx, l)
			cancel()
			if err != nil {
				u.log.Warn("[SIP] CANCEL failed", "call_id", l.callID, "error", err)
				u.endCall(l, evReject, "no answer")
				return
			}

		case resp := <-tx.Responses():
			if resp == nil {
				u.endCall(l, evReject, "no response")
				return
			}
			if u.handleResponse(l, resp) {
				return
			}

		case <-tx.Done():
			if l.state() != legEstablished {
				u.endCall(l, evReject, "transaction terminated")
			}
			return
		}
	}
}

// handleResponse processes a response to the INVITE and reports whether it
// was final.
func (u *UserAgent) handleResponse(l *leg, resp *sip.Response) bool {
	code := int(resp.StatusCode)
	u.log.Debug("[SIP] INVITE response", "call_id", l.callID, "status", code, "reason", resp.Reason)

	switch {
	case code < 200:
		if code == 180 || code == 183 {
			_ = l.fire(evProgress)
			u.log.Info("[SIP] Ringing", "call_id", l.callID)
		}
		return false

	case code < 300 && l.cancelled.Load():
		u.answeredAfterCancel(l, resp)
		return true

	case code < 300:
		u.answered(l, resp)
		return true

	case l.cancelled.Load():
		u.endCall(l, evReject, "cancelled")
		return true

	default:
		err := statusError(sip.INVITE, resp)
		u.log.Info("[SIP] Call rejected", "call_id", l.callID, "status", code, "reason", resp.Reason)
		u.endCall(l, evReject, err.Error())
		return true
	}
}

// answeredAfterCancel completes and immediately ends a call whose 2xx
// crossed our CANCEL (RFC 3261 9.1).
func (u *UserAgent) answeredAfterCancel(l *leg, resp *sip.Response) {
	u.log.Info("[SIP] Answered after CANCEL, hanging up", "call_id", l.callID)
	target := l.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		target = contact.Address
	}
	l.setDialog(target, resp.To())

	if err := u.sendACK(l, resp); err != nil {
		u.log.Error("[SIP] Failed to send ACK", "call_id", l.callID, "error", err)
	}
	_ = l.fire(evAnswer)

	ctx, cancel := context.WithTimeout(context.Background(), u.opts.RequestTimeout)
	defer cancel()
	if err := u.sendBye(ctx, l); err != nil {
		u.log.Warn("[SIP] BYE after CANCEL failed", "call_id", l.callID, "error", err)
	}
	u.endCall(l, evBye, "cancelled")
}

// answered completes an outgoing call on a 2xx: ACK, then media.
func (u *UserAgent) answered(l *leg, resp *sip.Response) {
	target := l.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		target = contact.Address
	}
	l.setDialog(target, resp.To())

	if err := u.sendACK(l, resp); err != nil {
		u.log.Error("[SIP] Failed to send ACK", "call_id", l.callID, "error", err)
	}
	_ = l.fire(evAnswer)

	rm, err := remoteMediaOf(resp.Body())
	if err != nil {
		u.log.Error("[SIP] Unusable answer SDP, hanging up", "call_id", l.callID, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), u.opts.RequestTimeout)
		defer cancel()
		_ = u.sendBye(ctx, l)
		u.endCall(l, evBye, "unusable answer")
		return
	}
	if err := u.startMedia(l, rm); err != nil {
		u.log.Warn("[SIP] Media start failed", "call_id", l.callID, "error", err)
	}

	u.log.Info("[SIP] Call answered", "call_id", l.callID, "remote_media", fmt.Sprintf("%s:%d", rm.Addr, rm.Port))
	u.notify(phone.EventCallAnswered)
}

// sendACK acknowledges a 2xx. The ACK is sent outside the INVITE
// transaction to the remote target.
func (u *UserAgent) sendACK(l *leg, resp *sip.Response) error {
	target, _ := l.dialog()
	ack := sip.NewRequest(sip.ACK, target)

	sip.CopyHeaders("From", l.invite, ack)
	sip.CopyHeaders("Call-ID", l.invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := l.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	u.route(ack)

	if err := u.client.WriteRequest(ack); err != nil {
		return errtrace.Wrap(fmt.Errorf("write ACK: %w", err))
	}
	return nil
}

// cancelInvite marks the outgoing call cancelled and sends CANCEL. The
// INVITE transaction still delivers the final response.
func (u *UserAgent) cancelInvite(ctx context.Context, l *leg) error {
	if !l.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	return u.sendCancel(ctx, l)
}

// sendCancel cancels the pending INVITE of an outgoing call. The CANCEL
// shares the INVITE's Via branch and CSeq number.
func (u *UserAgent) sendCancel(ctx context.Context, l *leg) error {
	cancelReq := sip.NewRequest(sip.CANCEL, l.invite.Recipient)
	sip.CopyHeaders("Via", l.invite, cancelReq)
	sip.CopyHeaders("From", l.invite, cancelReq)
	sip.CopyHeaders("To", l.invite, cancelReq)
	sip.CopyHeaders("Call-ID", l.invite, cancelReq)
	if cseq := l.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	u.route(cancelReq)

	resp, err := u.transact(ctx, cancelReq)
	if err != nil {
		return err
	}
	u.log.Info("[SIP] CANCEL sent", "call_id", l.callID, "status", int(resp.StatusCode))
	return nil
}

// sendBye ends an answered outgoing call.
func (u *UserAgent) sendBye(ctx context.Context, l *leg) error {
	target, remoteTo := l.dialog()
	bye := sip.NewRequest(sip.BYE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", l.invite, bye)
	if remoteTo != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: remoteTo.DisplayName,
			Address:     remoteTo.Address,
			Params:      remoteTo.Params,
		})
	} else {
		sip.CopyHeaders("To", l.invite, bye)
	}
	sip.CopyHeaders("Call-ID", l.invite, bye)

	var seq uint32 = 1
	if cseq := l.invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq + 1, MethodName: sip.BYE})
	u.route(bye)

	resp, err := u.transact(ctx, bye)
	if err != nil {
		return err
	}
	u.log.Info("[SIP] BYE sent", "call_id", l.callID, "status", int(resp.StatusCode))
	return nil
}

// Hangup cancels an outgoing call that is not answered yet, rejects a
// ringing incoming call with 486, or sends BYE on an established call.
func (u *UserAgent) Hangup(ctx context.Context) error {
	if u.isClosed() {
		return errtrace.Wrap(ErrClosed)
	}
	l := u.currentCall()
	if l == nil {
		return errtrace.Wrap(ErrNoCall)
	}
	return u.hangup(ctx, l)
}

func (u *UserAgent) hangup(ctx context.Context, l *leg) error {
	var err error
	switch {
	case l.dir == outbound && l.early():
		// The call ends on the final response to the INVITE, normally 487.
		err = u.cancelInvite(ctx, l)
		if err != nil || !u.awaitEnd(ctx, l) {
			u.endCall(l, evReject, "cancelled")
		}
	case l.dir == inbound && l.early():
		err = u.respond(l.invite, l.serverTx, 486, "Busy Here")
		u.endCall(l, evReject, "rejected")
	case l.dir == inbound:
		err = l.session.Bye(ctx)
		u.endCall(l, evBye, "local hangup")
	default:
		err = u.sendBye(ctx, l)
		u.endCall(l, evBye, "local hangup")
	}
	return errtrace.Wrap(err)
}

// awaitEnd waits for l to be released, up to the request timeout. It
// reports whether the leg ended.
func (u *UserAgent) awaitEnd(ctx context.Context, l *leg) bool {
	timer := time.NewTimer(u.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (u *UserAgent) startMedia(l *leg, rm remoteMedia) error {
	l.mu.Lock()
	media := l.media
	l.mu.Unlock()
	if media == nil {
		return errtrace.Wrap(ErrNoCall)
	}
	return errtrace.Wrap(media.Start(rm))
}

// endCall terminates l once and reports the end of the call.
func (u *UserAgent) endCall(l *leg, event, reason string) {
	_ = l.fire(event)

	u.mu.Lock()
	if u.call == l {
		u.call = nil
	}
	u.mu.Unlock()

	if !u.release(l) {
		return
	}
	u.log.Info("[SIP] Call ended", "call_id", l.callID, "direction", l.dir.String(), "reason", reason)
	u.notify(phone.EventCallEnded)
}

// drop discards a call that failed before it was signaled.
func (u *UserAgent) drop(l *leg) {
	u.mu.Lock()
	if u.call == l {
		u.call = nil
	}
	u.mu.Unlock()
	u.release(l)
}

// release frees the resources of l. It reports false if l was already
// released.
func (u *UserAgent) release(l *leg) bool {
	if !l.finish() {
		return false
	}
	if l.session != nil {
		_ = l.session.Close()
	}
	return true
}

func remoteMediaOf(body []byte) (remoteMedia, error) {
	desc, err := parseSDP(body)
	if err != nil {
		return remoteMedia{}, err
	}
	return selectRemoteMedia(desc)
}
