package sipua

//go:generate errtrace -w .

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Error is a sentinel error of the user agent.
type Error string

func (e Error) Error() string { return string(e) }

// User agent errors.
const (
	ErrInvalidEndpoint      Error = "invalid server endpoint"
	ErrInvalidAOR           Error = "invalid address of record"
	ErrRegistrationRejected Error = "registration rejected"
	ErrNoResponse           Error = "no response received"
	ErrClosed               Error = "user agent closed"
)

// Call errors.
const (
	ErrNoCall          Error = "no call to act on"
	ErrCallInProgress  Error = "a call is already in progress"
	ErrInvalidTarget   Error = "invalid call target"
	ErrNoAcceptedCodec Error = "no acceptable audio codec offered"
)

// StatusError is a final SIP failure response to a request sent by the user
// agent.
type StatusError struct {
	Method sip.RequestMethod
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Method, e.Code, e.Reason)
}

func statusError(method sip.RequestMethod, resp *sip.Response) *StatusError {
	return &StatusError{Method: method, Code: int(resp.StatusCode), Reason: resp.Reason}
}
