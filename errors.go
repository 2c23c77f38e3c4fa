package nsq

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies an Error, so callers can switch
// on behavior class instead of matching strings.
type ErrorKind int

const (
	// ErrKindUnknown is the zero value, never returned by this package
	ErrKindUnknown ErrorKind = iota
	// ErrKindProtocolFatal corresponds to a fatal NSQ error code; the
	// session is closed after it is reported
	ErrKindProtocolFatal
	// ErrKindMessageNonFatal corresponds to a non-fatal NSQ error code
	// (FIN/REQ/TOUCH failures); the session continues
	ErrKindMessageNonFatal
	// ErrKindTransport wraps an OS-level I/O failure
	ErrKindTransport
	// ErrKindFraming indicates an unrecognized wire frame
	ErrKindFraming
	// ErrKindOperational covers client-side conditions such as
	// exhausted connection pools or double message responses
	ErrKindOperational
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindProtocolFatal:
		return "protocol-fatal"
	case ErrKindMessageNonFatal:
		return "message-non-fatal"
	case ErrKindTransport:
		return "transport"
	case ErrKindFraming:
		return "framing"
	case ErrKindOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// Error is the error type returned throughout this package. Code is the
// terse machine-matchable tag (e.g. "E_BAD_TOPIC", "SocketError",
// "NoConnections"); Kind classifies the handling behavior.
type Error struct {
	Kind ErrorKind
	Code string
	Reason string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != "" {
		b.WriteString(e.Code)
	}
	if e.Reason != "" {
		if b.Len() > 0 {
			b.WriteString(" - ")
		}
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "nsq: error"
	}
	return b.String()
}

// Unwrap allows errors.Is/errors.As to reach a wrapped cause
func (e *Error) Unwrap() error { return e.Err }

// protocol-fatal codes — close the session, report to the error signal
const (
	CodeInvalid = "E_INVALID"
	CodeBadBody = "E_BAD_BODY"
	CodeBadTopic = "E_BAD_TOPIC"
	CodeBadChannel = "E_BAD_CHANNEL"
	CodeBadMessage = "E_BAD_MESSAGE"
	CodePutFailed = "E_PUT_FAILED"
	CodePubFailed = "E_PUB_FAILED"
	CodeMPubFailed = "E_MPUB_FAILED"
	CodeAuthDisabled = "E_AUTH_DISABLED"
	CodeAuthFailed = "E_AUTH_FAILED"
	CodeUnauthorized = "E_UNAUTHORIZED"
)

// message-non-fatal codes — reported, session continues
const (
	CodeFinFailed = "E_FIN_FAILED"
	CodeReqFailed = "E_REQ_FAILED"
	CodeTouchFailed = "E_TOUCH_FAILED"
)

var fatalErrorCodes = map[string]bool{
	CodeInvalid: true,
	CodeBadBody: true,
	CodeBadTopic: true,
	CodeBadChannel: true,
	CodeBadMessage: true,
	CodePutFailed: true,
	CodePubFailed: true,
	CodeMPubFailed: true,
	CodeAuthDisabled: true,
	CodeAuthFailed: true,
	CodeUnauthorized: true,
}

// parseWireError translates a raw ERROR frame payload (e.g.
// "E_BAD_TOPIC topic name is invalid") into a typed Error, classifying
// it as protocol-fatal or message-non-fatal
func parseWireError(data []byte) *Error {
	s := string(data)
	code := s
	reason := ""
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		code = s[:idx]
		reason = s[idx+1:]
	}

	kind := ErrKindMessageNonFatal
	if fatalErrorCodes[code] {
		kind = ErrKindProtocolFatal
	}

	return &Error{Kind: kind, Code: code, Reason: reason}
}

// IsFatal reports whether this error's Kind requires closing the
// session it occurred on.
func (e *Error) IsFatal() bool {
	return e.Kind == ErrKindProtocolFatal || e.Kind == ErrKindTransport || e.Kind == ErrKindFraming
}

func newSocketError(err error) *Error {
	return &Error{Kind: ErrKindTransport, Code: "SocketError", Err: err}
}

func newFrameError(frameType int32) *Error {
	return &Error{Kind: ErrKindFraming, Code: "FrameError", Reason: fmt.Sprintf("unknown frame type %d", frameType)}
}

// ErrNoConnections is returned by a Producer when no connected session
// is available to carry a publish
var ErrNoConnections = &Error{Kind: ErrKindOperational, Code: "NoConnections", Reason: "no connections available"}

// ErrAlreadyResponded is returned by Message.Finish/Requeue/Touch once
// a terminal response has already been sent for that message
var ErrAlreadyResponded = &Error{Kind: ErrKindOperational, Code: "AlreadyResponded", Reason: "message already responded to"}

// ErrStopped is returned when an operation is attempted against a
// supervisor or connection that has already been closed
var ErrStopped = &Error{Kind: ErrKindOperational, Code: "Stopped", Reason: "client stopped"}

// ErrNotConnected is returned when a publish is attempted before the
// underlying session has connected
var ErrNotConnected = &Error{Kind: ErrKindOperational, Code: "NotConnected", Reason: "not connected"}

// HTTPError is returned by the lookup/admin HTTP client for non-200
// responses.
type HTTPError struct {
	StatusCode int
	Endpoint string
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("nsq: http error %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// RequeueRequest is a control-flow signal a message handler may return
// to ask the Consumer to requeue the message without it being treated
// as an arbitrary handler failure.
//
// Delay < 0 means "use the Consumer's configured default requeue delay".
// Backoff is nil unless the handler wants to override the Consumer's
// backoff_on_requeue default for this one requeue.
type RequeueRequest struct {
	Delay time.Duration
	Backoff *bool
}

// Error satisfies the error interface so a handler can `return
// &RequeueRequest{...}` directly.
func (r *RequeueRequest) Error() string {
	return "nsq: requeue requested"
}
