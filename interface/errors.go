package iface

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindAssetRequest
	KindAssetPut
	KindInvokeProtocol
	KindInvokeRejected
	KindPollError
	KindPollTimeout
	KindArchiveFormat
	KindPayloadParse
	KindCancelled
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindConfiguration:  "ConfigurationError",
	KindAssetRequest:   "AssetRequestError",
	KindAssetPut:       "AssetPutError",
	KindInvokeProtocol: "InvokeProtocolError",
	KindInvokeRejected: "InvokeRejected",
	KindPollError:      "PollError",
	KindPollTimeout:    "PollTimeout",
	KindArchiveFormat:  "ArchiveFormatError",
	KindPayloadParse:   "PayloadParseError",
	KindCancelled:      "Cancelled",
	KindInternal:       "InternalError",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// PipelineError is the only error type a pipeline stage returns.
// Status is the HTTP status when one was received, otherwise 0.
type PipelineError struct {
	Kind    ErrorKind
	Status  int
	Body    string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches any *PipelineError of the same kind, so the sentinels below work
// with errors.Is.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConfiguration  = &PipelineError{Kind: KindConfiguration}
	ErrAssetRequest   = &PipelineError{Kind: KindAssetRequest}
	ErrAssetPut       = &PipelineError{Kind: KindAssetPut}
	ErrInvokeProtocol = &PipelineError{Kind: KindInvokeProtocol}
	ErrInvokeRejected = &PipelineError{Kind: KindInvokeRejected}
	ErrPoll           = &PipelineError{Kind: KindPollError}
	ErrPollTimeout    = &PipelineError{Kind: KindPollTimeout}
	ErrArchiveFormat  = &PipelineError{Kind: KindArchiveFormat}
	ErrPayloadParse   = &PipelineError{Kind: KindPayloadParse}
	ErrCancelled      = &PipelineError{Kind: KindCancelled}
	ErrInternal       = &PipelineError{Kind: KindInternal}
)

// NewError builds a PipelineError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StatusError builds a PipelineError carrying an HTTP status and response body.
func StatusError(kind ErrorKind, status int, body []byte) *PipelineError {
	return &PipelineError{Kind: kind, Status: status, Body: string(body)}
}

// WrapError attaches cause to a PipelineError of the given kind.
func WrapError(kind ErrorKind, cause error, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: errors.WithStack(cause)}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
