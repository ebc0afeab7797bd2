package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrorKind classifies failures. Attempt failures are Transient, RateLimited or Permanent;
// the remaining kinds only appear on terminal errors returned by Send.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindPermanent
	KindAllEndpointsUnavailable
	KindDeadlineExceeded
	KindAttemptsExhausted
	KindCanceled
)

var (
	ErrTransient               = errors.New("transient failure")
	ErrRateLimited             = errors.New("rate limited")
	ErrPermanent               = errors.New("permanent failure")
	ErrAllEndpointsUnavailable = errors.New("all endpoints unavailable")
	ErrDeadlineExceeded        = errors.New("deadline exceeded")
	ErrAttemptsExhausted       = errors.New("attempts exhausted")
	ErrCanceled                = errors.New("request canceled")
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindAllEndpointsUnavailable:
		return "all_endpoints_unavailable"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindAttemptsExhausted:
		return "attempts_exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (kind ErrorKind) sentinel() error {
	switch kind {
	case KindTransient:
		return ErrTransient
	case KindRateLimited:
		return ErrRateLimited
	case KindPermanent:
		return ErrPermanent
	case KindAllEndpointsUnavailable:
		return ErrAllEndpointsUnavailable
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindAttemptsExhausted:
		return ErrAttemptsExhausted
	case KindCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

// ClientError is the terminal error of a logical request.
// errors.Is matches it against the Err* sentinel of its kind.
type ClientError struct {
	Kind     ErrorKind
	Method   string
	Attempts int
	Cause    error
}

func (clientError *ClientError) Error() string {
	message := fmt.Sprintf("rpc %s: %s after %d attempt(s)", clientError.Method, clientError.Kind.sentinel(), clientError.Attempts)
	if clientError.Cause != nil {
		return fmt.Sprintf("%s: %v", message, clientError.Cause)
	}
	return message
}

func (clientError *ClientError) Unwrap() error {
	return clientError.Cause
}

func (clientError *ClientError) Is(target error) bool {
	return target != nil && target == clientError.Kind.sentinel()
}

// Failure is a classified attempt failure. Transports return it so classification happens once.
type Failure struct {
	Kind ErrorKind
	// Ambiguous is set when the request may have been executed remotely.
	Ambiguous  bool
	// Answered is set when the endpoint replied with a JSON-RPC error object.
	Answered   bool
	RetryAfter time.Duration
	StatusCode int
	Code       int
	Cause      error
}

func (failure *Failure) Error() string {
	switch {
	case failure.Code != 0:
		return fmt.Sprintf("%s: rpc error %d: %v", failure.Kind, failure.Code, failure.Cause)
	case failure.StatusCode != 0:
		return fmt.Sprintf("%s: http status %d: %v", failure.Kind, failure.StatusCode, failure.Cause)
	default:
		return fmt.Sprintf("%s: %v", failure.Kind, failure.Cause)
	}
}

func (failure *Failure) Unwrap() error {
	return failure.Cause
}

func (failure *Failure) Is(target error) bool {
	return target != nil && target == failure.Kind.sentinel()
}

// Classify turns any error into a Failure. Errors already classified pass through.
// Unknown errors are treated as ambiguous transient failures.
func Classify(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	var dnsError *net.DNSError
	var opError *net.OpError
	var netError net.Error
	switch {
	case errors.As(err, &dnsError):
		return &Failure{Kind: KindTransient, Cause: err}
	case errors.As(err, &opError) && opError.Op == "dial":
		return &Failure{Kind: KindTransient, Cause: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Failure{Kind: KindTransient, Cause: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &Failure{Kind: KindTransient, Ambiguous: true, Cause: err}
	case errors.As(err, &netError) && netError.Timeout():
		return &Failure{Kind: KindTransient, Ambiguous: true, Cause: err}
	default:
		return &Failure{Kind: KindTransient, Ambiguous: true, Cause: err}
	}
}
