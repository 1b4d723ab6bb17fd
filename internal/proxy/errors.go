package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured is returned by Send when there is no candidate to call.
var ErrNotConfigured = errors.New("no upstream model configured")

type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindBadResponse Kind = "bad_response"
)

// UpstreamError is one failed attempt against one endpoint/model.
type UpstreamError struct {
	Kind     Kind
	Status   int
	Endpoint string
	Model    string
	Err      error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s (endpoint %s, model %s)", e.Kind, e.Endpoint, e.Model)
	if e.Status != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AggregatedError is returned once every candidate has failed.
type AggregatedError struct {
	Attempts []*UpstreamError
}

func (e *AggregatedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all upstream candidates failed"
	}
	return fmt.Sprintf("all %d upstream attempts failed, last: %v", len(e.Attempts), e.Last())
}

func (e *AggregatedError) Last() *UpstreamError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *AggregatedError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindUnavailable
	}
}
