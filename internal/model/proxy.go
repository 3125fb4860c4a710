// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to its target.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Target        *url.URL
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// Inbound connection details, used for forwarding headers.
	ClientIP string
	Host     string
	Scheme   string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome is the terminal state of a proxied request.
type Outcome string

const (
	// OutcomeRejected means the target failed validation; nothing was sent upstream.
	OutcomeRejected Outcome = "rejected"
	// OutcomeCompleted means the upstream response was relayed in full.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailedEarly means the upstream failed before any response byte
	// reached the client, which received a 502.
	OutcomeFailedEarly Outcome = "failed_early"
	// OutcomeFailedMid means the upstream failed after headers were committed
	// and the client connection was aborted.
	OutcomeFailedMid Outcome = "failed_mid"
)
