package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"

	"relay-proxy-go/internal/breaker"
)

// Redirect policy errors. The http.Client wraps them in *url.Error.
var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrRedirectLoop     = errors.New("redirect loop")
	ErrRedirectScheme   = errors.New("redirect to unsupported scheme")
)

// Failure reasons used as log fields and metric labels.
const (
	ReasonTimeout          = "timeout"
	ReasonCanceled         = "canceled"
	ReasonDNS              = "dns"
	ReasonTLS              = "tls"
	ReasonRefused          = "refused"
	ReasonBlockedAddress   = "blocked_address"
	ReasonRedirectLoop     = "redirect_loop"
	ReasonTooManyRedirects = "too_many_redirects"
	ReasonRedirectScheme   = "redirect_scheme"
	ReasonCircuitOpen      = "circuit_open"
	ReasonConnection       = "connection"
	ReasonOther            = "other"
)

// Classify maps an upstream error to a bounded reason string.
func Classify(err error) string {
	var (
		dnsErr    *net.DNSError
		netErr    net.Error
		opErr     *net.OpError
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		certErr   x509.CertificateInvalidError
		recErr    tls.RecordHeaderError
		alertErr  tls.AlertError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, breaker.ErrOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrBlockedAddress):
		return ReasonBlockedAddress
	case errors.Is(err, ErrRedirectLoop):
		return ReasonRedirectLoop
	case errors.Is(err, ErrTooManyRedirects):
		return ReasonTooManyRedirects
	case errors.Is(err, ErrRedirectScheme):
		return ReasonRedirectScheme
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &dnsErr):
		return ReasonDNS
	case errors.As(err, &verifyErr), errors.As(err, &authErr), errors.As(err, &hostErr),
		errors.As(err, &certErr), errors.As(err, &recErr), errors.As(err, &alertErr):
		return ReasonTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF), errors.As(err, &opErr):
		return ReasonConnection
	default:
		return ReasonOther
	}
}

// IsHostFailure reports whether err says something about the upstream host's
// health. Caller cancellation, policy rejections and open breakers do not.
func IsHostFailure(err error) bool {
	switch Classify(err) {
	case "", ReasonCanceled, ReasonBlockedAddress, ReasonRedirectLoop,
		ReasonTooManyRedirects, ReasonRedirectScheme, ReasonCircuitOpen:
		return false
	default:
		return true
	}
}
