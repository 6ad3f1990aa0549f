package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/TobiSchelling/finpilot/internal/apperr"
)

// classifyStatus maps a provider HTTP status to an external-service subtype.
// 408, 429 and 5xx are worth retrying; every other 4xx is not.
func classifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return apperr.SubtypeRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return apperr.SubtypeTimeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.SubtypeAuth
	case code >= 500:
		return apperr.SubtypeUnavailable
	default:
		return apperr.SubtypeRejected
	}
}

func statusError(provider string, code int, body []byte) error {
	msg := string(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return apperr.External(classifyStatus(code), nil, "%s API returned %d: %s", provider, code, msg)
}

// transportError classifies a failure to get any HTTP response at all.
// Caller cancellation is passed through unchanged so retries stop.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.External(apperr.SubtypeTimeout, err, "%s API timed out", provider)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.External(apperr.SubtypeTimeout, err, "%s API timed out", provider)
	}
	return apperr.External(apperr.SubtypeUnavailable, err, "%s API unreachable", provider)
}

func malformed(provider string, err error) error {
	return apperr.External(apperr.SubtypeMalformed, err, "%s returned a malformed response", provider)
}
