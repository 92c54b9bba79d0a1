package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/portal/pkg/idx"
)

// RequestIDHeader carries the client generated request ID to the backend so
// both sides can correlate log lines.
const RequestIDHeader = "X-Request-ID"

// Transport is an http.RoundTripper that stamps every outgoing request with a
// request ID and logs the exchange once it completes.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: logger}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
		// RoundTrippers must not mutate the caller's request
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, reqID)
	}

	logger := FromContext(r.Context(), t.Logger).With(
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
	)

	resp, err := t.Base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http_request_failed", "duration_ms", duration, "error", err)
		return nil, err
	}

	logger.Debug("http_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
