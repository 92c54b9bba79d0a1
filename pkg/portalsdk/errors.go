package portalsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/aussiebroadwan/portal/pkg/realtime"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrNetwork reports that the backend could not be reached. It is surfaced
	// to the caller and never retried silently.
	ErrNetwork = errors.New("portalsdk: network error")

	// ErrAuthorizationExpired matches a 401 from the backend. The client
	// recovers from it once per request with a refresh and replay.
	ErrAuthorizationExpired = errors.New("portalsdk: authorization expired")

	// ErrSessionExpired reports that the refresh itself failed or could not be
	// attempted. Credentials have been cleared and the user must log in again.
	ErrSessionExpired = errors.New("portalsdk: session expired")

	// ErrValidation matches a 400/422 rejection of the request payload.
	ErrValidation = errors.New("portalsdk: validation error")

	// ErrMalformedResponse reports a response body of unexpected shape.
	ErrMalformedResponse = errors.New("portalsdk: malformed response")

	// ErrChannelUnavailable reports that the realtime transport could not be
	// reached. Callers fall back to REST.
	ErrChannelUnavailable = realtime.ErrChannelUnavailable

	// ErrNotConnected is returned when sending over a realtime channel that
	// is not open. The frame was dropped.
	ErrNotConnected = realtime.ErrNotOpen

	// ErrNotAuthenticated is returned for operations that need a session
	// when none exists.
	ErrNotAuthenticated = errors.New("portalsdk: not authenticated")

	// ErrNoTokens is returned by TokenStore.Load when nothing is persisted.
	ErrNoTokens = errors.New("portalsdk: no stored tokens")

	// ErrIncompletePair rejects a TokenPair with only one of its tokens set.
	ErrIncompletePair = errors.New("portalsdk: incomplete token pair")
)

// ============================================================================
// APIError - backend error responses
// ============================================================================

// APIError is a non-2xx response from the backend. The backend uses Django
// REST Framework, which reports either {"detail": "..."} or a map of field
// names to message lists.
type APIError struct {
	// StatusCode is the HTTP status code of the response
	StatusCode int

	// Detail is the top level message, if any
	Detail string

	// Fields maps a field name to its validation messages
	Fields map[string][]string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "portalsdk: HTTP %d", e.StatusCode)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Fields[name], " "))
		}
	}
	return b.String()
}

// Is maps the status code onto the error taxonomy so callers can use
// errors.Is(err, ErrValidation) without inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthorizationExpired:
		return e.StatusCode == http.StatusUnauthorized
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// detailKeys hold the top-level message, in order of preference.
var detailKeys = []string{"detail", "message", "error"}

// parseErrorResponse converts a non-2xx response body into an *APIError.
// Returns nil for 2xx responses.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, name := range detailKeys {
			if msgs := fieldMessages(fields[name]); len(msgs) > 0 {
				apiErr.Detail = strings.Join(msgs, " ")
				break
			}
		}
		for name, raw := range fields {
			if slices.Contains(detailKeys, name) {
				continue
			}
			msgs := fieldMessages(raw)
			if len(msgs) == 0 {
				continue
			}
			if apiErr.Fields == nil {
				apiErr.Fields = make(map[string][]string)
			}
			apiErr.Fields[name] = msgs
		}
	}

	if apiErr.Detail == "" && len(apiErr.Fields) == 0 {
		apiErr.Detail = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// fieldMessages accepts the shapes DRF uses for a single field: a string or a
// list of strings.
func fieldMessages(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
