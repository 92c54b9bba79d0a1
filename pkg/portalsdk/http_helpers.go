package portalsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// pathTokenRefresh is never retried after a 401, it is the recovery path.
const pathTokenRefresh = "/token/refresh/"

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// do sends a JSON request with the session token and decodes a JSON response
// into out. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doWith(ctx, method, path, in, out, true)
}

// doAnonymous sends a request without credentials.
func (c *Client) doAnonymous(ctx context.Context, method, path string, in, out any) error {
	return c.doWith(ctx, method, path, in, out, false)
}

func (c *Client) doWith(ctx context.Context, method, path string, in, out any, auth bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, body, auth)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// send performs the request. On a 401 for a request that carried a token it
// refreshes once and replays the same body once. The replay's response is
// returned as is, so a second 401 is surfaced to the caller.
func (c *Client) send(ctx context.Context, method, path string, body []byte, auth bool) (*http.Response, error) {
	var token string
	if auth {
		t, err := c.tokens.GetValidAccessToken(ctx)
		switch {
		case errors.Is(err, ErrNotAuthenticated):
		case err != nil:
			return nil, err
		default:
			token = t
		}
	}

	resp, err := c.roundTrip(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" || path == pathTokenRefresh {
		return resp, nil
	}

	original := readError(resp)
	c.logger.DebugContext(ctx, "authorization_expired", "method", method, "path", path)

	fresh, err := c.tokens.refreshFrom(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", original, err)
	}

	return c.roundTrip(ctx, method, path, body, fresh)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	return resp, nil
}

// decodeJSON decodes a JSON response into out, or returns a typed *APIError
// if the response is not 2xx. An empty body leaves out untouched.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %w", ErrNetwork, err)
	}

	if err := parseErrorResponse(resp, body); err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// readError drains an error response into an *APIError.
func readError(resp *http.Response) error {
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return parseErrorResponse(resp, body)
}
