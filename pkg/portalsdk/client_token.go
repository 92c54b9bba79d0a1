package portalsdk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"
)

// ObtainToken exchanges credentials for a token pair. When creds carries an
// OTPSecret the current TOTP code is sent along.
func (c *Client) ObtainToken(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	body := map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	}
	if creds.OTPSecret != "" {
		code, err := totp.GenerateCode(creds.OTPSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate otp code: %w", err)
		}
		body["otp"] = code
	}

	var resp TokenResponse
	if err := c.doAnonymous(ctx, http.MethodPost, "/token/", body, &resp); err != nil {
		return nil, err
	}
	if resp.Access == "" || resp.Refresh == "" {
		return nil, fmt.Errorf("%w: token response missing access or refresh", ErrMalformedResponse)
	}
	return &resp, nil
}

// refreshGrant exchanges a refresh token for a new access token. Only the
// TokenManager calls it.
func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.doAnonymous(ctx, http.MethodPost, pathTokenRefresh, map[string]string{"refresh": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Access == "" {
		return nil, fmt.Errorf("%w: refresh response missing access", ErrMalformedResponse)
	}
	return &resp, nil
}

// registerResponse is the body of a successful registration.
type registerResponse struct {
	User   User          `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

// Register creates an account. The backend logs the new user in, so the
// returned tokens may be used directly.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, *TokenResponse, error) {
	if req.PasswordConfirm == "" {
		req.PasswordConfirm = req.Password
	}

	var resp registerResponse
	if err := c.doAnonymous(ctx, http.MethodPost, "/users/register/", req, &resp); err != nil {
		return nil, nil, err
	}
	if resp.User.Username == "" {
		return nil, nil, fmt.Errorf("%w: register response missing user", ErrMalformedResponse)
	}
	return &resp.User, &resp.Tokens, nil
}

// RevokeRefreshToken blacklists a refresh token on the server.
func (c *Client) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/users/logout/", map[string]string{"refresh_token": refreshToken}, nil)
}

// Profile returns the current user.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/profile/", nil, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: profile missing id", ErrMalformedResponse)
	}
	return &user, nil
}

// UpdateProfile writes the editable profile fields and returns the result.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodPut, "/users/profile/", update, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		// Some deployments answer the update with a status message only.
		return c.Profile(ctx)
	}
	return &user, nil
}
