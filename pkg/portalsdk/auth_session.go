package portalsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// AuthSession orchestrates login, registration and logout, and exposes the
// current identity. Identity is cleared whenever the token manager leaves
// the authenticated state.
type AuthSession struct {
	client *Client
	tokens *TokenManager
	logger *slog.Logger

	mu       sync.RWMutex
	identity *User
}

// NewAuthSession returns a session bound to client's token manager.
func NewAuthSession(client *Client) *AuthSession {
	s := &AuthSession{
		client: client,
		tokens: client.tokens,
		logger: client.logger.With("component", "auth"),
	}
	client.tokens.OnStatusChange(func(status Status) {
		if status == StatusAnonymous || status == StatusExpired {
			s.setIdentity(nil)
		}
	})
	return s
}

// Status returns the session status.
func (s *AuthSession) Status() Status {
	return s.tokens.Status()
}

// Identity returns the logged in user, or nil.
func (s *AuthSession) Identity() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return nil
	}
	u := *s.identity
	return &u
}

// Login authenticates with the token endpoint, stores the pair and loads
// the profile. A failed profile fetch undoes the login.
func (s *AuthSession) Login(ctx context.Context, creds Credentials) (*User, error) {
	s.tokens.beginAuthentication()

	resp, err := s.client.ObtainToken(ctx, creds)
	if err != nil {
		s.tokens.abortAuthentication()
		return nil, fmt.Errorf("login: %w", err)
	}

	return s.establish(ctx, resp)
}

// Register creates an account and starts a session with the tokens the
// backend issues for it.
func (s *AuthSession) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	s.tokens.beginAuthentication()

	user, resp, err := s.client.Register(ctx, req)
	if err != nil {
		s.tokens.abortAuthentication()
		return nil, fmt.Errorf("register: %w", err)
	}

	if resp.Access == "" || resp.Refresh == "" {
		// Older backends do not log the user in on registration.
		s.tokens.abortAuthentication()
		return s.Login(ctx, Credentials{Username: req.Username, Password: req.Password})
	}

	s.logger.InfoContext(ctx, "registered", "user_id", user.ID)
	return s.establish(ctx, resp)
}

func (s *AuthSession) establish(ctx context.Context, resp *TokenResponse) (*User, error) {
	pair := s.tokens.NewPair(resp.Access, resp.Refresh)
	if err := s.tokens.SetTokens(ctx, pair); err != nil {
		s.tokens.abortAuthentication()
		return nil, fmt.Errorf("login: %w", err)
	}

	user, err := s.client.Profile(ctx)
	if err != nil {
		_ = s.tokens.ForceLogout(ctx)
		return nil, fmt.Errorf("login: fetch profile: %w", err)
	}

	s.setIdentity(user)
	s.logger.InfoContext(ctx, "logged_in", "user_id", user.ID, "username", user.Username)
	return s.Identity(), nil
}

// Restore resumes a persisted session. It returns ErrNoTokens when nothing
// was persisted and ErrSessionExpired when the stored session is no longer
// usable.
func (s *AuthSession) Restore(ctx context.Context) (*User, error) {
	ok, err := s.tokens.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoTokens
	}

	user, err := s.client.Profile(ctx)
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			// Network trouble keeps the tokens for the next attempt.
			s.logger.WarnContext(ctx, "restore_profile_failed", "error", err)
		}
		return nil, fmt.Errorf("restore: %w", err)
	}

	s.setIdentity(user)
	s.logger.InfoContext(ctx, "session_restored", "user_id", user.ID)
	return s.Identity(), nil
}

// Logout revokes the refresh token on the server, best effort, then clears
// local credentials. Local logout always happens.
func (s *AuthSession) Logout(ctx context.Context) error {
	pair := s.tokens.Pair()
	if pair.RefreshToken != "" {
		if err := s.client.RevokeRefreshToken(ctx, pair.RefreshToken); err != nil {
			s.logger.WarnContext(ctx, "server_logout_failed", "error", err)
		}
	}
	return s.tokens.ForceLogout(ctx)
}

// UpdateProfile writes the profile and refreshes the cached identity.
func (s *AuthSession) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	if s.Identity() == nil {
		return nil, ErrNotAuthenticated
	}

	user, err := s.client.UpdateProfile(ctx, update)
	if err != nil {
		return nil, err
	}
	s.setIdentity(user)
	return s.Identity(), nil
}

func (s *AuthSession) setIdentity(u *User) {
	s.mu.Lock()
	s.identity = u
	s.mu.Unlock()
}
