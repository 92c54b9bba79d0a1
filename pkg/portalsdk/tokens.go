package portalsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/aussiebroadwan/portal/pkg/jwtx"
	"github.com/aussiebroadwan/portal/pkg/slogx"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// TokenPair
// ============================================================================

// TokenPair is the credential pair issued by the backend. A pair is either
// fully present or fully absent.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// NewTokenPair builds a pair from freshly issued tokens. Expiry is read from
// each token's exp claim, falling back to issued plus the ttl for tokens
// that are not JWTs. The access expiry never exceeds the refresh expiry.
func NewTokenPair(access, refresh string, issued time.Time, accessTTL, refreshTTL time.Duration) TokenPair {
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  jwtx.ExpiresAtOr(access, issued, accessTTL),
		RefreshExpiresAt: jwtx.ExpiresAtOr(refresh, issued, refreshTTL),
	}.clamped()
}

func (p TokenPair) clamped() TokenPair {
	if !p.RefreshExpiresAt.IsZero() && p.AccessExpiresAt.After(p.RefreshExpiresAt) {
		p.AccessExpiresAt = p.RefreshExpiresAt
	}
	return p
}

// IsZero reports whether the pair is absent.
func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Validate rejects half pairs and pairs whose access token outlives the
// refresh token.
func (p TokenPair) Validate() error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return ErrIncompletePair
	}
	if !p.RefreshExpiresAt.IsZero() && p.AccessExpiresAt.After(p.RefreshExpiresAt) {
		return fmt.Errorf("%w: access token expires after refresh token", ErrIncompletePair)
	}
	return nil
}

// AccessExpired reports whether the access token is expired at now, or will
// be within leeway.
func (p TokenPair) AccessExpired(now time.Time, leeway time.Duration) bool {
	return !now.Before(p.AccessExpiresAt.Add(-leeway))
}

// RefreshExpired reports whether the refresh token is expired at now.
func (p TokenPair) RefreshExpired(now time.Time) bool {
	return !now.Before(p.RefreshExpiresAt)
}

// ============================================================================
// TokenStore
// ============================================================================

// TokenStore persists the token pair across process restarts. Implementations
// must save the pair atomically: a reader never observes half a pair.
type TokenStore interface {
	// Load returns the stored pair or ErrNoTokens.
	Load(ctx context.Context) (TokenPair, error)
	Save(ctx context.Context, pair TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps the pair in process memory.
type MemoryTokenStore struct {
	mu   sync.Mutex
	pair TokenPair
}

// NewMemoryTokenStore returns an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load(_ context.Context) (TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair.IsZero() {
		return TokenPair{}, ErrNoTokens
	}
	return s.pair, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, pair TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Session status
// ============================================================================

// Status is the lifecycle state of the authenticated session.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusExpired:
		return "expired"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ============================================================================
// TokenManager
// ============================================================================

// refresher exchanges a refresh token for new tokens. *Client implements it.
type refresher interface {
	refreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// TokenManagerConfig configures a TokenManager. Zero durations use defaults.
type TokenManagerConfig struct {
	Store  TokenStore
	Logger *slog.Logger

	// Leeway refreshes an access token this long before it expires.
	Leeway time.Duration

	// RefreshTimeout bounds the refresh network call. The call is detached
	// from the caller that started it so one caller giving up does not fail
	// the others waiting on the same refresh.
	RefreshTimeout time.Duration

	// AccessTTL and RefreshTTL apply to tokens without an exp claim.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

const clearTimeout = 5 * time.Second

// TokenManager owns the token pair. It is the only writer of the pair and
// the store, and guarantees at most one refresh call in flight per session.
type TokenManager struct {
	cfg       TokenManagerConfig
	store     TokenStore
	refresher refresher
	logger    *slog.Logger
	group     singleflight.Group

	// storeMu orders store writes so a refresh finishing after a logout can
	// never write the old session back.
	storeMu sync.Mutex

	mu         sync.Mutex
	pair       TokenPair
	status     Status
	generation uint64
	listeners  []func(Status)
}

func newTokenManager(cfg TokenManagerConfig, r refresher) *TokenManager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryTokenStore()
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = jwtx.DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = jwtx.DefaultRefreshTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &TokenManager{
		cfg:       cfg,
		store:     cfg.Store,
		refresher: r,
		logger:    slogx.OrDefault(cfg.Logger).With("component", "tokens"),
	}
}

// NewPair builds a pair from tokens issued now using the configured TTLs.
func (m *TokenManager) NewPair(access, refresh string) TokenPair {
	return NewTokenPair(access, refresh, m.cfg.Now(), m.cfg.AccessTTL, m.cfg.RefreshTTL)
}

// Status returns the current session status.
func (m *TokenManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Pair returns a copy of the current pair, zero if there is no session.
func (m *TokenManager) Pair() TokenPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pair
}

// OnStatusChange registers fn to be called after every status transition.
// fn must not block.
func (m *TokenManager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetTokens installs a freshly issued pair, replacing any existing session.
// In-flight refreshes of the previous session are discarded.
func (m *TokenManager) SetTokens(ctx context.Context, pair TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	if err := m.store.Save(ctx, pair); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	m.mu.Lock()
	m.group.Forget(m.flightKey())
	m.generation++
	m.pair = pair
	listeners := m.transition(StatusAuthenticated)
	m.mu.Unlock()

	m.notify(listeners, StatusAuthenticated)
	m.logger.InfoContext(ctx, "tokens_set",
		"access_fp", cryptox.ShortFingerprint(pair.AccessToken),
		"access_expires_at", pair.AccessExpiresAt,
		"refresh_expires_at", pair.RefreshExpiresAt,
	)
	return nil
}

// Restore loads a persisted pair. It reports false when nothing usable was
// stored. A stored pair whose refresh token has expired is cleared and
// reported as ErrSessionExpired.
func (m *TokenManager) Restore(ctx context.Context) (bool, error) {
	pair, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoTokens) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load tokens: %w", err)
	}

	if err := pair.Validate(); err != nil {
		m.logger.WarnContext(ctx, "stored_tokens_invalid", "error", err)
		_ = m.clearStore(ctx)
		return false, nil
	}
	if pair.RefreshExpired(m.cfg.Now()) {
		_ = m.clearStore(ctx)
		return false, ErrSessionExpired
	}

	m.mu.Lock()
	m.generation++
	m.pair = pair
	listeners := m.transition(StatusAuthenticated)
	m.mu.Unlock()

	m.notify(listeners, StatusAuthenticated)
	m.logger.DebugContext(ctx, "tokens_restored", "access_fp", cryptox.ShortFingerprint(pair.AccessToken))
	return true, nil
}

// GetValidAccessToken returns the current access token if it is not
// expired, otherwise it refreshes and returns the new one. Returns
// ErrNotAuthenticated if there is no session.
func (m *TokenManager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	pair := m.pair
	m.mu.Unlock()

	if pair.IsZero() {
		return "", ErrNotAuthenticated
	}
	if !pair.AccessExpired(m.cfg.Now(), m.cfg.Leeway) {
		return pair.AccessToken, nil
	}
	return m.refreshFrom(ctx, pair.AccessToken)
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one network call and observe its single outcome. Any
// failure ends the session with ErrSessionExpired.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.pair.AccessToken
	m.mu.Unlock()

	return m.refreshFrom(ctx, current)
}

// ForceLogout clears credentials without any network call and marks the
// session anonymous.
func (m *TokenManager) ForceLogout(ctx context.Context) error {
	m.mu.Lock()
	m.group.Forget(m.flightKey())
	m.generation++
	m.pair = TokenPair{}
	listeners := m.transition(StatusAnonymous)
	m.mu.Unlock()

	m.notify(listeners, StatusAnonymous)
	m.logger.InfoContext(ctx, "logged_out")
	return m.clearStore(ctx)
}

// beginAuthentication marks a login in progress. It only applies when there
// is no session.
func (m *TokenManager) beginAuthentication() {
	m.mu.Lock()
	var listeners []func(Status)
	if m.pair.IsZero() {
		listeners = m.transition(StatusAuthenticating)
	}
	m.mu.Unlock()

	m.notify(listeners, StatusAuthenticating)
}

// abortAuthentication reverts a failed login.
func (m *TokenManager) abortAuthentication() {
	m.mu.Lock()
	var listeners []func(Status)
	if m.status == StatusAuthenticating {
		listeners = m.transition(StatusAnonymous)
	}
	m.mu.Unlock()

	m.notify(listeners, StatusAnonymous)
}

// refreshFrom refreshes on behalf of a caller that found used to be expired
// or rejected. If the pair has already rotated past used the current token
// is returned with no network call.
func (m *TokenManager) refreshFrom(ctx context.Context, used string) (string, error) {
	now := m.cfg.Now()

	m.mu.Lock()
	pair := m.pair
	gen := m.generation
	key := m.flightKey()
	m.mu.Unlock()

	if pair.IsZero() {
		return "", ErrSessionExpired
	}
	if pair.AccessToken != used && !pair.AccessExpired(now, 0) {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" || pair.RefreshExpired(now) {
		m.expire(ctx, gen, errors.New("refresh token expired"))
		return "", ErrSessionExpired
	}

	ch := m.group.DoChan(key, func() (any, error) {
		return m.doRefresh(ctx, gen, used)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) doRefresh(parent context.Context, gen uint64, used string) (string, error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return "", ErrSessionExpired
	}
	current := m.pair
	m.mu.Unlock()

	// A flight for this generation may have completed between the caller's
	// check and this one starting.
	if current.AccessToken != used && !current.AccessExpired(m.cfg.Now(), 0) {
		return current.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.RefreshTimeout)
	defer cancel()

	start := time.Now()
	resp, err := m.refresher.refreshGrant(ctx, current.RefreshToken)
	if err != nil {
		m.expire(ctx, gen, err)
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	issued := m.cfg.Now()
	next := current
	next.AccessToken = resp.Access
	next.AccessExpiresAt = jwtx.ExpiresAtOr(resp.Access, issued, m.cfg.AccessTTL)
	if resp.Refresh != "" {
		next.RefreshToken = resp.Refresh
		next.RefreshExpiresAt = jwtx.ExpiresAtOr(resp.Refresh, issued, m.cfg.RefreshTTL)
	}
	next = next.clamped()

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.InfoContext(ctx, "refresh_discarded", "reason", "session replaced")
		return "", ErrSessionExpired
	}
	m.pair = next
	m.mu.Unlock()

	if err := m.store.Save(ctx, next); err != nil {
		// The in-memory pair is still good for this process.
		m.logger.WarnContext(ctx, "refresh_persist_failed", "error", err)
	}

	m.logger.InfoContext(ctx, "token_refreshed",
		"access_fp", cryptox.ShortFingerprint(next.AccessToken),
		"rotated", resp.Refresh != "",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return next.AccessToken, nil
}

// expire ends the session after a refresh failure, if gen is still current.
func (m *TokenManager) expire(ctx context.Context, gen uint64, cause error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.pair = TokenPair{}
	listeners := m.transition(StatusExpired)
	m.mu.Unlock()

	m.notify(listeners, StatusExpired)
	m.logger.WarnContext(ctx, "session_expired", "error", cause)

	ctx, cancel := clearContext(ctx)
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.WarnContext(ctx, "token_clear_failed", "error", err)
	}
}

func (m *TokenManager) clearStore(ctx context.Context) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	ctx, cancel := clearContext(ctx)
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// clearContext detaches a store clear from ctx. Credentials are removed
// even when the refresh timed out or the caller gave up.
func clearContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
}

// flightKey scopes the single-flight group to the current session. Callers
// hold m.mu.
func (m *TokenManager) flightKey() string {
	return "refresh:" + strconv.FormatUint(m.generation, 10)
}

// transition sets the status and returns the listeners to notify, or nil if
// nothing changed. Callers hold m.mu.
func (m *TokenManager) transition(next Status) []func(Status) {
	if m.status == next {
		return nil
	}
	m.status = next
	return slices.Clone(m.listeners)
}

func (m *TokenManager) notify(listeners []func(Status), s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}
