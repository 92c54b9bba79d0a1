package portalsdk_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/slogx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	tick        = 5 * time.Millisecond
)

var tokenSeq atomic.Int64

// mint returns a signed JWT expiring after ttl. Each call is unique.
func mint(t testing.TB, kind string, ttl time.Duration) string {
	t.Helper()

	claims := jwt.MapClaims{
		"token_type": kind,
		"exp":        time.Now().Add(ttl).Unix(),
		"jti":        fmt.Sprintf("%s-%d", kind, tokenSeq.Add(1)),
		"user_id":    1,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-key"))
	require.NoError(t, err)
	return s
}

// backend is a fake portal API. Handlers can be added per test with handle.
type backend struct {
	t   testing.TB
	srv *httptest.Server
	mux *http.ServeMux

	mu      sync.Mutex
	access  string
	refresh string
	profile portalsdk.User

	// refreshGate, when set, holds refresh requests until it is closed.
	refreshGate  chan struct{}
	refreshFails bool
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	lastOTP      atomic.Value
}

func newBackend(t testing.TB) *backend {
	t.Helper()

	b := &backend{
		t:       t,
		mux:     http.NewServeMux(),
		profile: portalsdk.User{ID: 1, Username: "ada", Email: "ada@example.com", Role: "student"},
	}
	b.mux.HandleFunc("POST /api/token/", b.handleToken)
	b.mux.HandleFunc("POST /api/token/refresh/", b.handleRefresh)
	b.mux.HandleFunc("POST /api/users/logout/", func(w http.ResponseWriter, r *http.Request) {
		b.logoutCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
	})
	b.handle("GET /api/users/profile/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, b.profile)
	})

	b.srv = httptest.NewServer(b.mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) client(store portalsdk.TokenStore) *portalsdk.Client {
	return portalsdk.NewClient(portalsdk.ClientConfig{
		BaseURL: b.srv.URL + "/api",
		Store:   store,
		Logger:  slogx.Discard(),
	})
}

// handle registers an authenticated handler. Requests without the current
// access token get a 401 like the real backend.
func (b *backend) handle(pattern string, fn http.HandlerFunc) {
	b.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if !b.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}
		fn(w, r)
	})
}

func (b *backend) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access != "" && r.Header.Get("Authorization") == "Bearer "+b.access
}

// issue mints a new pair and makes it current.
func (b *backend) issue() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.access = mint(b.t, "access", 5*time.Minute)
	b.refresh = mint(b.t, "refresh", 24*time.Hour)
	return b.access, b.refresh
}

// revokeAccess invalidates the current access token server side, as if it
// expired early.
func (b *backend) revokeAccess() {
	b.mu.Lock()
	b.access = "revoked"
	b.mu.Unlock()
}

// holdRefreshes blocks refresh requests until the returned func is called.
func (b *backend) holdRefreshes() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshGate = gate
	b.mu.Unlock()
	return func() { close(gate) }
}

func (b *backend) failRefreshes() {
	b.mu.Lock()
	b.refreshFails = true
	b.mu.Unlock()
}

func (b *backend) currentAccess() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access
}

func (b *backend) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.lastOTP.Store(body["otp"])

	if body["username"] != "ada" || body["password"] != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "No active account found with the given credentials",
		})
		return
	}

	access, refresh := b.issue()
	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	b.mu.Lock()
	gate := b.refreshGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refreshFails || body["refresh"] != b.refresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}

	b.access = mint(b.t, "access", 5*time.Minute)
	writeJSON(w, http.StatusOK, map[string]string{"access": b.access})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
