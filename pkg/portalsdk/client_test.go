package portalsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/stretchr/testify/require"
)

func login(t *testing.T, b *backend, store portalsdk.TokenStore) (*portalsdk.Client, *portalsdk.AuthSession) {
	t.Helper()

	client := b.client(store)
	auth := portalsdk.NewAuthSession(client)
	_, err := auth.Login(context.Background(), portalsdk.Credentials{Username: "ada", Password: "secret"})
	require.NoError(t, err)
	return client, auth
}

func TestConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	t.Parallel()

	b := newBackend(t)

	var (
		mu   sync.Mutex
		used = map[string]int{}
	)
	b.handle("GET /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		used[bearer(r)]++
		mu.Unlock()
		writeRaw(w, http.StatusOK, `[]`)
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())
	before := client.Tokens().Pair()

	release := b.holdRefreshes()
	b.revokeAccess()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ListRooms(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return b.refreshCalls.Load() >= 1 }, testTimeout, tick)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, b.refreshCalls.Load(), "exactly one refresh call")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, used, 1, "every replay used the same new token")
	require.Contains(t, used, b.currentAccess())
	require.Equal(t, n, used[b.currentAccess()])

	after := client.Tokens().Pair()
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.Equal(t, before.RefreshToken, after.RefreshToken, "refresh token kept when not rotated")
}

func TestRefreshFailureEndsSession(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	var calls atomic.Int32
	b.handle("GET /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeRaw(w, http.StatusOK, `[]`)
	})

	store := portalsdk.NewMemoryTokenStore()
	client, auth := login(t, b, store)

	b.failRefreshes()
	b.revokeAccess()

	_, err := client.ListRooms(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrSessionExpired)
	require.ErrorIs(t, err, portalsdk.ErrAuthorizationExpired, "original error is kept")

	var apiErr *portalsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	require.Equal(t, portalsdk.StatusExpired, auth.Status())
	require.Nil(t, auth.Identity())
	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrNoTokens)

	_, err = client.ListRooms(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 1, b.refreshCalls.Load(), "no refresh without a session")
	require.Zero(t, calls.Load())
}

func TestSecondUnauthorizedIsSurfaced(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	var calls atomic.Int32
	b.mux.HandleFunc("GET /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "nope"})
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())

	_, err := client.ListRooms(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrAuthorizationExpired)
	require.NotErrorIs(t, err, portalsdk.ErrSessionExpired)
	require.EqualValues(t, 2, calls.Load(), "original plus exactly one replay")
	require.EqualValues(t, 1, b.refreshCalls.Load())
}

func TestNoSilentRetry(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	var calls atomic.Int32
	b.handle("POST /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeRaw(w, http.StatusBadRequest, `{"name":["This field may not be blank."],"max_participants":"Max participants cannot exceed 200."}`)
	})
	b.handle("GET /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeRaw(w, http.StatusInternalServerError, `<html>oops</html>`)
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())

	t.Run("validation", func(t *testing.T) {
		_, err := client.CreateRoom(context.Background(), portalsdk.CreateRoomRequest{MaxParticipants: 500})
		require.ErrorIs(t, err, portalsdk.ErrValidation)

		var apiErr *portalsdk.APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, []string{"This field may not be blank."}, apiErr.Fields["name"])
		require.Equal(t, []string{"Max participants cannot exceed 200."}, apiErr.Fields["max_participants"])
	})

	t.Run("server error", func(t *testing.T) {
		_, err := client.ListRooms(context.Background())
		var apiErr *portalsdk.APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	})

	require.EqualValues(t, 2, calls.Load())
	require.Zero(t, b.refreshCalls.Load())
}

func TestNetworkError(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	client := b.client(nil)
	b.srv.Close()

	_, err := client.ListRooms(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrNetwork)
}

func TestRequestBodyReplayedExactly(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	var (
		mu     sync.Mutex
		bodies []string
	)
	b.mux.HandleFunc("POST /api/rooms/5/send_message/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body["message"])
		mu.Unlock()

		if !b.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
			return
		}
		writeRaw(w, http.StatusCreated, `{"id":99,"room":5,"content":"hello","message_type":"text","timestamp":"2025-01-01T10:00:00Z"}`)
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())
	b.revokeAccess()

	msg, err := client.PostMessage(context.Background(), 5, "hello")
	require.NoError(t, err)
	require.EqualValues(t, 99, msg.ID)
	require.Equal(t, []string{"hello", "hello"}, bodies)
}

func TestMalformedCollections(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	b.handle("GET /api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"detail":"not a list"}`)
	})
	b.handle("GET /api/rooms/my_requests/", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"count":1,"results":[{"id":4,"room":2,"requester":{"id":1,"username":"ada"},"status":"pending"}]}`)
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())

	rooms, err := client.ListRooms(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrMalformedResponse)
	require.NotNil(t, rooms)
	require.Empty(t, rooms)

	reqs, err := client.MyJoinRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, portalsdk.JoinPending, reqs[0].Status)
	require.EqualValues(t, 2, reqs[0].RoomID)
}

func TestJoinRoom(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	b.handle("POST /api/rooms/1/join/", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"detail":"Joined room successfully!","status":"approved","room":{"id":1,"name":"open","auto_approve":true,"participants":[{"id":1,"username":"ada"}]}}`)
	})
	b.handle("POST /api/rooms/2/join/", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusCreated, `{"detail":"Join request sent!","status":"pending","id":17,"room":2,"requester":{"id":1,"username":"ada"},"created_at":"2025-01-01T10:00:00Z"}`)
	})
	b.handle("POST /api/rooms/3/join/", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"status":"maybe"}`)
	})

	client, _ := login(t, b, portalsdk.NewMemoryTokenStore())

	t.Run("approved", func(t *testing.T) {
		res, err := client.JoinRoom(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, portalsdk.JoinApproved, res.Status)
		require.NotNil(t, res.Room)
		require.True(t, res.Room.HasParticipant(1))
		require.Nil(t, res.Request)
	})

	t.Run("pending", func(t *testing.T) {
		res, err := client.JoinRoom(context.Background(), 2)
		require.NoError(t, err)
		require.Equal(t, portalsdk.JoinPending, res.Status)
		require.NotNil(t, res.Request)
		require.EqualValues(t, 17, res.Request.ID)
		require.EqualValues(t, 2, res.Request.RoomID)
		require.Equal(t, portalsdk.JoinPending, res.Request.Status)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := client.JoinRoom(context.Background(), 3)
		require.ErrorIs(t, err, portalsdk.ErrMalformedResponse)
	})
}

func TestRealtimeConfig(t *testing.T) {
	t.Parallel()

	client := portalsdk.NewClient(portalsdk.ClientConfig{BaseURL: "https://portal.example.com/api/"})
	require.Equal(t, "https://portal.example.com/api", client.BaseURL)
	require.Equal(t, "wss://portal.example.com", client.WSBaseURL)

	cfg := client.RealtimeConfig("/ws/chat/4/")
	require.Equal(t, "wss://portal.example.com/ws/chat/4/", cfg.URL)
	require.Equal(t, "wss://portal.example.com/ws/test/", cfg.ProbeURL)

	_, err := cfg.Token(context.Background())
	require.ErrorIs(t, err, portalsdk.ErrNotAuthenticated)
}
