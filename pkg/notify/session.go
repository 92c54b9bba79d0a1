// Package notify keeps a user's notifications and unread count in sync,
// over the realtime channel when it is available and by polling otherwise.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
	"github.com/aussiebroadwan/portal/pkg/slogx"
	"golang.org/x/time/rate"
)

// Path is the notifications realtime endpoint.
const Path = "/ws/notifications/"

var (
	// ErrStarted is returned by Start on a session that was already started.
	ErrStarted = errors.New("notify: session already started")

	// ErrStopped is returned by operations on a stopped session.
	ErrStopped = errors.New("notify: session stopped")
)

// Backend is the REST and realtime surface the session drives.
// *portalsdk.Client implements it.
type Backend interface {
	ListNotifications(ctx context.Context) ([]portalsdk.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) (int, error)
	RealtimeConfig(path string) realtime.Config
}

var _ Backend = (*portalsdk.Client)(nil)

// Config configures a Session.
type Config struct {
	Backend Backend
	Logger  *slog.Logger

	// PollInterval is the polling period while the realtime channel is
	// unavailable. Default 30s.
	PollInterval time.Duration

	// MinPollInterval is the minimum gap between two polls, shared by the
	// ticker and Poke. Default 2s.
	MinPollInterval time.Duration

	// AckTimeout bounds how long unread count updates are held back while a
	// mark-as-read command awaits its acknowledgement. Default 5s.
	AckTimeout time.Duration

	// Limit caps the number of notifications kept. Default 50.
	Limit int

	// Realtime tuning. ProbeTimeout defaults to 2s, the rest to the
	// channel defaults.
	ProbeTimeout time.Duration
	BaseDelay    time.Duration
	MaxAttempts  int
}

func (cfg *Config) setDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = 2 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
}

// State is the notifications view. Notifications is newest first, never nil
// and read-only.
type State struct {
	Notifications []portalsdk.Notification
	UnreadCount   int
	Connection    realtime.State

	// Polling is set while the REST poller stands in for the channel.
	Polling bool

	// Err is the last REST failure.
	Err error
}

// Session is the notifications sync engine. It is started once with Start
// and stopped with Stop.
type Session struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	pokes   chan struct{}

	mu       sync.Mutex
	state    State
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	channel  *realtime.Channel
	polling  bool
	pollDone chan struct{}

	// acks are mark-as-read commands sent over the channel and not yet
	// acknowledged. While any is outstanding unread counts are buffered.
	acks     map[int64]*time.Timer
	buffered *int

	subs     map[int]func(State)
	nextSub  int
	notifyMu sync.Mutex
}

// NewSession returns an idle session.
func NewSession(cfg Config) *Session {
	cfg.setDefaults()

	return &Session{
		backend: cfg.Backend,
		cfg:     cfg,
		logger:  slogx.OrDefault(cfg.Logger).With("component", "notify"),
		limiter: rate.NewLimiter(rate.Every(cfg.MinPollInterval), 1),
		pokes:   make(chan struct{}, 1),
		state:   State{Notifications: []portalsdk.Notification{}},
		acks:    make(map[int64]*time.Timer),
		subs:    make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every new snapshot and returns a function that
// removes it. fn must not call back into the session synchronously.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Start loads the current notifications and opens the realtime channel. If
// the channel is unavailable, now or after it exhausts its reconnects, a
// poller takes over. A failed initial load is recorded in State().Err and
// does not stop the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial_load_failed", "error", err)
	}

	cfg := s.backend.RealtimeConfig(Path)
	cfg.ProbeTimeout = s.cfg.ProbeTimeout
	if s.cfg.BaseDelay > 0 {
		cfg.BaseDelay = s.cfg.BaseDelay
	}
	if s.cfg.MaxAttempts > 0 {
		cfg.MaxAttempts = s.cfg.MaxAttempts
	}
	cfg.OnMessage = s.handleFrame
	cfg.OnStateChange = func(st realtime.State) {
		s.update(func(state *State) bool {
			state.Connection = st
			return true
		})
		if st.Status == realtime.StatusFailed {
			s.startPolling(runCtx)
		}
	}

	channel := realtime.New(cfg)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.channel = channel
	s.mu.Unlock()

	if err := channel.Connect(ctx); err != nil {
		if !errors.Is(err, realtime.ErrChannelUnavailable) {
			return err
		}
		s.logger.Warn("channel_unavailable", "error", err)
		s.startPolling(runCtx)
	}
	return nil
}

// Stop closes the channel and stops polling. Safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	channel := s.channel
	s.channel = nil
	pollDone := s.pollDone
	for id, timer := range s.acks {
		timer.Stop()
		delete(s.acks, id)
	}
	s.buffered = nil
	s.mu.Unlock()

	var err error
	if channel != nil {
		err = channel.Close()
	}
	if pollDone != nil {
		<-pollDone
	}
	s.logger.Debug("session_stopped")
	return err
}

// Refresh reloads notifications and the unread count over REST. While a
// mark-as-read command awaits its ack the count is held back like a channel
// update and the notification stays read.
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.backend.ListNotifications(ctx)
	if err != nil && !errors.Is(err, portalsdk.ErrMalformedResponse) {
		s.setErr(err)
		return err
	}
	if err != nil {
		s.logger.Warn("notifications_malformed", "error", err)
	}

	count, err := s.backend.UnreadCount(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.update(func(state *State) bool {
		state.Notifications = s.capped(list)
		state.Err = nil
		if len(s.acks) == 0 {
			state.UnreadCount = count
			return true
		}
		// update holds s.mu.
		s.buffered = &count
		for i, n := range state.Notifications {
			if _, ok := s.acks[n.ID]; ok {
				state.Notifications[i].IsRead = true
			}
		}
		return true
	})
	return nil
}

// MarkAsRead marks a notification read. The change is applied locally
// at once, then sent as a channel command when the channel is open or over
// REST otherwise. A failed REST call reloads the authoritative state.
func (s *Session) MarkAsRead(ctx context.Context, id int64) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	if channel == nil || channel.State().Status != realtime.StatusOpen {
		s.markLocally(id)
	} else {
		s.awaitAck(id)
		s.markLocally(id)
		err := channel.SendJSON(markAsReadCommand{Type: cmdMarkAsRead, NotificationID: id})
		if err == nil {
			return nil
		}
		s.resolveAck(id)
		s.logger.Debug("mark_as_read_fallback", "notification_id", id, "error", err)
	}

	if err := s.backend.MarkNotificationRead(ctx, id); err != nil {
		s.setErr(err)
		if rerr := s.Refresh(ctx); rerr != nil {
			s.logger.Warn("refresh_after_mark_failed", "error", rerr)
		}
		return err
	}
	return nil
}

// MarkAllRead marks every notification read over REST and returns how many
// changed.
func (s *Session) MarkAllRead(ctx context.Context) (int, error) {
	updated, err := s.backend.MarkAllNotificationsRead(ctx)
	if err != nil {
		s.setErr(err)
		return 0, err
	}
	s.update(func(state *State) bool {
		markAllRead(state)
		state.Err = nil
		return true
	})
	return updated, nil
}

// Poke asks the poller for an early poll, subject to MinPollInterval. It
// does nothing while the channel is delivering updates.
func (s *Session) Poke() {
	select {
	case s.pokes <- struct{}{}:
	default:
	}
}

// ============================================================================
// Polling
// ============================================================================

func (s *Session) startPolling(ctx context.Context) {
	s.mu.Lock()
	if s.polling || s.stopped {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.pollDone = make(chan struct{})
	done := s.pollDone
	s.mu.Unlock()

	s.logger.Info("polling_started", "interval", s.cfg.PollInterval)
	s.update(func(state *State) bool {
		state.Polling = true
		return true
	})
	go s.poll(ctx, done)
}

func (s *Session) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.pokes:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("poll_failed", "error", err)
		}
	}
}

// ============================================================================
// Local State
// ============================================================================

func (s *Session) markLocally(id int64) {
	s.update(func(state *State) bool {
		i := indexOf(state.Notifications, id)
		if i < 0 || state.Notifications[i].IsRead {
			return false
		}
		state.Notifications = slices.Clone(state.Notifications)
		state.Notifications[i].IsRead = true
		if state.UnreadCount > 0 {
			state.UnreadCount--
		}
		return true
	})
}

func markAllRead(state *State) {
	notifications := slices.Clone(state.Notifications)
	for i := range notifications {
		notifications[i].IsRead = true
	}
	state.Notifications = notifications
	state.UnreadCount = 0
}

func (s *Session) capped(list []portalsdk.Notification) []portalsdk.Notification {
	if len(list) > s.cfg.Limit {
		list = list[:s.cfg.Limit]
	}
	out := make([]portalsdk.Notification, len(list))
	copy(out, list)
	return out
}

func (s *Session) setErr(err error) {
	s.update(func(state *State) bool {
		state.Err = err
		return true
	})
}

// update applies fn to a copy of the state and publishes it when fn
// reports a change.
func (s *Session) update(fn func(*State) bool) {
	s.mu.Lock()
	next := s.state
	if !fn(&next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()

	defer s.notifyMu.Unlock()
	for _, sub := range subs {
		sub(next)
	}
}
