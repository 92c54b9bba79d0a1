package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/portal/pkg/slogx"
	"github.com/gorilla/websocket"
)

// TokenSource returns the credential to attach to a connection attempt. It
// is called before every dial so reconnects pick up refreshed tokens.
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Channel.
type Config struct {
	// URL is the realtime endpoint, e.g. wss://host/ws/chat/1/
	URL string

	// ProbeURL is dialed before every connection attempt to test that the
	// realtime server is reachable. Empty probes URL itself.
	ProbeURL string

	// Token is attached as the "token" query parameter. Nil connects
	// without a credential.
	Token TokenSource

	Dialer Dialer
	Logger *slog.Logger

	// ProbeTimeout bounds each probe. Default 3s.
	ProbeTimeout time.Duration

	// DialTimeout bounds each connection handshake. Default 10s.
	DialTimeout time.Duration

	// BaseDelay is multiplied by the attempt number to get the delay before
	// each reconnect. Default 1s.
	BaseDelay time.Duration

	// MaxAttempts bounds reconnection. Default 5.
	MaxAttempts int

	// OnMessage receives every inbound frame in transport order.
	OnMessage func(data []byte)

	// OnStateChange receives every state transition. It runs on the same
	// goroutine as OnMessage, so the two never interleave.
	OnStateChange func(State)
}

func (cfg *Config) setDefaults() {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.URL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
}

// Channel is a resilient realtime connection to one endpoint.
//
// Idle -> Probing -> Connecting -> Open on success, or Failed. An unexpected
// close moves Open -> Reconnecting, which re-probes and redials with a delay
// of BaseDelay*attempt until it is Open again or MaxAttempts is exceeded and
// it is Failed. Close (or a server close with code 1000) moves to Closed and
// never reconnects. Failed and Closed are terminal.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	dispatch *dispatcher

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    Conn
	started bool
	closing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns an idle channel.
func New(cfg Config) *Channel {
	cfg.setDefaults()

	return &Channel{
		cfg:      cfg,
		logger:   slogx.OrDefault(cfg.Logger).With("component", "realtime", "endpoint", redact(cfg.URL)),
		dispatch: newDispatcher(),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect probes the endpoint and opens the channel. It returns once the
// channel is Open, or with an error wrapping ErrChannelUnavailable once it
// is Failed. ctx bounds only this initial attempt; the connection lives
// until Close.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	// Close cancels the initial attempt as well.
	attemptCtx, stop := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(runCtx, stop)
	conn, err := c.establish(attemptCtx, 0)
	stopOnClose()
	stop()
	if err != nil {
		cancel()
		close(c.done)
		c.fail(0, err)
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	if !c.install(conn) {
		// Closed while connecting.
		_ = closeNormally(conn)
		cancel()
		close(c.done)
		return fmt.Errorf("%w: closed while connecting", ErrChannelUnavailable)
	}

	go c.run(runCtx, conn)
	return nil
}

// Send writes a text frame. It returns ErrNotOpen, dropping the frame, when
// the channel is not Open.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state.Status == StatusOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotOpen, err)
	}
	return nil
}

// SendJSON encodes v and sends it as a text frame.
func (c *Channel) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode frame: %w", err)
	}
	return c.Send(data)
}

// Close closes the channel with a normal closure. Pending reconnects are
// cancelled. It is safe to call more than once and from callbacks.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	terminal := c.state.Status.Terminal()
	var notify bool
	if !terminal {
		notify = c.setStateLocked(State{Status: StatusClosed})
	}
	c.mu.Unlock()

	if notify {
		c.emitState(State{Status: StatusClosed})
	}

	var err error
	if conn != nil {
		c.writeMu.Lock()
		err = closeNormally(conn)
		c.writeMu.Unlock()
	}

	if started {
		<-c.done
	}
	c.dispatch.stop()
	c.logger.Debug("channel_closed")
	return err
}

// Done is closed once the channel stops for good (Failed or Closed) and its
// connection goroutine has exited. It is never closed for a channel that
// was never connected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// run owns the connection: it reads frames until the connection drops, then
// reconnects or settles in a terminal state.
func (c *Channel) run(ctx context.Context, conn Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(conn)

		c.mu.Lock()
		closing := c.closing
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if closing {
			return
		}
		_ = conn.Close()

		if isNormalClosure(err) {
			c.logger.Info("channel_closed_by_server")
			c.transition(State{Status: StatusClosed})
			c.dispatch.stop()
			return
		}

		c.logger.Warn("channel_dropped", "error", err)
		next, ok := c.reconnect(ctx, err)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.OnMessage != nil {
			c.dispatch.push(func() { c.cfg.OnMessage(data) })
		}
	}
}

// reconnect retries with a linear backoff. It returns false when the channel
// was closed or attempts were exhausted.
func (c *Channel) reconnect(ctx context.Context, cause error) (Conn, bool) {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if !c.transition(State{Status: StatusReconnecting, Attempt: attempt, Err: cause}) {
			return nil, false
		}

		delay := c.cfg.BaseDelay * time.Duration(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := c.establish(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			c.logger.Warn("reconnect_failed", "attempt", attempt, "error", err)
			cause = err
			continue
		}

		if !c.install(conn) {
			_ = closeNormally(conn)
			return nil, false
		}
		c.logger.Info("reconnected", "attempt", attempt)
		return conn, true
	}

	c.fail(c.cfg.MaxAttempts, fmt.Errorf("%w: gave up after %d attempts: %w", ErrChannelUnavailable, c.cfg.MaxAttempts, cause))
	return nil, false
}

// establish probes and dials once. During reconnection the status stays
// Reconnecting so observers see the attempt count.
func (c *Channel) establish(ctx context.Context, attempt int) (Conn, error) {
	if attempt == 0 && !c.transition(State{Status: StatusProbing}) {
		return nil, errors.New("closed")
	}
	if err := c.probe(ctx); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	if attempt == 0 && !c.transition(State{Status: StatusConnecting}) {
		return nil, errors.New("closed")
	}
	return c.dial(ctx)
}

func (c *Channel) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}
	return closeNormally(conn)
}

func (c *Channel) dial(ctx context.Context) (Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		q := target.Query()
		q.Set("token", token)
		target.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// install makes conn current and moves to Open. It reports false if the
// channel was closed meanwhile.
func (c *Channel) install(conn Conn) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	s := State{Status: StatusOpen}
	notify := c.setStateLocked(s)
	c.mu.Unlock()

	if notify {
		c.emitState(s)
	}
	c.logger.Debug("channel_open")
	return true
}

func (c *Channel) fail(attempt int, err error) {
	if c.transition(State{Status: StatusFailed, Attempt: attempt, Err: err}) {
		c.logger.Warn("channel_failed", "error", err)
		c.dispatch.stop()
	}
}

// transition moves to s unless the channel is closing or already terminal.
func (c *Channel) transition(s State) bool {
	c.mu.Lock()
	if c.closing || c.state.Status.Terminal() {
		c.mu.Unlock()
		return false
	}
	notify := c.setStateLocked(s)
	c.mu.Unlock()

	if notify {
		c.emitState(s)
	}
	return true
}

// setStateLocked records s. Callers hold c.mu.
func (c *Channel) setStateLocked(s State) bool {
	if c.state.Status == s.Status && c.state.Attempt == s.Attempt {
		return false
	}
	c.state = s
	return true
}

func (c *Channel) emitState(s State) {
	if c.cfg.OnStateChange != nil {
		c.dispatch.push(func() { c.cfg.OnStateChange(s) })
	}
}

// redact strips the query string so credentials never reach logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}
