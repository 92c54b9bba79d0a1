package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/aussiebroadwan/portal/internal/tokenstore"
	"github.com/aussiebroadwan/portal/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/portal/pkg/chat"
	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/aussiebroadwan/portal/pkg/notify"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the portal client runtime: token storage, the REST
// client, the auth session and the chat and notification sessions.
type Application struct {
	cfg    Config
	logger *slog.Logger

	in  io.Reader
	out io.Writer

	store       tokenstore.Store
	housekeeper *tokenstore.Housekeeper // sqlite only

	client *portalsdk.Client
	auth   *portalsdk.AuthSession
	chat   *chat.Session
	notify *notify.Session

	// ended is closed once the signed in session is over (logout or expiry).
	ended     chan struct{}
	endedOnce sync.Once
}

// New creates a new Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "portal",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		in:  os.Stdin,
		out: os.Stdout,
	}

	if err := app.initStore(); err != nil {
		return nil, err
	}
	app.initSessions()
	app.watchSession()

	return app, nil
}

// Run signs in, follows notifications and, when a room is configured,
// streams it to stdout while sending stdin lines. It blocks until a signal
// arrives or stdin is closed.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(slogx.WithContext(context.Background(), app.logger))
	defer cancel()

	if app.housekeeper != nil {
		app.housekeeper.Start()
	}

	app.logger.Info("portal starting", "api", app.cfg.APIURL, "version", BuildVersion)

	user, err := app.authenticate(ctx)
	if err != nil {
		_ = app.Shutdown()
		return err
	}
	app.logger.Info("signed in", "user_id", user.ID, "username", user.Username)

	t := newTranscript(app.out, user.ID)
	app.notify.Subscribe(t.onNotifications)
	if err := app.notify.Start(ctx); err != nil {
		_ = app.Shutdown()
		return fmt.Errorf("failed to start notifications: %w", err)
	}

	inputDone := make(chan error, 1)
	if app.cfg.Room != 0 {
		app.chat.Subscribe(t.onChat)
		if _, err := app.chat.FetchRooms(ctx); err != nil {
			app.logger.Warn("failed to fetch rooms", "error", err)
		}
		if err := app.chat.EnterRoom(ctx, app.cfg.Room); err != nil {
			_ = app.Shutdown()
			return fmt.Errorf("failed to enter room %d: %w", app.cfg.Room, err)
		}
		go func() {
			inputDone <- app.readInput(ctx)
		}()
	}

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-inputDone:
		if err != nil {
			app.logger.Error("reading input failed", "error", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	case <-app.ended:
		app.logger.Info("session ended")
	}

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown closes the realtime channels with a normal closure, stops
// background work and closes the token store.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down portal...")

	if err := app.chat.Close(); err != nil {
		app.logger.Error("error closing chat session", "error", err)
	}
	if err := app.notify.Stop(); err != nil {
		app.logger.Error("error stopping notifications", "error", err)
	}

	if app.housekeeper != nil {
		app.housekeeper.Stop()
		app.housekeeper = nil
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing token store", "error", err)
		return err
	}

	app.logger.Info("portal stopped")
	return nil
}

// authenticate resumes the stored session, falling back to a password login
// when there is none or it has expired.
func (app *Application) authenticate(ctx context.Context) (*portalsdk.User, error) {
	user, err := app.auth.Restore(ctx)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, portalsdk.ErrNoTokens) && !errors.Is(err, portalsdk.ErrSessionExpired) {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	if app.cfg.Username == "" {
		return nil, fmt.Errorf("no usable session and PORTAL_USERNAME is unset: %w", err)
	}

	app.logger.Debug("no stored session, logging in", "reason", err)
	user, err = app.auth.Login(ctx, portalsdk.Credentials{
		Username:  app.cfg.Username,
		Password:  app.cfg.Password,
		OTPSecret: app.cfg.OTPSecret,
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// readInput sends each non-empty stdin line to the active room. Lines go
// over the realtime channel when it is open and over REST otherwise.
func (app *Application) readInput(ctx context.Context) error {
	scanner := bufio.NewScanner(app.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		err := app.chat.SendMessage(line)
		if errors.Is(err, portalsdk.ErrNotConnected) {
			_, err = app.chat.PostMessage(ctx, line)
		}
		if err != nil {
			app.logger.Warn("send failed", "error", err)
		}
	}
	return scanner.Err()
}

// initStore opens the configured token store.
func (app *Application) initStore() error {
	if strings.EqualFold(app.cfg.TokenStore, StoreMemory) {
		app.store = memoryStore{portalsdk.NewMemoryTokenStore()}
		return nil
	}

	key, err := cryptox.LoadOrCreateKeyMaterial(app.cfg.MasterKey, app.cfg.MasterKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}

	if strings.EqualFold(app.cfg.TokenStore, StoreFile) {
		sealer, err := cryptox.NewSealer(key, tokenstore.SealInfo)
		if err != nil {
			return err
		}
		app.store = tokenstore.NewFileStore(app.cfg.TokenFile, sealer)
		return nil
	}

	sealer, err := cryptox.NewSealer(key, sqlite.SealInfo)
	if err != nil {
		return err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn, app.cfg.Profile(), sealer)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.logger.Info("database migrations applied successfully")

	app.store = db
	app.housekeeper = tokenstore.NewHousekeeper(db, app.logger, app.cfg.HousekeepingInterval)
	return nil
}

// initSessions builds the client and the sessions on top of it.
func (app *Application) initSessions() {
	app.client = portalsdk.NewClient(portalsdk.ClientConfig{
		BaseURL:    app.cfg.APIURL,
		WSBaseURL:  app.cfg.WSURL,
		HTTPClient: &http.Client{Timeout: app.cfg.HTTPTimeout},
		Store:      app.store,
		Logger:     app.logger,
	})
	app.auth = portalsdk.NewAuthSession(app.client)

	app.chat = chat.NewSession(chat.Config{
		Backend:      app.client,
		Logger:       app.logger,
		ProbeTimeout: app.cfg.ProbeTimeout,
		BaseDelay:    app.cfg.ReconnectBaseDelay,
		MaxAttempts:  app.cfg.ReconnectMaxAttempts,
	})
	app.notify = notify.NewSession(notify.Config{
		Backend:      app.client,
		Logger:       app.logger,
		PollInterval: app.cfg.PollInterval,
		ProbeTimeout: app.cfg.ProbeTimeout,
		BaseDelay:    app.cfg.ReconnectBaseDelay,
		MaxAttempts:  app.cfg.ReconnectMaxAttempts,
	})
}

// watchSession ends the chat and notification sessions when a signed in
// session is logged out or expires. Their channels close with a normal
// closure and the notification poller stops.
func (app *Application) watchSession() {
	app.ended = make(chan struct{})

	var signedIn atomic.Bool
	app.client.Tokens().OnStatusChange(func(status portalsdk.Status) {
		switch status {
		case portalsdk.StatusAuthenticated:
			signedIn.Store(true)
		case portalsdk.StatusAnonymous, portalsdk.StatusExpired:
			if signedIn.Swap(false) {
				go app.endSessions(status)
			}
		}
	})
}

func (app *Application) endSessions(status portalsdk.Status) {
	app.logger.Info("closing realtime sessions", "status", status)

	if err := app.chat.Close(); err != nil {
		app.logger.Error("error closing chat session", "error", err)
	}
	if err := app.notify.Stop(); err != nil {
		app.logger.Error("error stopping notifications", "error", err)
	}
	app.endedOnce.Do(func() { close(app.ended) })
}

type memoryStore struct {
	*portalsdk.MemoryTokenStore
}

func (memoryStore) Close() error { return nil }
