package tokenstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/portal/pkg/slogx"
)

// Expirer deletes pairs whose refresh token has expired.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Housekeeper periodically removes expired sessions from a shared store so
// profiles that are no longer used do not accumulate dead tokens.
type Housekeeper struct {
	store    Expirer
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeper returns a housekeeper. If interval is 0 or negative it
// defaults to 1 hour.
func NewHousekeeper(store Expirer, logger *slog.Logger, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Hour
	}

	return &Housekeeper{
		store:    store,
		logger:   slogx.OrDefault(logger).With("component", "tokenstore"),
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then every interval until Stop.
func (h *Housekeeper) Start() {
	go h.run()
	h.logger.Debug("housekeeping_started", "interval", h.interval)
}

// Stop blocks until an in-progress cleanup has finished.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
	h.logger.Debug("housekeeping_stopped")
}

func (h *Housekeeper) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.cleanup()
	for {
		select {
		case <-ticker.C:
			h.cleanup()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Housekeeper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := h.store.DeleteExpired(ctx, h.now())
	if err != nil {
		h.logger.Error("housekeeping_failed", "error", err)
		return
	}
	if deleted > 0 {
		h.logger.Info("expired_tokens_deleted", "count", deleted)
	}
}
