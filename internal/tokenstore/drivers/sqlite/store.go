// Package sqlite is a SQLite backed token store. One database can hold the
// sessions of several profiles, one row each.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	_ "modernc.org/sqlite"
)

// SealInfo binds the store's key to its purpose.
const SealInfo = "portal/tokenstore/sqlite/v1"

// Store implements portalsdk.TokenStore for one profile. Token values are
// sealed at rest, expiries are stored in clear as unix milliseconds.
type Store struct {
	db      *sql.DB
	profile string
	sealer  *cryptox.Sealer
	now     func() time.Time
}

// NewStore opens the database at dsn, e.g.
// "file:portal.db?_pragma=busy_timeout(5000)". Call ApplyMigrations before
// use.
func NewStore(dsn, profile string, sealer *cryptox.Sealer) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, profile: profile, sealer: sealer, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context) (portalsdk.TokenPair, error) {
	var (
		access, refresh               []byte
		accessExpires, refreshExpires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, access_expires_at, refresh_expires_at
		FROM token_pairs WHERE profile = ?`, s.profile,
	).Scan(&access, &refresh, &accessExpires, &refreshExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return portalsdk.TokenPair{}, portalsdk.ErrNoTokens
	}
	if err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("load tokens: %w", err)
	}

	accessToken, err := s.sealer.Open(access)
	if err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("%w: %w", portalsdk.ErrNoTokens, err)
	}
	refreshToken, err := s.sealer.Open(refresh)
	if err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("%w: %w", portalsdk.ErrNoTokens, err)
	}

	return portalsdk.TokenPair{
		AccessToken:      string(accessToken),
		RefreshToken:     string(refreshToken),
		AccessExpiresAt:  time.UnixMilli(accessExpires).UTC(),
		RefreshExpiresAt: time.UnixMilli(refreshExpires).UTC(),
	}, nil
}

// Save replaces the profile's pair in one transaction.
func (s *Store) Save(ctx context.Context, pair portalsdk.TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	access, err := s.sealer.Seal([]byte(pair.AccessToken))
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal([]byte(pair.RefreshToken))
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO token_pairs (profile, access_token, refresh_token, access_expires_at, refresh_expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (profile) DO UPDATE SET
				access_token       = excluded.access_token,
				refresh_token      = excluded.refresh_token,
				access_expires_at  = excluded.access_expires_at,
				refresh_expires_at = excluded.refresh_expires_at,
				updated_at         = excluded.updated_at`,
			s.profile, access, refresh,
			pair.AccessExpiresAt.UnixMilli(), pair.RefreshExpiresAt.UnixMilli(),
			s.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("save tokens: %w", err)
		}
		return nil
	})
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM token_pairs WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// DeleteExpired removes every profile's pair whose refresh token expired
// before now. It returns the number of rows removed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_pairs WHERE refresh_expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}
