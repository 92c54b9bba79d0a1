package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/portal/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openStore(t *testing.T, dsn, profile string) *sqlite.Store {
	t.Helper()

	sealer, err := cryptox.NewSealer([]byte("master-key"), sqlite.SealInfo)
	require.NoError(t, err)

	store, err := sqlite.NewStore(dsn, profile, sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.ApplyMigrations())
	return store
}

func pair(access, refresh string, refreshExpires time.Time) portalsdk.TokenPair {
	return portalsdk.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  refreshExpires.Add(-time.Hour),
		RefreshExpiresAt: refreshExpires,
	}
}

func TestStoreSaveLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "portal.db")
	store := openStore(t, dsn, "https://portal.example")
	require.NoError(t, store.Ping(ctx))

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, portalsdk.ErrNoTokens)

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, pair("access-1", "refresh-1", expires)))
	require.NoError(t, store.Save(ctx, pair("access-2", "refresh-2", expires.Add(time.Hour))))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessToken)
	require.Equal(t, "refresh-2", got.RefreshToken)
	require.WithinDuration(t, expires.Add(time.Hour), got.RefreshExpiresAt, time.Millisecond)
	require.WithinDuration(t, expires, got.AccessExpiresAt, time.Millisecond)

	// Migrations are idempotent and data survives a reopen.
	reopened := openStore(t, dsn, "https://portal.example")
	got, err = reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh-2", got.RefreshToken)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, portalsdk.ErrNoTokens)
}

func TestStoreSealsTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "portal.db")
	store := openStore(t, dsn, "default")
	require.NoError(t, store.Save(ctx, pair("access-secret", "refresh-secret", time.Now().Add(time.Hour))))

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	var access, refresh []byte
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM token_pairs WHERE profile = ?`, "default",
	).Scan(&access, &refresh))
	require.NotContains(t, string(access), "access-secret")
	require.NotContains(t, string(refresh), "refresh-secret")
}

func TestStoreProfilesAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "portal.db")
	a := openStore(t, dsn, "a")
	b := openStore(t, dsn, "b")

	expires := time.Now().Add(time.Hour)
	require.NoError(t, a.Save(ctx, pair("access-a", "refresh-a", expires)))

	_, err := b.Load(ctx)
	require.ErrorIs(t, err, portalsdk.ErrNoTokens)

	require.NoError(t, b.Save(ctx, pair("access-b", "refresh-b", expires)))
	require.NoError(t, a.Clear(ctx))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-b", got.AccessToken)
}

func TestStoreRejectsHalfPair(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "portal.db"), "default")
	half := pair("access", "", time.Now().Add(time.Hour))
	require.ErrorIs(t, store.Save(context.Background(), half), portalsdk.ErrIncompletePair)
}

func TestStoreDeleteExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "portal.db")
	live := openStore(t, dsn, "live")
	dead := openStore(t, dsn, "dead")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, live.Save(ctx, pair("a1", "r1", now.Add(time.Hour))))
	require.NoError(t, dead.Save(ctx, pair("a2", "r2", now.Add(-time.Hour))))

	deleted, err := live.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = dead.Load(ctx)
	require.ErrorIs(t, err, portalsdk.ErrNoTokens)
	_, err = live.Load(ctx)
	require.NoError(t, err)
}
