package user

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchtalk/chat-server/internal/database"
)

// newTestStore migrates the database named by TEST_DATABASE_URL and returns a
// Store plus the id of a freshly inserted user. The test is skipped when no
// database is configured.
func newTestStore(t *testing.T) (*Store, *sql.DB, int64) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	require.NoError(t, database.Migrate(dsn))
	db, err := database.Open(ctx, dsn)
	require.NoError(t, err)

	var id int64
	err = db.QueryRowContext(ctx,
		`INSERT INTO users (name, email) VALUES ('Test Fan', 'fan-' || md5(random()::text) || '@test.local') RETURNING id`,
	).Scan(&id)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		db.Close()
	})
	return NewStore(db), db, id
}

func TestStore_GetAndBan(t *testing.T) {
	store, _, id := newTestStore(t)
	ctx := context.Background()

	supported, err := store.DetectBanSupport(ctx)
	require.NoError(t, err)
	require.True(t, supported)

	ident, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, "Test Fan", ident.Name)
	assert.False(t, ident.IsBanned)

	require.NoError(t, store.SetBanned(ctx, id, true))
	require.NoError(t, store.SetBanned(ctx, id, true), "ban is idempotent")

	banned, err := store.IsBanned(ctx, id)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, store.SetBanned(ctx, id, false))
	banned, err = store.IsBanned(ctx, id)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestStore_UnknownUser(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	ident, err := store.Get(ctx, -1)
	require.NoError(t, err)
	assert.Nil(t, ident)

	banned, err := store.IsBanned(ctx, -1)
	require.NoError(t, err)
	assert.False(t, banned)

	assert.ErrorIs(t, store.SetBanned(ctx, -1, true), ErrNotFound)
}

func TestStore_WithoutBanSupport(t *testing.T) {
	store := NewStore(nil)
	store.banSupport.Store(false)

	banned, err := store.IsBanned(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, banned)
	assert.ErrorIs(t, store.SetBanned(context.Background(), 1, true), ErrBanUnsupported)
}
