package report

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchtalk/chat-server/internal/database"
)

func TestStore_CreateAndListRecent(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	require.NoError(t, database.Migrate(dsn))
	db, err := database.Open(ctx, dsn)
	require.NoError(t, err)

	var reporter int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO users (name, email) VALUES ('Reporter', 'rep-' || md5(random()::text) || '@test.local') RETURNING id`,
	).Scan(&reporter))
	t.Cleanup(func() {
		db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, reporter)
		db.Close()
	})

	store := NewStore(db)

	msgID := int64(1714560000123)
	text := "offside? never"
	first := &Report{ReporterUserID: reporter, MessageID: &msgID, MessageText: &text, Reason: "spam"}
	require.NoError(t, store.Create(ctx, first))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second := &Report{ReporterUserID: reporter, Reason: "abuse"}
	require.NoError(t, store.Create(ctx, second))

	reports, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(reports), 2)
	assert.LessOrEqual(t, len(reports), MaxList)

	// Newest first.
	assert.Equal(t, second.ID, reports[0].ID)
	assert.Nil(t, reports[0].MessageID)
	assert.Equal(t, "Reporter", reports[0].ReporterName)

	assert.Equal(t, first.ID, reports[1].ID)
	require.NotNil(t, reports[1].MessageID)
	assert.Equal(t, msgID, *reports[1].MessageID)
	require.NotNil(t, reports[1].MessageText)
	assert.Equal(t, text, *reports[1].MessageText)
}
