package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapp/panel/pkg/moderation"
	"github.com/collapp/panel/pkg/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func pluginRows(id string, isPending, isBuilding bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "description", "icon", "author_id", "source_id",
		"is_pending", "is_building", "created_at",
	}).AddRow(id, "Tasks", "A task plugin", "", "author-1", "source-1", isPending, isBuilding, time.Now())
}

func TestTransitionToRejected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE plugins SET is_pending = FALSE`).
		WithArgs("plugin-1").
		WillReturnRows(pluginRows("plugin-1", false, false))
	mock.ExpectExec(`INSERT INTO moderation_logs`).
		WithArgs(sqlmock.AnyArg(), moderation.LogContentRejected, "admin-1", "plugin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	plugin, err := store.TransitionToRejected(context.Background(), "plugin-1", "admin-1")
	require.NoError(t, err)
	assert.False(t, plugin.IsPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionToRejectedMissedClassification(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{name: "plugin gone", exists: false, want: moderation.ErrNotFound},
		{name: "already decided", exists: true, want: moderation.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(`UPDATE plugins SET is_pending = FALSE`).
				WithArgs("plugin-1").
				WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs("plugin-1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			mock.ExpectRollback()

			_, err := store.TransitionToRejected(context.Background(), "plugin-1", "admin-1")
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionToBuilding(t *testing.T) {
	store, mock := newMockStore(t)

	payload := []byte(`{"requestId":"plugin-1"}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE plugins SET is_pending = FALSE, is_building = TRUE`).
		WithArgs("plugin-1").
		WillReturnRows(pluginRows("plugin-1", false, true))
	mock.ExpectExec(`INSERT INTO moderation_logs`).
		WithArgs(sqlmock.AnyArg(), moderation.LogContentAccepted, "admin-1", "plugin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO build_outbox`).
		WithArgs(sqlmock.AnyArg(), "plugin-1", payload).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	plugin, deliveryID, err := store.TransitionToBuilding(context.Background(), "plugin-1", "admin-1", payload)
	require.NoError(t, err)
	assert.True(t, plugin.IsBuilding)
	assert.NotEmpty(t, deliveryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionToBuildingGuardsSource(t *testing.T) {
	// A plugin without a source artifact never matches the conditional update.
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE plugins SET is_pending = FALSE, is_building = TRUE`).
		WithArgs("plugin-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("plugin-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, _, err := store.TransitionToBuilding(context.Background(), "plugin-1", "admin-1", []byte(`{}`))
	assert.ErrorIs(t, err, moderation.ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPlugins(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM plugins`).
		WithArgs("task", 20, 0).
		WillReturnRows(pluginRows("plugin-1", true, false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM plugins`).
		WithArgs("task").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	plugins, total, err := store.ListPlugins(context.Background(), moderation.ListRequest{
		Page: 1, Limit: 20, Name: "task",
	})
	require.NoError(t, err)
	assert.Len(t, plugins, 1)
	assert.Equal(t, 42, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPluginForReview(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "icon", "author_id", "source_id",
		"is_pending", "is_building", "created_at",
		"a_id", "a_name", "a_email", "a_created_at",
		"s_url",
	}).AddRow(
		"plugin-1", "Tasks", "", "", "author-1", "source-1",
		true, false, time.Now(),
		"author-1", "Ada", "ada@example.com", time.Now(),
		"uploads/tasks.zip",
	)
	mock.ExpectQuery(`SELECT p\.id`).
		WithArgs("plugin-1").
		WillReturnRows(rows)

	plugin, err := store.GetPluginForReview(context.Background(), "plugin-1")
	require.NoError(t, err)
	require.NotNil(t, plugin.Source)
	assert.Equal(t, "uploads/tasks.zip", plugin.Source.URL)
	require.NotNil(t, plugin.Author)
	assert.Equal(t, "ada@example.com", plugin.Author.Email)
}

func TestGetPluginForReviewNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT p\.id`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetPluginForReview(context.Background(), "nope")
	assert.ErrorIs(t, err, moderation.ErrNotFound)
}

func TestFindAdminByEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, name FROM admin_users WHERE email = $1`)).
		WithArgs("admin@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).
			AddRow("admin-1", "admin@example.com", "Grace"))

	admin, err := store.FindAdminByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", admin.ID)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, name FROM admin_users WHERE email = $1`)).
		WithArgs("user@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err = store.FindAdminByEmail(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, moderation.ErrNotFound)
}

func TestGetSessionExpiredNotReturned(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT token, user_email, user_name, expires_at, created_at`).
		WithArgs("stale").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "stale")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDuePendingDeliveries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, plugin_id, payload, attempts, created_at`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "plugin_id", "payload", "attempts", "created_at"}).
			AddRow("d1", "plugin-1", []byte(`{}`), 2, time.Now()))

	due, err := store.DuePendingDeliveries(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "d1", due[0].ID)
	assert.Equal(t, 2, due[0].Attempts)
}

func TestMarkFailed(t *testing.T) {
	store, mock := newMockStore(t)

	next := time.Now().Add(time.Minute)
	mock.ExpectExec(`UPDATE build_outbox`).
		WithArgs("d1", next, "build server returned 502").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkFailed(context.Background(), "d1", next, "build server returned 502")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
