package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

var snapshotColumns = []string{"record_key", "name", "category", "status", "fetched_at"}

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewRecordStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "snapshots; DROP TABLE x", "")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewRecordStoreWithPool(nil, "", "")
	require.ErrorContains(t, err, "pool is required")
}

func TestAppendSnapshotInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	snap := tracker.Snapshot{Key: "1234567", Name: "ACME", Category: "9", Status: "Registered", Timestamp: now}

	mock.ExpectExec("INSERT INTO record_snapshots").
		WithArgs(snap.Key, snap.Name, snap.Category, snap.Status, snap.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSnapshotWrapsError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO record_snapshots").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err := store.AppendSnapshot(context.Background(), tracker.Snapshot{Key: "1", Timestamp: time.Now()})
	require.ErrorContains(t, err, "insert snapshot: connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFailureInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	f := tracker.FailureRecord{Key: "1", Reason: tracker.ReasonCaptchaExhausted, Detail: "5 attempts", Timestamp: now}

	mock.ExpectExec("INSERT INTO record_failures").
		WithArgs(f.Key, f.Name, f.Category, f.Reason, f.Detail, f.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendFailure(context.Background(), f))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestByKeyAndByName(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("WHERE record_key = ").
		WithArgs("1234567").
		WillReturnRows(mock.NewRows(snapshotColumns).AddRow("1234567", "ACME", "9", "Registered", now))
	mock.ExpectQuery("WHERE lower\\(name\\) = lower").
		WithArgs("ACME", "9").
		WillReturnRows(mock.NewRows(snapshotColumns).AddRow("1234567", "ACME", "9", "Registered", now))
	mock.ExpectQuery("WHERE record_key = ").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	snap, err := store.Latest(ctx, tracker.Target{Key: "1234567"})
	require.NoError(t, err)
	require.Equal(t, "Registered", snap.Status)

	snap, err = store.Latest(ctx, tracker.Target{Name: "ACME", Category: "9"})
	require.NoError(t, err)
	require.Equal(t, "1234567", snap.Key)

	_, err = store.Latest(ctx, tracker.Target{Key: "missing"})
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchCountsThenPages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM current").
		WithArgs("", "acme", "", "").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("LIMIT \\$5 OFFSET \\$6").
		WithArgs("", "acme", "", "", 2, 2).
		WillReturnRows(mock.NewRows(snapshotColumns).AddRow("3", "Acme 3", "9", "Registered", now))

	page, err := store.Search(context.Background(), tracker.RecordFilter{Name: " acme ", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 1)
	require.Equal(t, 2, page.Page)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryMergesFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM record_snapshots").
		WithArgs("1").
		WillReturnRows(mock.NewRows(snapshotColumns).AddRow("1", "ACME", "9", "Registered", now))
	mock.ExpectQuery("FROM record_failures").
		WithArgs("1").
		WillReturnRows(mock.NewRows([]string{"record_key", "name", "category", "reason", "detail", "failed_at"}).
			AddRow("1", "ACME", "9", tracker.ReasonParseError, "", now.Add(time.Hour)))

	history, err := store.History(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, tracker.FailedStatus, history[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM record_snapshots").WithArgs("x").WillReturnRows(mock.NewRows(snapshotColumns))
	mock.ExpectQuery("FROM record_failures").WithArgs("x").
		WillReturnRows(mock.NewRows([]string{"record_key", "name", "category", "reason", "detail", "failed_at"}))

	_, err := store.History(context.Background(), "x")
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestDeleteReportsRowsPerTable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM record_snapshots").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM record_failures").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	res, err := store.Delete(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	require.Equal(t, tracker.DeleteResult{Snapshots: 3, Failures: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectPing()

	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
