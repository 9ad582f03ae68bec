package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

func newMockBackend(t *testing.T) (*Backend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS frontier_kv").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	b, err := NewWithPool(context.Background(), mock, "")
	require.NoError(t, err)
	return b, mock
}

func TestPutUpserts(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	c, err := b.Open(context.Background(), "noticed.core")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO frontier_kv").
		WithArgs("noticed.core", []byte("k"), []byte("v")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, c.Put(context.Background(), []byte("k"), []byte("v")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRows(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	c, err := b.Open(context.Background(), "noticed.core")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM frontier_kv").
		WithArgs("noticed.core", []byte("missing")).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT value FROM frontier_kv").
		WithArgs("noticed.core", []byte("k")).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("v")))

	_, err = c.Get(context.Background(), []byte("missing"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	got, err := c.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestForEachOrdersByKey(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	c, err := b.Open(context.Background(), "noticed.limit")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key, value FROM frontier_kv WHERE container = \\$1 ORDER BY key").
		WithArgs("noticed.limit").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow([]byte("a"), []byte("1")).
			AddRow([]byte("b"), []byte("2")))

	var keys []string
	require.NoError(t, c.ForEach(context.Background(), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLenAndDrop(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	c, err := b.Open(context.Background(), "urlError3.index")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT count").
		WithArgs("urlError3.index").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectExec("DELETE FROM frontier_kv WHERE container").
		WithArgs("urlError3.index").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := c.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, b.Drop(context.Background(), "urlError3.index"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(context.Background(), mock, "bad;table")
	require.Error(t, err)
}
