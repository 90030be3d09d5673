package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

func reportRow(id string, active bool, lastRun *int64) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = "dash-1"
		*dest[2].(*string) = "Sales"
		*dest[3].(*string) = "http://dash.local"
		*dest[4].(*string) = `["revenue"]`
		*dest[5].(*string) = "weekly"
		*dest[6].(*string) = "0 8 * * 1"
		*dest[7].(*string) = "08:00"
		*dest[8].(*int64) = 1_700_000_000_000
		*dest[9].(*int64) = 1_800_000_000_000
		*dest[10].(*bool) = active
		*dest[11].(*string) = `["ops@example.com"]`
		*dest[12].(**int64) = lastRun
		*dest[13].(**int64) = nil
		*dest[14].(*string) = ""
		*dest[15].(*int64) = 1_700_000_000_000
		*dest[16].(*int64) = 1_700_000_000_000
		return nil
	}}
}

func TestPostgresStore_FindByID(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())

	ran := int64(1_750_000_000_000)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"r1"}).
		Return(reportRow("r1", true, &ran))

	d, err := st.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", d.ID)
	assert.Equal(t, "0 8 * * 1", d.Recurrence.Expression)
	assert.Equal(t, []string{"revenue"}, d.Widgets)
	require.NotNil(t, d.LastRun)
	assert.Equal(t, time.UnixMilli(ran).UTC(), *d.LastRun)
	assert.Nil(t, d.LastFailure)
	db.AssertExpectations(t)
}

func TestPostgresStore_FindByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := st.FindByID(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, report.IsNotFound(err))
}

func TestPostgresStore_Create_DuplicateKey(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	_, err := st.Create(context.Background(), sampleDef("dup", true, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestPostgresStore_Create_BindsAllColumns(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 17 && args[0] == "r9" && args[10] == true
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	d, err := st.Create(context.Background(), sampleDef("r9", true, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "r9", d.ID)
	db.AssertExpectations(t)
}

func TestPostgresStore_DeleteMany(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	now := time.UnixMilli(1_800_000_000_000)
	db.On("Exec", mock.Anything, "DELETE FROM reports WHERE end_at <= $1", []any{int64(1_800_000_000_000)}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := st.DeleteMany(context.Background(), report.ExpiredAt(now))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_UpdateWithoutTx(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return fixed }

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"r1"}).
		Return(reportRow("r1", true, nil))
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 17 && args[16] == "r1" && args[9] == false
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	off := false
	d, err := st.FindByIDAndUpdate(context.Background(), "r1", report.Patch{IsActive: &off})
	require.NoError(t, err)
	assert.False(t, d.IsActive)
	assert.Equal(t, fixed, d.UpdatedAt)
	db.AssertExpectations(t)
}

func TestPostgresStore_Find_QueryError(t *testing.T) {
	db := new(mockDBTX)
	st := newPostgresStore(db, logx.Nop())
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := st.Find(context.Background(), report.Active())
	require.Error(t, err)
	var se *report.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "find", se.Op)
}
