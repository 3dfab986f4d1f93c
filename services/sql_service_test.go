package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"advisor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQL はクエリ文字列の部分一致で結果を返す database/sql ドライバ
type fakeSQL struct {
	mu        sync.Mutex
	rules     []fakeSQLRule
	queries   []string
	execs     []fakeSQLExec
	readOnly  []bool
	commits   int
	rollbacks int
}

type fakeSQLRule struct {
	contains string
	columns  []string
	rows     [][]driver.Value
	err      error
}

type fakeSQLExec struct {
	query string
	args  []driver.Value
}

func newFakeSQL(t *testing.T, rules ...fakeSQLRule) (*fakeSQL, *sql.DB) {
	t.Helper()
	f := &fakeSQL{rules: rules}
	db := sql.OpenDB(f)
	t.Cleanup(func() { db.Close() })
	return f, db
}

func (f *fakeSQL) Connect(ctx context.Context) (driver.Conn, error) {
	return &fakeSQLConn{f: f}, nil
}

func (f *fakeSQL) Driver() driver.Driver {
	return fakeSQLDriver{f: f}
}

type fakeSQLDriver struct {
	f *fakeSQL
}

func (d fakeSQLDriver) Open(name string) (driver.Conn, error) {
	return &fakeSQLConn{f: d.f}, nil
}

type fakeSQLConn struct {
	f *fakeSQL
}

func (c *fakeSQLConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepare is not supported")
}

func (c *fakeSQLConn) Close() error { return nil }

func (c *fakeSQLConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeSQLConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.readOnly = append(c.f.readOnly, opts.ReadOnly)
	return &fakeSQLTx{f: c.f}, nil
}

func (c *fakeSQLConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.queries = append(c.f.queries, query)
	for _, rule := range c.f.rules {
		if strings.Contains(query, rule.contains) {
			if rule.err != nil {
				return nil, rule.err
			}
			return &fakeSQLRows{columns: rule.columns, rows: rule.rows}, nil
		}
	}
	return nil, errors.New("unexpected query: " + query)
}

func (c *fakeSQLConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	c.f.execs = append(c.f.execs, fakeSQLExec{query: query, args: values})
	return driver.RowsAffected(1), nil
}

type fakeSQLTx struct {
	f *fakeSQL
}

func (tx *fakeSQLTx) Commit() error {
	tx.f.mu.Lock()
	defer tx.f.mu.Unlock()
	tx.f.commits++
	return nil
}

func (tx *fakeSQLTx) Rollback() error {
	tx.f.mu.Lock()
	defer tx.f.mu.Unlock()
	tx.f.rollbacks++
	return nil
}

type fakeSQLRows struct {
	columns []string
	rows    [][]driver.Value
	next    int
}

func (r *fakeSQLRows) Columns() []string { return r.columns }

func (r *fakeSQLRows) Close() error { return nil }

func (r *fakeSQLRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func TestCheckReadOnly(t *testing.T) {
	tests := []struct {
		query string
		want  string
		err   bool
	}{
		{query: "SELECT client FROM clients;", want: "SELECT client FROM clients"},
		{query: "  with a as (select 1) select * from a ", want: "with a as (select 1) select * from a"},
		{query: "DELETE FROM clients", err: true},
		{query: "SELECT 1; DROP TABLE clients", err: true},
		{query: "  ;", err: true},
	}
	for _, tt := range tests {
		got, err := checkReadOnly(tt.query)
		if tt.err {
			assert.ErrorIs(t, err, ErrUnsafeQuery, tt.query)
			continue
		}
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, got)
	}
}

func TestSQLService_QueryReadOnly(t *testing.T) {
	fake, db := newFakeSQL(t, fakeSQLRule{
		contains: "FROM assets",
		columns:  []string{"client", "investment", "asset_type"},
		rows: [][]driver.Value{
			{"Karen Berg", 1250.5, []byte("Equity")},
			{"Karen Berg", int64(300), nil},
		},
	})

	rows, err := NewSQLService(db).QueryReadOnly(context.Background(), "SELECT client, investment, asset_type FROM assets WHERE client_id = 10005;")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, models.ResultRow{
		{Name: "client", Value: "Karen Berg"},
		{Name: "investment", Value: 1250.5},
		{Name: "asset_type", Value: "Equity"},
	}, rows[0])
	assert.Nil(t, rows[1][2].Value)

	assert.Equal(t, []bool{true}, fake.readOnly)
	assert.Equal(t, 1, fake.commits)
	assert.Equal(t, "client: Karen Berg, investment: 1250.5, asset_type: Equity\nclient: Karen Berg, investment: 300, asset_type: NULL\n", FormatRows(rows))
}

func TestSQLService_QueryReadOnlyRejectsWrites(t *testing.T) {
	fake, db := newFakeSQL(t)

	_, err := NewSQLService(db).QueryReadOnly(context.Background(), "UPDATE clients SET client = 'x'")
	assert.ErrorIs(t, err, ErrUnsafeQuery)
	assert.Empty(t, fake.queries)
	assert.Empty(t, fake.readOnly)
}

func TestSQLService_ClientName(t *testing.T) {
	_, db := newFakeSQL(t, fakeSQLRule{
		contains: "WHERE client_id = $1",
		columns:  []string{"client"},
		rows:     [][]driver.Value{{"Karen Berg"}},
	})

	name, err := NewSQLService(db).ClientName(context.Background(), "10005")
	require.NoError(t, err)
	assert.Equal(t, "Karen Berg", name)
}

func TestSQLService_ClientNameMissing(t *testing.T) {
	_, db := newFakeSQL(t, fakeSQLRule{
		contains: "WHERE client_id = $1",
		columns:  []string{"client"},
	})

	name, err := NewSQLService(db).ClientName(context.Background(), "404")
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestSQLService_Clients(t *testing.T) {
	_, db := newFakeSQL(t, fakeSQLRule{
		contains: "FROM client_meetings",
		columns: []string{"client_id", "client", "email", "asset_value", "client_summary",
			"last_meeting", "last_meeting_start_time", "last_meeting_end_time",
			"next_meeting", "next_meeting_start_time", "next_meeting_end_time"},
		rows: [][]driver.Value{
			{int64(10005), "Karen Berg", "karen@example.com", "1,250,000", "Retired teacher",
				nil, nil, nil,
				"Monday October 19, 2026", "09:00 AM", "09:30 AM"},
		},
	})

	clients, err := NewSQLService(db).Clients(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, models.ClientSummary{
		ClientID:           10005,
		ClientName:         "Karen Berg",
		ClientEmail:        "karen@example.com",
		AssetValue:         "1,250,000",
		ClientSummary:      "Retired teacher",
		NextMeeting:        "Monday October 19, 2026",
		NextMeetingTime:    "09:00 AM",
		NextMeetingEndTime: "09:30 AM",
	}, clients[0])
}

func TestSQLService_ClientsQueryError(t *testing.T) {
	_, db := newFakeSQL(t, fakeSQLRule{contains: "FROM client_meetings", err: errors.New("connection reset")})

	_, err := NewSQLService(db).Clients(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestSampleDataRefresher_Refresh(t *testing.T) {
	fake, db := newFakeSQL(t, fakeSQLRule{
		contains: "CURRENT_DATE",
		columns:  []string{"meeting_days", "asset_months", "status_months"},
		rows:     [][]driver.Value{{int64(12), int64(0), int64(2)}},
	})

	shift, err := NewSampleDataRefresher(db).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SampleShift{MeetingDays: 12, AssetMonths: 0, StatusMonths: 2}, shift)

	require.Len(t, fake.execs, 2)
	assert.Contains(t, fake.execs[0].query, "UPDATE client_meetings")
	assert.Equal(t, []driver.Value{int64(12)}, fake.execs[0].args)
	assert.Contains(t, fake.execs[1].query, "UPDATE retirement")
	assert.Equal(t, []driver.Value{int64(2)}, fake.execs[1].args)
	assert.Equal(t, 1, fake.commits)
}

func TestSampleDataRefresher_NothingToShift(t *testing.T) {
	fake, db := newFakeSQL(t, fakeSQLRule{
		contains: "CURRENT_DATE",
		columns:  []string{"meeting_days", "asset_months", "status_months"},
		rows:     [][]driver.Value{{int64(-2), int64(-1), int64(0)}},
	})

	_, err := NewSampleDataRefresher(db).Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fake.execs)
}
