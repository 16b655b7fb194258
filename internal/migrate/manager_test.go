package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestSplitStatementsKeepsFunctionBodies(t *testing.T) {
	sql := `create table a (v text default 'x;y');
create function f() returns trigger as $$
begin
    raise exception 'no; never';
end;
$$ language plpgsql;
drop table b;`
	stmts := splitStatements(sql)
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[1], "raise exception 'no; never';")
	require.Contains(t, stmts[1], "language plpgsql;")
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"m/0001_init.up.sql":   {Data: []byte("create table a (id int);")},
		"m/0001_init.down.sql": {Data: []byte("drop table a;")},
		"m/0002_more.up.sql":   {Data: []byte("create table b (id int); create table c (id int);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewManager(db, files, "m").Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
