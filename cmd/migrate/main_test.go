package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestMigrationFiles_SortedSQLOnly(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"002_b.sql":  "SELECT 2;",
		"001_a.sql":  "SELECT 1;",
		"README.md":  "notes",
		"003_c.sql~": "backup",
	})
	files, err := migrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, files)
}

func TestApply_SkipsRecordedAndEmpty(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_a.sql": "CREATE TABLE a (id INT);",
		"002_b.sql": "   \n",
		"003_c.sql": "CREATE TABLE c (id INT);",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_a.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("003_c.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := apply(context.Background(), db, dir, []string{"001_a.sql", "002_b.sql", "003_c.sql"})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_a.sql": "CREATE TABLE a (id INT);",
		"002_b.sql": "CREATE TABLE b (id INT);",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	applied, err := apply(context.Background(), db, dir, []string{"001_a.sql", "002_b.sql"})
	assert.ErrorContains(t, err, "apply 001_a.sql")
	assert.Equal(t, 0, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
