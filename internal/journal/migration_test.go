package journal

import (
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// archivePath matches an archive file for version under dir.
type archivePath struct {
	dir     string
	version string
}

func (a archivePath) Match(v driver.Value) bool {
	path, ok := v.(string)
	if !ok || filepath.Dir(path) != a.dir {
		return false
	}
	return strings.HasPrefix(filepath.Base(path), "journal_v"+a.version+"_")
}

func expectVersion(mock sqlmock.Sqlmock, version int) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("schema_versions").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(version != 0))
	if version != 0 {
		mock.ExpectQuery("SELECT version FROM schema_versions").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(version))
	}
}

func expectReset(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	for _, table := range journalTables {
		mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()
}

func expectInitSchema(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_versions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_versions").
		WithArgs(SchemaVersion).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestEnsureSchemaCurrentIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectVersion(mock, SchemaVersion)

	require.NoError(t, EnsureSchema(db, t.TempDir(), logger.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesOnEmptyDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectVersion(mock, 0)
	expectReset(mock)
	expectInitSchema(mock)

	require.NoError(t, EnsureSchema(db, t.TempDir(), logger.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaArchivesOtherVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := filepath.Join(t.TempDir(), "archive")

	expectVersion(mock, 7)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM regulator_events")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectExec("VACUUM INTO").
		WithArgs(archivePath{dir: dir, version: "7"}).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectReset(mock)
	expectInitSchema(mock)

	require.NoError(t, EnsureSchema(db, dir, logger.Nop()))
	assert.DirExists(t, dir)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaKeepsJournalWhenArchiveFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectVersion(mock, 7)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM regulator_events")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("VACUUM INTO").
		WillReturnError(sql.ErrConnDone)

	err = EnsureSchema(db, t.TempDir(), logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrArchiveFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}
