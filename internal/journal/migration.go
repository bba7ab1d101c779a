package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
)

const archiveTimeFormat = "20060102T150405Z"

// journalTables are dropped, in order, when a journal is started over.
var journalTables = []string{"regulator_events", "schema_versions"}

// EnsureSchema readies db for the current journal layout. An empty database
// gets the schema. A journal written under another version is archived into
// archiveDir and started over; its events are not converted.
func EnsureSchema(db *sql.DB, archiveDir string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("Journal schema is current")
		return nil
	}

	if version != 0 {
		events := countEvents(db, log)
		path, err := archiveJournal(db, archiveDir, version, time.Now())
		if err != nil {
			return err
		}

		log.Warn().
			Int("from_version", version).
			Int("to_version", SchemaVersion).
			Int64("events", events).
			Str("archive", path).
			Msg("Journal schema changed, previous events archived")
	}

	if err := resetJournal(db, log); err != nil {
		return err
	}
	return InitSchema(db, log)
}

// countEvents reports how many decisions the old journal holds, or -1 when
// its table cannot be read.
func countEvents(db *sql.DB, log logger.Logger) int64 {
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM regulator_events").Scan(&n); err != nil {
		log.Debug().Err(err).Msg("Could not count archived journal events")
		return -1
	}
	return n
}

// archiveJournal copies the whole database to
// <dir>/journal_v<version>_<timestamp>.db and returns that path.
func archiveJournal(db *sql.DB, dir string, version int, now time.Time) (string, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", errFactory.WithData(ErrArchiveFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_archive_dir",
			Path:  dir,
			Error: err.Error(),
		})
	}

	path := filepath.Join(dir, fmt.Sprintf("journal_v%d_%s.db", version, now.UTC().Format(archiveTimeFormat)))

	// VACUUM INTO fails inside a transaction.
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", errFactory.WithData(ErrArchiveFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "copy_journal",
			Path:  path,
			Error: err.Error(),
		})
	}

	return path, nil
}

func resetJournal(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to roll back journal reset")
			}
		}
	}()

	for _, table := range journalTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, struct {
				Phase string
				Table string
				Error string
			}{
				Phase: "reset_journal",
				Table: table,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	return nil
}
