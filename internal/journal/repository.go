package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []Event
	dropped       uint64
	closed        bool
	flushMu       sync.Mutex
	flushSignal   chan struct{}
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewRepository opens (or creates) the SQLite journal at cfg.DBPath.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_auto_vacuum=2")
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := EnsureSchema(db, cfg.archiveDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Journal repository initialized")

	return newRepository(db, cfg, log), nil
}

func newRepository(db *sql.DB, cfg Config, log logger.Logger) *repository {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	r := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]Event, 0, cfg.BatchSize),
		flushSignal:   make(chan struct{}, 1),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}
	go r.flusher()
	return r
}

// Append buffers e. A full batch wakes the flusher; the caller never waits
// on the database. While the database keeps failing the buffer holds at most
// maxBufferedBatches batches and the oldest events are dropped.
func (r *repository) Append(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, e)
	r.trimBuffer()

	if len(r.buffer) >= r.cfg.BatchSize {
		select {
		case r.flushSignal <- struct{}{}:
		default:
		}
	}

	return nil
}

func (r *repository) SwitchesSince(ctx context.Context, since time.Time) ([]model.SwitchEvent, error) {
	errFactory := errors.New()

	if err := r.flushNow(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectSwitchesSQL, since.UnixNano())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []model.SwitchEvent
	for rows.Next() {
		var (
			at    int64
			state string
		)
		if err := rows.Scan(&at, &state); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		st, err := model.ParseRegulatorState(state)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		out = append(out, model.SwitchEvent{Timestamp: time.Unix(0, at), State: st})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Recent(ctx context.Context, limit int) ([]Event, error) {
	errFactory := errors.New()

	if limit <= 0 {
		return nil, nil
	}
	if err := r.flushNow(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                 Event
			at                int64
			kind, state, prev string
			valveOpen, sw     int
		)
		if err := rows.Scan(&e.ID, &at, &kind, &state, &prev,
			&e.Temperature, &valveOpen, &sw, &e.SwitchesLastHour, &e.Reason); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		e.Time = time.Unix(0, at)
		e.Kind = Kind(kind)
		e.ValveOpen = valveOpen == 1
		e.Switched = sw == 1
		if e.State, err = model.ParseRegulatorState(state); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if e.PriorState, err = model.ParseRegulatorState(prev); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	<-r.flushDoneChan

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to checkpoint journal WAL")
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Journal repository closed")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.flushSignal:
		case <-r.shutdownChan:
			if err := r.flushNow(); err != nil {
				r.logger.Error().Err(err).Msg("Final journal flush failed")
			}
			return
		}
		if err := r.flushNow(); err != nil {
			r.logger.Error().Err(err).Msg("Journal flush failed")
		}
	}
}

// flushNow writes everything buffered so far. Only the swap happens under
// r.mu, so Append keeps going while the transaction runs. flushMu orders
// concurrent flushes; a reader that flushes first sees every earlier event.
func (r *repository) flushNow() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.buffer
	r.buffer = make([]Event, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := r.writeBatch(batch); err != nil {
		r.requeue(batch)
		return err
	}

	r.logger.Debug().Int("records", len(batch)).Msg("Flushed journal events")
	return nil
}

// requeue puts a failed batch back in front of whatever arrived meanwhile.
func (r *repository) requeue(batch []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(batch, r.buffer...)
	r.trimBuffer()
}

// trimBuffer drops the oldest events beyond the cap. Caller holds r.mu.
func (r *repository) trimBuffer() {
	limit := r.cfg.BatchSize * maxBufferedBatches
	over := len(r.buffer) - limit
	if over <= 0 {
		return
	}

	n := copy(r.buffer, r.buffer[over:])
	r.buffer = r.buffer[:n]
	r.dropped += uint64(over)

	r.logger.Warn().
		Int("dropped", over).
		Uint64("dropped_total", r.dropped).
		Int("buffered", n).
		Msg("Journal buffer full, dropping oldest events")
}

// writeBatch inserts batch in one transaction.
func (r *repository) writeBatch(batch []Event) error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(
			e.ID,
			e.Time.UnixNano(),
			string(e.Kind),
			e.State.String(),
			e.PriorState.String(),
			e.Temperature,
			boolToInt(e.ValveOpen),
			boolToInt(e.Switched),
			e.SwitchesLastHour,
			e.Reason,
		); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	return nil
}
