// Package journal persists regulator decisions in SQLite so that the hourly
// switch budget survives restarts and operators can audit what the regulator
// did and why.
package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"github.com/google/uuid"
)

type service struct {
	repo Repository
	log  logger.Logger
	now  func() time.Time
}

type noopRecorder struct{}

// NewService opens the journal described by cfg. A disabled journal yields a
// recorder that accepts and forgets everything.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("Journal service initialized")

	return newService(repo, log), nil
}

func newService(repo Repository, log logger.Logger) *service {
	return &service{repo: repo, log: log, now: time.Now}
}

func (s *service) Record(ctx context.Context, e Event) error {
	errFactory := errors.New()

	if e.Kind == "" {
		return errFactory.WithData(ErrInvalidEvent, "missing kind")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = s.now()
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Append(e)
}

func (s *service) SwitchesSince(ctx context.Context, since time.Time) ([]model.SwitchEvent, error) {
	return s.repo.SwitchesSince(ctx, since)
}

func (s *service) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopRecorder) Record(context.Context, Event) error { return nil }

func (*noopRecorder) SwitchesSince(context.Context, time.Time) ([]model.SwitchEvent, error) {
	return nil, nil
}

func (*noopRecorder) Recent(context.Context, int) ([]Event, error) { return nil, nil }

func (*noopRecorder) Close() error { return nil }
