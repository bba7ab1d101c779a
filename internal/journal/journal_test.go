package journal

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	events []Event
	closed bool
}

func (m *memRepo) Append(e Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memRepo) SwitchesSince(_ context.Context, since time.Time) ([]model.SwitchEvent, error) {
	var out []model.SwitchEvent
	for _, e := range m.events {
		if e.Switched && !e.Time.Before(since) {
			out = append(out, model.SwitchEvent{Timestamp: e.Time, State: e.State})
		}
	}
	return out, nil
}

func (m *memRepo) Recent(context.Context, int) ([]Event, error) { return m.events, nil }

func (m *memRepo) Close() error {
	m.closed = true
	return nil
}

func TestServiceFillsIdentityAndTime(t *testing.T) {
	repo := &memRepo{}
	svc := newService(repo, logger.Nop())
	svc.now = func() time.Time { return epoch }

	require.NoError(t, svc.Record(context.Background(), Event{Kind: KindManual, State: model.StateManualOverride}))
	require.Len(t, repo.events, 1)

	got := repo.events[0]
	_, err := uuid.Parse(got.ID)
	assert.NoError(t, err)
	assert.Equal(t, epoch, got.Time)

	require.NoError(t, svc.Record(context.Background(), Event{ID: "fixed", Kind: KindResume, Time: epoch.Add(time.Hour)}))
	assert.Equal(t, "fixed", repo.events[1].ID)
	assert.Equal(t, epoch.Add(time.Hour), repo.events[1].Time)

	require.NoError(t, svc.Close())
	assert.True(t, repo.closed)
}

func TestServiceRejectsBadInput(t *testing.T) {
	svc := newService(&memRepo{}, logger.Nop())

	err := svc.Record(context.Background(), Event{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidEvent))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.Record(ctx, Event{Kind: KindTransition})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
}

func TestDisabledJournalIsNoop(t *testing.T) {
	rec, err := NewService(Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, rec.Record(context.Background(), Event{Kind: KindTransition}))
	sw, err := rec.SwitchesSince(context.Background(), epoch)
	require.NoError(t, err)
	assert.Empty(t, sw)
	assert.NoError(t, rec.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())

	err := Config{Enabled: true}.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidDBPath))

	err = Config{Enabled: true, DBPath: "/tmp/j.db"}.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))

	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/coolantctl/archive", cfg.archiveDir())
}
