// Package acquisition polls the device for coolant temperature and feeds
// the readings into the coordination store.
package acquisition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/store"
)

const source = "acquisition"

// Source produces temperature samples. The whatsminer client satisfies it.
type Source interface {
	FetchLiquidTemperature(ctx context.Context) (model.TemperatureSample, error)
}

type Config struct {
	Interval   time.Duration
	BackoffMax time.Duration
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "interval must be positive")
	}
	if c.BackoffMax < c.Interval {
		return errFactory.WithData(ErrInvalidConfig, "backoff_max must not be shorter than interval")
	}
	return nil
}

// Stats are the request counters since the loop was created.
type Stats struct {
	Total               uint64    `json:"total_requests"`
	Successful          uint64    `json:"successful_requests"`
	Failed              uint64    `json:"failed_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	Running             bool      `json:"running"`
}

// Healthy reports whether more than half of all requests succeeded. A loop
// that has made no requests yet is healthy.
func (s Stats) Healthy() bool {
	return s.Total == 0 || s.SuccessRate > 50
}

type Option func(*Loop)

func WithLogger(log logger.Logger) Option {
	return func(l *Loop) { l.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

type Loop struct {
	src   Source
	store *store.Store
	cfg   Config
	log   logger.Logger
	now   func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
}

func New(src Source, st *store.Store, cfg Config, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loop{
		src:   src,
		store: st,
		cfg:   cfg,
		log:   logger.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run polls until ctx is done. Failures stretch the delay before the next
// poll; the first success restores the configured interval.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New().New(errors.ErrAlreadyRunning)
	}
	defer l.running.Store(false)

	l.log.Info().
		Dur("interval", l.cfg.Interval).
		Dur("backoff_max", l.cfg.BackoffMax).
		Msg("Acquisition started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Acquisition stopped")
			return nil
		case <-timer.C:
			_ = l.Poll(ctx)
			timer.Reset(l.nextDelay())
		}
	}
}

// Poll performs one fetch and publishes its outcome: a TEMPERATURE entry on
// success, an ERROR entry on failure.
func (l *Loop) Poll(ctx context.Context) error {
	sample, err := l.src.FetchLiquidTemperature(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		l.recordFailure(err)
		return err
	}

	l.recordSuccess()
	if !sample.Valid {
		l.log.Warn().Float64("temperature", sample.Value).Msg("Implausible coolant temperature")
	}
	if err := store.Publish(l.store, store.Temperature, sample, source); err != nil {
		l.log.Debug().Err(err).Msg("Temperature not published")
	}
	return nil
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats
	s.Running = l.running.Load()
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
	}
	return s
}

func (l *Loop) recordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stats.ConsecutiveFailures > 0 {
		l.log.Info().
			Int("failures", l.stats.ConsecutiveFailures).
			Msg("Device reachable again")
	}
	l.stats.Total++
	l.stats.Successful++
	l.stats.ConsecutiveFailures = 0
	l.stats.LastSuccess = l.now()
}

func (l *Loop) recordFailure(err error) {
	l.mu.Lock()
	l.stats.Total++
	l.stats.Failed++
	l.stats.ConsecutiveFailures++
	l.stats.LastError = err.Error()
	n := l.stats.ConsecutiveFailures
	l.mu.Unlock()

	code := errors.CodeOf(err)
	if code == "" {
		code = ErrFetchFailed
	}

	l.log.Warn().
		Err(err).
		Str("code", string(code)).
		Int("consecutive_failures", n).
		Dur("retry_in", backoff(l.cfg, n)).
		Msg("Temperature fetch failed")

	if perr := store.Publish(l.store, store.Error, model.ErrorReport{
		Source:  source,
		Code:    string(code),
		Message: err.Error(),
		Time:    l.now(),
	}, source); perr != nil {
		l.log.Debug().Err(perr).Msg("Error report not published")
	}
}

func (l *Loop) nextDelay() time.Duration {
	l.mu.Lock()
	n := l.stats.ConsecutiveFailures
	l.mu.Unlock()
	return backoff(l.cfg, n)
}

// backoff returns the delay after n consecutive failures: the interval
// doubled n-1 times, capped at BackoffMax.
func backoff(cfg Config, n int) time.Duration {
	d := cfg.Interval
	for i := 1; i < n && d < cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, cfg.BackoffMax)
}
