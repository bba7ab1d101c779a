package store

import (
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
)

const DefaultHistorySize = 1000

// Entry is a timestamped value held by the store. Values handed out by the
// store are copies.
type Entry[T any] struct {
	Key       KeyID     `json:"key"`
	Value     T         `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Subscription identifies a registered callback.
type Subscription struct {
	key KeyID
	id  uint64
}

func (s Subscription) Key() KeyID { return s.key }

type Config struct {
	HistorySize int
}

type Option func(*Store)

// WithClock overrides the time source used for entry timestamps and
// freshness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

type subscriber struct {
	id uint64
	fn func(Entry[any])
}

// slot holds everything for a single key. pubMu serializes publishers on
// the key for the whole publish, including subscriber delivery, so that
// history and delivery share one order. mu guards the data and is only held
// for copies.
type slot struct {
	pubMu sync.Mutex

	mu      sync.RWMutex
	current Entry[any]
	hasData bool
	ring    []Entry[any]
	head    int
	size    int
	subs    []subscriber
	updates uint64
}

// Store is the coordination core: a typed latest-value store with bounded
// per-key history and synchronous publish/subscribe.
type Store struct {
	slots   [numKeys]*slot
	now     func() time.Time
	log     logger.Logger
	started time.Time

	nextSub atomic.Uint64
	closed  atomic.Bool

	srcMu    sync.Mutex
	bySource map[string]uint64

	closeMu sync.Mutex
	closers []io.Closer
}

// New allocates empty per-key stores.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.HistorySize < 0 {
		return nil, errors.New().WithData(ErrInvalidConfig, "history size must be positive")
	}

	s := &Store{
		now:      time.Now,
		log:      logger.Nop(),
		bySource: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.slots {
		s.slots[i] = &slot{ring: make([]Entry[any], cfg.HistorySize)}
	}
	s.started = s.now()

	return s, nil
}

// Publish replaces the current entry for key, appends it to the key's
// history and invokes every subscriber of key before returning.
func Publish[T any](s *Store, key Key[T], value T, source string) error {
	return s.publish(key.id, value, source)
}

// Current returns a copy of the latest entry for key.
func Current[T any](s *Store, key Key[T]) (Entry[T], bool) {
	sl := s.slots[key.id]
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if !sl.hasData {
		return Entry[T]{}, false
	}
	return typed[T](sl.current), true
}

// HistoryQuery narrows History. Zero values mean no filter.
type HistoryQuery struct {
	Since time.Time
	Limit int
}

// History returns entries for key oldest-to-newest. With a limit, the most
// recent Limit entries matching Since are returned.
func History[T any](s *Store, key Key[T], q HistoryQuery) []Entry[T] {
	sl := s.slots[key.id]
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	out := make([]Entry[T], 0, sl.size)
	for i := 0; i < sl.size; i++ {
		e := sl.ring[(sl.head+i)%len(sl.ring)]
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, typed[T](e))
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Subscribe registers fn for key. fn runs on the publisher's goroutine and
// must not block. It must not publish to the same key.
func Subscribe[T any](s *Store, key Key[T], fn func(Entry[T])) Subscription {
	id := s.nextSub.Add(1)
	sl := s.slots[key.id]

	sl.mu.Lock()
	sl.subs = append(sl.subs, subscriber{
		id: id,
		fn: func(e Entry[any]) { fn(typed[T](e)) },
	})
	sl.mu.Unlock()

	return Subscription{key: key.id, id: id}
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (s *Store) Unsubscribe(sub Subscription) {
	if sub.key < 0 || sub.key >= numKeys {
		return
	}
	sl := s.slots[sub.key]
	sl.mu.Lock()
	defer sl.mu.Unlock()

	for i, existing := range sl.subs {
		if existing.id == sub.id {
			subs := make([]subscriber, 0, len(sl.subs)-1)
			subs = append(subs, sl.subs[:i]...)
			sl.subs = append(subs, sl.subs[i+1:]...)
			return
		}
	}
}

// IsFresh reports whether key has an entry no older than maxAge.
func (s *Store) IsFresh(key AnyKey, maxAge time.Duration) bool {
	sl := s.slots[key.ID()]
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	return sl.hasData && s.now().Sub(sl.current.Timestamp) <= maxAge
}

// LastUpdate returns the timestamp of key's current entry.
func (s *Store) LastUpdate(key AnyKey) (time.Time, bool) {
	sl := s.slots[key.ID()]
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	return sl.current.Timestamp, sl.hasData
}

// ClearHistory drops key's history while keeping its current entry.
func (s *Store) ClearHistory(key AnyKey) {
	sl := s.slots[key.ID()]
	sl.pubMu.Lock()
	defer sl.pubMu.Unlock()
	sl.mu.Lock()
	defer sl.mu.Unlock()

	clear(sl.ring)
	sl.head, sl.size = 0, 0
}

// OnShutdown registers a resource released by Shutdown, in reverse
// registration order.
func (s *Store) OnShutdown(c io.Closer) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closers = append(s.closers, c)
}

// Shutdown stops accepting publishes, drops all subscriptions and releases
// registered resources. Calling it again is a no-op.
func (s *Store) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, sl := range s.slots {
		sl.mu.Lock()
		sl.subs = nil
		sl.mu.Unlock()
	}

	s.closeMu.Lock()
	closers := s.closers
	s.closers = nil
	s.closeMu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to release resource on shutdown")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.New().Wrap(ErrShutdownClose, stderrors.Join(errs...))
	}

	s.log.Debug().Msg("Coordination store shut down")
	return nil
}

func (s *Store) publish(id KeyID, value any, source string) error {
	if s.closed.Load() {
		return errors.New().WithData(ErrShutdown, id.String())
	}

	sl := s.slots[id]
	sl.pubMu.Lock()
	defer sl.pubMu.Unlock()

	e := Entry[any]{Key: id, Value: value, Timestamp: s.now(), Source: source}

	sl.mu.Lock()
	sl.current = e
	sl.hasData = true
	sl.push(e)
	sl.updates++
	subs := make([]subscriber, len(sl.subs))
	copy(subs, sl.subs)
	sl.mu.Unlock()

	s.srcMu.Lock()
	s.bySource[source]++
	s.srcMu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, e)
	}

	return nil
}

func (s *Store) deliver(sub subscriber, e Entry[any]) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("key", e.Key.String()).
				Uint64("subscription", sub.id).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()
	sub.fn(e)
}

func (sl *slot) push(e Entry[any]) {
	capacity := len(sl.ring)
	if sl.size < capacity {
		sl.ring[(sl.head+sl.size)%capacity] = e
		sl.size++
		return
	}
	sl.ring[sl.head] = e
	sl.head = (sl.head + 1) % capacity
}

func typed[T any](e Entry[any]) Entry[T] {
	v, _ := e.Value.(T)
	return Entry[T]{Key: e.Key, Value: v, Timestamp: e.Timestamp, Source: e.Source}
}
