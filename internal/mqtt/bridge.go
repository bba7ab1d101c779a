package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/store"
)

const outboxSize = 64

// Publisher is the broker side of the bridge. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
}

// Controller accepts operator commands. *regulator.Regulator implements it.
type Controller interface {
	SetManual(open bool) error
	ToggleManual() error
	Resume() error
}

// Command is the payload accepted on the command topic.
type Command struct {
	Mode  string `json:"mode,omitempty"`
	Valve string `json:"valve,omitempty"`
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type temperaturePayload struct {
	Value     float64                 `json:"value"`
	Valid     bool                    `json:"valid"`
	Status    model.TemperatureStatus `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
}

// Bridge forwards store entries to the broker. Store callbacks only enqueue;
// Run does the network I/O.
type Bridge struct {
	pub    Publisher
	store  *store.Store
	ctrl   Controller
	topics Topics
	log    logger.Logger

	out     chan message
	dropped atomic.Uint64

	mu   sync.Mutex
	subs []store.Subscription
}

func NewBridge(pub Publisher, st *store.Store, ctrl Controller, prefix string, log logger.Logger) *Bridge {
	return &Bridge{
		pub:    pub,
		store:  st,
		ctrl:   ctrl,
		topics: Topics{Prefix: prefix},
		log:    log,
		out:    make(chan message, outboxSize),
	}
}

// Run subscribes to the store and the command topic, then publishes queued
// messages until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.pub.Subscribe(b.topics.Command(), b.handleCommand); err != nil {
		return err
	}
	b.subscribe()
	defer b.unsubscribe()

	b.log.Info().Str("command_topic", b.topics.Command()).Msg("MQTT bridge started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.out:
			if err := b.pub.Publish(m.topic, m.payload, m.retained); err != nil {
				b.log.Debug().Err(err).Str("topic", m.topic).Msg("MQTT publish failed")
			}
		}
	}
}

// Dropped is the number of messages discarded because the outbox was full.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) subscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs,
		store.Subscribe(b.store, store.SystemStatus, func(e store.Entry[model.Status]) {
			b.enqueue(b.topics.Status(), e.Value, true)
		}),
		store.Subscribe(b.store, store.Temperature, func(e store.Entry[model.TemperatureSample]) {
			b.enqueue(b.topics.Temperature(), temperaturePayload{
				Value:     e.Value.Value,
				Valid:     e.Value.Valid,
				Status:    model.ClassifyTemperature(e.Value.Value),
				Timestamp: e.Value.Timestamp,
			}, true)
		}),
		store.Subscribe(b.store, store.ValvePosition, func(e store.Entry[model.ValvePosition]) {
			b.enqueue(b.topics.Valve(), e.Value, true)
		}),
		store.Subscribe(b.store, store.Error, func(e store.Entry[model.ErrorReport]) {
			b.enqueue(b.topics.Error(), e.Value, false)
		}),
	)
}

func (b *Bridge) unsubscribe() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.store.Unsubscribe(sub)
	}
}

func (b *Bridge) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("Failed to encode MQTT payload")
		return
	}

	select {
	case b.out <- message{topic: topic, payload: payload, retained: retained}:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bridge) handleCommand(_ string, payload []byte) error {
	errFactory := errors.New()

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errFactory.Wrap(ErrInvalidCommand, err)
	}

	mode := strings.ToLower(cmd.Mode)
	valve := strings.ToLower(cmd.Valve)

	b.log.Info().Str("mode", mode).Str("valve", valve).Msg("Operator command received")

	switch {
	case mode == "auto":
		return b.ctrl.Resume()
	case mode != "" && mode != "manual":
		return errFactory.WithData(ErrInvalidCommand, "unknown mode "+cmd.Mode)
	}

	switch valve {
	case "on", "open":
		return b.ctrl.SetManual(true)
	case "off", "close", "closed":
		return b.ctrl.SetManual(false)
	case "toggle":
		return b.ctrl.ToggleManual()
	case "":
		if mode == "manual" {
			return errFactory.WithData(ErrInvalidCommand, "manual mode needs a valve state")
		}
		return errFactory.WithData(ErrInvalidCommand, "empty command")
	default:
		return errFactory.WithData(ErrInvalidCommand, "unknown valve state "+cmd.Valve)
	}
}
