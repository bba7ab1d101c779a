package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []message
	handlers map[string]MessageHandler
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]MessageHandler)}
}

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakePublisher) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakePublisher) on(topic string) []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePublisher) handler(topic string) MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

type fakeController struct {
	calls []string
	err   error
}

func (c *fakeController) SetManual(open bool) error {
	if open {
		c.calls = append(c.calls, "on")
	} else {
		c.calls = append(c.calls, "off")
	}
	return c.err
}

func (c *fakeController) ToggleManual() error {
	c.calls = append(c.calls, "toggle")
	return c.err
}

func (c *fakeController) Resume() error {
	c.calls = append(c.calls, "auto")
	return c.err
}

func startBridge(t *testing.T) (*Bridge, *fakePublisher, *fakeController, *store.Store) {
	t.Helper()

	st, err := store.New(store.Config{HistorySize: 10})
	require.NoError(t, err)

	pub := newFakePublisher()
	ctrl := &fakeController{}
	b := NewBridge(pub, st, ctrl, "plant", logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return pub.handler("plant/command") != nil },
		time.Second, time.Millisecond)
	// Store subscriptions are in place once the command topic is.
	require.Eventually(t, func() bool { return st.Stats().Subscribers[store.KeyError.String()] == 1 },
		time.Second, time.Millisecond)

	return b, pub, ctrl, st
}

func TestBridgeForwardsEntries(t *testing.T) {
	_, pub, _, st := startBridge(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Publish(st, store.Temperature,
		model.TemperatureSample{Value: 57.5, Timestamp: now, Valid: true}, "test"))
	require.NoError(t, store.Publish(st, store.SystemStatus,
		model.Status{State: model.StateCooling, ValveOpen: true}, "test"))
	require.NoError(t, store.Publish(st, store.ValvePosition,
		model.ValvePosition{Open: true, Timestamp: now}, "test"))
	require.NoError(t, store.Publish(st, store.Error,
		model.ErrorReport{Source: "acquisition", Code: "whatsminer_timeout"}, "test"))

	require.Eventually(t, func() bool { return len(pub.on("plant/error")) == 1 },
		time.Second, time.Millisecond)

	temp := pub.on("plant/temperature")
	require.Len(t, temp, 1)
	assert.True(t, temp[0].retained)
	var tp map[string]any
	require.NoError(t, json.Unmarshal(temp[0].payload, &tp))
	assert.Equal(t, "warning", tp["status"])
	assert.InDelta(t, 57.5, tp["value"], 1e-9)

	status := pub.on("plant/status")
	require.Len(t, status, 1)
	assert.True(t, status[0].retained)
	assert.Contains(t, string(status[0].payload), `"state":"COOLING"`)

	valve := pub.on("plant/valve")
	require.Len(t, valve, 1)
	assert.Contains(t, string(valve[0].payload), `"open":true`)

	assert.False(t, pub.on("plant/error")[0].retained)
}

func TestBridgeCommands(t *testing.T) {
	_, pub, ctrl, _ := startBridge(t)
	h := pub.handler("plant/command")

	require.NoError(t, h("plant/command", []byte(`{"mode":"manual","valve":"on"}`)))
	require.NoError(t, h("plant/command", []byte(`{"valve":"off"}`)))
	require.NoError(t, h("plant/command", []byte(`{"mode":"MANUAL","valve":"toggle"}`)))
	require.NoError(t, h("plant/command", []byte(`{"mode":"auto"}`)))
	assert.Equal(t, []string{"on", "off", "toggle", "auto"}, ctrl.calls)

	for _, bad := range []string{
		`not json`,
		`{}`,
		`{"mode":"manual"}`,
		`{"mode":"turbo"}`,
		`{"valve":"half"}`,
	} {
		err := h("plant/command", []byte(bad))
		require.Error(t, err, bad)
		assert.True(t, errors.HasCode(err, ErrInvalidCommand), bad)
	}
	assert.Len(t, ctrl.calls, 4)
}

func TestBridgeDropsWhenOutboxFull(t *testing.T) {
	st, err := store.New(store.Config{HistorySize: 10})
	require.NoError(t, err)

	b := NewBridge(newFakePublisher(), st, &fakeController{}, "plant", logger.Nop())
	b.subscribe()
	defer b.unsubscribe()

	for i := 0; i < outboxSize+5; i++ {
		require.NoError(t, store.Publish(st, store.Error, model.ErrorReport{Code: "x"}, "test"))
	}
	assert.Equal(t, uint64(5), b.Dropped())
}

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "coolantctl"}
	assert.Equal(t, "coolantctl/status", tp.Status())
	assert.Equal(t, "coolantctl/temperature", tp.Temperature())
	assert.Equal(t, "coolantctl/valve", tp.Valve())
	assert.Equal(t, "coolantctl/error", tp.Error())
	assert.Equal(t, "coolantctl/command", tp.Command())
	assert.Equal(t, "coolantctl/online", tp.Online())
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Broker:         "tcp://127.0.0.1:1883",
		ClientID:       "coolantctl",
		TopicPrefix:    "coolantctl",
		QoS:            1,
		ConnectTimeout: time.Second,
	}
	assert.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"broker":  func(c *Config) { c.Broker = "" },
		"client":  func(c *Config) { c.ClientID = "" },
		"prefix":  func(c *Config) { c.TopicPrefix = "a/#" },
		"qos":     func(c *Config) { c.QoS = 3 },
		"timeout": func(c *Config) { c.ConnectTimeout = 0 },
	} {
		cfg := valid
		mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.HasCode(err, ErrInvalidConfig), name)
	}
}

func TestClientOptions(t *testing.T) {
	opts := buildClientOptions(Config{
		Broker:         "tcp://broker.local:1883",
		ClientID:       "coolantctl-1",
		Username:       "plant",
		Password:       "secret",
		TopicPrefix:    "site/a",
		QoS:            1,
		ConnectTimeout: 3 * time.Second,
	})

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker.local:1883", opts.Servers[0].Host)
	assert.Equal(t, "coolantctl-1", opts.ClientID)
	assert.Equal(t, "plant", opts.Username)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "site/a/online", opts.WillTopic)
	assert.Equal(t, []byte("false"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
}
