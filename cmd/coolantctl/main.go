// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/coolantctl/internal/acquisition"
	"codeberg.org/mutker/coolantctl/internal/api"
	"codeberg.org/mutker/coolantctl/internal/config"
	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/mqtt"
	"codeberg.org/mutker/coolantctl/internal/pid"
	"codeberg.org/mutker/coolantctl/internal/regulator"
	"codeberg.org/mutker/coolantctl/internal/relay"
	"codeberg.org/mutker/coolantctl/internal/store"
	"codeberg.org/mutker/coolantctl/internal/whatsminer"
	"golang.org/x/sync/errgroup"
)

const settingsSource = "config"

// app holds everything main has to tear down, in the order it was built.
type app struct {
	pidPath  string
	store    *store.Store
	relay    *relay.Actuator
	journal  journal.Recorder
	reg      *regulator.Regulator
	device   *whatsminer.Client
	loop     *acquisition.Loop
	api      *api.Server
	mqtt     *mqtt.Client
	bridge   *mqtt.Bridge
	pidTaken bool
}

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	a := &app{}
	if err := a.init(); err != nil {
		a.cleanup()
		logger.FatalWithCode(toError(err)).Msg("Failed to initialize")
	}

	err := a.run(ctx)
	a.cleanup()
	if err != nil {
		logger.ErrorWithCode(toError(err)).Msg("Regulator stopped with error")
		os.Exit(1)
	}
}

func (a *app) init() error {
	errFactory := errors.New()

	a.pidPath = cfg.PIDFile
	if a.pidPath == "" {
		a.pidPath = pid.DefaultPath()
	}
	if err := pid.Write(a.pidPath); err != nil {
		return err
	}
	a.pidTaken = true

	var err error
	a.store, err = store.New(store.Config{HistorySize: cfg.Store.HistorySize},
		store.WithLogger(logger.Component("store")))
	if err != nil {
		return err
	}

	a.relay, err = relay.Open(relay.Config{Pin: cfg.Relay.Pin, ActiveLow: cfg.Relay.ActiveLow},
		relay.WithLogger(logger.Component("relay")))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	a.store.OnShutdown(a.relay)

	a.journal, err = journal.NewService(journal.Config{
		Enabled:       cfg.Journal.Enabled,
		DBPath:        cfg.Journal.DBPath,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
	}, logger.Component("journal"))
	if err != nil {
		return err
	}

	settings := model.TemperatureSettings{MaxTemp: cfg.Regulator.MaxTemp, MinTemp: cfg.Regulator.MinTemp}
	if err := store.Publish(a.store, store.TemperatureSettings, settings, settingsSource); err != nil {
		return err
	}

	a.reg, err = regulator.New(a.store, a.relay, regulator.Config{
		Limits: model.Limits{
			Critical:  cfg.Regulator.CriticalTemp,
			Emergency: cfg.Regulator.EmergencyTemp,
		},
		MinCycleTime:       cfg.Regulator.MinCycleTime,
		MaxSwitchesPerHour: cfg.Regulator.MaxSwitchesPerHour,
		MaxCoolingTime:     cfg.Regulator.MaxCoolingTime,
		StaleMaxAge:        cfg.Regulator.StaleMaxAge,
		StaleGrace:         cfg.Regulator.StaleGrace,
		Tick:               cfg.Regulator.Tick,
	},
		regulator.WithJournal(a.journal),
		regulator.WithLogger(logger.Component("regulator")),
	)
	if err != nil {
		return err
	}

	a.device, err = whatsminer.New(whatsminer.Config{
		Host:           cfg.Device.Host,
		Port:           cfg.Device.Port,
		Account:        cfg.Device.Account,
		Password:       cfg.Device.Password,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		ReadTimeout:    cfg.Device.ReadTimeout,
	}, whatsminer.WithLogger(logger.Component("whatsminer")))
	if err != nil {
		return err
	}

	a.loop, err = acquisition.New(a.device, a.store, acquisition.Config{
		Interval:   cfg.Acquisition.Interval,
		BackoffMax: cfg.Acquisition.BackoffMax,
	}, acquisition.WithLogger(logger.Component("acquisition")))
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		a.api, err = api.New(api.Config{
			Listen:       cfg.API.Listen,
			JWTSecret:    cfg.API.JWTSecret,
			PasswordHash: cfg.API.PasswordHash,
			TokenTTL:     cfg.API.TokenTTL,

			AllowedOrigins: cfg.API.AllowedOrigins,
		}, a.store, a.reg,
			api.WithLogger(logger.Component("api")),
			api.WithStats(api.Stats{Acquisition: a.loop.Stats, Relay: a.relay.Statistics}),
			api.WithEventLog(a.journal),
		)
		if err != nil {
			return err
		}
	}

	if cfg.MQTT.Enabled {
		a.initMQTT()
	}

	return nil
}

// initMQTT connects the bridge. The regulator keeps running without it
// when the broker cannot be reached.
func (a *app) initMQTT() {
	mqttLog := logger.Component("mqtt")

	client, err := mqtt.Connect(mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		QoS:            cfg.MQTT.QoS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, mqttLog)
	if err != nil {
		logger.ErrorWithCode(toError(err)).Msg("MQTT unavailable, continuing without the bridge")
		return
	}

	a.mqtt = client
	a.bridge = mqtt.NewBridge(client, a.store, a.reg, cfg.MQTT.TopicPrefix, mqttLog)
}

func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.reg.Run(gctx) })
	g.Go(func() error { return a.loop.Run(gctx) })
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	logger.Info().
		Str("device", cfg.Device.Host).
		Int("relay_pin", cfg.Relay.Pin).
		Bool("api", a.api != nil).
		Bool("mqtt", a.bridge != nil).
		Bool("journal", cfg.Journal.Enabled).
		Msg("Coolant regulator running")

	return g.Wait()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup releases whatever init managed to build. Workers have stopped by
// the time it runs, so the relay release state set by the regulator is
// final.
func (a *app) cleanup() {
	if a.mqtt != nil {
		if err := a.mqtt.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close MQTT client")
		}
	}

	if a.device != nil {
		if err := a.device.Close(); err != nil {
			logger.Debug().Err(err).Msg("Failed to close device session")
		}
	}

	if a.reg != nil {
		st := a.reg.Status()
		logger.Info().
			Str("state", st.State.String()).
			Bool("valve_open", st.ValveOpen).
			Int("switches_last_hour", st.SwitchesLastHour).
			Msg("Regulator stopped")
	}

	if a.relay != nil {
		stats := a.relay.Statistics()
		logger.Info().
			Uint64("switch_count", stats.SwitchCount).
			Dur("on_time", stats.OnTime).
			Float64("on_fraction", stats.OnTimeFraction).
			Msg("Relay statistics")
	}

	if a.store != nil {
		if err := a.store.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to release resources")
		}
	}

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close journal")
		}
	}

	if a.pidTaken {
		if err := pid.Remove(a.pidPath); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}

	logger.Info().Msg("Exiting...")
}

func toError(err error) errors.Error {
	var e errors.Error
	if errors.As(err, &e) {
		return e
	}
	return errors.New().Wrap(errors.ErrInternal, err)
}
