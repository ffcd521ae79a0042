// Package app assembles the broker from its parts: identity store, device
// cache, dispatcher, MQTT engine, federation bridge, scheduler, and the two
// HTTP surfaces. It owns startup order, the maintenance loops, and graceful
// shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmq/driftmq/pkg/api"
	"github.com/driftmq/driftmq/pkg/bridge"
	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/config"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/scheduler"
	"github.com/driftmq/driftmq/pkg/store"
)

// engineStopTimeout bounds how long shutdown waits for the MQTT server.
const engineStopTimeout = 10 * time.Second

// httpInactiveSweepInterval is the cadence of the HTTP-mode inactivity sweep.
const httpInactiveSweepInterval = time.Minute

// timeseriesSweepInterval is the cadence of the retention sweep. The sweep
// drops whole day tables, so once an hour is more than enough.
const timeseriesSweepInterval = time.Hour

// App is the assembled broker.
type App struct {
	cfg config.Config
	log *slog.Logger

	store      *store.Store
	cache      *cache.Cache
	dispatcher *broker.Dispatcher
	engine     *broker.Engine
	bridge     *bridge.Bridge // nil when federation is disabled
	sched      *scheduler.Scheduler
	deviceAPI  *api.DeviceAPI
	mgmtAPI    *api.ManagementAPI

	cancel context.CancelFunc
}

// New wires up the broker from configuration. Nothing is started yet.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = logging.Nop()
	}

	// The federation identity is resolved even when the bridge is off so the
	// management API can report a stable broker id.
	if _, err := config.EnsureBridgeIdentity(&cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	a.store = store.New(cfg.DataDir)
	a.store.SetLogger(log.With("component", "store"))

	a.cache = cache.New(
		cache.WithPublishRateLimit(cfg.PublishRateLimit),
		cache.WithMessageExpire(cfg.MessageExpireTime),
	)

	// The dispatcher emits through the engine, which is built after it; the
	// closure breaks the cycle.
	a.dispatcher = broker.NewDispatcher(a.cache, a.store, a.store, func(topic string, payload []byte) error {
		return a.engine.Emit(topic, payload)
	})
	a.dispatcher.SetLogger(log.With("component", "dispatch"))

	engine, err := broker.NewEngine(broker.Options{
		Host:              cfg.MQTTHost,
		Port:              cfg.MQTTPort,
		MaxMessageLength:  cfg.MessageMaxLength,
		FederationEnabled: cfg.BridgeEnabled,
		BrokerID:          cfg.BrokerID,
		BridgeToken:       cfg.BridgeToken,
	}, a.cache, a.store, a.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT engine: %w", err)
	}
	a.engine = engine
	a.engine.SetLogger(log.With("component", "mqtt"))

	if cfg.BridgeEnabled {
		a.bridge = bridge.New(bridge.Config{
			LocalBrokerID:     cfg.BrokerID,
			ReconnectInterval: cfg.BridgeReconnectInterval,
		}, a.store, a.cache, a.engine.Emit)
		a.bridge.SetLogger(log.With("component", "bridge"))
		a.bridge.SetShareSyncFunc(a.engine.PushShareSync)
		a.dispatcher.SetBridge(a.bridge)
	}

	a.sched = scheduler.New(a.dispatcher)
	a.sched.SetLogger(log.With("component", "scheduler"))

	a.deviceAPI = api.NewDeviceAPI(api.DeviceConfig{
		Port:             cfg.HTTPPort,
		MaxMessageLength: cfg.MessageMaxLength,
	}, a.store, a.cache, a.dispatcher, a.sched)
	a.deviceAPI.SetLogger(log.With("component", "device-api"))

	a.mgmtAPI = api.NewManagementAPI(api.ManagementConfig{
		Port:      cfg.ManagementPort,
		UserToken: cfg.UserToken,
		BrokerID:  cfg.BrokerID,
	}, a.store, a.cache, a.sched, a.engine, a.bridge)
	a.mgmtAPI.SetLogger(log.With("component", "mgmt-api"))

	return a, nil
}

// Start opens the store and brings every component up. On error, anything
// already started is torn down again.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.Open(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if err := a.engine.Start(ctx); err != nil {
		_ = a.store.Close()
		return err
	}

	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			_ = a.engine.Stop(context.Background(), engineStopTimeout)
			_ = a.store.Close()
			return err
		}
	}

	maintCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.sched.Start(maintCtx)
	a.cache.StartCleanup(maintCtx, a.cfg.CacheCleanupInterval)
	go a.runMaintenance(maintCtx)

	if err := a.deviceAPI.Start(); err != nil {
		a.stopStarted()
		return err
	}
	if err := a.mgmtAPI.Start(); err != nil {
		_ = a.deviceAPI.Stop()
		a.stopStarted()
		return err
	}

	a.log.Info("broker started",
		"mqttPort", a.cfg.MQTTPort,
		"httpPort", a.cfg.HTTPPort,
		"managementPort", a.cfg.ManagementPort,
		"brokerId", a.cfg.BrokerID,
		"federation", a.cfg.BridgeEnabled)
	return nil
}

// Stop shuts everything down in reverse order of startup.
func (a *App) Stop() {
	a.log.Info("broker stopping")

	if err := a.deviceAPI.Stop(); err != nil {
		a.log.Error("device API shutdown error", "error", err)
	}
	if err := a.mgmtAPI.Stop(); err != nil {
		a.log.Error("management API shutdown error", "error", err)
	}
	a.stopStarted()
	a.log.Info("broker stopped")
}

// stopStarted tears down the scheduler, maintenance loops, bridge, engine,
// and store.
func (a *App) stopStarted() {
	a.sched.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if err := a.engine.Stop(context.Background(), engineStopTimeout); err != nil {
		a.log.Error("MQTT engine shutdown error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store close error", "error", err)
	}
}

// runMaintenance demotes silent HTTP-mode devices and enforces timeseries
// retention until the context is cancelled.
func (a *App) runMaintenance(ctx context.Context) {
	inactive := time.NewTicker(httpInactiveSweepInterval)
	defer inactive.Stop()
	retention := time.NewTicker(timeseriesSweepInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inactive.C:
			n, err := a.store.MarkInactiveHTTPDevicesOffline()
			if err != nil {
				a.log.Error("http inactivity sweep failed", "error", err)
			} else if n > 0 {
				a.log.Info("demoted inactive http devices", "count", n)
			}
		case <-retention.C:
			if _, err := a.store.CleanupTimeseries(a.cfg.TimeseriesRetentionDays); err != nil {
				a.log.Error("timeseries retention sweep failed", "error", err)
			}
		}
	}
}
