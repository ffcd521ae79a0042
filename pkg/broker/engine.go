package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/store"
)

// Options configures the MQTT engine.
type Options struct {
	Host string
	Port int

	// MaxMessageLength is the largest accepted publish payload in bytes.
	// Oversized publishes close the offending session.
	MaxMessageLength int

	// FederationEnabled allows peer-bridge sessions to authenticate.
	FederationEnabled bool
	// BrokerID is this broker's federation identity.
	BrokerID string
	// BridgeToken is the credential peer-bridge sessions must present.
	BridgeToken string
}

// Engine is the embedded MQTT broker: listener lifecycle, session
// authentication, the topic ACL, and the publish pipeline feeding the
// dispatcher.
type Engine struct {
	opts       Options
	server     *mqtt.Server
	cache      *cache.Cache
	store      *store.Store
	dispatcher *Dispatcher

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	log       *slog.Logger

	// stopping is set to 1 during shutdown so hook callbacks skip cache and
	// store work while server.Close() tears sessions down.
	stopping atomic.Int32
}

// NewEngine creates the MQTT engine and registers its hooks. The dispatcher
// must already be constructed; its emit function should be the engine's Emit.
func NewEngine(opts Options, c *cache.Cache, s *store.Store, d *Dispatcher) (*Engine, error) {
	if opts.Port <= 0 {
		opts.Port = 1883
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 1024
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	e := &Engine{
		opts:       opts,
		server:     server,
		cache:      c,
		store:      s,
		dispatcher: d,
		log:        logging.Nop(),
	}

	if err := server.AddHook(&authHook{engine: e}, nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}
	if err := server.AddHook(&sessionHook{engine: e}, nil); err != nil {
		return nil, fmt.Errorf("failed to add session hook: %w", err)
	}
	if err := server.AddHook(&messageHook{engine: e}, nil); err != nil {
		return nil, fmt.Errorf("failed to add message hook: %w", err)
	}

	return e, nil
}

// SetLogger sets the operational logger for the engine.
func (e *Engine) SetLogger(log *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if log != nil {
		e.log = log
	} else {
		e.log = logging.Nop()
	}
}

// Start begins serving MQTT connections.
// The context can be used for cancellation during startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("engine is already running")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	listener := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("mqtt-%d", e.opts.Port),
		Address: addr,
	})
	if err := e.server.AddListener(listener); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}

	go func() {
		if err := e.server.Serve(); err != nil {
			e.log.Error("MQTT server error", "error", err)
		}
	}()

	e.running = true
	e.startedAt = time.Now()
	e.log.Info("MQTT engine started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the engine. The timeout bounds how long to wait
// for the server to close.
func (e *Engine) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}

	// Signal that we're stopping so hook callbacks skip cache/store work,
	// which would otherwise race with server.Close() tearing down sessions.
	e.stopping.Store(1)
	e.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The mutex is NOT held here: Close() triggers disconnect hooks.
	done := make(chan error, 1)
	go func() {
		done <- e.server.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-shutdownCtx.Done():
		closeErr = fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}

	e.mu.Lock()
	e.running = false
	e.startedAt = time.Time{}
	e.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("failed to close server: %w", closeErr)
	}
	return nil
}

// IsRunning reports whether the engine is serving.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Emit publishes a payload on a local topic at QoS 0 through the inline
// client. Hooks see these publishes with the inline flag set and leave them
// alone.
func (e *Engine) Emit(topic string, payload []byte) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return errors.New("engine is not running")
	}
	return e.server.Publish(topic, payload, false, 0)
}

// PushShareSync publishes this broker's current share list for a peer on the
// peer's share-sync topic. The peer's bridge session receives it through its
// subscription.
func (e *Engine) PushShareSync(peerBrokerID string) {
	devices, err := e.store.GetSharedDevicesForBroker(peerBrokerID)
	if err != nil {
		e.log.Error("share sync query failed", "peer", peerBrokerID, "error", err)
		return
	}
	entries := make([]SharedDeviceEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, SharedDeviceEntry{
			UUID:        d.UUID,
			ClientID:    d.ClientID,
			Permissions: d.Permissions,
		})
	}
	payload, err := json.Marshal(BridgeShareSyncMessage{
		FromBroker: e.opts.BrokerID,
		Devices:    entries,
	})
	if err != nil {
		e.log.Error("share sync encode failed", "peer", peerBrokerID, "error", err)
		return
	}
	if err := e.Emit(BridgeShareSyncTopic(peerBrokerID), payload); err != nil {
		e.log.Warn("share sync emit failed", "peer", peerBrokerID, "error", err)
		return
	}
	e.log.Info("pushed share sync", "peer", peerBrokerID, "devices", len(entries))
}

// Stats contains engine statistics for the management API.
type Stats struct {
	Running     bool `json:"running"`
	ClientCount int  `json:"clientCount"`
	Port        int  `json:"port"`
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Running:     e.running,
		ClientCount: len(e.server.Clients.GetAll()),
		Port:        e.opts.Port,
	}
}

// mochiCloser adapts a mochi client to the cache's session closer.
type mochiCloser struct {
	cl *mqtt.Client
}

func (m *mochiCloser) Close(reason error) {
	m.cl.Stop(reason)
}
