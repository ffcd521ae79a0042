// Package bridge federates this broker with remote peers over outbound MQTT
// client connections.
//
// Each enabled peer gets a dedicated connection loop: connect, subscribe to
// this broker's share topics on the peer, and on loss retry at a fixed
// interval. Paho's own auto-reconnect stays off so the loop owns the retry
// cadence and re-subscription.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/driftmq/driftmq/pkg/broker"
	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/store"
)

// Interface compliance check.
var _ broker.BridgeSender = (*Bridge)(nil)

// disconnectQuiesce is how long paho waits for in-flight work on disconnect.
const disconnectQuiesce = 250 // milliseconds

// Config configures the bridge.
type Config struct {
	// LocalBrokerID is this broker's federation identity.
	LocalBrokerID string
	// ReconnectInterval is the retry cadence after a failed connect or a
	// lost connection.
	ReconnectInterval time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// KeepAlive is the MQTT keepalive on peer connections.
	KeepAlive time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
}

// Bridge owns the outbound peer connections and implements the sender side
// of federation for the dispatcher.
type Bridge struct {
	cfg   Config
	store *store.Store
	cache *cache.Cache
	emit  broker.EmitFunc
	log   *slog.Logger

	// shareSync publishes this broker's share list for a peer; wired to the
	// engine's share-sync push.
	shareSync func(peerBrokerID string)

	// newClient is swappable for tests.
	newClient func(opts *paho.ClientOptions) paho.Client

	mu      sync.Mutex
	peers   map[string]*peer
	stopped bool
}

// New creates a bridge. Peers are loaded from the store on Start.
func New(cfg Config, s *store.Store, c *cache.Cache, emit broker.EmitFunc) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		cfg:       cfg,
		store:     s,
		cache:     c,
		emit:      emit,
		log:       logging.Nop(),
		newClient: paho.NewClient,
		peers:     make(map[string]*peer),
	}
}

// SetLogger sets the operational logger for the bridge.
func (b *Bridge) SetLogger(log *slog.Logger) {
	if log != nil {
		b.log = log
	}
}

// SetShareSyncFunc wires the share-sync push used by PushShareSync.
func (b *Bridge) SetShareSyncFunc(fn func(peerBrokerID string)) {
	b.shareSync = fn
}

// Start loads the enabled peers from the store and begins connecting.
func (b *Bridge) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.ReloadRemotes()
}

// Stop disconnects every peer and waits briefly for the loops to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.stopped = true
	stopping := make([]*peer, 0, len(b.peers))
	for id, p := range b.peers {
		p.requestStop()
		stopping = append(stopping, p)
		delete(b.peers, id)
	}
	b.mu.Unlock()

	for _, p := range stopping {
		p.awaitStop(5 * time.Second)
	}
}

// ReloadRemotes reconciles the running peer set against the store: new
// enabled peers are started, removed or disabled ones stopped, and peers
// whose URL or token changed are restarted.
func (b *Bridge) ReloadRemotes() error {
	rows, err := b.store.ListPeerBrokers()
	if err != nil {
		return fmt.Errorf("failed to list peer brokers: %w", err)
	}
	desired := make(map[string]*store.PeerBroker, len(rows))
	for _, row := range rows {
		if row.Enabled {
			desired[row.BrokerID] = row
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}

	for id, p := range b.peers {
		row, keep := desired[id]
		if keep && row.URL == p.url && row.Token == p.token {
			delete(desired, id)
			continue
		}
		p.requestStop()
		delete(b.peers, id)
		// The replacement loop reuses the same bridge client id, so the old
		// loop must have released its connection first.
		p.awaitStop(5 * time.Second)
		if !keep {
			b.cache.RemoveRemoteSharedDevices(id)
		}
	}
	for id, row := range desired {
		b.startPeerLocked(row)
		b.log.Info("peer broker configured", "peer", id, "url", row.URL)
	}
	return nil
}

// AddRemote starts the connection loop for a peer. A disabled peer is
// ignored; an existing loop for the same id is replaced.
func (b *Bridge) AddRemote(row *store.PeerBroker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if old, ok := b.peers[row.BrokerID]; ok {
		old.requestStop()
		delete(b.peers, row.BrokerID)
		// The replacement loop reuses the same bridge client id, so the old
		// loop must have released its connection first.
		old.awaitStop(5 * time.Second)
	}
	if !row.Enabled {
		return
	}
	b.startPeerLocked(row)
}

// RemoveRemote stops a peer's loop, waits for it to exit, and drops its
// shared-device view.
func (b *Bridge) RemoveRemote(brokerID string) {
	b.mu.Lock()
	p, ok := b.peers[brokerID]
	if ok {
		p.requestStop()
		delete(b.peers, brokerID)
	}
	b.mu.Unlock()
	if ok {
		p.awaitStop(5 * time.Second)
	}
	b.cache.RemoveRemoteSharedDevices(brokerID)
}

// UpdateRemote restarts a peer's loop with fresh settings.
func (b *Bridge) UpdateRemote(row *store.PeerBroker) {
	b.AddRemote(row)
}

// ConnectedPeers returns the ids of peers with a live connection.
func (b *Bridge) ConnectedPeers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, p := range b.peers {
		if c := p.currentClient(); c != nil && c.IsConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// PeerStates returns the configured peers and whether each is connected.
func (b *Bridge) PeerStates() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]bool, len(b.peers))
	for id, p := range b.peers {
		c := p.currentClient()
		states[id] = c != nil && c.IsConnected()
	}
	return states
}

// peerClient returns a live client for the peer, or nil.
func (b *Bridge) peerClient(brokerID string) paho.Client {
	b.mu.Lock()
	p, ok := b.peers[brokerID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	c := p.currentClient()
	if c == nil || !c.IsConnected() {
		return nil
	}
	return c
}

// SendToRemoteDevice publishes a device-directed envelope to a peer.
func (b *Bridge) SendToRemoteDevice(peerBrokerID, fromClientID, targetClientID string, data json.RawMessage) bool {
	client := b.peerClient(peerBrokerID)
	if client == nil {
		return false
	}
	payload, err := json.Marshal(broker.BridgeMessage{
		FromBroker: b.cfg.LocalBrokerID,
		FromDevice: fromClientID,
		ToDevice:   targetClientID,
		Data:       data,
	})
	if err != nil {
		b.log.Error("failed to encode bridge envelope", "error", err)
		return false
	}
	b.publish(client, broker.BridgeDeviceTopic(targetClientID), payload)
	return true
}

// SendToRemoteGroup publishes a group envelope to a peer.
func (b *Bridge) SendToRemoteGroup(peerBrokerID, fromClientID, targetGroup string, data json.RawMessage) bool {
	client := b.peerClient(peerBrokerID)
	if client == nil {
		return false
	}
	payload, err := json.Marshal(broker.BridgeGroupMessage{
		FromBroker: b.cfg.LocalBrokerID,
		FromDevice: fromClientID,
		ToGroup:    targetGroup,
		Data:       data,
	})
	if err != nil {
		b.log.Error("failed to encode bridge envelope", "error", err)
		return false
	}
	b.publish(client, broker.BridgeGroupTopic(targetGroup), payload)
	return true
}

// BroadcastToRemoteGroup publishes a group envelope to every connected peer.
func (b *Bridge) BroadcastToRemoteGroup(fromClientID, targetGroup string, data json.RawMessage) {
	payload, err := json.Marshal(broker.BridgeGroupMessage{
		FromBroker: b.cfg.LocalBrokerID,
		FromDevice: fromClientID,
		ToGroup:    targetGroup,
		Data:       data,
	})
	if err != nil {
		b.log.Error("failed to encode bridge envelope", "error", err)
		return
	}

	b.mu.Lock()
	clients := make([]paho.Client, 0, len(b.peers))
	for _, p := range b.peers {
		if c := p.currentClient(); c != nil && c.IsConnected() {
			clients = append(clients, c)
		}
	}
	b.mu.Unlock()

	topic := broker.BridgeGroupTopic(targetGroup)
	for _, client := range clients {
		b.publish(client, topic, payload)
	}
}

// PushShareData emits the latest sample of a shared device on the share-data
// topic of every peer whose share list contains it. The peers' inbound
// sessions pick it up through their subscriptions.
func (b *Bridge) PushShareData(fromClientID, deviceUUID string, deviceID int64, data json.RawMessage) {
	brokers, err := b.store.ListBrokersSharingDevice(deviceID)
	if err != nil {
		b.log.Error("share lookup failed", "device", deviceUUID, "error", err)
		return
	}
	if len(brokers) == 0 {
		return
	}
	payload, err := json.Marshal(broker.BridgeShareDataMessage{
		FromBroker: b.cfg.LocalBrokerID,
		FromDevice: fromClientID,
		DeviceUUID: deviceUUID,
		Data:       data,
	})
	if err != nil {
		b.log.Error("failed to encode share data", "error", err)
		return
	}
	for _, peerID := range brokers {
		if err := b.emit(broker.BridgeShareDataTopic(peerID, fromClientID), payload); err != nil {
			b.log.Warn("share data emit failed", "peer", peerID, "error", err)
		}
	}
}

// PushShareSync publishes this broker's share list for a peer.
func (b *Bridge) PushShareSync(peerBrokerID string) {
	if b.shareSync != nil {
		b.shareSync(peerBrokerID)
	}
}

// publish fires a QoS 0 publish and logs delivery errors off the hot path.
func (b *Bridge) publish(client paho.Client, topic string, payload []byte) {
	token := client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.log.Warn("peer publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// handleShareSync replaces the cached view of a peer's shared devices.
func (b *Bridge) handleShareSync(peerID string, payload []byte) {
	var msg broker.BridgeShareSyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.Warn("malformed share sync dropped", "peer", peerID)
		return
	}
	if msg.FromBroker != peerID {
		b.log.Warn("share sync origin mismatch, dropped", "peer", peerID, "claimed", msg.FromBroker)
		return
	}
	devices := make([]cache.RemoteSharedDevice, 0, len(msg.Devices))
	for _, e := range msg.Devices {
		devices = append(devices, cache.RemoteSharedDevice{
			UUID:        e.UUID,
			ClientID:    e.ClientID,
			Permissions: e.Permissions,
		})
	}
	b.cache.SetRemoteSharedDevices(peerID, devices)
	b.log.Info("share sync received", "peer", peerID, "devices", len(devices))
}

// handleShareData records the latest sample for a peer's shared device.
func (b *Bridge) handleShareData(peerID string, payload []byte) {
	var msg broker.BridgeShareDataMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.Warn("malformed share data dropped", "peer", peerID)
		return
	}
	if msg.FromBroker != peerID {
		b.log.Warn("share data origin mismatch, dropped", "peer", peerID, "claimed", msg.FromBroker)
		return
	}
	if !b.cache.UpdateRemoteSharedData(peerID, msg.FromDevice, msg.DeviceUUID, msg.Data, time.Now().UnixMilli()) {
		b.log.Debug("share data for unknown shared device", "peer", peerID, "device", msg.DeviceUUID)
	}
}
