// Package cache holds the in-memory device projection shared by the broker
// engine, the HTTP adapter, the bridge, and the scheduler.
//
// The cache is derived state: everything in it can be rebuilt from the
// identity store. It fuses connection state, group membership, publish rate
// accounting, and the pending-message spools for HTTP-mode devices. All
// operations are safe for concurrent use; bulk mutations such as
// SetDeviceGroups are atomic with respect to readers.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/driftmq/driftmq/pkg/store"
)

// ForwardMessage is the JSON envelope delivered to devices on
// /device/{cid}/r and /group/{name}/r, and spooled for HTTP-mode devices.
// FromDevice carries "brokerId:clientId" when the message originated on a
// remote peer.
type ForwardMessage struct {
	FromDevice string          `json:"fromDevice"`
	FromGroup  string          `json:"fromGroup,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// RemoteSharedDevice is one entry of a peer's pushed share list, enriched
// with the latest data sample that peer pushed for it.
type RemoteSharedDevice struct {
	UUID        string          `json:"uuid"`
	ClientID    string          `json:"clientId"`
	Permissions string          `json:"permissions"`
	LastData    json.RawMessage `json:"lastData,omitempty"`
	LastDataAt  int64           `json:"lastDataAt,omitempty"`
}

// SessionCloser is the handle the engine registers for an online MQTT
// session so other components can sever it.
type SessionCloser interface {
	Close(reason error)
}

// maxPendingPerClient bounds each HTTP spool; the oldest entry is dropped
// on overflow.
const maxPendingPerClient = 1000

type pendingEntry struct {
	msg      ForwardMessage
	enqueued time.Time
}

// Cache is the process-local device projection.
type Cache struct {
	mu sync.RWMutex

	deviceByClientID map[string]*store.Device
	deviceByAuthKey  map[string]*store.Device
	onlineClients    map[string]SessionCloser
	deviceMode       map[string]string
	deviceGroups     map[string]map[string]struct{}
	groupMembers     map[string]map[string]struct{}
	lastPublish      map[string]time.Time
	httpLastActive   map[string]time.Time
	pending          map[string][]pendingEntry
	remoteShared     map[string][]RemoteSharedDevice

	publishRateLimit time.Duration
	messageExpire    time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithPublishRateLimit sets the minimum interval between publishes per client.
func WithPublishRateLimit(d time.Duration) Option {
	return func(c *Cache) { c.publishRateLimit = d }
}

// WithMessageExpire sets how long spooled messages stay readable.
func WithMessageExpire(d time.Duration) Option {
	return func(c *Cache) { c.messageExpire = d }
}

// New creates an empty cache with default limits (1s rate, 120s expiry).
func New(opts ...Option) *Cache {
	c := &Cache{
		deviceByClientID: make(map[string]*store.Device),
		deviceByAuthKey:  make(map[string]*store.Device),
		onlineClients:    make(map[string]SessionCloser),
		deviceMode:       make(map[string]string),
		deviceGroups:     make(map[string]map[string]struct{}),
		groupMembers:     make(map[string]map[string]struct{}),
		lastPublish:      make(map[string]time.Time),
		httpLastActive:   make(map[string]time.Time),
		pending:          make(map[string][]pendingEntry),
		remoteShared:     make(map[string][]RemoteSharedDevice),
		publishRateLimit: time.Second,
		messageExpire:    120 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- Device snapshots ---

// SetDeviceByClientID stores a device snapshot keyed by its client id.
func (c *Cache) SetDeviceByClientID(clientID string, dev *store.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceByClientID[clientID] = dev
}

// SetDeviceByAuthKey stores a device snapshot keyed by its auth key.
func (c *Cache) SetDeviceByAuthKey(authKey string, dev *store.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceByAuthKey[authKey] = dev
}

// DeviceByClientID returns the cached device for a client id.
func (c *Cache) DeviceByClientID(clientID string) (*store.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.deviceByClientID[clientID]
	return dev, ok
}

// DeviceByAuthKey returns the cached device for an auth key.
func (c *Cache) DeviceByAuthKey(authKey string) (*store.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.deviceByAuthKey[authKey]
	return dev, ok
}

// RemoveDevice deletes every cache entry belonging to the identity.
func (c *Cache) RemoveDevice(clientID, authKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.deviceByClientID, clientID)
	delete(c.deviceByAuthKey, authKey)
	delete(c.onlineClients, clientID)
	delete(c.deviceMode, clientID)
	delete(c.lastPublish, clientID)
	delete(c.httpLastActive, clientID)
	delete(c.pending, clientID)
	c.setGroupsLocked(clientID, nil)
}

// --- Session handles ---

// SetClientOnline registers the session handle for an online client.
func (c *Cache) SetClientOnline(clientID string, closer SessionCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onlineClients[clientID] = closer
}

// SetClientOffline removes the session handle for a client.
func (c *Cache) SetClientOffline(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.onlineClients, clientID)
}

// OnlineClient returns the session handle for a client, if online.
func (c *Cache) OnlineClient(clientID string) (SessionCloser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	closer, ok := c.onlineClients[clientID]
	return closer, ok
}

// OnlineCount returns the number of registered online sessions.
func (c *Cache) OnlineCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.onlineClients)
}

// --- Mode ---

// SetDeviceMode records whether a client operates in mqtt or http mode.
func (c *Cache) SetDeviceMode(clientID, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceMode[clientID] = mode
}

// IsHTTPMode reports whether the client operates in http mode.
// Unknown clients default to mqtt.
func (c *Cache) IsHTTPMode(clientID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceMode[clientID] == store.ModeHTTP
}

// --- Rate accounting ---

// CheckPublishRate returns true and records the publish time iff the
// client's previous publish is at least the rate limit in the past.
func (c *Cache) CheckPublishRate(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lastPublish[clientID]; ok && now.Sub(last) < c.publishRateLimit {
		return false
	}
	c.lastPublish[clientID] = now
	return true
}

// --- Groups ---

// SetDeviceGroups replaces the client's group list and rebuilds the reverse
// index in the same critical section.
func (c *Cache) SetDeviceGroups(clientID string, groupNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setGroupsLocked(clientID, groupNames)
}

func (c *Cache) setGroupsLocked(clientID string, groupNames []string) {
	next := make(map[string]struct{}, len(groupNames))
	for _, name := range groupNames {
		next[name] = struct{}{}
	}

	// Drop reverse entries for groups the client left.
	for name := range c.deviceGroups[clientID] {
		if _, keep := next[name]; keep {
			continue
		}
		if members := c.groupMembers[name]; members != nil {
			delete(members, clientID)
			if len(members) == 0 {
				delete(c.groupMembers, name)
			}
		}
	}

	// Insert reverse entries for all listed groups.
	for name := range next {
		members := c.groupMembers[name]
		if members == nil {
			members = make(map[string]struct{})
			c.groupMembers[name] = members
		}
		members[clientID] = struct{}{}
	}

	if len(next) == 0 {
		delete(c.deviceGroups, clientID)
		return
	}
	c.deviceGroups[clientID] = next
}

// DeviceGroups returns the client's group names.
func (c *Cache) DeviceGroups(clientID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := c.deviceGroups[clientID]
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	return names
}

// GroupMembers returns the client ids currently indexed under a group.
func (c *Cache) GroupMembers(groupName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	members := c.groupMembers[groupName]
	ids := make([]string, 0, len(members))
	for clientID := range members {
		ids = append(ids, clientID)
	}
	return ids
}

// IsInGroup reports whether the client is indexed under the group.
func (c *Cache) IsInGroup(clientID, groupName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groupMembers[groupName][clientID]
	return ok
}

// --- HTTP activity ---

// SetHTTPLastActive records HTTP-mode activity for a client.
func (c *Cache) SetHTTPLastActive(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpLastActive[clientID] = c.now()
}

// HTTPLastActive returns the last recorded HTTP activity for a client.
func (c *Cache) HTTPLastActive(clientID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.httpLastActive[clientID]
	return t, ok
}

// --- Pending message spool ---

// AddPendingMessage appends a message to the client's spool, dropping the
// oldest entry if the spool is full.
func (c *Cache) AddPendingMessage(clientID string, msg ForwardMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[clientID]
	if len(queue) >= maxPendingPerClient {
		queue = queue[1:]
	}
	c.pending[clientID] = append(queue, pendingEntry{msg: msg, enqueued: c.now()})
}

// GetPendingMessages drains the client's spool: expired entries are
// discarded, the remainder is returned in enqueue order, and the queue is
// cleared.
func (c *Cache) GetPendingMessages(clientID string) []ForwardMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[clientID]
	delete(c.pending, clientID)

	cutoff := c.now().Add(-c.messageExpire)
	msgs := make([]ForwardMessage, 0, len(queue))
	for _, entry := range queue {
		if entry.enqueued.Before(cutoff) {
			continue
		}
		msgs = append(msgs, entry.msg)
	}
	return msgs
}

// PendingCount returns the current spool depth for a client.
func (c *Cache) PendingCount(clientID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending[clientID])
}

// CleanExpiredMessages purges expired spool entries across all clients and
// removes emptied queues.
func (c *Cache) CleanExpiredMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.messageExpire)
	for clientID, queue := range c.pending {
		kept := queue[:0]
		for _, entry := range queue {
			if entry.enqueued.Before(cutoff) {
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(c.pending, clientID)
			continue
		}
		c.pending[clientID] = kept
	}
}

// StartCleanup runs the expiry sweep on a ticker until ctx is done.
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanExpiredMessages()
			}
		}
	}()
}

// --- Remote shared devices ---

// SetRemoteSharedDevices replaces the share list pushed by a peer.
func (c *Cache) SetRemoteSharedDevices(peerBrokerID string, devices []RemoteSharedDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteShared[peerBrokerID] = devices
}

// UpdateRemoteSharedData records the latest data sample for a peer's shared
// device, matched by client id or uuid.
func (c *Cache) UpdateRemoteSharedData(peerBrokerID, clientID, uuid string, data json.RawMessage, at int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices := c.remoteShared[peerBrokerID]
	for i := range devices {
		if (clientID != "" && devices[i].ClientID == clientID) ||
			(uuid != "" && devices[i].UUID == uuid) {
			devices[i].LastData = data
			devices[i].LastDataAt = at
			return true
		}
	}
	return false
}

// RemoteSharedDevices returns a copy of the share list pushed by a peer.
func (c *Cache) RemoteSharedDevices(peerBrokerID string) []RemoteSharedDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RemoteSharedDevice(nil), c.remoteShared[peerBrokerID]...)
}

// AllRemoteSharedDevices returns a copy of every peer's share list.
func (c *Cache) AllRemoteSharedDevices() map[string][]RemoteSharedDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]RemoteSharedDevice, len(c.remoteShared))
	for peer, devices := range c.remoteShared {
		out[peer] = append([]RemoteSharedDevice(nil), devices...)
	}
	return out
}

// RemoveRemoteSharedDevices drops the share list for a peer.
func (c *Cache) RemoveRemoteSharedDevices(peerBrokerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remoteShared, peerBrokerID)
}
