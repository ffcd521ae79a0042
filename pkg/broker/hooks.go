package broker

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/driftmq/driftmq/pkg/store"
)

// authHook authenticates device and peer-bridge sessions and enforces the
// topic ACL. ACL violations close the session rather than just denying the
// operation.
type authHook struct {
	mqtt.HookBase
	engine *Engine
}

// ID returns the hook identifier
func (h *authHook) ID() string {
	return "driftmq-auth"
}

// Provides indicates which hook methods this hook provides
func (h *authHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate handles client authentication
func (h *authHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	clientID := cl.ID
	username := string(cl.Properties.Username)
	password := pk.Connect.Password

	if peerID, ok := IsBridgeClientID(clientID); ok {
		if !h.engine.opts.FederationEnabled {
			h.engine.log.Warn("bridge session rejected, federation disabled", "peer", peerID)
			return false
		}
		if username != BridgeUsername {
			return false
		}
		if subtle.ConstantTimeCompare(password, []byte(h.engine.opts.BridgeToken)) != 1 {
			h.engine.log.Warn("bridge session rejected, bad token", "peer", peerID)
			return false
		}
		h.engine.log.Info("peer bridge authenticated", "peer", peerID)
		return true
	}

	dev := h.engine.dispatcher.lookupDevice(clientID)
	if dev == nil {
		h.engine.log.Warn("unknown client id", "clientId", clientID)
		return false
	}
	userMatch := subtle.ConstantTimeCompare([]byte(dev.Username), []byte(username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(dev.Password), password) == 1
	if !userMatch || !passMatch {
		h.engine.log.Warn("bad credentials", "clientId", clientID)
		return false
	}
	return true
}

// OnACLCheck verifies if a client has permission for a topic operation.
// A violation closes the session.
func (h *authHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}

	clientID := cl.ID
	if peerID, ok := IsBridgeClientID(clientID); ok {
		if h.bridgeACL(peerID, topic, write) {
			return true
		}
		h.engine.log.Warn("bridge ACL violation, closing session",
			"peer", peerID, "topic", topic, "write", write)
		cl.Stop(packets.ErrNotAuthorized)
		return false
	}

	if h.deviceACL(clientID, topic, write) {
		return true
	}
	h.engine.log.Warn("ACL violation, closing session",
		"clientId", clientID, "topic", topic, "write", write)
	cl.Stop(packets.ErrNotAuthorized)
	return false
}

// bridgeACL scopes a peer-bridge session to the federation subtree: it may
// publish cross-broker envelopes and subscribe only to its own share topics.
func (h *authHook) bridgeACL(peerID, topic string, write bool) bool {
	if write {
		if _, ok := MatchBridgeDevice(topic); ok {
			return true
		}
		if _, ok := MatchBridgeGroup(topic); ok {
			return true
		}
		return false
	}
	if brokerID, ok := MatchBridgeShareSync(topic); ok {
		return brokerID == peerID
	}
	if brokerID, _, ok := MatchBridgeShareData(topic); ok {
		return brokerID == peerID
	}
	return false
}

// deviceACL restricts a device to its own device topics and the group topics
// of groups it belongs to.
func (h *authHook) deviceACL(clientID, topic string, write bool) bool {
	if write {
		if cid, ok := MatchDeviceSend(topic); ok {
			return cid == clientID
		}
		if name, ok := MatchGroupSend(topic); ok {
			return h.engine.dispatcher.IsGroupMember(clientID, name)
		}
		return false
	}
	if cid, ok := MatchDeviceRecv(topic); ok {
		return cid == clientID
	}
	if name, ok := MatchGroupRecv(topic); ok {
		return h.engine.dispatcher.IsGroupMember(clientID, name)
	}
	return false
}

// sessionHook keeps the cache and store in step with session lifecycle, and
// triggers the share sync push when a peer subscribes to its sync topic.
type sessionHook struct {
	mqtt.HookBase
	engine *Engine
}

// ID returns the hook identifier
func (h *sessionHook) ID() string {
	return "driftmq-session"
}

// Provides indicates which hook methods this hook provides
func (h *sessionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
	}, []byte{b})
}

// OnSessionEstablished marks the device online in cache and store and loads
// its group memberships.
func (h *sessionHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	if cl.Net.Inline || h.engine.stopping.Load() != 0 {
		return
	}
	clientID := cl.ID
	if peerID, ok := IsBridgeClientID(clientID); ok {
		h.engine.log.Info("peer bridge session established", "peer", peerID)
		return
	}

	dev := h.engine.dispatcher.lookupDevice(clientID)
	if dev == nil {
		return
	}
	h.engine.cache.SetClientOnline(clientID, &mochiCloser{cl: cl})
	h.engine.cache.SetDeviceMode(clientID, store.ModeMQTT)
	if groups, err := h.engine.store.GetDeviceGroups(dev.ID); err == nil {
		h.engine.cache.SetDeviceGroups(clientID, groups)
	}
	if err := h.engine.store.UpdateDeviceOnlineStatus(dev.ID, true, store.ModeMQTT); err != nil {
		h.engine.log.Error("failed to mark device online", "clientId", clientID, "error", err)
	}
	h.engine.log.Info("device connected", "clientId", clientID)
}

// OnDisconnect marks the device offline.
func (h *sessionHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	// Skip during shutdown to avoid racing server.Close().
	if cl.Net.Inline || h.engine.stopping.Load() != 0 {
		return
	}
	clientID := cl.ID
	if peerID, ok := IsBridgeClientID(clientID); ok {
		h.engine.log.Info("peer bridge disconnected", "peer", peerID, "error", err)
		return
	}

	h.engine.cache.SetClientOffline(clientID)
	if dev, ok := h.engine.cache.DeviceByClientID(clientID); ok {
		if err := h.engine.store.MarkDeviceOffline(dev.ID); err != nil {
			h.engine.log.Error("failed to mark device offline", "clientId", clientID, "error", err)
		}
	}
	h.engine.log.Info("device disconnected", "clientId", clientID, "error", err)
}

// OnSubscribed pushes the share list to a peer when its bridge session
// subscribes to its share-sync topic.
func (h *sessionHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	if cl.Net.Inline || h.engine.stopping.Load() != 0 {
		return
	}
	peerID, ok := IsBridgeClientID(cl.ID)
	if !ok {
		return
	}
	for _, sub := range pk.Filters {
		if brokerID, ok := MatchBridgeShareSync(sub.Filter); ok && brokerID == peerID {
			go h.engine.PushShareSync(peerID)
		}
	}
}

// messageHook runs the publish pipeline: admission (size, rate), payload
// parsing, then routing through the dispatcher. Inline publishes are the
// engine's own output and pass through untouched.
type messageHook struct {
	mqtt.HookBase
	engine *Engine
}

// ID returns the hook identifier
func (h *messageHook) ID() string {
	return "driftmq-message"
}

// Provides indicates which hook methods this hook provides
func (h *messageHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnPublish,
	}, []byte{b})
}

// OnPublish handles incoming publish messages
func (h *messageHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline || h.engine.stopping.Load() != 0 {
		return pk, nil
	}

	topic := pk.TopicName
	payload := pk.Payload
	clientID := cl.ID

	if peerID, ok := IsBridgeClientID(clientID); ok {
		h.handleBridgePublish(peerID, topic, payload)
		// The raw envelope never fans out locally; deliveries go through
		// the dispatcher.
		return pk, packets.ErrRejectPacket
	}

	if len(payload) > h.engine.opts.MaxMessageLength {
		h.engine.log.Warn("oversized message, closing session",
			"clientId", clientID, "size", len(payload), "limit", h.engine.opts.MaxMessageLength)
		cl.Stop(packets.ErrPacketTooLarge)
		return pk, packets.ErrRejectPacket
	}
	if !h.engine.cache.CheckPublishRate(clientID) {
		h.engine.log.Warn("publish rate exceeded, closing session", "clientId", clientID)
		cl.Stop(packets.ErrQuotaExceeded)
		return pk, packets.ErrRejectPacket
	}

	var msg DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.engine.log.Warn("malformed message dropped", "clientId", clientID, "topic", topic)
		return pk, packets.ErrRejectPacket
	}

	if _, ok := MatchDeviceSend(topic); ok {
		// The ACL already pinned the topic segment to the client's own id.
		h.engine.dispatcher.HandleDeviceSend(clientID, msg)
		return pk, nil
	}
	if name, ok := MatchGroupSend(topic); ok {
		h.engine.dispatcher.HandleGroupSend(clientID, name, msg)
		return pk, nil
	}
	return pk, packets.ErrRejectPacket
}

// handleBridgePublish routes a cross-broker envelope from a peer session.
// Envelopes claiming a different origin than the session's peer id are
// dropped.
func (h *messageHook) handleBridgePublish(peerID, topic string, payload []byte) {
	if cid, ok := MatchBridgeDevice(topic); ok {
		var msg BridgeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.engine.log.Warn("malformed bridge envelope dropped", "peer", peerID, "topic", topic)
			return
		}
		if msg.FromBroker != peerID {
			h.engine.log.Warn("bridge envelope origin mismatch, dropped",
				"peer", peerID, "claimed", msg.FromBroker)
			return
		}
		h.engine.dispatcher.DeliverFromRemote(msg.FromBroker, msg.FromDevice, cid, msg.Data)
		return
	}
	if name, ok := MatchBridgeGroup(topic); ok {
		var msg BridgeGroupMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.engine.log.Warn("malformed bridge envelope dropped", "peer", peerID, "topic", topic)
			return
		}
		if msg.FromBroker != peerID {
			h.engine.log.Warn("bridge envelope origin mismatch, dropped",
				"peer", peerID, "claimed", msg.FromBroker)
			return
		}
		h.engine.dispatcher.DeliverGroupFromRemote(msg.FromBroker, msg.FromDevice, name, msg.Data)
		return
	}
	h.engine.log.Warn("unexpected bridge publish dropped", "peer", peerID, "topic", topic)
}
