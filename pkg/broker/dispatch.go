package broker

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/logging"
	"github.com/driftmq/driftmq/pkg/store"
)

// BridgeSender is the outbound federation capability the dispatcher uses.
// Implemented by pkg/bridge; nil when federation is disabled.
type BridgeSender interface {
	// SendToRemoteDevice publishes a device-directed message to a peer.
	// Returns false when the peer is not currently connected.
	SendToRemoteDevice(peerBrokerID, fromClientID, targetClientID string, data json.RawMessage) bool

	// SendToRemoteGroup publishes a group message to a peer.
	// Returns false when the peer is not currently connected.
	SendToRemoteGroup(peerBrokerID, fromClientID, targetGroup string, data json.RawMessage) bool

	// BroadcastToRemoteGroup publishes a group message to every connected peer.
	BroadcastToRemoteGroup(fromClientID, targetGroup string, data json.RawMessage)

	// PushShareData pushes the latest sample of a shared device to every
	// peer whose share list contains it.
	PushShareData(fromClientID, deviceUUID string, deviceID int64, data json.RawMessage)
}

// TimeseriesSink receives numeric samples tapped from device publishes.
// Implemented by the store.
type TimeseriesSink interface {
	AppendTimeseries(deviceUUID, dataKey string, value float64, tsMillis int64) error
}

// Share access levels returned by CheckBridgeDeviceAccess.
const (
	AccessAll       = "all"
	AccessReadWrite = store.PermissionReadWrite
	AccessRead      = store.PermissionRead
	AccessNone      = "none"
)

// EmitFunc publishes a payload on a local topic at QoS 0.
type EmitFunc func(topic string, payload []byte) error

// Dispatcher routes admitted publishes to local MQTT subscribers, HTTP
// spools, peer brokers, and the timeseries sink. It is shared by the MQTT
// engine, the HTTP adapter, and the scheduler.
type Dispatcher struct {
	cache *cache.Cache
	store *store.Store
	ts    TimeseriesSink
	emit  EmitFunc
	log   *slog.Logger

	bridgeEnabled bool
	bridge        BridgeSender
}

// NewDispatcher creates a dispatcher. The bridge sender is attached later
// via SetBridge when federation is enabled.
func NewDispatcher(c *cache.Cache, s *store.Store, ts TimeseriesSink, emit EmitFunc) *Dispatcher {
	return &Dispatcher{
		cache: c,
		store: s,
		ts:    ts,
		emit:  emit,
		log:   logging.Nop(),
	}
}

// SetLogger sets the operational logger for the dispatcher.
func (d *Dispatcher) SetLogger(log *slog.Logger) {
	if log != nil {
		d.log = log
	}
}

// SetBridge attaches the federation sender. Must be called before traffic
// starts flowing.
func (d *Dispatcher) SetBridge(b BridgeSender) {
	d.bridge = b
	d.bridgeEnabled = b != nil
}

// lookupDevice resolves a client id to its device snapshot, consulting the
// cache first and the store on miss.
func (d *Dispatcher) lookupDevice(clientID string) *store.Device {
	if dev, ok := d.cache.DeviceByClientID(clientID); ok {
		return dev
	}
	dev, err := d.store.GetDeviceByClientID(clientID)
	if err != nil {
		return nil
	}
	d.cache.SetDeviceByClientID(clientID, dev)
	return dev
}

// HandleDeviceSend runs the full pipeline for an admitted publish on a
// device send topic: share-data push to federated peers, the timeseries tap
// when requested, then routing by target. It is the common entry point for
// the MQTT engine, the HTTP adapter, and the scheduler.
func (d *Dispatcher) HandleDeviceSend(sender string, msg DeviceMessage) {
	if d.bridgeEnabled {
		d.pushShareDataIfNeeded(sender, msg.Data)
	}
	if msg.TS {
		if dev := d.lookupDevice(sender); dev != nil {
			d.TapTimeseries(dev.UUID, msg.Data)
		}
	}
	switch {
	case msg.ToDevice != "":
		d.DispatchDevice(sender, msg.ToDevice, msg.Data)
	case msg.ToGroup != "":
		d.DispatchGroup(sender, msg.ToGroup, msg.Data)
	case !msg.TS:
		// A ts-only publish legitimately has no target.
		d.log.Warn("publish without target, dropped", "sender", sender)
	}
}

// HandleGroupSend runs the pipeline for an admitted publish on a group send
// topic. A toGroup in the payload overrides the topic's group segment.
func (d *Dispatcher) HandleGroupSend(sender, topicGroup string, msg DeviceMessage) {
	group := msg.ToGroup
	if group == "" {
		group = topicGroup
	}
	d.DispatchGroup(sender, group, msg.Data)
}

// DispatchDevice routes a device-directed message from a local sender.
// The target may be a local client id or a "brokerId:clientId" remote
// address; remote sends to a disconnected peer are dropped.
func (d *Dispatcher) DispatchDevice(sender, target string, data json.RawMessage) {
	brokerID, local, remote, valid := ParseRemoteAddress(target)
	if remote {
		if !valid {
			d.log.Warn("invalid remote address", "target", target, "sender", sender)
			return
		}
		if d.bridge == nil || !d.bridge.SendToRemoteDevice(brokerID, sender, local, data) {
			d.log.Warn("remote broker not connected, message dropped",
				"broker", brokerID, "target", local, "sender", sender)
		}
		return
	}
	if !valid {
		d.log.Warn("empty dispatch target", "sender", sender)
		return
	}

	d.DeliverLocal(local, cache.ForwardMessage{FromDevice: sender, Data: data})
}

// DeliverLocal hands a forward message to a local device: HTTP-mode targets
// get it spooled, MQTT targets get it emitted on /device/{cid}/r.
func (d *Dispatcher) DeliverLocal(target string, fm cache.ForwardMessage) {
	if d.cache.IsHTTPMode(target) {
		d.cache.AddPendingMessage(target, fm)
		return
	}
	payload, err := json.Marshal(fm)
	if err != nil {
		d.log.Error("failed to encode forward message", "error", err)
		return
	}
	if err := d.emit(DeviceRecvTopic(target), payload); err != nil {
		d.log.Warn("emit failed", "topic", DeviceRecvTopic(target), "error", err)
	}
}

// DispatchGroup routes a group message from a local sender. The group name
// may be a "brokerId:group" remote address. Local senders must be cached
// members of the group.
func (d *Dispatcher) DispatchGroup(sender, groupName string, data json.RawMessage) {
	brokerID, local, remote, valid := ParseRemoteAddress(groupName)
	if remote {
		if !valid {
			d.log.Warn("invalid remote group address", "group", groupName, "sender", sender)
			return
		}
		if d.bridge == nil || !d.bridge.SendToRemoteGroup(brokerID, sender, local, data) {
			d.log.Warn("remote broker not connected, group message dropped",
				"broker", brokerID, "group", local, "sender", sender)
		}
		return
	}
	if !valid {
		d.log.Warn("empty group target", "sender", sender)
		return
	}

	// The scheduler's synthetic sender is not a group member; devices must be.
	if sender != SchedulerSender && !d.cache.IsInGroup(sender, groupName) {
		d.log.Warn("sender not in group, message dropped", "sender", sender, "group", groupName)
		return
	}

	fm := cache.ForwardMessage{FromGroup: groupName, FromDevice: sender, Data: data}
	for _, member := range d.cache.GroupMembers(groupName) {
		if member == sender {
			continue
		}
		if d.cache.IsHTTPMode(member) {
			d.cache.AddPendingMessage(member, fm)
		}
	}

	payload, err := json.Marshal(fm)
	if err != nil {
		d.log.Error("failed to encode group message", "error", err)
		return
	}
	if err := d.emit(GroupRecvTopic(groupName), payload); err != nil {
		d.log.Warn("emit failed", "topic", GroupRecvTopic(groupName), "error", err)
	}

	if d.bridgeEnabled && d.bridge != nil {
		d.bridge.BroadcastToRemoteGroup(sender, groupName, data)
	}
}

// DeliverFromRemote delivers a device-directed message that arrived from a
// peer broker, subject to the device-share ACL.
func (d *Dispatcher) DeliverFromRemote(fromBroker, fromDevice, targetClientID string, data json.RawMessage) {
	switch access := d.CheckBridgeDeviceAccess(targetClientID, fromBroker); access {
	case AccessAll, AccessReadWrite:
	default:
		d.log.Warn("bridge delivery denied", "from", fromBroker, "target", targetClientID, "access", access)
		return
	}

	d.DeliverLocal(targetClientID, cache.ForwardMessage{
		FromDevice: fromBroker + ":" + fromDevice,
		Data:       data,
	})
}

// DeliverGroupFromRemote delivers a group message that arrived from a peer
// broker to local group members.
func (d *Dispatcher) DeliverGroupFromRemote(fromBroker, fromDevice, groupName string, data json.RawMessage) {
	fm := cache.ForwardMessage{
		FromGroup:  groupName,
		FromDevice: fromBroker + ":" + fromDevice,
		Data:       data,
	}
	for _, member := range d.cache.GroupMembers(groupName) {
		if d.cache.IsHTTPMode(member) {
			d.cache.AddPendingMessage(member, fm)
		}
	}
	payload, err := json.Marshal(fm)
	if err != nil {
		d.log.Error("failed to encode group message", "error", err)
		return
	}
	if err := d.emit(GroupRecvTopic(groupName), payload); err != nil {
		d.log.Warn("emit failed", "topic", GroupRecvTopic(groupName), "error", err)
	}
}

// CheckBridgeDeviceAccess evaluates the device-share ACL for a delivery from
// fromBrokerID to the local device targetClientID.
//
// Zero share rows for the peer means the open backward-compatible policy
// (all). Otherwise the matching row's permissions apply, or none when no
// row matches the target.
func (d *Dispatcher) CheckBridgeDeviceAccess(targetClientID, fromBrokerID string) string {
	n, err := d.store.CountSharesForBroker(fromBrokerID)
	if err != nil {
		d.log.Error("share lookup failed", "broker", fromBrokerID, "error", err)
		return AccessNone
	}
	if n == 0 {
		return AccessAll
	}

	dev := d.lookupDevice(targetClientID)
	if dev == nil {
		return AccessNone
	}
	perm, err := d.store.GetSharePermission(fromBrokerID, dev.ID)
	if err != nil {
		return AccessNone
	}
	return perm
}

// IsGroupMember checks group membership for the ACL: the cache first, then
// the store on miss (caching the result).
func (d *Dispatcher) IsGroupMember(clientID, groupName string) bool {
	if d.cache.IsInGroup(clientID, groupName) {
		return true
	}
	dev := d.lookupDevice(clientID)
	if dev == nil {
		return false
	}
	in, err := d.store.IsDeviceInGroup(dev.ID, groupName)
	if err != nil || !in {
		return false
	}
	names, err := d.store.GetDeviceGroups(dev.ID)
	if err == nil {
		d.cache.SetDeviceGroups(clientID, names)
	}
	return true
}

// pushShareDataIfNeeded forwards the sample to sharing peers when the
// sending device appears in any peer's share list.
func (d *Dispatcher) pushShareDataIfNeeded(sender string, data json.RawMessage) {
	if d.bridge == nil {
		return
	}
	dev := d.lookupDevice(sender)
	if dev == nil {
		return
	}
	d.bridge.PushShareData(sender, dev.UUID, dev.ID, data)
}

// TapTimeseries extracts numeric entries from a data object and appends
// them to the timeseries sink. Non-numeric entries are skipped; a non-object
// data payload is logged and ignored.
func (d *Dispatcher) TapTimeseries(deviceUUID string, data json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		d.log.Warn("timeseries data is not an object", "device", deviceUUID)
		return
	}
	now := time.Now().UnixMilli()
	for key, raw := range fields {
		value, ok := coerceNumber(raw)
		if !ok {
			continue
		}
		if err := d.ts.AppendTimeseries(deviceUUID, key, value, now); err != nil {
			d.log.Error("timeseries append failed", "device", deviceUUID, "key", key, "error", err)
		}
	}
}

// coerceNumber converts a JSON value to a finite float64. Numbers and
// numeric strings coerce; everything else is skipped.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
