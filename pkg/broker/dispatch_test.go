package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/store"
)

type emitted struct {
	topic   string
	payload []byte
}

type emitRecorder struct {
	mu    sync.Mutex
	emits []emitted
}

func (r *emitRecorder) emit(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, emitted{topic: topic, payload: payload})
	return nil
}

func (r *emitRecorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.emits...)
}

type fakeBridge struct {
	connected   bool
	deviceSends []string
	groupSends  []string
	broadcasts  []string
	sharePushes []string
}

func (b *fakeBridge) SendToRemoteDevice(peer, from, target string, data json.RawMessage) bool {
	b.deviceSends = append(b.deviceSends, fmt.Sprintf("%s/%s", peer, target))
	return b.connected
}

func (b *fakeBridge) SendToRemoteGroup(peer, from, group string, data json.RawMessage) bool {
	b.groupSends = append(b.groupSends, fmt.Sprintf("%s/%s", peer, group))
	return b.connected
}

func (b *fakeBridge) BroadcastToRemoteGroup(from, group string, data json.RawMessage) {
	b.broadcasts = append(b.broadcasts, group)
}

func (b *fakeBridge) PushShareData(from, uuid string, deviceID int64, data json.RawMessage) {
	b.sharePushes = append(b.sharePushes, uuid)
}

type fakeSink struct {
	mu      sync.Mutex
	samples map[string]float64
}

func (s *fakeSink) AppendTimeseries(deviceUUID, dataKey string, value float64, tsMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == nil {
		s.samples = make(map[string]float64)
	}
	s.samples[deviceUUID+"/"+dataKey] = value
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *cache.Cache, *emitRecorder, *fakeSink) {
	t.Helper()
	s := store.New(t.TempDir())
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	c := cache.New()
	rec := &emitRecorder{}
	sink := &fakeSink{}
	d := NewDispatcher(c, s, sink, rec.emit)
	return d, s, c, rec, sink
}

func seedDevice(t *testing.T, s *store.Store, c *cache.Cache, uuid, clientID string) *store.Device {
	t.Helper()
	_, err := s.CreateDevice(uuid, "key-"+uuid)
	require.NoError(t, err)
	dev, err := s.UpdateDeviceConnection("key-"+uuid, clientID, "user_"+uuid, "secret")
	require.NoError(t, err)
	c.SetDeviceByClientID(clientID, dev)
	return dev
}

func TestDispatchDevice_LocalEmit(t *testing.T) {
	d, _, _, rec, _ := newTestDispatcher(t)

	d.DispatchDevice("cid-A", "cid-B", json.RawMessage(`{"v":1}`))

	emits := rec.all()
	require.Len(t, emits, 1)
	assert.Equal(t, "/device/cid-B/r", emits[0].topic)

	var fm cache.ForwardMessage
	require.NoError(t, json.Unmarshal(emits[0].payload, &fm))
	assert.Equal(t, "cid-A", fm.FromDevice)
	assert.Empty(t, fm.FromGroup)
	assert.JSONEq(t, `{"v":1}`, string(fm.Data))
}

func TestDispatchDevice_HTTPSpool(t *testing.T) {
	d, _, c, rec, _ := newTestDispatcher(t)
	c.SetDeviceMode("cid-B", store.ModeHTTP)

	d.DispatchDevice("cid-A", "cid-B", json.RawMessage(`{"v":1}`))

	assert.Empty(t, rec.all())
	msgs := c.GetPendingMessages("cid-B")
	require.Len(t, msgs, 1)
	assert.Equal(t, "cid-A", msgs[0].FromDevice)
}

func TestDispatchDevice_Remote(t *testing.T) {
	d, _, _, rec, _ := newTestDispatcher(t)
	bridge := &fakeBridge{connected: true}
	d.SetBridge(bridge)

	d.DispatchDevice("cid-A", "broker-2:cid-X", json.RawMessage(`{"v":1}`))

	assert.Empty(t, rec.all())
	assert.Equal(t, []string{"broker-2/cid-X"}, bridge.deviceSends)
}

func TestDispatchDevice_RemoteDisconnectedOrMissingBridge(t *testing.T) {
	d, _, _, rec, _ := newTestDispatcher(t)

	// No bridge attached: the message is dropped, not emitted locally.
	d.DispatchDevice("cid-A", "broker-2:cid-X", json.RawMessage(`{"v":1}`))
	assert.Empty(t, rec.all())

	// Disconnected peer: same.
	bridge := &fakeBridge{connected: false}
	d.SetBridge(bridge)
	d.DispatchDevice("cid-A", "broker-2:cid-X", json.RawMessage(`{"v":1}`))
	assert.Empty(t, rec.all())
	assert.Len(t, bridge.deviceSends, 1)
}

func TestDispatchDevice_InvalidRemoteAddress(t *testing.T) {
	d, _, _, rec, _ := newTestDispatcher(t)
	bridge := &fakeBridge{connected: true}
	d.SetBridge(bridge)

	d.DispatchDevice("cid-A", ":cid-X", json.RawMessage(`{"v":1}`))
	d.DispatchDevice("cid-A", "broker-2:", json.RawMessage(`{"v":1}`))

	assert.Empty(t, rec.all())
	assert.Empty(t, bridge.deviceSends)
}

func TestDispatchGroup_RequiresMembership(t *testing.T) {
	d, _, c, rec, _ := newTestDispatcher(t)

	d.DispatchGroup("cid-A", "sensors", json.RawMessage(`{"v":1}`))
	assert.Empty(t, rec.all())

	c.SetDeviceGroups("cid-A", []string{"sensors"})
	d.DispatchGroup("cid-A", "sensors", json.RawMessage(`{"v":1}`))

	emits := rec.all()
	require.Len(t, emits, 1)
	assert.Equal(t, "/group/sensors/r", emits[0].topic)

	var fm cache.ForwardMessage
	require.NoError(t, json.Unmarshal(emits[0].payload, &fm))
	assert.Equal(t, "sensors", fm.FromGroup)
	assert.Equal(t, "cid-A", fm.FromDevice)
}

func TestDispatchGroup_SpoolsHTTPMembersExceptSender(t *testing.T) {
	d, _, c, _, _ := newTestDispatcher(t)
	c.SetDeviceGroups("cid-A", []string{"sensors"})
	c.SetDeviceGroups("cid-B", []string{"sensors"})
	c.SetDeviceGroups("cid-C", []string{"sensors"})
	c.SetDeviceMode("cid-A", store.ModeHTTP)
	c.SetDeviceMode("cid-B", store.ModeHTTP)

	d.DispatchGroup("cid-A", "sensors", json.RawMessage(`{"v":1}`))

	// The HTTP sender never receives its own message; the MQTT member gets
	// it via the group emit, not the spool.
	assert.Zero(t, c.PendingCount("cid-A"))
	assert.Equal(t, 1, c.PendingCount("cid-B"))
	assert.Zero(t, c.PendingCount("cid-C"))
}

func TestDispatchGroup_BroadcastsToPeers(t *testing.T) {
	d, _, c, _, _ := newTestDispatcher(t)
	bridge := &fakeBridge{connected: true}
	d.SetBridge(bridge)
	c.SetDeviceGroups("cid-A", []string{"sensors"})

	d.DispatchGroup("cid-A", "sensors", json.RawMessage(`{"v":1}`))
	assert.Equal(t, []string{"sensors"}, bridge.broadcasts)

	// Remote group targets go to the named peer only.
	d.DispatchGroup("cid-A", "broker-2:fleet", json.RawMessage(`{"v":1}`))
	assert.Equal(t, []string{"broker-2/fleet"}, bridge.groupSends)
	assert.Len(t, bridge.broadcasts, 1)
}

func TestDeliverFromRemote_OpenWhenNoShares(t *testing.T) {
	d, s, c, rec, _ := newTestDispatcher(t)
	seedDevice(t, s, c, "dev-B", "cid-B")

	d.DeliverFromRemote("broker-2", "cid-X", "cid-B", json.RawMessage(`{"v":1}`))

	emits := rec.all()
	require.Len(t, emits, 1)
	assert.Equal(t, "/device/cid-B/r", emits[0].topic)

	var fm cache.ForwardMessage
	require.NoError(t, json.Unmarshal(emits[0].payload, &fm))
	assert.Equal(t, "broker-2:cid-X", fm.FromDevice)
}

func TestDeliverFromRemote_ShareACL(t *testing.T) {
	d, s, c, rec, _ := newTestDispatcher(t)
	devB := seedDevice(t, s, c, "dev-B", "cid-B")
	devC := seedDevice(t, s, c, "dev-C", "cid-C")
	seedDevice(t, s, c, "dev-D", "cid-D")

	_, err := s.CreateSharedDevice("broker-2", devB.ID, store.PermissionRead)
	require.NoError(t, err)
	_, err = s.CreateSharedDevice("broker-2", devC.ID, store.PermissionReadWrite)
	require.NoError(t, err)

	// read share: the peer may observe the device but not write to it.
	d.DeliverFromRemote("broker-2", "cid-X", "cid-B", json.RawMessage(`{"v":1}`))
	assert.Empty(t, rec.all())

	// readwrite share: delivered.
	d.DeliverFromRemote("broker-2", "cid-X", "cid-C", json.RawMessage(`{"v":2}`))
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "/device/cid-C/r", rec.all()[0].topic)

	// Unshared device with shares present: denied.
	d.DeliverFromRemote("broker-2", "cid-X", "cid-D", json.RawMessage(`{"v":3}`))
	assert.Len(t, rec.all(), 1)

	// A different peer with no share rows still has open access.
	d.DeliverFromRemote("broker-3", "cid-X", "cid-B", json.RawMessage(`{"v":4}`))
	assert.Len(t, rec.all(), 2)
}

func TestDeliverGroupFromRemote(t *testing.T) {
	d, _, c, rec, _ := newTestDispatcher(t)
	c.SetDeviceGroups("cid-A", []string{"sensors"})
	c.SetDeviceGroups("cid-B", []string{"sensors"})
	c.SetDeviceMode("cid-B", store.ModeHTTP)

	d.DeliverGroupFromRemote("broker-2", "cid-X", "sensors", json.RawMessage(`{"v":1}`))

	emits := rec.all()
	require.Len(t, emits, 1)
	assert.Equal(t, "/group/sensors/r", emits[0].topic)
	assert.Equal(t, 1, c.PendingCount("cid-B"))

	var fm cache.ForwardMessage
	require.NoError(t, json.Unmarshal(emits[0].payload, &fm))
	assert.Equal(t, "broker-2:cid-X", fm.FromDevice)
	assert.Equal(t, "sensors", fm.FromGroup)
}

func TestHandleDeviceSend_TimeseriesTap(t *testing.T) {
	d, s, c, _, sink := newTestDispatcher(t)
	seedDevice(t, s, c, "dev-A", "cid-A")

	d.HandleDeviceSend("cid-A", DeviceMessage{
		TS:   true,
		Data: json.RawMessage(`{"temp":21.5,"label":"kitchen","count":"7","flag":true}`),
	})

	assert.Equal(t, map[string]float64{
		"dev-A/temp":  21.5,
		"dev-A/count": 7,
	}, sink.samples)
}

func TestHandleDeviceSend_NoTapWithoutFlag(t *testing.T) {
	d, s, c, _, sink := newTestDispatcher(t)
	seedDevice(t, s, c, "dev-A", "cid-A")

	d.HandleDeviceSend("cid-A", DeviceMessage{
		Data: json.RawMessage(`{"temp":21.5}`),
	})
	assert.Empty(t, sink.samples)
}

func TestHandleDeviceSend_NoTargetDropsWithLog(t *testing.T) {
	d, s, c, rec, _ := newTestDispatcher(t)
	seedDevice(t, s, c, "dev-A", "cid-A")

	var buf bytes.Buffer
	d.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	d.HandleDeviceSend("cid-A", DeviceMessage{Data: json.RawMessage(`{"v":1}`)})
	assert.Empty(t, rec.all())
	assert.Contains(t, buf.String(), "publish without target")

	// A ts-only publish is not a routing mistake and stays quiet.
	buf.Reset()
	d.HandleDeviceSend("cid-A", DeviceMessage{TS: true, Data: json.RawMessage(`{"temp":21.5}`)})
	assert.NotContains(t, buf.String(), "publish without target")
}

func TestHandleDeviceSend_SharePush(t *testing.T) {
	d, s, c, _, _ := newTestDispatcher(t)
	bridge := &fakeBridge{connected: true}
	d.SetBridge(bridge)
	seedDevice(t, s, c, "dev-A", "cid-A")

	d.HandleDeviceSend("cid-A", DeviceMessage{Data: json.RawMessage(`{"v":1}`)})
	assert.Equal(t, []string{"dev-A"}, bridge.sharePushes)
}

func TestHandleGroupSend_PayloadOverridesTopic(t *testing.T) {
	d, _, c, rec, _ := newTestDispatcher(t)
	c.SetDeviceGroups("cid-A", []string{"sensors", "alerts"})

	d.HandleGroupSend("cid-A", "sensors", DeviceMessage{
		ToGroup: "alerts",
		Data:    json.RawMessage(`{"v":1}`),
	})

	emits := rec.all()
	require.Len(t, emits, 1)
	assert.Equal(t, "/group/alerts/r", emits[0].topic)

	d.HandleGroupSend("cid-A", "sensors", DeviceMessage{Data: json.RawMessage(`{"v":2}`)})
	emits = rec.all()
	require.Len(t, emits, 2)
	assert.Equal(t, "/group/sensors/r", emits[1].topic)
}

func TestCoerceNumber(t *testing.T) {
	tests := []struct {
		raw   string
		value float64
		ok    bool
	}{
		{`21.5`, 21.5, true},
		{`-3`, -3, true},
		{`0`, 0, true},
		{`"7"`, 7, true},
		{`"1.5e3"`, 1500, true},
		{`"abc"`, 0, false},
		{`true`, 0, false},
		{`null`, 0, false},
		{`{"a":1}`, 0, false},
		{`[1]`, 0, false},
	}
	for _, tc := range tests {
		v, ok := coerceNumber(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, "raw %s", tc.raw)
		if tc.ok {
			assert.Equal(t, tc.value, v, "raw %s", tc.raw)
		}
	}
}
