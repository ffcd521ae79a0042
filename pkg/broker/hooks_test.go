package broker

import (
	"context"
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmq/driftmq/pkg/cache"
	"github.com/driftmq/driftmq/pkg/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store, *cache.Cache) {
	t.Helper()
	s := store.New(t.TempDir())
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	c := cache.New()
	rec := &emitRecorder{}
	d := NewDispatcher(c, s, &fakeSink{}, rec.emit)
	e, err := NewEngine(opts, c, s, d)
	require.NoError(t, err)
	return e, s, c
}

func connectPacket(password string) packets.Packet {
	var pk packets.Packet
	pk.Connect.Password = []byte(password)
	return pk
}

func mqttClient(clientID, username string) *mqtt.Client {
	cl := &mqtt.Client{ID: clientID}
	cl.Properties.Username = []byte(username)
	return cl
}

func TestHookProvides(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})

	auth := &authHook{engine: e}
	assert.True(t, auth.Provides(mqtt.OnConnectAuthenticate))
	assert.True(t, auth.Provides(mqtt.OnACLCheck))
	assert.False(t, auth.Provides(mqtt.OnPublish))

	session := &sessionHook{engine: e}
	assert.True(t, session.Provides(mqtt.OnSessionEstablished))
	assert.True(t, session.Provides(mqtt.OnDisconnect))
	assert.True(t, session.Provides(mqtt.OnSubscribed))
	assert.False(t, session.Provides(mqtt.OnPublish))

	message := &messageHook{engine: e}
	assert.True(t, message.Provides(mqtt.OnPublish))
	assert.False(t, message.Provides(mqtt.OnACLCheck))
}

func TestAuthenticate_Device(t *testing.T) {
	e, s, c := newTestEngine(t, Options{})
	_, err := s.CreateDevice("dev-A", "key-A")
	require.NoError(t, err)
	_, err = s.UpdateDeviceConnection("key-A", "cid-A", "user_ab12", "hunter2")
	require.NoError(t, err)
	_ = c

	auth := &authHook{engine: e}

	assert.True(t, auth.OnConnectAuthenticate(mqttClient("cid-A", "user_ab12"), connectPacket("hunter2")))
	assert.False(t, auth.OnConnectAuthenticate(mqttClient("cid-A", "user_ab12"), connectPacket("wrong")))
	assert.False(t, auth.OnConnectAuthenticate(mqttClient("cid-A", "other"), connectPacket("hunter2")))
	assert.False(t, auth.OnConnectAuthenticate(mqttClient("cid-unknown", "user_ab12"), connectPacket("hunter2")))
}

func TestAuthenticate_Bridge(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{
		FederationEnabled: true,
		BrokerID:          "broker-local",
		BridgeToken:       "tok-123",
	})
	auth := &authHook{engine: e}

	cl := mqttClient(BridgeClientPrefix+"broker-2", BridgeUsername)
	assert.True(t, auth.OnConnectAuthenticate(cl, connectPacket("tok-123")))
	assert.False(t, auth.OnConnectAuthenticate(cl, connectPacket("wrong")))

	// Wrong username with a bridge client id is rejected.
	assert.False(t, auth.OnConnectAuthenticate(
		mqttClient(BridgeClientPrefix+"broker-2", "someone"), connectPacket("tok-123")))
}

func TestAuthenticate_BridgeDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{FederationEnabled: false, BridgeToken: "tok-123"})
	auth := &authHook{engine: e}

	cl := mqttClient(BridgeClientPrefix+"broker-2", BridgeUsername)
	assert.False(t, auth.OnConnectAuthenticate(cl, connectPacket("tok-123")))
}

func TestDeviceACL(t *testing.T) {
	e, _, c := newTestEngine(t, Options{})
	c.SetDeviceGroups("cid-A", []string{"sensors"})
	auth := &authHook{engine: e}

	// Publish side.
	assert.True(t, auth.deviceACL("cid-A", "/device/cid-A/s", true))
	assert.False(t, auth.deviceACL("cid-A", "/device/cid-B/s", true))
	assert.True(t, auth.deviceACL("cid-A", "/group/sensors/s", true))
	assert.False(t, auth.deviceACL("cid-A", "/group/other/s", true))
	assert.False(t, auth.deviceACL("cid-A", "/device/cid-A/r", true))
	assert.False(t, auth.deviceACL("cid-A", "/bridge/device/cid-A", true))

	// Subscribe side.
	assert.True(t, auth.deviceACL("cid-A", "/device/cid-A/r", false))
	assert.False(t, auth.deviceACL("cid-A", "/device/cid-B/r", false))
	assert.True(t, auth.deviceACL("cid-A", "/group/sensors/r", false))
	assert.False(t, auth.deviceACL("cid-A", "/group/other/r", false))
	assert.False(t, auth.deviceACL("cid-A", "/device/cid-A/s", false))
	assert.False(t, auth.deviceACL("cid-A", "/bridge/share/sync/b1", false))
	assert.False(t, auth.deviceACL("cid-A", "#", false))
	assert.False(t, auth.deviceACL("cid-A", "/device/+/r", false))
}

func TestBridgeACL(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{FederationEnabled: true})
	auth := &authHook{engine: e}

	// A peer session may publish cross-broker envelopes.
	assert.True(t, auth.bridgeACL("broker-2", "/bridge/device/cid-A", true))
	assert.True(t, auth.bridgeACL("broker-2", "/bridge/group/sensors", true))
	assert.False(t, auth.bridgeACL("broker-2", "/device/cid-A/s", true))
	assert.False(t, auth.bridgeACL("broker-2", "/bridge/share/sync/broker-2", true))

	// It may subscribe only to its own share topics.
	assert.True(t, auth.bridgeACL("broker-2", "/bridge/share/sync/broker-2", false))
	assert.True(t, auth.bridgeACL("broker-2", "/bridge/share/data/broker-2/+", false))
	assert.False(t, auth.bridgeACL("broker-2", "/bridge/share/sync/broker-3", false))
	assert.False(t, auth.bridgeACL("broker-2", "/bridge/share/data/broker-3/+", false))
	assert.False(t, auth.bridgeACL("broker-2", "/device/cid-A/r", false))
	assert.False(t, auth.bridgeACL("broker-2", "/bridge/device/+", false))
}
