package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchDeviceTopics(t *testing.T) {
	cid, ok := MatchDeviceSend("/device/cid-A/s")
	assert.True(t, ok)
	assert.Equal(t, "cid-A", cid)

	cid, ok = MatchDeviceRecv("/device/cid-A/r")
	assert.True(t, ok)
	assert.Equal(t, "cid-A", cid)

	for _, topic := range []string{
		"/device//s",
		"/device/a/b/s",
		"/device/a/x",
		"device/a/s",
		"/device/a/s/",
		"/device/a/r/extra",
	} {
		_, ok := MatchDeviceSend(topic)
		assert.False(t, ok, "topic %q should not match", topic)
	}
}

func TestMatchGroupTopics(t *testing.T) {
	name, ok := MatchGroupSend("/group/sensors/s")
	assert.True(t, ok)
	assert.Equal(t, "sensors", name)

	name, ok = MatchGroupRecv("/group/sensors/r")
	assert.True(t, ok)
	assert.Equal(t, "sensors", name)

	_, ok = MatchGroupSend("/group//s")
	assert.False(t, ok)
	_, ok = MatchGroupRecv("/group/a/b/r")
	assert.False(t, ok)
}

func TestMatchBridgeTopics(t *testing.T) {
	cid, ok := MatchBridgeDevice("/bridge/device/cid-A")
	assert.True(t, ok)
	assert.Equal(t, "cid-A", cid)

	name, ok := MatchBridgeGroup("/bridge/group/sensors")
	assert.True(t, ok)
	assert.Equal(t, "sensors", name)

	brokerID, ok := MatchBridgeShareSync("/bridge/share/sync/broker-1")
	assert.True(t, ok)
	assert.Equal(t, "broker-1", brokerID)

	brokerID, clientID, ok := MatchBridgeShareData("/bridge/share/data/broker-1/cid-A")
	assert.True(t, ok)
	assert.Equal(t, "broker-1", brokerID)
	assert.Equal(t, "cid-A", clientID)

	// Subscription filters use + for the client segment.
	brokerID, clientID, ok = MatchBridgeShareData("/bridge/share/data/broker-1/+")
	assert.True(t, ok)
	assert.Equal(t, "broker-1", brokerID)
	assert.Equal(t, "+", clientID)

	_, ok = MatchBridgeDevice("/bridge/device/a/b")
	assert.False(t, ok)
	_, _, ok = MatchBridgeShareData("/bridge/share/data/broker-1")
	assert.False(t, ok)
}

func TestIsBridgeTopic(t *testing.T) {
	assert.True(t, IsBridgeTopic("/bridge/device/x"))
	assert.True(t, IsBridgeTopic("/bridge/share/sync/b1"))
	assert.False(t, IsBridgeTopic("/device/x/s"))
	assert.False(t, IsBridgeTopic("bridge/device/x"))
}

func TestTopicBuilders_RoundTrip(t *testing.T) {
	cid, ok := MatchDeviceRecv(DeviceRecvTopic("cid-A"))
	assert.True(t, ok)
	assert.Equal(t, "cid-A", cid)

	name, ok := MatchGroupRecv(GroupRecvTopic("sensors"))
	assert.True(t, ok)
	assert.Equal(t, "sensors", name)

	cid, ok = MatchBridgeDevice(BridgeDeviceTopic("cid-A"))
	assert.True(t, ok)
	assert.Equal(t, "cid-A", cid)

	name, ok = MatchBridgeGroup(BridgeGroupTopic("sensors"))
	assert.True(t, ok)
	assert.Equal(t, "sensors", name)

	brokerID, ok := MatchBridgeShareSync(BridgeShareSyncTopic("b1"))
	assert.True(t, ok)
	assert.Equal(t, "b1", brokerID)

	brokerID, clientID, ok := MatchBridgeShareData(BridgeShareDataTopic("b1", "cid-A"))
	assert.True(t, ok)
	assert.Equal(t, "b1", brokerID)
	assert.Equal(t, "cid-A", clientID)
}
