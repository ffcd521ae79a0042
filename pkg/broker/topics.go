package broker

import (
	"regexp"
	"strings"
)

// Topic grammar. Segments match [^/]+; everything else is denied by the ACL.
var (
	reDeviceSend      = regexp.MustCompile(`^/device/([^/]+)/s$`)
	reDeviceRecv      = regexp.MustCompile(`^/device/([^/]+)/r$`)
	reGroupSend       = regexp.MustCompile(`^/group/([^/]+)/s$`)
	reGroupRecv       = regexp.MustCompile(`^/group/([^/]+)/r$`)
	reBridgeDevice    = regexp.MustCompile(`^/bridge/device/([^/]+)$`)
	reBridgeGroup     = regexp.MustCompile(`^/bridge/group/([^/]+)$`)
	reBridgeShareSync = regexp.MustCompile(`^/bridge/share/sync/([^/]+)$`)
	reBridgeShareData = regexp.MustCompile(`^/bridge/share/data/([^/]+)/([^/]+)$`)
)

// BridgeTopicPrefix is the reserved subtree for federation traffic.
const BridgeTopicPrefix = "/bridge/"

// matchOne returns the single capture of re against topic.
func matchOne(re *regexp.Regexp, topic string) (string, bool) {
	m := re.FindStringSubmatch(topic)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchDeviceSend matches /device/{cid}/s.
func MatchDeviceSend(topic string) (cid string, ok bool) {
	return matchOne(reDeviceSend, topic)
}

// MatchDeviceRecv matches /device/{cid}/r.
func MatchDeviceRecv(topic string) (cid string, ok bool) {
	return matchOne(reDeviceRecv, topic)
}

// MatchGroupSend matches /group/{name}/s.
func MatchGroupSend(topic string) (name string, ok bool) {
	return matchOne(reGroupSend, topic)
}

// MatchGroupRecv matches /group/{name}/r.
func MatchGroupRecv(topic string) (name string, ok bool) {
	return matchOne(reGroupRecv, topic)
}

// MatchBridgeDevice matches /bridge/device/{cid}.
func MatchBridgeDevice(topic string) (cid string, ok bool) {
	return matchOne(reBridgeDevice, topic)
}

// MatchBridgeGroup matches /bridge/group/{name}.
func MatchBridgeGroup(topic string) (name string, ok bool) {
	return matchOne(reBridgeGroup, topic)
}

// MatchBridgeShareSync matches /bridge/share/sync/{brokerId}.
func MatchBridgeShareSync(topic string) (brokerID string, ok bool) {
	return matchOne(reBridgeShareSync, topic)
}

// MatchBridgeShareData matches /bridge/share/data/{brokerId}/{clientId}.
func MatchBridgeShareData(topic string) (brokerID, clientID string, ok bool) {
	m := reBridgeShareData.FindStringSubmatch(topic)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// IsBridgeTopic reports whether the topic lies in the reserved /bridge/ subtree.
func IsBridgeTopic(topic string) bool {
	return strings.HasPrefix(topic, BridgeTopicPrefix)
}

// Topic builders.

// DeviceRecvTopic returns /device/{cid}/r.
func DeviceRecvTopic(cid string) string {
	return "/device/" + cid + "/r"
}

// GroupRecvTopic returns /group/{name}/r.
func GroupRecvTopic(name string) string {
	return "/group/" + name + "/r"
}

// BridgeDeviceTopic returns /bridge/device/{cid}.
func BridgeDeviceTopic(cid string) string {
	return "/bridge/device/" + cid
}

// BridgeGroupTopic returns /bridge/group/{name}.
func BridgeGroupTopic(name string) string {
	return "/bridge/group/" + name
}

// BridgeShareSyncTopic returns /bridge/share/sync/{brokerId}.
func BridgeShareSyncTopic(brokerID string) string {
	return "/bridge/share/sync/" + brokerID
}

// BridgeShareDataTopic returns /bridge/share/data/{brokerId}/{clientId}.
func BridgeShareDataTopic(brokerID, clientID string) string {
	return "/bridge/share/data/" + brokerID + "/" + clientID
}
