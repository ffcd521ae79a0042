package broker

import (
	"encoding/json"
	"strings"
)

// BridgeClientPrefix is the reserved client id prefix for peer-bridge
// sessions; the remainder of the id is the peer's broker id.
const BridgeClientPrefix = "__bridge_"

// BridgeUsername is the fixed username peer-bridge clients connect with.
const BridgeUsername = "__bridge_"

// SchedulerSender is the synthetic fromDevice identity of scheduler publishes.
const SchedulerSender = "__scheduler__"

// DeviceMessage is the payload devices publish on /device/{cid}/s and
// /group/{name}/s.
type DeviceMessage struct {
	ToDevice string          `json:"toDevice,omitempty"`
	ToGroup  string          `json:"toGroup,omitempty"`
	TS       bool            `json:"ts,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// BridgeMessage is the cross-broker envelope on /bridge/device/{cid}.
type BridgeMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	ToDevice   string          `json:"toDevice"`
	Data       json.RawMessage `json:"data"`
}

// BridgeGroupMessage is the cross-broker envelope on /bridge/group/{name}.
type BridgeGroupMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	ToGroup    string          `json:"toGroup"`
	Data       json.RawMessage `json:"data"`
}

// SharedDeviceEntry is one device in a share-sync payload.
type SharedDeviceEntry struct {
	UUID        string `json:"uuid"`
	ClientID    string `json:"clientId"`
	Permissions string `json:"permissions"`
}

// BridgeShareSyncMessage replaces a peer's view of our shared devices.
type BridgeShareSyncMessage struct {
	FromBroker string              `json:"fromBroker"`
	Devices    []SharedDeviceEntry `json:"devices"`
}

// BridgeShareDataMessage pushes the latest sample of a shared device.
type BridgeShareDataMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	DeviceUUID string          `json:"deviceUuid"`
	Data       json.RawMessage `json:"data"`
}

// IsBridgeClientID reports whether a client id uses the reserved bridge
// prefix, and returns the peer broker id encoded in it.
func IsBridgeClientID(clientID string) (peerBrokerID string, ok bool) {
	if !strings.HasPrefix(clientID, BridgeClientPrefix) {
		return "", false
	}
	return strings.TrimPrefix(clientID, BridgeClientPrefix), true
}

// ParseRemoteAddress splits a cross-broker address of the form
// "brokerId:localIdentifier" on its first colon.
//
// Absence of a colon means the address is local (remote == false). An empty
// half on either side of the colon makes the address invalid.
func ParseRemoteAddress(addr string) (brokerID, local string, remote, valid bool) {
	i := strings.Index(addr, ":")
	if i < 0 {
		return "", addr, false, addr != ""
	}
	brokerID, local = addr[:i], addr[i+1:]
	if brokerID == "" || local == "" {
		return "", "", true, false
	}
	return brokerID, local, true, true
}
