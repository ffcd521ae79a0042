package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBridgeClientID(t *testing.T) {
	peerID, ok := IsBridgeClientID("__bridge_broker-abc123")
	assert.True(t, ok)
	assert.Equal(t, "broker-abc123", peerID)

	_, ok = IsBridgeClientID("user_1234")
	assert.False(t, ok)
	_, ok = IsBridgeClientID("")
	assert.False(t, ok)

	// Empty peer id is still a bridge client; auth rejects it separately.
	peerID, ok = IsBridgeClientID("__bridge_")
	assert.True(t, ok)
	assert.Empty(t, peerID)
}

func TestParseRemoteAddress(t *testing.T) {
	tests := []struct {
		addr     string
		brokerID string
		local    string
		remote   bool
		valid    bool
	}{
		{"cid-A", "", "cid-A", false, true},
		{"broker-1:cid-A", "broker-1", "cid-A", true, true},
		{"broker-1:my-group", "broker-1", "my-group", true, true},
		{"", "", "", false, false},
		{":cid-A", "", "", true, false},
		{"broker-1:", "", "", true, false},
		{":", "", "", true, false},
		// Only the first colon splits; the rest belongs to the local part.
		{"broker-1:a:b", "broker-1", "a:b", true, true},
	}
	for _, tc := range tests {
		brokerID, local, remote, valid := ParseRemoteAddress(tc.addr)
		assert.Equal(t, tc.brokerID, brokerID, "brokerID for %q", tc.addr)
		assert.Equal(t, tc.local, local, "local for %q", tc.addr)
		assert.Equal(t, tc.remote, remote, "remote for %q", tc.addr)
		assert.Equal(t, tc.valid, valid, "valid for %q", tc.addr)
	}
}

func TestParseRemoteAddress_RoundTrip(t *testing.T) {
	// Joining a colon-free broker id with any non-empty local identifier and
	// re-parsing must recover both halves.
	brokers := []string{"b", "broker-1", "broker-0a1b2c3d"}
	locals := []string{"cid-A", "group", "a:b", "user_12ab"}
	for _, b := range brokers {
		for _, l := range locals {
			addr := fmt.Sprintf("%s:%s", b, l)
			brokerID, local, remote, valid := ParseRemoteAddress(addr)
			assert.True(t, remote, "addr %q", addr)
			assert.True(t, valid, "addr %q", addr)
			assert.Equal(t, b, brokerID, "addr %q", addr)
			assert.Equal(t, l, local, "addr %q", addr)
		}
	}
}
