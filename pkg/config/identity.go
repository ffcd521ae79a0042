package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftmq/driftmq/internal/id"
)

// identityFileName holds the persisted bridge identity inside the data dir.
const identityFileName = "bridge.json"

// BridgeIdentity is the persistent federation identity of this broker.
type BridgeIdentity struct {
	BrokerID string `json:"brokerId"`
	Token    string `json:"token"`
}

// EnsureBridgeIdentity resolves the broker's federation identity.
//
// Values already present on the Config (from the environment) win. Missing
// values are loaded from the identity file in the data directory, and if
// still absent a fresh pair is generated and persisted so it survives
// restarts.
func EnsureBridgeIdentity(cfg *Config) (BridgeIdentity, error) {
	ident := BridgeIdentity{BrokerID: cfg.BrokerID, Token: cfg.BridgeToken}
	if ident.BrokerID != "" && ident.Token != "" {
		return ident, nil
	}

	path := filepath.Join(cfg.DataDir, identityFileName)
	if stored, err := loadIdentity(path); err == nil {
		if ident.BrokerID == "" {
			ident.BrokerID = stored.BrokerID
		}
		if ident.Token == "" {
			ident.Token = stored.Token
		}
	}

	changed := false
	if ident.BrokerID == "" {
		ident.BrokerID = "broker-" + id.Short()
		changed = true
	}
	if ident.Token == "" {
		ident.Token = id.Token(32)
		changed = true
	}

	if changed {
		if err := saveIdentity(path, ident); err != nil {
			return BridgeIdentity{}, fmt.Errorf("failed to persist bridge identity: %w", err)
		}
	}

	cfg.BrokerID = ident.BrokerID
	cfg.BridgeToken = ident.Token
	return ident, nil
}

func loadIdentity(path string) (BridgeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BridgeIdentity{}, err
	}
	var ident BridgeIdentity
	if err := json.Unmarshal(data, &ident); err != nil {
		return BridgeIdentity{}, err
	}
	return ident, nil
}

func saveIdentity(path string, ident BridgeIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
