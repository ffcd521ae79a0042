package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Share permission values.
const (
	PermissionRead      = "read"
	PermissionReadWrite = "readwrite"
)

// PeerBroker is a configured federation remote.
type PeerBroker struct {
	ID       int64  `json:"id"`
	BrokerID string `json:"brokerId"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Enabled  bool   `json:"enabled"`
}

// SharedDevice is a device-share row toward a peer broker.
type SharedDevice struct {
	ID          int64  `json:"id"`
	BrokerID    string `json:"brokerId"`
	DeviceID    int64  `json:"deviceId"`
	Permissions string `json:"permissions"`
}

// SharedDeviceInfo is a share row joined with the device identity, the shape
// pushed to peers during share sync.
type SharedDeviceInfo struct {
	UUID        string `json:"uuid"`
	ClientID    string `json:"clientId"`
	Permissions string `json:"permissions"`
}

// --- Peer brokers ---

// CreatePeerBroker inserts a peer broker record.
func (s *Store) CreatePeerBroker(brokerID, url, token string, enabled bool) (*PeerBroker, error) {
	stmt, err := s.stmt(`INSERT INTO bridge_remotes (broker_id, url, token, enabled) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	res, err := stmt.Exec(brokerID, url, token, boolToInt(enabled))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert peer broker: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &PeerBroker{ID: rowID, BrokerID: brokerID, URL: url, Token: token, Enabled: enabled}, nil
}

// GetPeerBroker returns the peer broker with the given broker id.
func (s *Store) GetPeerBroker(brokerID string) (*PeerBroker, error) {
	stmt, err := s.stmt(`SELECT id, broker_id, url, token, enabled FROM bridge_remotes WHERE broker_id = ?`)
	if err != nil {
		return nil, err
	}
	return scanPeerBroker(stmt.QueryRow(brokerID))
}

// ListPeerBrokers returns every configured peer broker.
func (s *Store) ListPeerBrokers() ([]*PeerBroker, error) {
	stmt, err := s.stmt(`SELECT id, broker_id, url, token, enabled FROM bridge_remotes ORDER BY broker_id`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerBroker
	for rows.Next() {
		p, err := scanPeerBroker(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// UpdatePeerBroker rewrites url, token, and enabled for a peer broker.
func (s *Store) UpdatePeerBroker(brokerID, url, token string, enabled bool) (*PeerBroker, error) {
	stmt, err := s.stmt(`UPDATE bridge_remotes SET url = ?, token = ?, enabled = ? WHERE broker_id = ?`)
	if err != nil {
		return nil, err
	}
	res, err := stmt.Exec(url, token, boolToInt(enabled), brokerID)
	if err != nil {
		return nil, fmt.Errorf("failed to update peer broker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetPeerBroker(brokerID)
}

// DeletePeerBroker removes a peer broker and its share rows.
func (s *Store) DeletePeerBroker(brokerID string) error {
	shareStmt, err := s.stmt(`DELETE FROM bridge_shared_devices WHERE broker_id = ?`)
	if err != nil {
		return err
	}
	if _, err := shareStmt.Exec(brokerID); err != nil {
		return fmt.Errorf("failed to delete share rows: %w", err)
	}

	stmt, err := s.stmt(`DELETE FROM bridge_remotes WHERE broker_id = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(brokerID)
	if err != nil {
		return fmt.Errorf("failed to delete peer broker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeerBroker(row interface{ Scan(...any) error }) (*PeerBroker, error) {
	var p PeerBroker
	var enabled int
	if err := row.Scan(&p.ID, &p.BrokerID, &p.URL, &p.Token, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Enabled = enabled != 0
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Device shares ---

// CreateSharedDevice inserts a share row for (brokerID, deviceID).
func (s *Store) CreateSharedDevice(brokerID string, deviceID int64, permissions string) (*SharedDevice, error) {
	if permissions != PermissionRead && permissions != PermissionReadWrite {
		return nil, fmt.Errorf("invalid permissions %q", permissions)
	}
	stmt, err := s.stmt(`INSERT INTO bridge_shared_devices (broker_id, device_id, permissions) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	res, err := stmt.Exec(brokerID, deviceID, permissions)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert share row: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &SharedDevice{ID: rowID, BrokerID: brokerID, DeviceID: deviceID, Permissions: permissions}, nil
}

// DeleteSharedDevice removes the share row for (brokerID, deviceID).
func (s *Store) DeleteSharedDevice(brokerID string, deviceID int64) error {
	stmt, err := s.stmt(`DELETE FROM bridge_shared_devices WHERE broker_id = ? AND device_id = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(brokerID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete share row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSharesForBroker returns the number of share rows toward a peer.
func (s *Store) CountSharesForBroker(brokerID string) (int64, error) {
	stmt, err := s.stmt(`SELECT COUNT(*) FROM bridge_shared_devices WHERE broker_id = ?`)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := stmt.QueryRow(brokerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GetSharePermission returns the permissions of the share row for
// (brokerID, deviceID), or ErrNotFound when no such row exists.
func (s *Store) GetSharePermission(brokerID string, deviceID int64) (string, error) {
	stmt, err := s.stmt(`SELECT permissions FROM bridge_shared_devices WHERE broker_id = ? AND device_id = ?`)
	if err != nil {
		return "", err
	}
	var perm string
	if err := stmt.QueryRow(brokerID, deviceID).Scan(&perm); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return perm, nil
}

// GetSharedDevicesForBroker returns the share list for a peer joined with
// device identities, in the shape pushed during share sync.
func (s *Store) GetSharedDevicesForBroker(brokerID string) ([]SharedDeviceInfo, error) {
	stmt, err := s.stmt(`SELECT d.uuid, d.client_id, sd.permissions
		FROM bridge_shared_devices sd
		JOIN devices d ON d.id = sd.device_id
		WHERE sd.broker_id = ? ORDER BY d.uuid`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(brokerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []SharedDeviceInfo
	for rows.Next() {
		var info SharedDeviceInfo
		if err := rows.Scan(&info.UUID, &info.ClientID, &info.Permissions); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ListBrokersSharingDevice returns the broker ids of every peer whose share
// list contains the given device.
func (s *Store) ListBrokersSharingDevice(deviceID int64) ([]string, error) {
	stmt, err := s.stmt(`SELECT broker_id FROM bridge_shared_devices WHERE device_id = ? ORDER BY broker_id`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brokers []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		brokers = append(brokers, b)
	}
	return brokers, rows.Err()
}
