package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftmq/driftmq/internal/id"
	"github.com/driftmq/driftmq/pkg/logging"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Device modes.
const (
	ModeMQTT = "mqtt"
	ModeHTTP = "http"
)

// Device status values.
const (
	StatusOffline = 0
	StatusOnline  = 1
)

// httpInactiveAfter is how long an HTTP-mode device may stay silent before
// it is demoted to offline.
const httpInactiveAfter = 10 * time.Minute

// Device is a durable device identity record.
type Device struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	AuthKey   string    `json:"authKey"`
	ClientID  string    `json:"clientId"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Group is a named device set.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeviceStatus is the durable online/offline record for a device.
type DeviceStatus struct {
	DeviceID     int64     `json:"deviceId"`
	Status       int       `json:"status"`
	Mode         string    `json:"mode"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Store is the SQLite-backed identity and timeseries store.
type Store struct {
	path string
	db   *sql.DB
	log  *slog.Logger

	// stmtMu serializes statement preparation; prepared statements are
	// cached by their SQL text and reused across goroutines.
	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt

	// tsMu guards the set of known per-day timeseries tables.
	tsMu     sync.Mutex
	tsTables map[string]struct{}
}

// New creates a store rooted at dataDir. The database file is
// <dataDir>/driftmq.db. Call Open before use.
func New(dataDir string) *Store {
	return &Store{
		path:     filepath.Join(dataDir, "driftmq.db"),
		log:      logging.Nop(),
		stmts:    make(map[string]*sql.Stmt),
		tsTables: make(map[string]struct{}),
	}
}

// SetLogger sets the operational logger for the store.
func (s *Store) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// Open opens the database, applies performance pragmas, creates the schema,
// and provisions an initial device if the device table is empty.
func (s *Store) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-8000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db

	if err := s.bootstrap(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close finalizes cached statements and closes the database.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()

	s.tsMu.Lock()
	s.tsTables = make(map[string]struct{})
	s.tsMu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	auth_key TEXT NOT NULL UNIQUE,
	client_id TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_client_id ON devices(client_id);

CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_groups (
	device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	UNIQUE(device_id, group_id)
);

CREATE TABLE IF NOT EXISTS device_status (
	device_id INTEGER PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
	status INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'mqtt',
	last_active_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bridge_remotes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_id TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	token TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bridge_shared_devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_id TEXT NOT NULL,
	device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	permissions TEXT NOT NULL DEFAULT 'read',
	UNIQUE(broker_id, device_id)
);
`

// stmt returns a cached prepared statement for the given query, preparing
// it on first use.
func (s *Store) stmt(query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// bootstrap provisions a first device when the device table is empty, so a
// fresh installation has a usable identity out of the box.
func (s *Store) bootstrap() error {
	stmt, err := s.stmt(`SELECT COUNT(*) FROM devices`)
	if err != nil {
		return err
	}
	var n int64
	if err := stmt.QueryRow().Scan(&n); err != nil {
		return fmt.Errorf("failed to count devices: %w", err)
	}
	if n > 0 {
		return nil
	}

	dev, err := s.CreateDevice(id.UUID(), id.Token(16))
	if err != nil {
		return fmt.Errorf("failed to provision initial device: %w", err)
	}
	s.log.Info("provisioned initial device", "uuid", dev.UUID, "authKey", dev.AuthKey)
	fmt.Printf("initial device provisioned: uuid=%s authKey=%s\n", dev.UUID, dev.AuthKey)
	return nil
}

// --- Devices ---

const deviceColumns = `id, uuid, auth_key, client_id, username, password, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var created, updated int64
	err := row.Scan(&d.ID, &d.UUID, &d.AuthKey, &d.ClientID, &d.Username, &d.Password, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

// CreateDevice inserts a new device with the given uuid and auth key.
func (s *Store) CreateDevice(uuid, authKey string) (*Device, error) {
	stmt, err := s.stmt(`INSERT INTO devices (uuid, auth_key, created_at, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	res, err := stmt.Exec(uuid, authKey, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}
	deviceID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Device{
		ID:        deviceID,
		UUID:      uuid,
		AuthKey:   authKey,
		CreatedAt: time.UnixMilli(now),
		UpdatedAt: time.UnixMilli(now),
	}, nil
}

// GetDeviceByUUID returns the device with the given uuid.
func (s *Store) GetDeviceByUUID(uuid string) (*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumns + ` FROM devices WHERE uuid = ?`)
	if err != nil {
		return nil, err
	}
	return scanDevice(stmt.QueryRow(uuid))
}

// GetDeviceByAuthKey returns the device with the given auth key.
func (s *Store) GetDeviceByAuthKey(authKey string) (*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumns + ` FROM devices WHERE auth_key = ?`)
	if err != nil {
		return nil, err
	}
	return scanDevice(stmt.QueryRow(authKey))
}

// GetDeviceByClientID returns the device currently bound to clientID.
func (s *Store) GetDeviceByClientID(clientID string) (*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumns + ` FROM devices WHERE client_id = ?`)
	if err != nil {
		return nil, err
	}
	return scanDevice(stmt.QueryRow(clientID))
}

// GetDeviceByID returns the device with the given surrogate id.
func (s *Store) GetDeviceByID(deviceID int64) (*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanDevice(stmt.QueryRow(deviceID))
}

// GetAllDevices returns every device record.
func (s *Store) GetAllDevices() ([]*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumns + ` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDeviceConnection rewrites the MQTT credential triple for the device
// identified by authKey. The previous triple is invalidated by the write.
func (s *Store) UpdateDeviceConnection(authKey, clientID, username, password string) (*Device, error) {
	stmt, err := s.stmt(`UPDATE devices SET client_id = ?, username = ?, password = ?, updated_at = ? WHERE auth_key = ?`)
	if err != nil {
		return nil, err
	}
	res, err := stmt.Exec(clientID, username, password, time.Now().UnixMilli(), authKey)
	if err != nil {
		return nil, fmt.Errorf("failed to update device connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetDeviceByAuthKey(authKey)
}

// --- Groups ---

// CreateGroup inserts a new group.
func (s *Store) CreateGroup(name string) (*Group, error) {
	stmt, err := s.stmt(`INSERT INTO groups (name, created_at) VALUES (?, ?)`)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	res, err := stmt.Exec(name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert group: %w", err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Group{ID: groupID, Name: name, CreatedAt: time.UnixMilli(now)}, nil
}

// GetGroupByName returns the group with the given name.
func (s *Store) GetGroupByName(name string) (*Group, error) {
	stmt, err := s.stmt(`SELECT id, name, created_at FROM groups WHERE name = ?`)
	if err != nil {
		return nil, err
	}
	var g Group
	var created int64
	if err := stmt.QueryRow(name).Scan(&g.ID, &g.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	g.CreatedAt = time.UnixMilli(created)
	return &g, nil
}

// AddDeviceToGroup joins a device to a group. Joining twice is a no-op.
func (s *Store) AddDeviceToGroup(deviceID, groupID int64) error {
	stmt, err := s.stmt(`INSERT OR IGNORE INTO device_groups (device_id, group_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(deviceID, groupID); err != nil {
		return fmt.Errorf("failed to join group: %w", err)
	}
	return nil
}

// GetDeviceGroups returns the names of all groups the device belongs to.
func (s *Store) GetDeviceGroups(deviceID int64) ([]string, error) {
	stmt, err := s.stmt(`SELECT g.name FROM groups g
		JOIN device_groups dg ON dg.group_id = g.id
		WHERE dg.device_id = ? ORDER BY g.name`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetGroupDevices returns every device in the named group.
func (s *Store) GetGroupDevices(groupName string) ([]*Device, error) {
	stmt, err := s.stmt(`SELECT ` + deviceColumnsPrefixed + ` FROM devices d
		JOIN device_groups dg ON dg.device_id = d.id
		JOIN groups g ON g.id = dg.group_id
		WHERE g.name = ? ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(groupName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

const deviceColumnsPrefixed = `d.id, d.uuid, d.auth_key, d.client_id, d.username, d.password, d.created_at, d.updated_at`

// IsDeviceInGroup reports whether the device belongs to the named group.
func (s *Store) IsDeviceInGroup(deviceID int64, groupName string) (bool, error) {
	stmt, err := s.stmt(`SELECT COUNT(*) FROM device_groups dg
		JOIN groups g ON g.id = dg.group_id
		WHERE dg.device_id = ? AND g.name = ?`)
	if err != nil {
		return false, err
	}
	var n int64
	if err := stmt.QueryRow(deviceID, groupName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Device status ---

// UpdateDeviceOnlineStatus upserts the status row for a device.
func (s *Store) UpdateDeviceOnlineStatus(deviceID int64, online bool, mode string) error {
	stmt, err := s.stmt(`INSERT INTO device_status (device_id, status, mode, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET status = excluded.status, mode = excluded.mode, last_active_at = excluded.last_active_at`)
	if err != nil {
		return err
	}
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	if _, err := stmt.Exec(deviceID, status, mode, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return nil
}

// MarkDeviceOffline sets the device's status to offline without touching mode.
func (s *Store) MarkDeviceOffline(deviceID int64) error {
	stmt, err := s.stmt(`UPDATE device_status SET status = ? WHERE device_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(StatusOffline, deviceID); err != nil {
		return fmt.Errorf("failed to mark device offline: %w", err)
	}
	return nil
}

// UpdateDeviceLastActive refreshes last_active_at for a device.
func (s *Store) UpdateDeviceLastActive(deviceID int64) error {
	stmt, err := s.stmt(`UPDATE device_status SET last_active_at = ? WHERE device_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(time.Now().UnixMilli(), deviceID); err != nil {
		return fmt.Errorf("failed to update last active: %w", err)
	}
	return nil
}

// MarkInactiveHTTPDevicesOffline demotes HTTP-mode devices that have been
// silent longer than the inactivity window. Returns the number of devices
// demoted.
func (s *Store) MarkInactiveHTTPDevicesOffline() (int64, error) {
	stmt, err := s.stmt(`UPDATE device_status SET status = ?
		WHERE mode = ? AND status = ? AND last_active_at < ?`)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-httpInactiveAfter).UnixMilli()
	res, err := stmt.Exec(StatusOffline, ModeHTTP, StatusOnline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to demote inactive http devices: %w", err)
	}
	return res.RowsAffected()
}

// GetDeviceStatus returns the status row for a device.
func (s *Store) GetDeviceStatus(deviceID int64) (*DeviceStatus, error) {
	stmt, err := s.stmt(`SELECT device_id, status, mode, last_active_at FROM device_status WHERE device_id = ?`)
	if err != nil {
		return nil, err
	}
	var st DeviceStatus
	var lastActive int64
	if err := stmt.QueryRow(deviceID).Scan(&st.DeviceID, &st.Status, &st.Mode, &lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.LastActiveAt = time.UnixMilli(lastActive)
	return &st, nil
}
