package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeseriesPoint is one numeric sample captured from a device publish.
type TimeseriesPoint struct {
	DeviceUUID string  `json:"deviceUuid"`
	DataKey    string  `json:"dataKey"`
	Value      float64 `json:"value"`
	Timestamp  int64   `json:"timestamp"`
}

// TimeseriesQuery selects timeseries samples.
type TimeseriesQuery struct {
	DeviceUUID string
	DataKey    string // optional
	Start      int64  // ms epoch, 0 = unbounded
	End        int64  // ms epoch, 0 = unbounded
	Page       int    // 1-based
	PageSize   int
}

// TimeseriesPage is one page of query results, newest first.
type TimeseriesPage struct {
	Data       []TimeseriesPoint `json:"data"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
	TotalPages int64             `json:"totalPages"`
}

// tsTableName returns the per-day table name for a millisecond timestamp.
func tsTableName(tsMillis int64) string {
	return "ts_" + time.UnixMilli(tsMillis).UTC().Format("20060102")
}

// ensureDayTable lazily creates the per-day table on first write for that day.
func (s *Store) ensureDayTable(table string) error {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	if _, ok := s.tsTables[table]; ok {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_uuid TEXT NOT NULL,
		data_key TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_uuid, timestamp)`, table, table, table)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create timeseries table %s: %w", table, err)
	}
	s.tsTables[table] = struct{}{}
	return nil
}

// AppendTimeseries writes one sample into the day table for tsMillis.
func (s *Store) AppendTimeseries(deviceUUID, dataKey string, value float64, tsMillis int64) error {
	table := tsTableName(tsMillis)
	if err := s.ensureDayTable(table); err != nil {
		return err
	}
	stmt, err := s.stmt(fmt.Sprintf(
		`INSERT INTO %s (device_uuid, data_key, value, timestamp) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(deviceUUID, dataKey, value, tsMillis); err != nil {
		return fmt.Errorf("failed to append timeseries sample: %w", err)
	}
	return nil
}

// dayTables returns the names of all existing per-day tables, oldest first.
func (s *Store) dayTables() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'ts_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// Guard against unrelated tables sharing the prefix.
		if len(name) == len("ts_20060102") {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

// tablesInRange filters day tables to those that can hold samples in
// [start, end]. Zero bounds are unbounded.
func tablesInRange(tables []string, start, end int64) []string {
	var out []string
	for _, table := range tables {
		day, err := time.Parse("20060102", strings.TrimPrefix(table, "ts_"))
		if err != nil {
			continue
		}
		dayStart := day.UnixMilli()
		dayEnd := day.Add(24 * time.Hour).UnixMilli()
		if start != 0 && dayEnd <= start {
			continue
		}
		if end != 0 && dayStart > end {
			continue
		}
		out = append(out, table)
	}
	return out
}

// QueryTimeseries returns one page of samples matching the query,
// descending by timestamp.
func (s *Store) QueryTimeseries(q TimeseriesQuery) (*TimeseriesPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 100
	}

	all, err := s.dayTables()
	if err != nil {
		return nil, err
	}
	tables := tablesInRange(all, q.Start, q.End)
	// Newest tables first so the paged scan touches as few days as possible.
	sort.Sort(sort.Reverse(sort.StringSlice(tables)))

	page := &TimeseriesPage{
		Data:     []TimeseriesPoint{},
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	if len(tables) == 0 {
		return page, nil
	}

	where := "device_uuid = ?"
	baseArgs := []any{q.DeviceUUID}
	if q.DataKey != "" {
		where += " AND data_key = ?"
		baseArgs = append(baseArgs, q.DataKey)
	}
	if q.Start != 0 {
		where += " AND timestamp >= ?"
		baseArgs = append(baseArgs, q.Start)
	}
	if q.End != 0 {
		where += " AND timestamp <= ?"
		baseArgs = append(baseArgs, q.End)
	}

	var selects []string
	var args []any
	for _, table := range tables {
		selects = append(selects, fmt.Sprintf(
			`SELECT device_uuid, data_key, value, timestamp FROM %s WHERE %s`, table, where))
		args = append(args, baseArgs...)
	}
	union := strings.Join(selects, " UNION ALL ")

	countStmt, err := s.stmt(`SELECT COUNT(*) FROM (` + union + `)`)
	if err != nil {
		return nil, err
	}
	if err := countStmt.QueryRow(args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	query := union + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	stmt, err := s.stmt(query)
	if err != nil {
		return nil, err
	}
	offset := (q.Page - 1) * q.PageSize
	rows, err := stmt.Query(append(args, q.PageSize, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p TimeseriesPoint
		if err := rows.Scan(&p.DeviceUUID, &p.DataKey, &p.Value, &p.Timestamp); err != nil {
			return nil, err
		}
		page.Data = append(page.Data, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page.TotalPages = (page.Total + int64(q.PageSize) - 1) / int64(q.PageSize)
	return page, nil
}

// CleanupTimeseries drops whole day tables older than the retention window.
// Returns the names of the dropped tables.
func (s *Store) CleanupTimeseries(retentionDays int) ([]string, error) {
	tables, err := s.dayTables()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("20060102")

	var dropped []string
	for _, table := range tables {
		day := strings.TrimPrefix(table, "ts_")
		if day >= cutoff {
			continue
		}
		if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return dropped, fmt.Errorf("failed to drop %s: %w", table, err)
		}
		s.tsMu.Lock()
		delete(s.tsTables, table)
		s.tsMu.Unlock()
		// Cached statements against the dropped table are stale.
		s.invalidateStmts(table)
		dropped = append(dropped, table)
	}
	if len(dropped) > 0 {
		s.log.Info("timeseries retention cleanup", "dropped", dropped)
	}
	return dropped, nil
}

// invalidateStmts removes cached statements that reference a table name.
func (s *Store) invalidateStmts(table string) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	for query, stmt := range s.stmts {
		if strings.Contains(query, table) {
			_ = stmt.Close()
			delete(s.stmts, query)
		}
	}
}
