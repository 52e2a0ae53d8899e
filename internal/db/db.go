// Package db records bridge sessions and emissions in sqlite for offline
// analysis, and exposes the database on the debug mux.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mocap.bridge/internal/httputil"
	"github.com/banshee-data/mocap.bridge/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the sqlite database at path and applies
// the embedded migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The emission recorder is the only writer.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	migrations, err := MigrationsFS()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// Session is one run of the bridge.
type Session struct {
	SessionID         string    `json:"session_id"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
	SourceAddress     string    `json:"source_address"`
	ControllerAddress string    `json:"controller_address"`
	FrameRateHz       float64   `json:"frame_rate_hz"`
	WindowSize        int       `json:"window_size"`
	IntervalMs        int64     `json:"interval_ms"`
	VelocityMethod    string    `json:"velocity_method"`
}

// StartSession inserts s with a fresh session id and returns it.
func (db *DB) StartSession(s Session) (Session, error) {
	s.SessionID = uuid.NewString()
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	_, err := db.Exec(
		`INSERT INTO bridge_sessions (
			session_id, started_at, source_address, controller_address,
			frame_rate_hz, window_size, interval_ms, velocity_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.StartedAt.UnixNano(), s.SourceAddress, s.ControllerAddress,
		s.FrameRateHz, s.WindowSize, s.IntervalMs, s.VelocityMethod,
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// EndSession stamps the session end time.
func (db *DB) EndSession(sessionID string, at time.Time) error {
	_, err := db.Exec(`UPDATE bridge_sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), sessionID)
	return err
}

// Sessions returns the most recent sessions first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, started_at, ended_at, source_address, controller_address,
			frame_rate_hz, window_size, interval_ms, velocity_method
		FROM bridge_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.SessionID, &started, &ended, &s.SourceAddress, &s.ControllerAddress,
			&s.FrameRateHz, &s.WindowSize, &s.IntervalMs, &s.VelocityMethod); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			s.EndedAt = time.Unix(0, ended.Int64)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Emission is one recorded controller emission.
type Emission struct {
	SessionID       string     `json:"session_id"`
	Seq             uint64     `json:"seq"`
	Entity          string     `json:"entity"`
	FrameIndex      int        `json:"frame_index"`
	EmittedAt       time.Time  `json:"emitted_at"`
	Center          [3]float64 `json:"center"`
	Velocity        [3]float64 `json:"velocity"`
	Speed           float64    `json:"speed"`
	Acceleration    [3]float64 `json:"acceleration,omitempty"`
	HasAcceleration bool       `json:"has_acceleration"`
	Sent            bool       `json:"sent"`
	SendError       string     `json:"send_error,omitempty"`
}

// RecordEmissions inserts a batch in one transaction.
func (db *DB) RecordEmissions(batch []Emission) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO bridge_emissions (
			session_id, seq, entity, frame_index, emitted_unix_nanos,
			center_x, center_y, center_z, vel_x, vel_y, vel_z, speed,
			acc_x, acc_y, acc_z, has_acceleration, sent, send_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var acc [3]sql.NullFloat64
		if e.HasAcceleration {
			for i := range acc {
				acc[i] = sql.NullFloat64{Float64: e.Acceleration[i], Valid: true}
			}
		}
		var sendErr sql.NullString
		if e.SendError != "" {
			sendErr = sql.NullString{String: e.SendError, Valid: true}
		}
		if _, err := stmt.Exec(
			e.SessionID, int64(e.Seq), e.Entity, e.FrameIndex, e.EmittedAt.UnixNano(),
			e.Center[0], e.Center[1], e.Center[2],
			e.Velocity[0], e.Velocity[1], e.Velocity[2], e.Speed,
			acc[0], acc[1], acc[2], e.HasAcceleration, e.Sent, sendErr,
		); err != nil {
			return fmt.Errorf("failed to insert emission %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

// RecordEmission inserts a single emission.
func (db *DB) RecordEmission(e Emission) error {
	return db.RecordEmissions([]Emission{e})
}

// Emissions returns a session's emissions in emission order. limit <= 0
// returns them all.
func (db *DB) Emissions(sessionID string, limit int) ([]Emission, error) {
	q := `SELECT seq, entity, frame_index, emitted_unix_nanos,
			center_x, center_y, center_z, vel_x, vel_y, vel_z, speed,
			acc_x, acc_y, acc_z, has_acceleration, sent, send_error
		FROM bridge_emissions WHERE session_id = ? ORDER BY seq`
	args := []interface{}{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Emission
	for rows.Next() {
		var (
			e       Emission
			seq     int64
			emitted int64
			acc     [3]sql.NullFloat64
			sendErr sql.NullString
		)
		if err := rows.Scan(&seq, &e.Entity, &e.FrameIndex, &emitted,
			&e.Center[0], &e.Center[1], &e.Center[2],
			&e.Velocity[0], &e.Velocity[1], &e.Velocity[2], &e.Speed,
			&acc[0], &acc[1], &acc[2], &e.HasAcceleration, &e.Sent, &sendErr); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Seq = uint64(seq)
		e.EmittedAt = time.Unix(0, emitted)
		for i := range acc {
			e.Acceleration[i] = acc[i].Float64
		}
		e.SendError = sendErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// TableStats is the row count of one table.
type TableStats struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// DatabaseStats summarises the database for the db-stats debug route.
type DatabaseStats struct {
	Path      string       `json:"path"`
	SizeBytes int64        `json:"size_bytes"`
	Tables    []TableStats `json:"tables"`
}

// Stats counts rows in every user table.
func (db *DB) Stats() (DatabaseStats, error) {
	stats := DatabaseStats{Path: db.path}
	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return stats, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return stats, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for _, name := range names {
		var n int64
		// Names come from sqlite_master, not from the request.
		if err := db.QueryRow(`SELECT COUNT(*) FROM "` + name + `"`).Scan(&n); err != nil {
			return stats, err
		}
		stats.Tables = append(stats.Tables, TableStats{Name: name, Rows: n})
	}
	return stats, nil
}

// AttachAdminRoutes mounts tailsql, backup, db-stats and session listings on
// the tsweb debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Bridge DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Row counts and file size of the bridge database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.Stats()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to collect stats: %v", err))
			return
		}
		httputil.WriteJSONOK(w, stats)
	}))

	debug.Handle("bridge-sessions", "Recent bridge sessions (JSON, ?limit=N)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		sessions, err := db.Sessions(limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		httputil.WriteJSONOK(w, sessions)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Opsf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Opsf("Failed to stream backup: %v", err)
	}
}
