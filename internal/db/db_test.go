package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/publisher"
	"github.com/banshee-data/mocap.bridge/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	migrations, err := MigrationsFS()
	require.NoError(t, err)
	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	again.Close()
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	migrations, err := MigrationsFS()
	require.NoError(t, err)

	require.NoError(t, db.MigrateDown(migrations))
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'bridge_emissions'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp(migrations))
}

func TestSessionsAndEmissions(t *testing.T) {
	db := newTestDB(t)

	s, err := db.StartSession(Session{
		ControllerAddress: "10.0.0.5:1000",
		FrameRateHz:       120,
		WindowSize:        3,
		IntervalMs:        50,
		VelocityMethod:    "symmetric",
	})
	require.NoError(t, err)
	assert.Len(t, s.SessionID, 36)

	start := time.Unix(1700000000, 0)
	batch := []Emission{
		{SessionID: s.SessionID, Seq: 1, Entity: "centroid/body", FrameIndex: 10, EmittedAt: start,
			Center: [3]float64{1, 2, 3}, Velocity: [3]float64{60, 60, 60}, Speed: 103.9, Sent: true},
		{SessionID: s.SessionID, Seq: 2, Entity: "centroid/body", FrameIndex: 16, EmittedAt: start.Add(50 * time.Millisecond),
			Center: [3]float64{4, 5, 6}, Velocity: [3]float64{0, 0, 0},
			Acceleration: [3]float64{1, 0, -1}, HasAcceleration: true, SendError: "transport: not connected"},
	}
	require.NoError(t, db.RecordEmissions(batch))

	got, err := db.Emissions(s.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, batch[0].Center, got[0].Center)
	assert.True(t, got[0].Sent)
	assert.False(t, got[0].HasAcceleration)
	assert.Equal(t, [3]float64{1, 0, -1}, got[1].Acceleration)
	assert.Equal(t, "transport: not connected", got[1].SendError)
	assert.True(t, got[1].EmittedAt.Equal(start.Add(50*time.Millisecond)))

	limited, err := db.Emissions(s.SessionID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, db.EndSession(s.SessionID, start.Add(time.Minute)))
	sessions, err := db.Sessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.5:1000", sessions[0].ControllerAddress)
	assert.True(t, sessions[0].EndedAt.Equal(start.Add(time.Minute)))
}

func TestEmissionRequiresSession(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordEmission(Emission{SessionID: "missing", Seq: 1, EmittedAt: time.Now()})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestEmissionRecorder_FlushesOnClose(t *testing.T) {
	db := newTestDB(t)
	s, err := db.StartSession(Session{FrameRateHz: 60, WindowSize: 3, IntervalMs: 50})
	require.NoError(t, err)

	rec := NewEmissionRecorder(db, s.SessionID, RecorderConfig{FlushInterval: time.Hour})
	rec.Start(context.Background())

	for i := 1; i <= 5; i++ {
		rec.Record(publisher.Emission{
			Seq: uint64(i),
			At:  time.Unix(int64(i), 0),
			Sample: kinematics.KinematicSample{
				Entity:   kinematics.EntityID{Kind: kinematics.KindCentroid, Name: "body"},
				Frame:    i * 3,
				Position: r3.Vec{X: float64(i)},
				Velocity: r3.Vec{Y: 1},
			},
			Sent: i%2 == 0,
			Err:  errors.New("boom"),
		})
	}
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	got, err := db.Emissions(s.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "centroid/body", got[0].Entity)
	assert.Equal(t, 15, got[4].FrameIndex)
	assert.Equal(t, uint64(5), rec.Stats().Written)
	assert.Zero(t, rec.Stats().Dropped)
}

func TestEmissionRecorder_DropsWhenFull(t *testing.T) {
	db := newTestDB(t)
	// Not started, so nothing drains the buffer.
	rec := NewEmissionRecorder(db, "s", RecorderConfig{Buffer: 2})
	for i := 0; i < 5; i++ {
		rec.Record(publisher.Emission{Seq: uint64(i)})
	}
	assert.Equal(t, uint64(3), rec.Stats().Dropped)
	require.NoError(t, rec.Close())
	assert.Equal(t, uint64(5), rec.Stats().Dropped, "buffered rows of an unstarted recorder are lost")
}

func TestEmissionRecorder_RecordAfterStopCountsDropped(t *testing.T) {
	db := newTestDB(t)
	s, err := db.StartSession(Session{FrameRateHz: 60, WindowSize: 3, IntervalMs: 50})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rec := NewEmissionRecorder(db, s.SessionID, RecorderConfig{FlushInterval: time.Hour})
	rec.Start(ctx)

	emission := func(seq uint64) publisher.Emission {
		return publisher.Emission{
			Seq:    seq,
			At:     time.Unix(int64(seq), 0),
			Sample: kinematics.KinematicSample{Entity: kinematics.EntityID{Kind: kinematics.KindCentroid, Name: "body"}},
		}
	}
	rec.Record(emission(1))
	rec.Record(emission(2))
	cancel()
	require.NoError(t, rec.Close())

	rec.Record(emission(3))

	st := rec.Stats()
	assert.Equal(t, uint64(2), st.Written)
	assert.Equal(t, uint64(1), st.Dropped)
	got, err := db.Emissions(s.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAdminRoutes_DBStats(t *testing.T) {
	db := newTestDB(t)
	_, err := db.StartSession(Session{FrameRateHz: 60, WindowSize: 3, IntervalMs: 50})
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/db-stats"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stats DatabaseStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	rows := map[string]int64{}
	for _, ts := range stats.Tables {
		rows[ts.Name] = ts.Rows
	}
	assert.Equal(t, int64(1), rows["bridge_sessions"])
	assert.Contains(t, rows, "bridge_emissions")
	assert.Contains(t, rows, "schema_migrations")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/bridge-sessions?limit=5"))
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
	assert.Len(t, sessions, 1)
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment; filename=backup-"))

	gr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	defer gr.Close()
	data, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 16)
	assert.Equal(t, "SQLite format 3", string(data[:15]))
}
