// Command bridge receives motion-capture frames, derives the velocity of the
// tracked centre point and streams it to the motion controller at a throttled
// rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/capture"
	"github.com/banshee-data/mocap.bridge/internal/config"
	"github.com/banshee-data/mocap.bridge/internal/db"
	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/monitor"
	"github.com/banshee-data/mocap.bridge/internal/monitoring"
	"github.com/banshee-data/mocap.bridge/internal/pipeline"
	"github.com/banshee-data/mocap.bridge/internal/publisher"
	"github.com/banshee-data/mocap.bridge/internal/transport"
	"github.com/banshee-data/mocap.bridge/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or YAML bridge config (defaults apply when empty)")
	source      = flag.String("source", "", "Capture source: UDP listen address, or replay:<file.jsonl>")
	controller  = flag.String("controller", "", "Controller address host:port (overrides config)")
	listen      = flag.String("listen", "127.0.0.1:8081", "Debug HTTP listen address; empty disables it")
	devMode     = flag.Bool("dev", false, "Run in dev mode: replay the fixtures file in a loop instead of listening")
	fixtures    = flag.String("fixtures", "fixtures/session.jsonl", "Replay file used in dev mode")
	dbPath      = flag.String("db", "", "SQLite database for recording emissions (overrides config)")
	debug       = flag.Bool("debug", false, "Enable the diag log stream on stderr")
	traceLog    = flag.String("trace-log", "", "Append per-frame trace logging to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the config file, if any, and applies command-line
// overrides. In dev mode the fixtures file replaces the source.
func loadConfig() (*config.BridgeConfig, error) {
	cfg := config.DefaultBridgeConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configPath); err != nil {
			return nil, err
		}
	}
	o := config.Overrides{SourceAddress: *source, ControllerAddress: *controller, DBPath: *dbPath}
	if *devMode {
		o.SourceAddress = "replay:" + *fixtures
	}
	cfg.Apply(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registryConfig builds the differentiators the config selects.
func registryConfig(cfg *config.BridgeConfig) (kinematics.RegistryConfig, error) {
	vel, err := kinematics.NewDifferentiator(cfg.GetVelocityMethod(), cfg.GetFrameRateHz(), cfg.GetWindowSize())
	if err != nil {
		return kinematics.RegistryConfig{}, fmt.Errorf("velocity differentiator: %w", err)
	}
	rc := kinematics.RegistryConfig{Velocity: vel}
	if cfg.GetComputeAcceleration() {
		n := cfg.GetWindowSize()
		if n < 3 {
			n = 3
		}
		acc, err := kinematics.NewDifferentiator(kinematics.SymmetricAcceleration, cfg.GetFrameRateHz(), n)
		if err != nil {
			return kinematics.RegistryConfig{}, fmt.Errorf("acceleration differentiator: %w", err)
		}
		rc.Acceleration = &acc
	}
	return rc, nil
}

// newLink picks the controller transport.
func newLink(cfg *config.BridgeConfig) (transport.Link, error) {
	switch cfg.GetControllerTransport() {
	case "tcp":
		return transport.NewSession(transport.SessionConfig{
			Address:      cfg.GetControllerAddress(),
			DialTimeout:  cfg.GetDialTimeout(),
			WriteTimeout: cfg.GetWriteTimeout(),
		}), nil
	case "serial":
		if cfg.GetSerialPort() == "" {
			return nil, errors.New("serial_port is required for the serial transport")
		}
		return transport.NewSerialSession(cfg.GetSerialPort(), transport.PortOptions{BaudRate: cfg.GetSerialBaud()}, transport.OpenSerialPort), nil
	default:
		return nil, fmt.Errorf("unknown controller_transport %q", cfg.GetControllerTransport())
	}
}

// logWriters sends ops to stderr, diag to stderr only when debug is set and
// trace to tracePath when one is given.
func logWriters(debug bool, tracePath string) (monitoring.LogWriters, func() error, error) {
	w := monitoring.LogWriters{Ops: os.Stderr}
	if debug {
		w.Diag = os.Stderr
	}
	if tracePath == "" {
		return w, func() error { return nil }, nil
	}
	f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return w, nil, err
	}
	w.Trace = f
	return w, f.Close, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	writers, closeTrace, err := logWriters(*debug, *traceLog)
	if err != nil {
		log.Fatalf("failed to open trace log: %v", err)
	}
	defer closeTrace()
	monitoring.SetLogWriters(writers)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	rc, err := registryConfig(cfg)
	if err != nil {
		log.Fatalf("invalid kinematics config: %v", err)
	}
	link, err := newLink(cfg)
	if err != nil {
		log.Fatalf("invalid controller config: %v", err)
	}
	monitoring.Opsf("starting %s", version.Get())

	pub := publisher.New(link, publisher.Config{
		Interval: cfg.GetEmitInterval(),
		Scale:    cfg.GetOutputUnits().FromMillimetres(),
	})
	p, err := pipeline.New(pipeline.Config{
		Registry:          rc,
		CentroidMarkerSet: cfg.GetCentroidMarkerSet(),
		CentroidMarkers:   cfg.GetCentroidMarkers(),
		TrackAllEntities:  cfg.GetTrackAllEntities(),
		HistorySize:       cfg.GetHistorySize(),
		LogInterval:       cfg.GetLogInterval(),
		Replay:            capture.ReplayConfig{Loop: *devMode},
	}, pub, link)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	tail := monitor.NewTail()
	defer tail.Close()
	p.AddSink(tail)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *db.DB
	var recorder *db.EmissionRecorder
	if path := cfg.GetDBPath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()

		session, err := store.StartSession(db.Session{
			SourceAddress:     cfg.GetSourceAddress(),
			ControllerAddress: link.Address(),
			FrameRateHz:       cfg.GetFrameRateHz(),
			WindowSize:        cfg.GetWindowSize(),
			IntervalMs:        cfg.GetEmitInterval().Milliseconds(),
			VelocityMethod:    cfg.GetVelocityMethodName(),
		})
		if err != nil {
			log.Fatalf("Failed to start session: %v", err)
		}
		monitoring.Opsf("recording session %s to %s", session.SessionID, path)
		recorder = db.NewEmissionRecorder(store, session.SessionID, db.RecorderConfig{LogInterval: cfg.GetLogInterval()})
		// Stopped by Close after Shutdown, not by the signal.
		recorder.Start(context.Background())
		p.AddSink(recorder)
		defer func() {
			if err := store.EndSession(session.SessionID, time.Now()); err != nil {
				monitoring.Opsf("failed to end session: %v", err)
			}
		}()
	}

	if err := p.Initialize(ctx, cfg.GetSourceAddress()); err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}

	var wg sync.WaitGroup
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, *listen, p, tail, store)
		}()
	}

	<-ctx.Done()
	monitoring.Opsf("shutting down...")
	if err := p.Shutdown(); err != nil {
		monitoring.Opsf("pipeline shutdown: %v", err)
	}
	if recorder != nil {
		_ = recorder.Close()
		st := recorder.Stats()
		monitoring.Opsf("session %s: recorded %d emissions (%d dropped, %d failed)", recorder.SessionID(), st.Written, st.Dropped, st.Failed)
	}
	wg.Wait()
	monitoring.Opsf("Graceful shutdown complete")
}

// serveDebug runs the debug HTTP server until ctx is done.
func serveDebug(ctx context.Context, addr string, p *pipeline.Pipeline, tail *monitor.Tail, store *db.DB) {
	mux := http.NewServeMux()
	monitor.NewServer(p, tail).AttachRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			monitoring.Opsf("failed to attach database routes: %v", err)
		}
	}
	mux.Handle("/", http.RedirectHandler("/debug/", http.StatusFound))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Opsf("debug server failed: %v", err)
		}
	}()
	monitoring.Opsf("debug pages on http://%s/debug/", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Diagf("HTTP server shutdown error: %v", err)
		_ = server.Close()
	}
}
