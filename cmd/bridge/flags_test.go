package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.bridge/internal/config"
	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/transport"
)

// setFlag sets a package flag for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, "", *source)
	assert.Equal(t, "", *controller)
	assert.Equal(t, "127.0.0.1:8081", *listen)
	assert.False(t, *devMode)
	assert.Equal(t, "fixtures/session.jsonl", *fixtures)
	assert.Equal(t, "", *dbPath)
	assert.False(t, *debug)
	assert.Equal(t, "", *traceLog)
}

func TestLogWriters(t *testing.T) {
	w, closeTrace, err := logWriters(false, "")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w.Ops)
	assert.Nil(t, w.Diag, "diag is off without -debug")
	assert.Nil(t, w.Trace)
	require.NoError(t, closeTrace())

	w, closeTrace, err = logWriters(true, "")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w.Diag)
	assert.Nil(t, w.Trace, "-debug alone does not enable trace")
	require.NoError(t, closeTrace())

	path := filepath.Join(t.TempDir(), "trace.log")
	w, closeTrace, err = logWriters(false, path)
	require.NoError(t, err)
	require.NotNil(t, w.Trace)
	_, err = w.Trace.Write([]byte("frame 1\n"))
	require.NoError(t, err)
	require.NoError(t, closeTrace())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame 1\n", string(b))

	_, _, err = logWriters(false, filepath.Join(t.TempDir(), "missing", "trace.log"))
	assert.Error(t, err)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSourceAddress, cfg.GetSourceAddress())
	assert.Equal(t, config.DefaultControllerAddress, cfg.GetControllerAddress())
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("controller_address: 10.0.0.5:1000\nemit_interval: 20ms\n"), 0o644))

	setFlag(t, configPath, path)
	setFlag(t, controller, "10.0.0.9:1000")
	setFlag(t, devMode, true)
	setFlag(t, fixtures, "testdata/walk.jsonl")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:1000", cfg.GetControllerAddress())
	assert.Equal(t, "replay:testdata/walk.jsonl", cfg.GetSourceAddress())
	assert.Equal(t, "20ms", cfg.GetEmitInterval().String())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	setFlag(t, configPath, filepath.Join(t.TempDir(), "missing.json"))
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestRegistryConfig(t *testing.T) {
	cfg := config.DefaultBridgeConfig()
	rc, err := registryConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, kinematics.SymmetricVelocity, rc.Velocity.Method)
	assert.Equal(t, 3, rc.Velocity.WindowSize)
	assert.Nil(t, rc.Acceleration)

	accel := true
	cfg.ComputeAcceleration = &accel
	rc, err = registryConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, rc.Acceleration)
	assert.Equal(t, kinematics.SymmetricAcceleration, rc.Acceleration.Method)

	even := 4
	cfg.WindowSize = &even
	_, err = registryConfig(cfg)
	assert.ErrorIs(t, err, kinematics.ErrInvalidWindow)
}

func TestNewLink(t *testing.T) {
	cfg := config.DefaultBridgeConfig()
	link, err := newLink(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.Session{}, link)
	assert.Equal(t, config.DefaultControllerAddress, link.Address())

	serial := "serial"
	cfg.ControllerTransport = &serial
	_, err = newLink(cfg)
	assert.Error(t, err, "serial transport needs a port")

	port := "/dev/ttyUSB0"
	cfg.SerialPort = &port
	link, err = newLink(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", link.Address())
	assert.False(t, link.IsConnected())

	bogus := "carrier-pigeon"
	cfg.ControllerTransport = &bogus
	_, err = newLink(cfg)
	assert.Error(t, err)
}
