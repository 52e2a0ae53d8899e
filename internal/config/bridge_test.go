package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/units"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := &BridgeConfig{}
	require.NoError(t, c.Validate())

	assert.Equal(t, DefaultSourceAddress, c.GetSourceAddress())
	assert.Equal(t, DefaultControllerAddress, c.GetControllerAddress())
	assert.Equal(t, "tcp", c.GetControllerTransport())
	assert.Equal(t, 50*time.Millisecond, c.GetEmitInterval())
	assert.Equal(t, 100*time.Millisecond, c.GetWriteTimeout())
	assert.Equal(t, 60.0, c.GetFrameRateHz())
	assert.Equal(t, 3, c.GetWindowSize())
	assert.Equal(t, kinematics.SymmetricVelocity, c.GetVelocityMethod())
	assert.Equal(t, []int{10, 11, 12}, c.GetCentroidMarkers())
	assert.Equal(t, units.Millimetres, c.GetOutputUnits())
	assert.False(t, c.GetComputeAcceleration())
	assert.Empty(t, c.GetDBPath())
	assert.Equal(t, DefaultHistorySize, c.GetHistorySize())
}

func TestDefaultBridgeConfigMatchesGetters(t *testing.T) {
	d := DefaultBridgeConfig()
	require.NoError(t, d.Validate())
	empty := &BridgeConfig{}

	assert.Equal(t, empty.GetEmitInterval(), d.GetEmitInterval())
	assert.Equal(t, empty.GetDialTimeout(), d.GetDialTimeout())
	assert.Equal(t, empty.GetLogInterval(), d.GetLogInterval())
	assert.Equal(t, empty.GetWindowSize(), d.GetWindowSize())
	assert.Equal(t, empty.GetCentroidMarkers(), d.GetCentroidMarkers())
}

func TestDefaultsFileLoads(t *testing.T) {
	cfg, err := LoadBridgeConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultBridgeConfig(), cfg); diff != "" {
		t.Errorf("defaults file drifted from DefaultBridgeConfig (-want +got):\n%s", diff)
	}
}

func TestLoadBridgeConfig_JSON(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
		"controller_address": "10.0.0.5:2000",
		"emit_interval": "20ms",
		"frame_rate_hz": 120,
		"window_size": 5,
		"compute_acceleration": true,
		"centroid_marker_set": "wand",
		"centroid_markers": [0, 1, 2],
		"output_units": "m"
	}`)
	cfg, err := LoadBridgeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:2000", cfg.GetControllerAddress())
	assert.Equal(t, 20*time.Millisecond, cfg.GetEmitInterval())
	assert.Equal(t, 120.0, cfg.GetFrameRateHz())
	assert.Equal(t, 5, cfg.GetWindowSize())
	assert.True(t, cfg.GetComputeAcceleration())
	assert.Equal(t, "wand", cfg.GetCentroidMarkerSet())
	assert.Equal(t, []int{0, 1, 2}, cfg.GetCentroidMarkers())
	assert.Equal(t, units.Metres, cfg.GetOutputUnits())
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultSourceAddress, cfg.GetSourceAddress())
}

func TestLoadBridgeConfig_YAML(t *testing.T) {
	path := writeConfig(t, "bridge.yaml", strings.Join([]string{
		"controller_transport: serial",
		"serial_port: /dev/ttyUSB0",
		"serial_baud: 57600",
		"velocity_method: forward",
		"track_all_entities: true",
	}, "\n"))
	cfg, err := LoadBridgeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.GetControllerTransport())
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.Equal(t, 57600, cfg.GetSerialBaud())
	assert.Equal(t, kinematics.ForwardVelocity, cfg.GetVelocityMethod())
	assert.Equal(t, 2, cfg.GetWindowSize())
	assert.True(t, cfg.GetTrackAllEntities())
}

func TestLoadBridgeConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad extension", "bridge.toml", `a = 1`},
		{"bad json", "bridge.json", `{`},
		{"bad interval", "bridge.json", `{"emit_interval": "soon"}`},
		{"negative interval", "bridge.json", `{"emit_interval": "-5ms"}`},
		{"zero frame rate", "bridge.json", `{"frame_rate_hz": 0}`},
		{"frame rate too high", "bridge.json", `{"frame_rate_hz": 480}`},
		{"even symmetric window", "bridge.json", `{"window_size": 4}`},
		{"forward window", "bridge.json", `{"velocity_method": "forward", "window_size": 3}`},
		{"unknown method", "bridge.json", `{"velocity_method": "spline"}`},
		{"unknown transport", "bridge.json", `{"controller_transport": "udp"}`},
		{"serial without port", "bridge.json", `{"controller_transport": "serial"}`},
		{"bad units", "bridge.json", `{"output_units": "furlong"}`},
		{"duplicate markers", "bridge.json", `{"centroid_markers": [1, 1, 2]}`},
		{"negative history", "bridge.json", `{"history_size": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBridgeConfig(writeConfig(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadBridgeConfig_Missing(t *testing.T) {
	_, err := LoadBridgeConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "failed to stat config file")
}

func TestLoadBridgeConfig_TooLarge(t *testing.T) {
	big := `{"db_path": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadBridgeConfig(writeConfig(t, "big.json", big))
	assert.ErrorContains(t, err, "too large")
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultBridgeConfig()
	cfg.Apply(Overrides{ControllerAddress: "plc:502", DBPath: "bridge.db"})

	assert.Equal(t, "plc:502", cfg.GetControllerAddress())
	assert.Equal(t, "bridge.db", cfg.GetDBPath())
	assert.Equal(t, DefaultSourceAddress, cfg.GetSourceAddress())
}
