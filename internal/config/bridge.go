package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/units"
)

// DefaultConfigPath is the path to the example bridge configuration.
const DefaultConfigPath = "config/bridge.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Default values used when a field is omitted.
const (
	DefaultSourceAddress     = "0.0.0.0:1511"
	DefaultControllerAddress = "127.0.0.1:1000"
	DefaultEmitInterval      = 50 * time.Millisecond
	DefaultDialTimeout       = 2 * time.Second
	DefaultWriteTimeout      = 100 * time.Millisecond
	DefaultFrameRateHz       = 60.0
	DefaultWindowSize        = 3
	DefaultLogInterval       = time.Minute
	DefaultHistorySize       = 600
	DefaultSerialBaud        = 115200
)

// DefaultCentroidMarkers are the marker indices averaged into the streamed
// centre point: the 11th, 12th and 13th markers of the set.
var DefaultCentroidMarkers = []int{10, 11, 12}

// BridgeConfig is the bridge configuration file. Every field is optional;
// Get* methods supply defaults for omitted values, so partial files are safe.
// The same keys are accepted from JSON and YAML.
type BridgeConfig struct {
	// Capture side
	SourceAddress *string  `json:"source_address,omitempty" yaml:"source_address,omitempty"`
	FrameRateHz   *float64 `json:"frame_rate_hz,omitempty" yaml:"frame_rate_hz,omitempty"`

	// Controller side
	ControllerAddress   *string `json:"controller_address,omitempty" yaml:"controller_address,omitempty"`
	ControllerTransport *string `json:"controller_transport,omitempty" yaml:"controller_transport,omitempty"` // "tcp" or "serial"
	SerialPort          *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaud          *int    `json:"serial_baud,omitempty" yaml:"serial_baud,omitempty"`
	EmitInterval        *string `json:"emit_interval,omitempty" yaml:"emit_interval,omitempty"` // duration string like "50ms"
	DialTimeout         *string `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	WriteTimeout        *string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	OutputUnits         *string `json:"output_units,omitempty" yaml:"output_units,omitempty"` // "mm", "cm" or "m"

	// Kinematics
	WindowSize          *int    `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	VelocityMethod      *string `json:"velocity_method,omitempty" yaml:"velocity_method,omitempty"`
	ComputeAcceleration *bool   `json:"compute_acceleration,omitempty" yaml:"compute_acceleration,omitempty"`
	CentroidMarkerSet   *string `json:"centroid_marker_set,omitempty" yaml:"centroid_marker_set,omitempty"`
	CentroidMarkers     []int   `json:"centroid_markers,omitempty" yaml:"centroid_markers,omitempty"`
	TrackAllEntities    *bool   `json:"track_all_entities,omitempty" yaml:"track_all_entities,omitempty"`

	// Diagnostics and recording
	DBPath      *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	LogInterval *string `json:"log_interval,omitempty" yaml:"log_interval,omitempty"`
	HistorySize *int    `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultBridgeConfig returns a config with every field set to its default.
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		SourceAddress:       ptrString(DefaultSourceAddress),
		FrameRateHz:         ptrFloat64(DefaultFrameRateHz),
		ControllerAddress:   ptrString(DefaultControllerAddress),
		ControllerTransport: ptrString("tcp"),
		SerialBaud:          ptrInt(DefaultSerialBaud),
		EmitInterval:        ptrString(DefaultEmitInterval.String()),
		DialTimeout:         ptrString(DefaultDialTimeout.String()),
		WriteTimeout:        ptrString(DefaultWriteTimeout.String()),
		OutputUnits:         ptrString(string(units.Millimetres)),
		WindowSize:          ptrInt(DefaultWindowSize),
		VelocityMethod:      ptrString("symmetric"),
		ComputeAcceleration: ptrBool(false),
		CentroidMarkers:     append([]int(nil), DefaultCentroidMarkers...),
		TrackAllEntities:    ptrBool(false),
		LogInterval:         ptrString(DefaultLogInterval.String()),
		HistorySize:         ptrInt(DefaultHistorySize),
	}
}

// LoadBridgeConfig loads a BridgeConfig from a .json, .yaml or .yml file.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BridgeConfig{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configured values are usable.
func (c *BridgeConfig) Validate() error {
	for name, v := range map[string]*string{
		"emit_interval": c.EmitInterval,
		"dial_timeout":  c.DialTimeout,
		"write_timeout": c.WriteTimeout,
		"log_interval":  c.LogInterval,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}

	if c.FrameRateHz != nil {
		if *c.FrameRateHz <= 0 || *c.FrameRateHz > kinematics.MaxFrameRateHz {
			return fmt.Errorf("frame_rate_hz must be in (0, %g], got %g", kinematics.MaxFrameRateHz, *c.FrameRateHz)
		}
	}

	method, err := kinematics.ParseVelocityMethod(c.GetVelocityMethodName())
	if err != nil {
		return err
	}
	if c.WindowSize != nil {
		n := *c.WindowSize
		switch method {
		case kinematics.SymmetricVelocity:
			if n < 3 || n%2 == 0 {
				return fmt.Errorf("window_size must be odd and >= 3 for symmetric velocity, got %d", n)
			}
		case kinematics.ForwardVelocity:
			if n != 2 {
				return fmt.Errorf("window_size must be 2 for forward velocity, got %d", n)
			}
		}
	}

	switch t := c.GetControllerTransport(); t {
	case "tcp":
	case "serial":
		if c.GetSerialPort() == "" {
			return fmt.Errorf("serial_port is required when controller_transport is serial")
		}
	default:
		return fmt.Errorf("controller_transport must be tcp or serial, got %q", t)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}

	if _, err := units.ParseLength(c.GetOutputUnitsName()); err != nil {
		return err
	}

	seen := make(map[int]bool)
	for _, idx := range c.CentroidMarkers {
		if idx < 0 {
			return fmt.Errorf("centroid_markers must be non-negative, got %d", idx)
		}
		if seen[idx] {
			return fmt.Errorf("centroid_markers contains %d twice", idx)
		}
		seen[idx] = true
	}

	if c.HistorySize != nil && *c.HistorySize < 0 {
		return fmt.Errorf("history_size must be non-negative, got %d", *c.HistorySize)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *BridgeConfig) GetSourceAddress() string {
	if c.SourceAddress == nil || *c.SourceAddress == "" {
		return DefaultSourceAddress
	}
	return *c.SourceAddress
}

func (c *BridgeConfig) GetControllerAddress() string {
	if c.ControllerAddress == nil || *c.ControllerAddress == "" {
		return DefaultControllerAddress
	}
	return *c.ControllerAddress
}

// GetControllerTransport returns "tcp" or "serial" (lower-cased).
func (c *BridgeConfig) GetControllerTransport() string {
	if c.ControllerTransport == nil || *c.ControllerTransport == "" {
		return "tcp"
	}
	return strings.ToLower(*c.ControllerTransport)
}

func (c *BridgeConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

func (c *BridgeConfig) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return DefaultSerialBaud
	}
	return *c.SerialBaud
}

// GetEmitInterval returns the throttle interval, default 50ms.
func (c *BridgeConfig) GetEmitInterval() time.Duration {
	return durationOr(c.EmitInterval, DefaultEmitInterval)
}

func (c *BridgeConfig) GetDialTimeout() time.Duration {
	return durationOr(c.DialTimeout, DefaultDialTimeout)
}

func (c *BridgeConfig) GetWriteTimeout() time.Duration {
	return durationOr(c.WriteTimeout, DefaultWriteTimeout)
}

func (c *BridgeConfig) GetLogInterval() time.Duration {
	return durationOr(c.LogInterval, DefaultLogInterval)
}

// GetFrameRateHz returns the capture rate, default 60 Hz.
func (c *BridgeConfig) GetFrameRateHz() float64 {
	if c.FrameRateHz == nil {
		return DefaultFrameRateHz
	}
	return *c.FrameRateHz
}

// GetWindowSize returns the velocity window, which defaults to 3 for the
// symmetric method and 2 for the forward method.
func (c *BridgeConfig) GetWindowSize() int {
	if c.WindowSize != nil {
		return *c.WindowSize
	}
	if m, err := kinematics.ParseVelocityMethod(c.GetVelocityMethodName()); err == nil && m == kinematics.ForwardVelocity {
		return 2
	}
	return DefaultWindowSize
}

func (c *BridgeConfig) GetVelocityMethodName() string {
	if c.VelocityMethod == nil {
		return "symmetric"
	}
	return *c.VelocityMethod
}

// GetVelocityMethod returns the parsed method, falling back to symmetric.
func (c *BridgeConfig) GetVelocityMethod() kinematics.Method {
	m, err := kinematics.ParseVelocityMethod(c.GetVelocityMethodName())
	if err != nil {
		return kinematics.SymmetricVelocity
	}
	return m
}

func (c *BridgeConfig) GetComputeAcceleration() bool {
	if c.ComputeAcceleration == nil {
		return false
	}
	return *c.ComputeAcceleration
}

// GetCentroidMarkerSet returns the marker set name; empty means the first set
// in each frame.
func (c *BridgeConfig) GetCentroidMarkerSet() string {
	if c.CentroidMarkerSet == nil {
		return ""
	}
	return *c.CentroidMarkerSet
}

func (c *BridgeConfig) GetCentroidMarkers() []int {
	if len(c.CentroidMarkers) == 0 {
		return append([]int(nil), DefaultCentroidMarkers...)
	}
	return append([]int(nil), c.CentroidMarkers...)
}

func (c *BridgeConfig) GetTrackAllEntities() bool {
	if c.TrackAllEntities == nil {
		return false
	}
	return *c.TrackAllEntities
}

func (c *BridgeConfig) GetOutputUnitsName() string {
	if c.OutputUnits == nil || *c.OutputUnits == "" {
		return string(units.Millimetres)
	}
	return *c.OutputUnits
}

// GetOutputUnits returns the output length unit, falling back to millimetres.
func (c *BridgeConfig) GetOutputUnits() units.Length {
	u, err := units.ParseLength(c.GetOutputUnitsName())
	if err != nil {
		return units.Millimetres
	}
	return u
}

// GetDBPath returns the recorder database path; empty disables recording.
func (c *BridgeConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

func (c *BridgeConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return DefaultHistorySize
	}
	return *c.HistorySize
}

// Overrides carries command-line values that replace file values when set.
type Overrides struct {
	SourceAddress     string
	ControllerAddress string
	DBPath            string
}

// Apply copies the non-empty overrides into c.
func (c *BridgeConfig) Apply(o Overrides) {
	if o.SourceAddress != "" {
		c.SourceAddress = ptrString(o.SourceAddress)
	}
	if o.ControllerAddress != "" {
		c.ControllerAddress = ptrString(o.ControllerAddress)
	}
	if o.DBPath != "" {
		c.DBPath = ptrString(o.DBPath)
	}
}
