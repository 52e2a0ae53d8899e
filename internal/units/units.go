// Package units provides shared constants and conversions for lengths and
// speeds. Capture sources report millimetres; the controller may want
// something else.
package units

import (
	"fmt"
	"strings"
)

// Length is an output length unit.
type Length string

const (
	Millimetres Length = "mm"
	Centimetres Length = "cm"
	Metres      Length = "m"
)

// ValidLengths contains all valid length units.
var ValidLengths = []Length{Millimetres, Centimetres, Metres}

// ParseLength accepts a unit symbol or its spelled-out name.
func ParseLength(s string) (Length, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mm", "millimetre", "millimetres", "millimeter", "millimeters":
		return Millimetres, nil
	case "cm", "centimetre", "centimetres", "centimeter", "centimeters":
		return Centimetres, nil
	case "m", "metre", "metres", "meter", "meters":
		return Metres, nil
	default:
		return "", fmt.Errorf("invalid output_units %q: expected one of %s", s, GetValidLengthsString())
	}
}

// GetValidLengthsString returns a comma-separated list for error messages.
func GetValidLengthsString() string {
	return "mm, cm, m"
}

// FromMillimetres returns the factor that converts millimetres to l.
func (l Length) FromMillimetres() float64 {
	switch l {
	case Centimetres:
		return 0.1
	case Metres:
		return 0.001
	default:
		return 1
	}
}

// Speed unit constants for display.
const (
	MPS  = "mps"
	MMPS = "mmps"
	MPH  = "mph"
	KPH  = "kph"
)

// IsValidSpeed checks if the given speed unit is known.
func IsValidSpeed(unit string) bool {
	switch unit {
	case MPS, MMPS, MPH, KPH:
		return true
	}
	return false
}

// ConvertSpeed converts a speed in millimetres per second to the target
// units. Unknown units return metres per second.
func ConvertSpeed(speedMMPS float64, targetUnits string) float64 {
	mps := speedMMPS / 1000
	switch targetUnits {
	case MMPS:
		return speedMMPS
	case MPH:
		return mps * 2.2369362920544
	case KPH:
		return mps * 3.6
	default:
		return mps
	}
}
