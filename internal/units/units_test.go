package units

import (
	"math"
	"testing"
)

func TestParseLength(t *testing.T) {
	tests := []struct {
		in      string
		want    Length
		wantErr bool
	}{
		{"mm", Millimetres, false},
		{"Metres", Metres, false},
		{" cm ", Centimetres, false},
		{"meters", Metres, false},
		{"inch", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLength(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLength(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLength(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromMillimetres(t *testing.T) {
	for l, want := range map[Length]float64{Millimetres: 1, Centimetres: 0.1, Metres: 0.001, "": 1} {
		if got := l.FromMillimetres(); got != want {
			t.Errorf("%q.FromMillimetres() = %v, want %v", l, got, want)
		}
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name      string
		speedMMPS float64
		unit      string
		expected  float64
	}{
		{"1000 mm/s to mps", 1000, MPS, 1},
		{"1000 mm/s to mmps", 1000, MMPS, 1000},
		{"1000 mm/s to mph", 1000, MPH, 2.2369362920544},
		{"1000 mm/s to kph", 1000, KPH, 3.6},
		{"unknown falls back to mps", 2500, "furlongs", 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertSpeed(tt.speedMMPS, tt.unit)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("ConvertSpeed(%v, %s) = %v, want %v", tt.speedMMPS, tt.unit, got, tt.expected)
			}
		})
	}
}

func TestIsValidSpeed(t *testing.T) {
	if !IsValidSpeed(MPH) || IsValidSpeed("MPH") {
		t.Error("IsValidSpeed should be case-sensitive and accept mph")
	}
}
