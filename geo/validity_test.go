package geo

import (
	"strings"
	"testing"
)

func TestMinSatellites(t *testing.T) {
	valid := MinSatellites(DefaultMinSatellites)

	for sats := 0; sats < 16; sats++ {
		f := Fix{Latitude: 37.422, Longitude: -122.084, Satellites: sats}
		want := sats >= 4
		if got := valid(f); got != want {
			t.Errorf("MinSatellites(4)(%d sats) = %v, want %v", sats, got, want)
		}
	}
}

func TestMinSatellites_IgnoresCoordinates(t *testing.T) {
	valid := MinSatellites(4)

	// plausible-looking coordinates never rescue a low satellite count
	f := Fix{Latitude: 51.5, Longitude: -0.12, Altitude: 20, Satellites: 3, FixFlags: 0x07}
	if valid(f) {
		t.Error("fix with 3 satellites should be invalid")
	}
}

func TestAllFixFlags(t *testing.T) {
	tests := []struct {
		flags byte
		want  bool
	}{
		{0x00, false},
		{0x03, false},
		{0x06, false},
		{0x07, true},
	}

	for _, tt := range tests {
		f := Fix{Satellites: 12, FixFlags: tt.flags}
		if got := AllFixFlags(f); got != tt.want {
			t.Errorf("AllFixFlags(flags=%#x) = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestParseValidity(t *testing.T) {
	tests := []struct {
		input   string
		fix     Fix
		want    bool
		wantErr string
	}{
		{input: "", fix: Fix{Satellites: 4}, want: true},
		{input: "satellites", fix: Fix{Satellites: 3}, want: false},
		{input: "satellites:6", fix: Fix{Satellites: 5}, want: false},
		{input: "satellites:6", fix: Fix{Satellites: 6}, want: true},
		{input: " fixflags ", fix: Fix{FixFlags: 0x07}, want: true},
		{input: "fixflags", fix: Fix{Satellites: 12, FixFlags: 0x01}, want: false},
		{input: "satellites:x", wantErr: "invalid satellite threshold"},
		{input: "satellites:0", wantErr: "between 1 and 15"},
		{input: "satellites:16", wantErr: "between 1 and 15"},
		{input: "hdop", wantErr: "unknown validity"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			valid, err := ParseValidity(tt.input)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseValidity(%q) expected error containing %q", tt.input, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("ParseValidity(%q) error = %v, want containing %q", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseValidity(%q) error = %v", tt.input, err)
			}
			if got := valid(tt.fix); got != tt.want {
				t.Errorf("ParseValidity(%q)(%+v) = %v, want %v", tt.input, tt.fix, got, tt.want)
			}
		})
	}
}
