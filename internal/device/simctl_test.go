package device

import (
	"testing"
	"time"
)

const sampleListing = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [
      {"udid": "AAA", "name": "iPhone 15", "state": "Shutdown", "isAvailable": true},
      {"udid": "BBB", "name": "iPhone 15 Pro", "state": "Booted", "isAvailable": true},
      {"udid": "CCC", "name": "iPhone 14", "state": "Shutting Down", "isAvailable": true},
      {"udid": "DDD", "name": "Broken", "state": "Shutdown", "isAvailable": false}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-16-4": [
      {"udid": "EEE", "name": "iPhone SE (3rd generation)", "state": "Booting", "isAvailable": true}
    ]
  }
}`

func TestParseList(t *testing.T) {
	s := NewSimctl("xcrun", time.Second, nil)
	devices, err := s.parseList([]byte(sampleListing))
	if err != nil {
		t.Fatalf("parseList: %v", err)
	}

	if len(devices) != 4 {
		t.Fatalf("got %d devices, want 4 (unavailable excluded)", len(devices))
	}
	// Booted devices sort first.
	if devices[0].UDID != "BBB" || devices[0].State != Booted {
		t.Errorf("first device = %s (%s), want BBB (booted)", devices[0].UDID, devices[0].State)
	}

	byUDID := make(map[string]Device)
	for _, d := range devices {
		byUDID[d.UDID] = d
	}
	if d := byUDID["AAA"]; d.State != Shutdown {
		t.Errorf("AAA state = %s, want shutdown", d.State)
	}
	if d := byUDID["CCC"]; d.State != Unknown {
		t.Errorf("CCC state = %s, want unknown", d.State)
	}
	if d := byUDID["EEE"]; d.State != Booting {
		t.Errorf("EEE state = %s, want booting", d.State)
	}
	if d := byUDID["BBB"]; d.Runtime != "iOS 17.2" {
		t.Errorf("BBB runtime = %q, want iOS 17.2", d.Runtime)
	}
}

func TestParseListMalformed(t *testing.T) {
	s := NewSimctl("xcrun", time.Second, nil)
	if _, err := s.parseList([]byte("not json")); err == nil {
		t.Error("parseList accepted malformed output")
	}
}

func TestRuntimeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"com.apple.CoreSimulator.SimRuntime.iOS-17-2", "iOS 17.2"},
		{"com.apple.CoreSimulator.SimRuntime.iOS-16-4", "iOS 16.4"},
		{"custom", "custom"},
	}
	for _, tt := range tests {
		if got := runtimeName(tt.in); got != tt.want {
			t.Errorf("runtimeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSurfaceFor(t *testing.T) {
	s := NewSimctl("xcrun", time.Second, map[string]Surface{
		"iPhone 15 Pro": {Width: 400, Height: 900},
	})

	tests := []struct {
		name string
		want Surface
	}{
		{"iPhone 15 Pro Max", Surface{400, 900}}, // config override wins by prefix
		{"iPhone 15", Surface{393, 852}},
		{"iPhone SE (3rd generation)", Surface{375, 667}},
		{"Some Future Device", Surface{390, 844}},
	}
	for _, tt := range tests {
		if got := s.surfaceFor(tt.name); got != tt.want {
			t.Errorf("surfaceFor(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"Booted", Booted},
		{"booted", Booted},
		{"Shutdown", Shutdown},
		{"Booting", Booting},
		{"Creating", Unknown},
	}
	for _, tt := range tests {
		if got := parseState(tt.in); got != tt.want {
			t.Errorf("parseState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
