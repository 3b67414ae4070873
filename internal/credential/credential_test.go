package credential

import (
	"bytes"
	"testing"
)

func TestCounterAdvances(t *testing.T) {
	tests := []struct {
		name     string
		stored   uint32
		reported uint32
		want     bool
	}{
		{name: "strictly increasing", stored: 3, reported: 4, want: true},
		{name: "large jump", stored: 3, reported: 4000, want: true},
		{name: "equal nonzero", stored: 3, reported: 3, want: false},
		{name: "regression", stored: 5, reported: 4, want: false},
		{name: "regression to zero", stored: 5, reported: 0, want: false},
		{name: "counterless authenticator", stored: 0, reported: 0, want: true},
		{name: "first real increment", stored: 0, reported: 1, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CounterAdvances(tc.stored, tc.reported); got != tc.want {
				t.Errorf("CounterAdvances(%d, %d) = %v, want %v", tc.stored, tc.reported, got, tc.want)
			}
		})
	}
}

func TestDeviceClassForTransports(t *testing.T) {
	if got := DeviceClassForTransports([]string{"usb", "nfc"}); got != DeviceClassCrossPlatform {
		t.Errorf("device class = %q, want %q", got, DeviceClassCrossPlatform)
	}
	if got := DeviceClassForTransports([]string{"internal", "hybrid"}); got != DeviceClassPlatform {
		t.Errorf("device class = %q, want %q", got, DeviceClassPlatform)
	}
	if got := DeviceClassForTransports(nil); got != DeviceClassCrossPlatform {
		t.Errorf("device class = %q, want %q", got, DeviceClassCrossPlatform)
	}
}

func TestRawIDRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	encoded := EncodeRawID(raw)
	decoded, err := DecodeRawID(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Errorf("round trip = %v, want %v", decoded, raw)
	}
	if _, err := DecodeRawID("!!!"); err == nil {
		t.Error("expected decode error for invalid input")
	}
}

func TestHasTransport(t *testing.T) {
	c := Credential{Transports: []string{"usb", "ble"}}
	if !c.HasTransport("usb") {
		t.Error("expected usb transport")
	}
	if c.HasTransport("nfc") {
		t.Error("did not expect nfc transport")
	}
}
