package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameCaptured(10)
	m.RouteWriteError("AA:BB:CC:DD:EE:FF")
	m.ConnectOutcome(OutcomeConnected)
	m.Disconnected()
	m.SetRoutes(3)
	m.SetSinkActive(true)
	m.SetCapturing(true)
	m.DeviceFound()

	if m.FramesCaptured() != 0 || m.BytesCaptured() != 0 {
		t.Error("nil metrics should report zero")
	}
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestFrameCounters(t *testing.T) {
	m := New()
	m.FrameCaptured(100)
	m.FrameCaptured(50)

	if m.FramesCaptured() != 2 {
		t.Errorf("expected 2 frames, got %d", m.FramesCaptured())
	}
	if m.BytesCaptured() != 150 {
		t.Errorf("expected 150 bytes, got %d", m.BytesCaptured())
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.FrameCaptured(4)
	m.ConnectOutcome(OutcomeBondingFailed)
	m.SetSinkActive(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"btsink_frames_captured 1",
		"btsink_bytes_captured 4",
		`btsink_connect_attempts{outcome="bonding_failed"} 1`,
		"btsink_sink_active 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
