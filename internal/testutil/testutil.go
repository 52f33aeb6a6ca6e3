// Package testutil provides shared test helpers and fixtures for the
// controller packages.
package testutil

import (
	"testing"

	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/telemetry"
)

// CaptureLogs routes the diagnostic logger to t.Logf until the test ends.
func CaptureLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// Quiet mutes the diagnostic logger until the test ends.
func Quiet(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// StraightTelemetry is a vehicle at the origin heading +x with n waypoints
// spaced along the x axis, the first one spacing/2 ahead.
func StraightTelemetry(n int, spacing, speedMPH float64) telemetry.Telemetry {
	tel := telemetry.Telemetry{
		PtsX:  make([]float64, n),
		PtsY:  make([]float64, n),
		Speed: speedMPH,
	}
	for i := range tel.PtsX {
		tel.PtsX[i] = spacing/2 + float64(i)*spacing
	}
	return tel
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
