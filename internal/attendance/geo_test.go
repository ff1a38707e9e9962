package attendance

import (
	"math"
	"testing"
)

func TestHaversineMeters(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64
		tolerance              float64
	}{
		{name: "zero-distance", expected: 0, tolerance: 0.001},
		{name: "sixty-meters-north", lat2: sixtyMetersLat, expected: 60, tolerance: 0.5},
		{name: "forty-meters-north", lat2: fortyMetersLat, expected: 40, tolerance: 0.5},
		{name: "one-degree-longitude-at-equator", lon2: 1, expected: 111319.49, tolerance: 1},
		{name: "symmetric", lat1: 10.5, lon1: 20.25, lat2: 10.6, lon2: 20.35, expected: 15611, tolerance: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forward := HaversineMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			backward := HaversineMeters(tt.lat2, tt.lon2, tt.lat1, tt.lon1)
			if math.Abs(forward-backward) > 0.001 {
				t.Fatalf("distance is not symmetric: %.4f vs %.4f", forward, backward)
			}
			if math.Abs(forward-tt.expected) > tt.tolerance {
				t.Fatalf("expected %.2fm (±%.2f), got %.4fm", tt.expected, tt.tolerance, forward)
			}
		})
	}
}
