package testutils

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/saviobatista/crash-alert/internal/parser"
	"github.com/saviobatista/crash-alert/internal/types"
)

// MockSample creates a sample at now with the given speed in km/h. A negative
// speed yields a sample without a speed reading.
func MockSample(kmh float64) types.Sample {
	lat, lon := 14.5995, 120.9842
	s := types.Sample{Timestamp: time.Now(), Latitude: &lat, Longitude: &lon}
	if kmh >= 0 {
		s.SpeedKmh = &kmh
	}
	return s
}

// MockPosition creates a wire position fix with speed in m/s
func MockPosition(lat, lon, mps float64) *types.Position {
	return &types.Position{
		Timestamp: time.Now().UnixMilli(),
		Coords: types.Coordinates{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  5,
			Speed:     &mps,
		},
	}
}

// RMCSentence builds a checksummed $GPRMC sentence at Manila for the given
// speed in knots. valid=false produces a void (status V) sentence.
func RMCSentence(at time.Time, knots float64, valid bool) string {
	status := "A"
	if !valid {
		status = "V"
	}
	at = at.UTC()
	body := fmt.Sprintf("GPRMC,%s.00,%s,%s,N,%s,E,%.1f,0.0,%s,,,A",
		at.Format("150405"), status,
		nmeaCoord(14.5995, 2), nmeaCoord(120.9842, 3),
		knots, at.Format("020106"))
	return "$" + body + "*" + parser.Checksum(body)
}

func nmeaCoord(deg float64, degDigits int) string {
	whole := math.Floor(deg)
	minutes := (deg - whole) * 60
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(whole), minutes)
}

// WaitForCondition polls condition until it holds or timeout elapses
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
