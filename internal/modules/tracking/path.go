// README: Path-history recorder with a strict accuracy ceiling; exports rides as GeoJSON LineString features.
package tracking

import (
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const DefaultPathAccuracyCeiling = 20.0

// PathRecorder keeps the high-quality subset of a ride's fixes for display
// and export. It is stricter than the distance accumulator.
type PathRecorder struct {
	mu      sync.Mutex
	ceiling float64
	line    orb.LineString
}

func NewPathRecorder(ceiling float64) *PathRecorder {
	if ceiling <= 0 {
		ceiling = DefaultPathAccuracyCeiling
	}
	return &PathRecorder{ceiling: ceiling}
}

// Record appends the fix and reports whether it was kept. Fixes without an
// accuracy reading are kept.
func (p *PathRecorder) Record(f Fix) bool {
	if f.Accuracy != nil && *f.Accuracy > p.ceiling {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// orb points are (lng, lat)
	p.line = append(p.line, orb.Point{f.Lng, f.Lat})
	return true
}

func (p *PathRecorder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.line = nil
}

func (p *PathRecorder) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.line)
}

func (p *PathRecorder) LineString() orb.LineString {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(orb.LineString(nil), p.line...)
}

// Feature renders the recorded path with ride metadata as properties.
// It returns nil when fewer than two points were kept.
func (p *PathRecorder) Feature(ride RideFinished) *geojson.Feature {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.line) < 2 {
		return nil
	}
	f := geojson.NewFeature(append(orb.LineString(nil), p.line...))
	f.Properties["rideId"] = ride.RideID
	f.Properties["distanceMeters"] = ride.DistanceMeters
	f.Properties["pointCount"] = len(p.line)
	f.Properties["startedAt"] = ride.RideStartedAt.Format(time.RFC3339)
	f.Properties["endedAt"] = ride.RideEndedAt.Format(time.RFC3339)
	f.Properties["durationSeconds"] = ride.RideEndedAt.Sub(ride.RideStartedAt).Round(time.Second).Seconds()
	return f
}
