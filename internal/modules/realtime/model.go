// README: Coarse realtime position points and the privacy grid they are snapped to.
package realtime

import (
	"encoding/json"
	"time"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/types"
)

const (
	// DefaultCoarseStep is ~1 km; independent of the persisted tile grid.
	DefaultCoarseStep      = 0.01
	DefaultPublishInterval = 5 * time.Second
	DefaultPointTTL        = 30 * time.Second
	DefaultChannel         = "ridepulse:realtime:points"
)

var CoarseGrid = location.Grid{Step: DefaultCoarseStep}

// CoarsePoint is the only payload that leaves a device on the realtime path.
type CoarsePoint struct {
	DriverID types.ID  `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

func (p CoarsePoint) Point() types.Point { return types.Point{Lat: p.Lat, Lng: p.Lng} }

// Coarsen snaps p to the grid so that precise positions are never published.
func Coarsen(g location.Grid, driverID types.ID, p types.Point, at time.Time) CoarsePoint {
	r := g.Round(p.Lat, p.Lng)
	return CoarsePoint{DriverID: driverID, Lat: r.Lat, Lng: r.Lng, At: at}
}

func encodePoint(p CoarsePoint) ([]byte, error) {
	return json.Marshal(p)
}

func decodePoint(data []byte) (CoarsePoint, error) {
	var p CoarsePoint
	err := json.Unmarshal(data, &p)
	return p, err
}
