// README: Fixed-step spatial bucketing shared by ingestion and aggregation.
package location

import (
	"math"
	"strconv"
	"strings"

	"ridepulse/internal/types"
)

// DefaultTileStep is the canonical persisted tile size in degrees (~200 m).
const DefaultTileStep = 0.002

// Grid rounds coordinates to a fixed step and names the resulting cell.
type Grid struct {
	Step float64
}

// TileGrid is the one grid used to key persisted pings and heatmap tiles.
var TileGrid = Grid{Step: DefaultTileStep}

// Round snaps a coordinate to the nearest grid node.
func (g Grid) Round(lat, lng float64) types.Point {
	return types.Point{Lat: g.round(lat), Lng: g.round(lng)}
}

// Key returns the canonical tile key, e.g. "25.034_121.564".
func (g Grid) Key(lat, lng float64) string {
	p := g.Round(lat, lng)
	prec := g.precision()
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(p.Lat, 'f', prec, 64))
	b.WriteByte('_')
	b.WriteString(strconv.FormatFloat(p.Lng, 'f', prec, 64))
	return b.String()
}

func (g Grid) round(v float64) float64 {
	if g.Step <= 0 {
		return v
	}
	r := math.Round(v/g.Step) * g.Step
	// strip float noise such as 10.010000000000002
	scale := math.Pow10(g.precision())
	r = math.Round(r*scale) / scale
	if r == 0 {
		// collapse -0 so keys on either side of the equator/meridian match
		r = 0
	}
	return r
}

// precision is the number of decimals needed to print a grid node exactly.
func (g Grid) precision() int {
	if g.Step <= 0 {
		return 6
	}
	p := int(math.Ceil(-math.Log10(g.Step) - 1e-9))
	// steps like 0.25 need more digits than their magnitude
	for p < 9 {
		scaled := g.Step * math.Pow10(p)
		if math.Abs(scaled-math.Round(scaled)) < 1e-9 {
			break
		}
		p++
	}
	if p < 0 {
		p = 0
	}
	return p
}
