// README: Heatmap snapshot shapes; computed per query and never persisted.
package heatmap

type Tile struct {
	TileKey string  `json:"tile_key"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Drivers int     `json:"drivers"`
}

type Snapshot struct {
	Tiles         []Tile `json:"tiles"`
	WindowSeconds int    `json:"window_seconds"`
}

const (
	DefaultLookbackSeconds = 120
	MinLookbackSeconds     = 10
	MaxLookbackSeconds     = 600
	DefaultRowLimit        = 5000
)

// ClampLookback bounds a requested window to [MinLookbackSeconds, MaxLookbackSeconds].
func ClampLookback(seconds int) int {
	if seconds < MinLookbackSeconds {
		return MinLookbackSeconds
	}
	if seconds > MaxLookbackSeconds {
		return MaxLookbackSeconds
	}
	return seconds
}
