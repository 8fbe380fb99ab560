// README: Ride phases, command events, feedback kinds and the rows/broadcasts a session produces.
package tracking

import (
	"time"

	"ridepulse/internal/types"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseToPickup Phase = "toPickup"
	PhaseRiding   Phase = "riding"
)

type Event string

const (
	EventStartPickup Event = "StartPickup"
	EventAbortPickup Event = "AbortPickup"
	EventStartRide   Event = "StartRide"
	EventEndRide     Event = "EndRide"
)

// AllowedEvents is the transition table: event -> phases it is valid from.
var AllowedEvents = map[Event][]Phase{
	EventStartPickup: {PhaseIdle},
	EventAbortPickup: {PhaseToPickup},
	EventStartRide:   {PhaseIdle, PhaseToPickup},
	EventEndRide:     {PhaseRiding},
}

func CanApply(ev Event, from Phase) bool {
	phases, ok := AllowedEvents[ev]
	if !ok {
		return false
	}
	for _, p := range phases {
		if p == from {
			return true
		}
	}
	return false
}

type FeedbackKind string

const (
	FeedbackLight   FeedbackKind = "light"
	FeedbackMedium  FeedbackKind = "medium"
	FeedbackHeavy   FeedbackKind = "heavy"
	FeedbackSuccess FeedbackKind = "success"
	FeedbackError   FeedbackKind = "error"
)

// Fix is one raw sample from the position source.
type Fix struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) Point() types.Point { return types.Point{Lat: f.Lat, Lng: f.Lng} }

// Stats is broadcast on every state-relevant change.
type Stats struct {
	Phase          Phase         `json:"phase"`
	Idle           bool          `json:"idle"`
	IdleSeconds    int           `json:"idleSeconds"`
	PickupSeconds  int           `json:"pickupSeconds"`
	RideSeconds    int           `json:"rideSeconds"`
	DistanceMeters float64       `json:"distanceMeters"`
	Points         []types.Point `json:"points"`
}

// RideFinished is broadcast once per completed ride.
type RideFinished struct {
	RideID         string        `json:"rideId"`
	RideStartedAt  time.Time     `json:"rideStartedAt"`
	RideEndedAt    time.Time     `json:"rideEndedAt"`
	DistanceMeters float64       `json:"distanceMeters"`
	Points         []types.Point `json:"points"`
}

// RideLogRow is one persisted incremental log entry.
type RideLogRow struct {
	Phase     Phase     `json:"phase"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Distance  float64   `json:"distance"`
	Duration  float64   `json:"duration"`
	IdleTime  float64   `json:"idleTime"`
	CreatedAt time.Time `json:"createdAt"`
}

// RideSummaryRow is persisted once per completed ride.
type RideSummaryRow struct {
	ID          string    `json:"id"`
	RideStartAt time.Time `json:"rideStartAt"`
	RideEndAt   time.Time `json:"rideEndAt"`
	Distance    float64   `json:"distance"`
	StartLat    *float64  `json:"startLat,omitempty"`
	StartLng    *float64  `json:"startLng,omitempty"`
	EndLat      *float64  `json:"endLat,omitempty"`
	EndLng      *float64  `json:"endLng,omitempty"`
}
