// README: Location ingest service validates, deduplicates, rate-limits and persists driver pings.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ridepulse/internal/types"
)

var (
	ErrInvalidPing = errors.New("invalid ping")
	ErrRateLimited = errors.New("rate limited")
	ErrStorage     = errors.New("storage failure")
)

// RateLimitError carries how long the caller should wait before resubmitting.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// PingRequest is the ingest payload; pointer fields distinguish "missing" from zero.
type PingRequest struct {
	DriverID string   `json:"driver_id" validate:"required,max=128"`
	Lat      *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng      *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Accuracy *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
}

type SubmitResult struct {
	Accepted bool
	Deduped  bool
	TileKey  string
}

type Service struct {
	store    PingStore
	grid     Grid
	policy   Policy
	validate *validator.Validate
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Service)

func WithGrid(g Grid) Option { return func(s *Service) { s.grid = g } }
func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(store PingStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		grid:     TileGrid,
		policy:   DefaultPolicy,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Grid returns the tile grid the service keys pings with.
func (s *Service) Grid() Grid { return s.grid }

func (s *Service) SubmitPing(ctx context.Context, req PingRequest) (SubmitResult, error) {
	if err := s.validatePing(req); err != nil {
		return SubmitResult{}, err
	}

	lat, lng := *req.Lat, *req.Lng
	tileKey := s.grid.Key(lat, lng)
	now := s.now()

	ping := Ping{
		DriverID:   types.ID(strings.TrimSpace(req.DriverID)),
		Lat:        lat,
		Lng:        lng,
		Accuracy:   req.Accuracy,
		TileKey:    tileKey,
		InsertedAt: now,
	}

	d, err := s.store.Admit(ctx, ping, func(latest *Ping) Decision {
		return Decide(latest, tileKey, now, s.policy)
	})
	if err != nil {
		s.log.Error("ping admit failed", "driver_id", ping.DriverID, "error", err)
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	switch d.Outcome {
	case OutcomeDeduped:
		return SubmitResult{Deduped: true, TileKey: tileKey}, nil
	case OutcomeRateLimited:
		return SubmitResult{TileKey: tileKey}, &RateLimitError{RetryAfter: d.RetryAfter}
	default:
		s.log.Debug("ping stored", "driver_id", ping.DriverID, "tile_key", tileKey)
		return SubmitResult{Accepted: true, TileKey: tileKey}, nil
	}
}

func (s *Service) validatePing(req PingRequest) error {
	if strings.TrimSpace(req.DriverID) == "" {
		return fmt.Errorf("%w: driver_id is required", ErrInvalidPing)
	}
	// NaN slips past range tags, so finiteness is checked first.
	if req.Lat != nil && !isFinite(*req.Lat) {
		return fmt.Errorf("%w: lat must be finite", ErrInvalidPing)
	}
	if req.Lng != nil && !isFinite(*req.Lng) {
		return fmt.Errorf("%w: lng must be finite", ErrInvalidPing)
	}
	if req.Accuracy != nil && !isFinite(*req.Accuracy) {
		return fmt.Errorf("%w: accuracy must be finite", ErrInvalidPing)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidPing, jsonFieldName(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPing, err)
	}
	return nil
}

func jsonFieldName(field string) string {
	switch field {
	case "DriverID":
		return "driver_id"
	case "Lat":
		return "lat"
	case "Lng":
		return "lng"
	case "Accuracy":
		return "accuracy"
	default:
		return strings.ToLower(field)
	}
}
