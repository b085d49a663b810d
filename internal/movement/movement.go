// Package movement rejects physically impossible position updates.
package movement

import (
	"math"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Rejection reasons.
const (
	ReasonInvalid     = "invalid_position"
	ReasonOutOfBounds = "out_of_bounds"
	ReasonTooFrequent = "too_frequent"
	ReasonTooFast     = "too_fast"
)

// maxCoordinate clamps absurd magnitudes before any arithmetic.
const maxCoordinate = 1e7

// Limits are the movement rules for one submarine.
type Limits struct {
	TopSpeed          float64 // units per second
	MinInterval       time.Duration
	TeleportAllowance float64
	Bounds            config.Bounds
}

// LimitsFor derives the limits for a submarine of the given tier.
// Unknown tiers move at base speed.
func LimitsFor(econ *config.Economy, tier int) Limits {
	speed := econ.Movement.TopSpeed
	if t, ok := econ.Tier(tier); ok {
		speed *= t.SpeedMultiplier
	}
	return Limits{
		TopSpeed:          speed,
		MinInterval:       econ.Movement.MinInterval.Std(),
		TeleportAllowance: econ.Movement.TeleportAllowance,
		Bounds:            econ.Session.World,
	}
}

// Sample is an accepted position and when it was accepted.
type Sample struct {
	Position types.Position
	At       time.Time
}

// Verdict is the outcome of validating one move.
type Verdict struct {
	Accepted bool
	Reason   string
	// Position is the normalized candidate when accepted and the last
	// accepted position when rejected, so the client can snap back.
	Position    types.Position
	Distance    float64
	MaxDistance float64
}

// Validate checks candidate against the previous accepted sample. A nil
// prev means the player is spawning and any legal position is accepted.
func Validate(prev *Sample, candidate types.Position, now time.Time, limits Limits) Verdict {
	reject := func(reason string) Verdict {
		v := Verdict{Reason: reason}
		if prev != nil {
			v.Position = prev.Position
		}
		return v
	}

	if !candidate.Finite() || tooLarge(candidate) {
		return reject(ReasonInvalid)
	}
	candidate.Rotation = NormalizeRotation(candidate.Rotation)
	if !limits.Bounds.Contains(candidate) {
		return reject(ReasonOutOfBounds)
	}
	if prev == nil {
		return Verdict{Accepted: true, Position: candidate}
	}

	elapsed := now.Sub(prev.At)
	if elapsed < limits.MinInterval {
		return reject(ReasonTooFrequent)
	}

	dist := prev.Position.Distance(candidate)
	maxDist := limits.TopSpeed*elapsed.Seconds() + limits.TeleportAllowance
	if dist > maxDist {
		v := reject(ReasonTooFast)
		v.Distance = dist
		v.MaxDistance = maxDist
		return v
	}
	return Verdict{
		Accepted:    true,
		Position:    candidate,
		Distance:    dist,
		MaxDistance: maxDist,
	}
}

// NormalizeRotation maps r into [0, 2π).
func NormalizeRotation(r float64) float64 {
	r = math.Mod(r, 2*math.Pi)
	if r < 0 {
		r += 2 * math.Pi
	}
	if r >= 2*math.Pi {
		r = 0
	}
	return r
}

func tooLarge(p types.Position) bool {
	return math.Abs(p.X) > maxCoordinate || math.Abs(p.Y) > maxCoordinate ||
		math.Abs(p.Z) > maxCoordinate || math.Abs(p.Rotation) > maxCoordinate
}
