// Package fraud rejects physically implausible activities before they reach the ledger.
package fraud

import (
	"math"

	"example.com/settlement/internal/domain"
)

// Rejection reasons, in rule order.
const (
	ReasonNonPositive     = "non-positive measurement"
	ReasonSpeed           = "implausible speed"
	ReasonCalories        = "implausible calories"
	ReasonRouteMismatch   = "route/distance mismatch"
	earthRadiusMeters     = 6371008.8
	minRouteSamplesToTest = 2
)

// Result is the verdict for one activity.
type Result struct {
	OK     bool
	Reason string
}

// Validator applies the plausibility rules. It performs no I/O.
type Validator struct {
	policy Policy
}

// NewValidator constructs a Validator bound to policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Validate returns the first failing rule or OK.
func (v *Validator) Validate(m domain.Measurements) Result {
	if !(m.DistanceMeters > 0) || !(m.DurationSeconds > 0) {
		return reject(ReasonNonPositive)
	}

	if m.DistanceMeters/m.DurationSeconds > v.policy.maxSpeed(m.ActivityType) {
		return reject(ReasonSpeed)
	}

	minutes := m.DurationSeconds / 60
	if m.CaloriesKcal < v.policy.MinKcalPerMinute*minutes || m.CaloriesKcal > v.policy.MaxKcalPerMinute*minutes {
		return reject(ReasonCalories)
	}

	if len(m.Route) >= minRouteSamplesToTest && !v.routeMatches(m) {
		return reject(ReasonRouteMismatch)
	}

	return Result{OK: true}
}

func (v *Validator) routeMatches(m domain.Measurements) bool {
	var total float64
	for i := 1; i < len(m.Route); i++ {
		prev, cur := m.Route[i-1], m.Route[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			return false
		}
		total += haversine(prev, cur)
	}
	return math.Abs(total-m.DistanceMeters) <= v.policy.RouteTolerance*m.DistanceMeters
}

func haversine(a, b domain.RouteSample) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func reject(reason string) Result {
	return Result{Reason: reason}
}
