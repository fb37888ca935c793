package geo

import "math"

const (
	// earthRadiusMeters is the mean Earth radius used by the haversine formula.
	earthRadiusMeters = 6371000.0

	// DefaultRadiusMeters applies when a classroom has no configured tolerance.
	DefaultRadiusMeters = 50.0
)

// DeviceLocation is a momentary GPS reading from a student's device.
// AccuracyMeters is the uncertainty radius reported by the positioning
// subsystem; zero means unknown.
type DeviceLocation struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
}

// ClassLocation is a classroom's registered reference point. Coordinates are
// optional: a class without them degrades to an unverified check-in rather
// than blocking students.
type ClassLocation struct {
	Latitude     *float64
	Longitude    *float64
	RadiusMeters *float64
}

// HasCoordinates reports whether both latitude and longitude are set.
func (c ClassLocation) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// Result is the outcome of a proximity evaluation.
type Result struct {
	// Allowed is true when the check-in may proceed.
	Allowed bool
	// Unverified is true when the check-in was allowed without a configured
	// classroom location, so no distance was measured.
	Unverified bool
	// DistanceMeters is the measured great-circle distance, or -1 when
	// Unverified.
	DistanceMeters float64
	// AllowedRadiusMeters is the tolerance that applied, or -1 when Unverified.
	AllowedRadiusMeters float64
	// Score is a [0,1] confidence value attached to the attendance record.
	Score float64
}

// Distance computes the great-circle distance in meters between two
// coordinate pairs using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Evaluate decides whether a device reading counts as physical presence at a
// classroom. When the classroom has no coordinates the check-in is allowed
// with a fallback score derived from the GPS accuracy: trust the reading
// inversely proportional to its reported imprecision.
func Evaluate(dev DeviceLocation, class ClassLocation) Result {
	if !class.HasCoordinates() {
		score := 0.5
		if dev.AccuracyMeters > 0 {
			score = math.Max(0, 100-dev.AccuracyMeters) / 100
		}
		return Result{
			Allowed:             true,
			Unverified:          true,
			DistanceMeters:      -1,
			AllowedRadiusMeters: -1,
			Score:               clamp01(score),
		}
	}

	d := Distance(dev.Latitude, dev.Longitude, *class.Latitude, *class.Longitude)

	allowed := DefaultRadiusMeters
	if class.RadiusMeters != nil {
		allowed = *class.RadiusMeters
	}

	res := Result{
		DistanceMeters:      d,
		AllowedRadiusMeters: allowed,
	}
	// Boundary counts as inside.
	if d <= allowed {
		res.Allowed = true
		res.Score = math.Max(0, (allowed-d)/allowed)
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
