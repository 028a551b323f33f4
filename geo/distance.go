package geo

import "math"

// MetersPerDegree is the flat-earth scale used for short-range distance
// estimates: 111.2 km per degree of latitude or longitude.
const MetersPerDegree = 111.2 * 1000

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Estimator reports the planar distance of each fix from the first fix it
// was given. The reference point is fixed for the lifetime of the Estimator.
//
// No great-circle correction is applied; results are only meaningful for
// ranges of a few kilometres. Estimator is not safe for concurrent use.
type Estimator struct {
	ref    Point
	hasRef bool
}

// Update returns the distance in metres between f and the reference point.
// The first call records f as the reference point and returns 0.
// Callers must only pass fixes that passed their [Validity] policy.
func (e *Estimator) Update(f Fix) float64 {
	if !e.hasRef {
		e.ref = Point{Latitude: f.Latitude, Longitude: f.Longitude}
		e.hasRef = true
		return 0
	}

	dLat := f.Latitude - e.ref.Latitude
	dLon := f.Longitude - e.ref.Longitude
	return math.Sqrt(dLat*dLat+dLon*dLon) * MetersPerDegree
}

// Reference returns the reference point and whether one has been recorded.
func (e *Estimator) Reference() (Point, bool) {
	return e.ref, e.hasRef
}
