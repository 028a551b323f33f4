package geo

import (
	"math"
	"testing"
)

func TestEstimator_FirstFixIsReference(t *testing.T) {
	var e Estimator

	if _, ok := e.Reference(); ok {
		t.Fatal("new Estimator should have no reference point")
	}

	f := Fix{Latitude: 37.422, Longitude: -122.084, Satellites: 6}
	if d := e.Update(f); d != 0 {
		t.Errorf("first Update() = %v, want 0", d)
	}

	ref, ok := e.Reference()
	if !ok {
		t.Fatal("Reference() not set after first Update")
	}
	if ref.Latitude != 37.422 || ref.Longitude != -122.084 {
		t.Errorf("Reference() = %+v, want first fix", ref)
	}

	// the identical sample is at distance zero from itself
	if d := e.Update(f); d != 0 {
		t.Errorf("repeated Update() = %v, want 0", d)
	}
}

func TestEstimator_LongitudeStep(t *testing.T) {
	var e Estimator
	e.Update(Fix{Latitude: 37.422, Longitude: -122.084})

	got := e.Update(Fix{Latitude: 37.422, Longitude: -122.083})

	want := 111.2
	if math.Abs(got-want) > want*0.01 {
		t.Errorf("Update() = %v m, want ~%v m", got, want)
	}
}

func TestEstimator_ReferenceNeverMoves(t *testing.T) {
	var e Estimator
	e.Update(Fix{Latitude: 1, Longitude: 1})
	e.Update(Fix{Latitude: 1.01, Longitude: 1})
	e.Update(Fix{Latitude: 1.02, Longitude: 1.02})

	ref, _ := e.Reference()
	if ref != (Point{Latitude: 1, Longitude: 1}) {
		t.Errorf("Reference() = %+v, want {1 1}", ref)
	}

	// diagonal step: 0.003 deg in each axis
	got := e.Update(Fix{Latitude: 1.003, Longitude: 1.004})
	want := math.Sqrt(0.003*0.003+0.004*0.004) * MetersPerDegree
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Update() = %v, want %v", got, want)
	}
}
