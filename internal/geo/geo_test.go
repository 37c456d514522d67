package geo

import (
	"math"
	"testing"

	"github.com/example/campus-transit/internal/models"
)

func TestDistanceZero(t *testing.T) {
	d := DistanceKm(33.6844, 73.0479, 33.6844, 73.0479)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][4]float64{
		{33.6844, 73.0479, 33.69, 73.05},
		{0, 0, 0.1, 0.1},
		{-33.8688, 151.2093, 51.5074, -0.1278},
		{89.9, 10, -89.9, -170},
	}
	for _, p := range pairs {
		ab := DistanceKm(p[0], p[1], p[2], p[3])
		ba := DistanceKm(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric for %v: %f vs %f", p, ab, ba)
		}
		if ab <= 0 {
			t.Fatalf("expected positive distance for distinct points %v", p)
		}
	}
}

func TestDistanceKnownPairs(t *testing.T) {
	// one degree of latitude along a meridian
	d := DistanceKm(0, 0, 1, 0)
	if math.Abs(d-111.195) > 0.001 {
		t.Fatalf("expected ~111.195km, got %.4f", d)
	}
	d = DistanceKm(33.6844, 73.0479, 33.69, 73.05)
	if math.Abs(d-0.652) > 0.005 {
		t.Fatalf("expected ~0.652km, got %.4f", d)
	}
}

func TestPlaceholderDeterministic(t *testing.T) {
	ref := models.Coord{Lat: 33.6844, Lon: 73.0479}
	a := PlaceholderCoordinates(ref, "R1", 12)
	b := PlaceholderCoordinates(ref, "R1", 12)
	if a != b {
		t.Fatalf("expected identical placeholders, got %v and %v", a, b)
	}
	c := PlaceholderCoordinates(ref, "R1", 13)
	if a == c {
		t.Fatalf("expected different stops to get different placeholders")
	}
	if d := Distance(ref, a); d > placeholderRadiusKm+0.01 {
		t.Fatalf("placeholder %.3fkm away, want <= %.1f", d, placeholderRadiusKm)
	}
}
