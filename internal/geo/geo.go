package geo

import (
	"hash/fnv"
	"math"
	"strconv"

	"github.com/example/campus-transit/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// placeholderRadiusKm bounds how far a synthesized stop may sit from the
// reference point.
const placeholderRadiusKm = 1.0

const kmPerDegreeLat = 111.32

// DistanceKm returns the haversine distance between two points in kilometres.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is DistanceKm over coordinate pairs.
func Distance(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// PlaceholderCoordinates derives a stable position for a stop that has none.
// The same (route, stop) always maps to the same point within
// placeholderRadiusKm of ref, so callers can persist it once and never
// re-randomize.
func PlaceholderCoordinates(ref models.Coord, routeName string, stopID int64) models.Coord {
	h := fnv.New64a()
	_, _ = h.Write([]byte(routeName))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatInt(stopID, 10)))
	sum := h.Sum64()

	angle := float64(sum&0xffff) / 0xffff * 2 * math.Pi
	dist := float64((sum>>16)&0xffff) / 0xffff * placeholderRadiusKm

	dLat := dist * math.Cos(angle) / kmPerDegreeLat
	cosLat := math.Cos(toRad(ref.Lat))
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	dLon := dist * math.Sin(angle) / (kmPerDegreeLat * cosLat)
	return models.Coord{Lat: ref.Lat + dLat, Lon: ref.Lon + dLon}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }
