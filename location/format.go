package location

import (
	"fmt"
	"math"
	"strconv"

	"github.com/golang/geo/s2"
	"github.com/shopspring/decimal"
)

// MockPool stands in for reverse geocoding.
var MockPool = []string{
	"Mall Road, Kanpur",
	"Civil Lines, Kanpur",
	"Swaroop Nagar, Kanpur",
	"Kidwai Nagar, Kanpur",
	"Govind Nagar, Kanpur",
}

const coordinatePrecision = 6

// Valid reports whether p carries usable coordinates. The 0/0 point is what
// broken devices report and is rejected.
func Valid(p Position) bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	if p.Latitude == 0 && p.Longitude == 0 {
		return false
	}
	return s2.LatLngFromDegrees(p.Latitude, p.Longitude).IsValid()
}

// Describe renders a place name together with the raw fix, e.g.
// "Mall Road, Kanpur (26.449923, 80.331871 ±12m)".
func Describe(place string, p Position) string {
	coords := fmt.Sprintf("%s, %s",
		decimal.NewFromFloat(p.Latitude).StringFixed(coordinatePrecision),
		decimal.NewFromFloat(p.Longitude).StringFixed(coordinatePrecision))
	if p.Accuracy > 0 && !math.IsInf(p.Accuracy, 0) {
		coords += fmt.Sprintf(" ±%sm", decimal.NewFromFloat(p.Accuracy).Round(0).String())
	}
	return fmt.Sprintf("%s (%s)", place, coords)
}

// CoordinatesOnly renders the raw fix without a place name. It accepts
// values that failed Valid.
func CoordinatesOnly(p Position) string {
	return fmt.Sprintf("%s, %s",
		strconv.FormatFloat(p.Latitude, 'f', coordinatePrecision, 64),
		strconv.FormatFloat(p.Longitude, 'f', coordinatePrecision, 64))
}
