package csc

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const KmToMiles = 0.621371

func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metric", "km", "":
		return UnitsMetric, nil
	case "imperial", "mi":
		return UnitsImperial, nil
	default:
		return UnitsMetric, fmt.Errorf("invalid units: %s (must be 'metric' or 'imperial')", s)
	}
}

func (u Units) String() string {
	if u == UnitsImperial {
		return "imperial"
	}
	return "metric"
}

// Speed converts km/h into the unit system's speed
func (u Units) Speed(kmh float64) float64 {
	if u == UnitsImperial {
		return kmh * KmToMiles
	}
	return kmh
}

// Distance converts km into the unit system's distance
func (u Units) Distance(km float64) float64 {
	if u == UnitsImperial {
		return km * KmToMiles
	}
	return km
}

func (u Units) speedLabel() string {
	if u == UnitsImperial {
		return "mi/hr"
	}
	return "km/hr"
}

func (u Units) distanceLabel() string {
	if u == UnitsImperial {
		return "mi"
	}
	return "km"
}

// WheelCircumference computes the rolling circumference in mm from the rim
// diameter and tire width, both in mm
func WheelCircumference(rimMm, tireMm float64) (float64, bool) {
	if rimMm <= 0 || tireMm <= 0 {
		return 0, false
	}
	return math.Pi * (2*tireMm + rimMm), true
}

// FormatStats renders stats the way the ride display shows them
func FormatStats(stats Stats, duration time.Duration, units Units) string {
	return fmt.Sprintf("%.1f %s\n%.2f %s\n%.1f rpm\n%s",
		units.Speed(stats.SpeedKmh), units.speedLabel(),
		units.Distance(stats.DistanceKm), units.distanceLabel(),
		stats.CadenceRpm,
		FormatDuration(duration))
}

// FormatDuration renders HH:MM:SS, hours wrapping at a day
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d/time.Second) % 60
	minutes := int64(d/time.Minute) % 60
	hours := int64(d/time.Hour) % 24
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
