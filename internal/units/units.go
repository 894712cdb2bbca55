// Package units converts raw channel values to the units a dashboard shows.
// Frames always carry the wire values; conversion happens only on output.
package units

import (
	"math"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

// Speed units
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units leave the value in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

const wattsPerHorsepower = 745.7

// Display returns v as the dashboard shows channel c: pedal inputs as a
// percentage, steering as a signed percentage, speed in speedUnits, power in
// horsepower, and torque and boost clamped at zero. Other channels are
// returned unchanged.
func Display(c telemetry.Channel, v float64, speedUnits string) float64 {
	switch c {
	case telemetry.Accel, telemetry.Brake, telemetry.Clutch, telemetry.HandBrake:
		return v * 100 / 255
	case telemetry.Steer:
		return v * 100 / 127
	case telemetry.Speed:
		return ConvertSpeed(v, speedUnits)
	case telemetry.Power:
		return v / wattsPerHorsepower
	case telemetry.Torque, telemetry.Boost:
		return math.Max(v, 0)
	default:
		return v
	}
}
