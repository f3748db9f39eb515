package atag

import (
	"fmt"
	"math"
)

// Fixed central-heating setpoint range accepted by the thermostat.
const (
	CHMinTemp = 12.0
	CHMaxTemp = 25.0
)

// Domestic hot water range used until the appliance reports its own.
const (
	defaultDHWMinTemp = 40.0
	defaultDHWMaxTemp = 65.0
)

// Temperature units as carried in temp_unit.
const (
	UnitCelsius    = "°C"
	UnitFahrenheit = "°F"
)

// HVAC control modes as carried in ch_control_mode.
const (
	ControlModeHeat = 0
	ControlModeAuto = 1
)

// Limits are the command ranges the appliance accepts, in TempUnit.
type Limits struct {
	CHMin, CHMax   float64
	DHWMin, DHWMax float64
	TempUnit       string
}

// DefaultLimits returns the limits assumed before the first report.
func DefaultLimits() Limits {
	return Limits{
		CHMin:    CHMinTemp,
		CHMax:    CHMaxTemp,
		DHWMin:   defaultDHWMinTemp,
		DHWMax:   defaultDHWMaxTemp,
		TempUnit: UnitCelsius,
	}
}

// LimitsFromReport derives limits from the configuration section of a report.
func LimitsFromReport(r Report) Limits {
	l := DefaultLimits()
	minSet, okMin := r.Float(FieldDHWMinSet)
	maxSet, okMax := r.Float(FieldDHWMaxSet)
	if okMin && okMax && minSet < maxSet {
		l.DHWMin, l.DHWMax = minSet, maxSet
	}
	if unit, ok := r.Int(FieldTempUnit); ok && unit == 1 {
		l.TempUnit = UnitFahrenheit
	}
	return l
}

// Command is one control field update for the appliance.
type Command struct {
	Field string
	Value float64
}

// Validate checks c against l without contacting the appliance.
func (l Limits) Validate(c Command) error {
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return fmt.Errorf("%w: %s is not a finite number", ErrInvalidValue, c.Field)
	}

	switch c.Field {
	case FieldCHModeTemp:
		return checkRange(c, l.CHMin, l.CHMax)
	case FieldDHWTempSetp:
		return checkRange(c, l.DHWMin, l.DHWMax)
	case FieldCHControlMode:
		if c.Value != ControlModeHeat && c.Value != ControlModeAuto {
			return fmt.Errorf("%w: %s must be %d or %d, got %v",
				ErrInvalidValue, c.Field, ControlModeHeat, ControlModeAuto, c.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q is not a controllable field", ErrInvalidValue, c.Field)
	}
}

func checkRange(c Command, lo, hi float64) error {
	if c.Value < lo || c.Value > hi {
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrInvalidValue, c.Field, c.Value, lo, hi)
	}
	return nil
}

// payloadValue is the JSON value sent for c: integers for the mode switch,
// floats for setpoints.
func (c Command) payloadValue() any {
	if c.Field == FieldCHControlMode {
		return int(c.Value)
	}
	return c.Value
}
