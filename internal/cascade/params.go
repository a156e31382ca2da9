package cascade

import (
	"math"
	"time"
)

const (
	// MaxRadiatorTemp is the hard upper bound for setpoints, estimates and the pump safety cutoff.
	MaxRadiatorTemp = 50.0
	// SupplyWaterTemp is the boiler supply temperature, reported for diagnostics only.
	SupplyWaterTemp = 74.0

	MinTargetTemp  = 10.0
	MaxTargetTemp  = 30.0
	TargetTempStep = 0.5
)

// ValidTarget reports whether t is an accepted room target. NaN is not.
func ValidTarget(t float64) bool {
	return t >= MinTargetTemp && t <= MaxTargetTemp
}

// SnapTarget rounds t to the nearest TargetTempStep.
func SnapTarget(t float64) float64 {
	return math.Round(t/TargetTempStep) * TargetTempStep
}

// Params is the immutable configuration shared by the Controller and the Observer.
type Params struct {
	BaseRadiatorTemp float64
	Kp               float64
	Ki               float64
	MinRadiatorTemp  float64
	Hysteresis       float64 // full band width, centered on the radiator setpoint
	MinCycleDuration time.Duration

	OutdoorGain     float64
	OutdoorBaseline float64

	ObserverMode  ObserverMode
	HeatingRate   float64 // °C per second while the pump is on, after dead time
	CoolingRate   float64 // °C per second while the pump is off
	ObserverAlpha float64 // weight of the measurement in fusion mode
	PumpDeadTime  time.Duration
}

// DefaultParams returns the factory tuning.
func DefaultParams() Params {
	return Params{
		BaseRadiatorTemp: 35.0,
		Kp:               8.0,
		Ki:               0.0,
		MinRadiatorTemp:  25.0,
		Hysteresis:       1.0,
		MinCycleDuration: 2 * time.Minute,
		OutdoorGain:      0.3,
		OutdoorBaseline:  10.0,
		ObserverMode:     ObserverSensor,
		HeatingRate:      0.25,
		CoolingRate:      0.05,
		ObserverAlpha:    0.5,
		PumpDeadTime:     5 * time.Second,
	}
}

func (p *Params) Validate() error {
	if p.BaseRadiatorTemp < 10 || p.BaseRadiatorTemp > 60 {
		return ErrBaseRadiatorTemp
	}
	if p.MinRadiatorTemp < 10 || p.MinRadiatorTemp > MaxRadiatorTemp {
		return ErrMinRadiatorTemp
	}
	if p.Kp < 0 || p.Kp > 20 || p.Ki < 0 || p.Ki > 5 {
		return ErrInvalidGains
	}
	if p.Hysteresis < 0.1 || p.Hysteresis > 5 {
		return ErrInvalidHysteresis
	}
	if p.MinCycleDuration < 30*time.Second || p.MinCycleDuration > 15*time.Minute {
		return ErrInvalidMinCycle
	}
	if p.OutdoorGain < 0 || p.OutdoorGain > 5 || p.OutdoorBaseline < -20 || p.OutdoorBaseline > 30 {
		return ErrInvalidOutdoorParams
	}
	if !p.ObserverMode.Valid() {
		return ErrInvalidObserverMode
	}
	if p.HeatingRate < 0 || p.HeatingRate > 1 || p.CoolingRate < 0 || p.CoolingRate > 1 {
		return ErrInvalidObserverRates
	}
	if p.ObserverAlpha < 0 || p.ObserverAlpha > 1 {
		return ErrInvalidObserverAlpha
	}
	if p.PumpDeadTime < 0 || p.PumpDeadTime > time.Minute {
		return ErrInvalidDeadTime
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
