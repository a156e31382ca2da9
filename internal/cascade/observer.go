package cascade

import (
	"math"
	"time"
)

// Observer estimates the radiator temperature from pump runtime, optionally fused with the
// radiator sensor.
type Observer struct {
	mode        ObserverMode
	heatingRate float64
	coolingRate float64
	alpha       float64
	deadTime    time.Duration
	minTemp     float64
	maxTemp     float64

	estimate      *float64
	lastTimestamp time.Time // zero means the next update is a first call
	pumpOn        bool
	pumpOnSince   time.Time // zero when the pump is off or the anchor is unknown

	lastRate      float64
	lastPredicted float64
}

func NewObserver(params Params) *Observer {
	return &Observer{
		mode:        params.ObserverMode,
		heatingRate: max(0, params.HeatingRate),
		coolingRate: max(0, params.CoolingRate),
		alpha:       clamp(params.ObserverAlpha, 0, 1),
		deadTime:    max(0, params.PumpDeadTime),
		minTemp:     params.MinRadiatorTemp,
		maxTemp:     MaxRadiatorTemp,
		estimate:    finiteOrNil(&params.BaseRadiatorTemp),
	}
}

// Reset seeds the estimate and forces the next Update to act as a first call.
// A nil seed leaves the observer without an estimate until a measurement arrives.
func (o *Observer) Reset(seed *float64) {
	o.estimate = finiteOrNil(seed)
	o.lastTimestamp = time.Time{}
	o.pumpOnSince = time.Time{}
	o.pumpOn = false
}

// Update advances the runtime model to now and blends it with the measurement.
// A non-finite measurement counts as absent.
func (o *Observer) Update(now time.Time, pumpOn bool, measured *float64) *float64 {
	measured = finiteOrNil(measured)
	if o.estimate == nil && measured != nil {
		o.estimate = copyFloat(measured)
	}

	if o.lastTimestamp.IsZero() {
		o.lastTimestamp = now
		o.pumpOn = pumpOn
		if pumpOn {
			o.pumpOnSince = now
		}
		return copyFloat(o.estimate)
	}

	dt := max(0, now.Sub(o.lastTimestamp).Seconds())
	o.lastTimestamp = now

	if pumpOn && !o.pumpOn {
		o.pumpOnSince = now
	} else if !pumpOn {
		o.pumpOnSince = time.Time{}
	}

	predicted := o.minTemp
	switch {
	case o.estimate != nil:
		predicted = *o.estimate
	case measured != nil:
		predicted = *measured
	}

	rate := o.rate(now, pumpOn)
	predicted = clamp(predicted+rate*dt, o.minTemp, o.maxTemp)
	blended := o.blend(predicted, measured)

	o.lastRate = rate
	o.lastPredicted = predicted
	o.estimate = &blended
	o.pumpOn = pumpOn
	return copyFloat(o.estimate)
}

func (o *Observer) rate(now time.Time, pumpOn bool) float64 {
	if !pumpOn {
		return -o.coolingRate
	}
	// Without an anchor the pump is assumed to be past its dead time.
	if o.pumpOnSince.IsZero() || now.Sub(o.pumpOnSince) >= o.deadTime {
		return o.heatingRate
	}
	return 0
}

func (o *Observer) blend(predicted float64, measured *float64) float64 {
	if o.mode == ObserverRuntime || measured == nil {
		return predicted
	}
	if o.mode == ObserverSensor {
		return *measured
	}
	return o.alpha*(*measured) + (1-o.alpha)*predicted
}

// Estimate returns the current estimate, or nil after a Reset without seed.
func (o *Observer) Estimate() *float64 { return copyFloat(o.estimate) }

// PumpOnSince returns the dead-time anchor, or the zero time.
func (o *Observer) PumpOnSince() time.Time { return o.pumpOnSince }

func (o *Observer) Mode() ObserverMode { return o.mode }

// LastRate returns the rate (°C/s) used by the last prediction step.
func (o *Observer) LastRate() float64 { return o.lastRate }

func (o *Observer) LastPrediction() float64 { return o.lastPredicted }

// restore loads persisted fields. Fields absent from storage keep their current value.
func (o *Observer) restore(estimate *float64, pumpOnSince time.Time) {
	if estimate = finiteOrNil(estimate); estimate != nil {
		o.estimate = estimate
	}
	if !pumpOnSince.IsZero() {
		o.pumpOnSince = pumpOnSince
	}
}

// finiteOrNil returns a copy of v, or nil when v is absent, NaN or infinite.
func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return copyFloat(v)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
