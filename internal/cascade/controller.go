package cascade

import (
	"math"
	"time"
)

// SetpointTerms is the breakdown of the last outer-loop computation.
type SetpointTerms struct {
	Base         float64
	Proportional float64
	Integral     float64 // Ki × integral, already bounded
	Outdoor      float64
	Forecast     float64
	Clamped      float64
}

// Controller implements both loops of the cascade: a PI outer loop that turns the room error into
// a radiator setpoint, and a hysteresis inner loop that switches the pump.
// It is not safe for concurrent use; the Loop serializes access.
type Controller struct {
	params Params

	radiatorSetpoint   float64
	pumpOn             bool
	lastPumpSwitch     time.Time // zero when no switch has been recorded
	roomErrorIntegral  float64
	lastIntegralUpdate time.Time // zero until the first integration call

	terms SetpointTerms
}

func NewController(params Params) *Controller {
	return &Controller{
		params:           params,
		radiatorSetpoint: clamp(params.BaseRadiatorTemp, params.MinRadiatorTemp, MaxRadiatorTemp),
	}
}

// ComputeRadiatorSetpoint runs the outer loop. Absent readings are passed as nil; NaN and
// infinite readings are treated the same way.
func (c *Controller) ComputeRadiatorSetpoint(roomTarget float64, roomTemp, outsideTemp, forecastTemp *float64, now time.Time) float64 {
	roomTemp, outsideTemp, forecastTemp = finiteOrNil(roomTemp), finiteOrNil(outsideTemp), finiteOrNil(forecastTemp)
	terms := SetpointTerms{Base: c.params.BaseRadiatorTemp}
	target := terms.Base

	if roomTemp != nil {
		err := roomTarget - *roomTemp
		terms.Proportional = c.params.Kp * err
		target += terms.Proportional

		if c.params.Ki > 0 {
			terms.Integral = c.params.Ki * c.integrate(err, now)
			target += terms.Integral
		} else {
			c.lastIntegralUpdate = now
		}
	} else {
		// Keep the clock moving so a returning sensor does not integrate the whole outage.
		c.lastIntegralUpdate = now
	}

	if outsideTemp != nil {
		terms.Outdoor = c.params.OutdoorGain * math.Max(0, c.params.OutdoorBaseline-*outsideTemp)
		target += terms.Outdoor
	}
	if forecastTemp != nil {
		terms.Forecast = (c.params.OutdoorGain / 2) * math.Max(0, c.params.OutdoorBaseline-*forecastTemp)
		target += terms.Forecast
	}

	target = clamp(target, c.params.MinRadiatorTemp, MaxRadiatorTemp)
	terms.Clamped = target
	c.terms = terms
	c.radiatorSetpoint = target
	return target
}

// integrate accumulates error×seconds and applies the anti-windup bound.
func (c *Controller) integrate(err float64, now time.Time) float64 {
	if c.lastIntegralUpdate.IsZero() {
		c.lastIntegralUpdate = now
		return c.roomErrorIntegral
	}

	dt := now.Sub(c.lastIntegralUpdate).Seconds()
	c.lastIntegralUpdate = now
	if dt <= 0 {
		return c.roomErrorIntegral
	}

	c.roomErrorIntegral += err * dt
	if limit, ok := c.integralLimit(); ok {
		c.roomErrorIntegral = clamp(c.roomErrorIntegral, -limit, limit)
	}
	return c.roomErrorIntegral
}

// integralLimit bounds the integral so that Ki × integral stays within the radiator span.
func (c *Controller) integralLimit() (float64, bool) {
	if c.params.Ki <= 0 {
		return 0, false
	}
	span := MaxRadiatorTemp - c.params.MinRadiatorTemp
	return span / math.Max(c.params.Ki, 1e-6), true
}

// IntegralSaturated reports whether the integral currently sits on its anti-windup bound.
func (c *Controller) IntegralSaturated() bool {
	limit, ok := c.integralLimit()
	return ok && math.Abs(c.roomErrorIntegral) >= limit
}

func (c *Controller) ResetIntegral() {
	c.roomErrorIntegral = 0
	c.lastIntegralUpdate = time.Time{}
}

// ShouldTurnPumpOn runs the inner loop. ok is false when the pump state must not change, either
// because there is nothing to decide on, the band is not crossed, or the min-cycle guard holds.
func (c *Controller) ShouldTurnPumpOn(radiatorTemp *float64, radiatorTarget float64, now time.Time) (on bool, ok bool) {
	if radiatorTemp = finiteOrNil(radiatorTemp); radiatorTemp == nil {
		return false, false
	}
	temp := *radiatorTemp

	// Safety cutoff ignores both the current state and the min-cycle guard.
	if temp >= MaxRadiatorTemp {
		return false, true
	}

	upper := radiatorTarget + c.params.Hysteresis/2
	lower := radiatorTarget - c.params.Hysteresis/2

	desired := c.pumpOn
	if c.pumpOn {
		if temp >= upper {
			desired = false
		}
	} else if temp <= lower {
		desired = true
	}

	if desired == c.pumpOn {
		return false, false
	}
	if !c.minCycleElapsed(now) {
		return false, false
	}
	return desired, true
}

func (c *Controller) minCycleElapsed(now time.Time) bool {
	if c.lastPumpSwitch.IsZero() {
		return true
	}
	return now.Sub(c.lastPumpSwitch) >= c.params.MinCycleDuration
}

// ApplyPumpState records a pump transition. It is also used for externally observed switches,
// which therefore restart the min-cycle timer.
func (c *Controller) ApplyPumpState(on bool, now time.Time) {
	if on != c.pumpOn {
		c.pumpOn = on
		c.lastPumpSwitch = now
	}
}

func (c *Controller) RadiatorSetpoint() float64 { return c.radiatorSetpoint }

func (c *Controller) PumpOn() bool { return c.pumpOn }

// LastPumpSwitch returns the last transition time, or the zero time.
func (c *Controller) LastPumpSwitch() time.Time { return c.lastPumpSwitch }

func (c *Controller) RoomErrorIntegral() float64 { return c.roomErrorIntegral }

func (c *Controller) LastTerms() SetpointTerms { return c.terms }

// restore loads persisted fields. The integration clock is not persisted, so the next
// integration call seeds it again.
func (c *Controller) restore(integral float64, lastPumpSwitch time.Time) {
	if math.IsNaN(integral) || math.IsInf(integral, 0) {
		integral = 0
	}
	c.roomErrorIntegral = integral
	c.lastPumpSwitch = lastPumpSwitch
}
