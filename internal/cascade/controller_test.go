package cascade

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func ptr(v float64) *float64 { return &v }

func newTestParams(opts ...func(*Params)) Params {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func TestComputeRadiatorSetpointProportional(t *testing.T) {
	c := NewController(newTestParams())
	got := c.ComputeRadiatorSetpoint(22.0, ptr(21.5), nil, nil, t0)
	want := 35.0 + 8.0*0.5
	if !almostEqual(got, want, 1e-9) {
		t.Fatalf("setpoint = %v, want %v", got, want)
	}
	if c.RadiatorSetpoint() != got {
		t.Fatalf("stored setpoint = %v, want %v", c.RadiatorSetpoint(), got)
	}
}

func TestComputeRadiatorSetpointTerms(t *testing.T) {
	tests := []struct {
		name     string
		room     *float64
		outside  *float64
		forecast *float64
		want     float64
	}{
		{"no data keeps base", nil, nil, nil, 35.0},
		{"room below target", ptr(21.0), nil, nil, 35.0 + 8.0},
		{"room above target", ptr(22.0), nil, nil, 35.0 - 8.0},
		{"outdoor below baseline", nil, ptr(0.0), nil, 35.0 + 0.3*10},
		{"outdoor above baseline adds nothing", nil, ptr(15.0), nil, 35.0},
		{"forecast is half weighted", nil, nil, ptr(0.0), 35.0 + 0.15*10},
		{"forecast without outdoor sensor", ptr(21.0), nil, ptr(-10.0), 35.0 + 8.0 + 0.15*20},
		{"all terms", ptr(20.5), ptr(5.0), ptr(0.0), 35.0 + 8.0*0.5 + 0.3*5 + 0.15*10},
		{"clamped to max", ptr(15.0), ptr(-20.0), nil, MaxRadiatorTemp},
		{"clamped to min", ptr(30.0), nil, nil, 25.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(newTestParams())
			got := c.ComputeRadiatorSetpoint(21.0, tt.room, tt.outside, tt.forecast, t0)
			if !almostEqual(got, tt.want, 1e-9) {
				t.Errorf("setpoint = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntegralAccumulates(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 0.05 }))

	base := c.ComputeRadiatorSetpoint(22.0, ptr(21.5), nil, nil, t0)
	later := t0.Add(60 * time.Second)
	withIntegral := c.ComputeRadiatorSetpoint(22.0, ptr(21.5), nil, nil, later)
	if withIntegral <= base {
		t.Fatalf("integral did not raise setpoint: %v <= %v", withIntegral, base)
	}
	if !almostEqual(c.RoomErrorIntegral(), 0.5*60, 1e-9) {
		t.Fatalf("integral = %v, want 30", c.RoomErrorIntegral())
	}

	c.ResetIntegral()
	reset := c.ComputeRadiatorSetpoint(22.0, ptr(21.5), nil, nil, later.Add(10*time.Second))
	if reset > withIntegral {
		t.Fatalf("setpoint after reset %v > %v", reset, withIntegral)
	}
}

func TestIntegralSustainedErrorIsMonotonicAndBounded(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 0.5 }))
	limit := (MaxRadiatorTemp - 25.0) / 0.5

	now := t0
	prev := math.Inf(-1)
	for i := 0; i < 20; i++ {
		now = now.Add(5 * time.Minute)
		got := c.ComputeRadiatorSetpoint(30.0, ptr(10.0), nil, nil, now)
		if got > MaxRadiatorTemp {
			t.Fatalf("iteration %d: setpoint %v above max", i, got)
		}
		if got < prev {
			t.Fatalf("iteration %d: setpoint decreased %v < %v", i, got, prev)
		}
		prev = got
	}
	if c.RoomErrorIntegral() > limit {
		t.Fatalf("integral %v exceeds anti-windup limit %v", c.RoomErrorIntegral(), limit)
	}
	if !c.IntegralSaturated() {
		t.Fatal("expected integral to be saturated")
	}
}

func TestIntegralNegativeBound(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 1 }))
	c.ComputeRadiatorSetpoint(10.0, ptr(30.0), nil, nil, t0)
	c.ComputeRadiatorSetpoint(10.0, ptr(30.0), nil, nil, t0.Add(time.Hour))
	if want := -(MaxRadiatorTemp - 25.0); !almostEqual(c.RoomErrorIntegral(), want, 1e-9) {
		t.Fatalf("integral = %v, want %v", c.RoomErrorIntegral(), want)
	}
}

func TestIntegralFirstCallContributesNothing(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 0.1 }))
	got := c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0)
	if !almostEqual(got, 35.0+8.0, 1e-9) {
		t.Fatalf("setpoint = %v, want 43", got)
	}
	if c.RoomErrorIntegral() != 0 {
		t.Fatalf("integral = %v, want 0", c.RoomErrorIntegral())
	}
}

func TestIntegralClockAdvancesWhileSensorMissing(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 0.01 }))
	c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0)
	c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0.Add(10*time.Second))
	before := c.RoomErrorIntegral()

	// Sensor outage of one hour.
	c.ComputeRadiatorSetpoint(22.0, nil, nil, nil, t0.Add(time.Hour))
	if c.RoomErrorIntegral() != before {
		t.Fatalf("integral changed during outage: %v != %v", c.RoomErrorIntegral(), before)
	}

	c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0.Add(time.Hour+10*time.Second))
	if !almostEqual(c.RoomErrorIntegral(), before+10, 1e-9) {
		t.Fatalf("integral = %v, want %v", c.RoomErrorIntegral(), before+10)
	}
}

func TestIntegralIgnoresClockGoingBackwards(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.Ki = 0.01 }))
	c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0)
	c.ComputeRadiatorSetpoint(22.0, ptr(21.0), nil, nil, t0.Add(-time.Minute))
	if c.RoomErrorIntegral() != 0 {
		t.Fatalf("integral = %v, want 0", c.RoomErrorIntegral())
	}
}

func TestIntegralDisabledKeepsRestoredValueOut(t *testing.T) {
	c := NewController(newTestParams())
	c.restore(100, time.Time{})
	got := c.ComputeRadiatorSetpoint(22.0, ptr(22.0), nil, nil, t0)
	if !almostEqual(got, 35.0, 1e-9) {
		t.Fatalf("setpoint = %v, want 35 with Ki = 0", got)
	}
	if c.RoomErrorIntegral() != 100 {
		t.Fatalf("integral was reset: %v", c.RoomErrorIntegral())
	}
}

func TestShouldTurnPumpOnHysteresis(t *testing.T) {
	params := newTestParams()
	tests := []struct {
		name     string
		pumpOn   bool
		radiator *float64
		wantOn   bool
		wantOK   bool
	}{
		{"no reading holds", false, nil, false, false},
		{"nan reading holds", false, ptr(math.NaN()), false, false},
		{"off, inside band", false, ptr(29.6), false, false},
		{"off, just above lower bound", false, ptr(29.51), false, false},
		{"off, on lower bound", false, ptr(29.5), true, true},
		{"off, just below lower bound", false, ptr(29.4), true, true},
		{"off, below band", false, ptr(20.0), true, true},
		{"off, above band stays off", false, ptr(35.0), false, false},
		{"on, inside band", true, ptr(30.4), false, false},
		{"on, on upper bound", true, ptr(30.5), false, true},
		{"on, below band stays on", true, ptr(25.0), false, false},
		{"safety while on", true, ptr(MaxRadiatorTemp), false, true},
		{"safety while off", false, ptr(MaxRadiatorTemp + 1), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(params)
			c.pumpOn = tt.pumpOn
			on, ok := c.ShouldTurnPumpOn(tt.radiator, 30.0, t0)
			if on != tt.wantOn || ok != tt.wantOK {
				t.Errorf("ShouldTurnPumpOn() = (%v, %v), want (%v, %v)", on, ok, tt.wantOn, tt.wantOK)
			}
		})
	}
}

func TestShouldTurnPumpOnRespectsMinCycle(t *testing.T) {
	c := NewController(newTestParams())
	c.ApplyPumpState(true, t0)
	c.ApplyPumpState(false, t0.Add(10*time.Second))

	if _, ok := c.ShouldTurnPumpOn(ptr(20.0), 30.0, t0.Add(time.Minute)); ok {
		t.Fatal("expected min cycle guard to block the transition")
	}
	on, ok := c.ShouldTurnPumpOn(ptr(20.0), 30.0, t0.Add(10*time.Second+2*time.Minute))
	if !ok || !on {
		t.Fatalf("ShouldTurnPumpOn() = (%v, %v), want (true, true)", on, ok)
	}
}

func TestShouldTurnPumpOnBelowBandHeldByMinCycle(t *testing.T) {
	c := NewController(newTestParams())
	c.ApplyPumpState(true, t0)
	c.ApplyPumpState(false, t0.Add(30*time.Second))

	// 29.4 is below the band, but the pump switched off 30s ago.
	if on, ok := c.ShouldTurnPumpOn(ptr(29.4), 30.0, t0.Add(time.Minute)); ok {
		t.Fatalf("ShouldTurnPumpOn() = (%v, %v), want no change", on, ok)
	}
}

func TestComputeRadiatorSetpointIgnoresNonFiniteReadings(t *testing.T) {
	tests := []struct {
		name     string
		room     *float64
		outside  *float64
		forecast *float64
		want     float64
	}{
		{"nan room", ptr(math.NaN()), nil, nil, 35.0},
		{"inf room", ptr(math.Inf(-1)), nil, nil, 35.0},
		{"nan outside", ptr(21.0), ptr(math.NaN()), nil, 35.0},
		{"inf forecast", ptr(21.0), nil, ptr(math.Inf(1)), 35.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(newTestParams(func(p *Params) { p.Ki = 0.01 }))
			got := c.ComputeRadiatorSetpoint(21.0, tt.room, tt.outside, tt.forecast, t0)
			if !almostEqual(got, tt.want, 1e-9) {
				t.Fatalf("setpoint = %v, want %v", got, tt.want)
			}
			got = c.ComputeRadiatorSetpoint(21.0, tt.room, tt.outside, tt.forecast, t0.Add(time.Minute))
			if math.IsNaN(got) || got < c.params.MinRadiatorTemp || got > MaxRadiatorTemp {
				t.Fatalf("setpoint %v out of bounds", got)
			}
			if math.IsNaN(c.RoomErrorIntegral()) || math.IsInf(c.RoomErrorIntegral(), 0) {
				t.Fatalf("integral = %v", c.RoomErrorIntegral())
			}
		})
	}
}

func TestRestoreDropsNonFiniteIntegral(t *testing.T) {
	c := NewController(newTestParams())
	c.restore(math.NaN(), time.Time{})
	if c.RoomErrorIntegral() != 0 {
		t.Fatalf("integral = %v, want 0", c.RoomErrorIntegral())
	}
}

func TestSafetyCutoffBypassesMinCycle(t *testing.T) {
	c := NewController(newTestParams())
	c.ApplyPumpState(true, t0)
	on, ok := c.ShouldTurnPumpOn(ptr(MaxRadiatorTemp), 30.0, t0.Add(time.Second))
	if on || !ok {
		t.Fatalf("ShouldTurnPumpOn() = (%v, %v), want (false, true)", on, ok)
	}
}

func TestApplyPumpState(t *testing.T) {
	c := NewController(newTestParams())
	c.ApplyPumpState(false, t0)
	if !c.LastPumpSwitch().IsZero() {
		t.Fatal("no-op apply must not record a switch")
	}
	c.ApplyPumpState(true, t0.Add(time.Second))
	if !c.PumpOn() || !c.LastPumpSwitch().Equal(t0.Add(time.Second)) {
		t.Fatalf("pump = %v, last switch = %v", c.PumpOn(), c.LastPumpSwitch())
	}
	c.ApplyPumpState(true, t0.Add(time.Hour))
	if !c.LastPumpSwitch().Equal(t0.Add(time.Second)) {
		t.Fatal("idempotent apply moved the switch time")
	}
}

func TestNewControllerClampsInitialSetpoint(t *testing.T) {
	c := NewController(newTestParams(func(p *Params) { p.BaseRadiatorTemp = 60 }))
	if c.RadiatorSetpoint() != MaxRadiatorTemp {
		t.Fatalf("initial setpoint = %v, want %v", c.RadiatorSetpoint(), MaxRadiatorTemp)
	}
}
