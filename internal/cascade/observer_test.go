package cascade

import (
	"math"
	"testing"
	"time"
)

func newTestObserver(opts ...func(*Params)) *Observer {
	o := NewObserver(newTestParams(opts...))
	o.Reset(nil)
	return o
}

func assertEstimate(t *testing.T, got *float64, want, tolerance float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("estimate = nil, want %v", want)
	}
	if !almostEqual(*got, want, tolerance) {
		t.Fatalf("estimate = %v, want %v", *got, want)
	}
}

func TestObserverFirstCallSeedsFromMeasurement(t *testing.T) {
	o := newTestObserver(func(p *Params) { p.ObserverMode = ObserverRuntime })
	got := o.Update(t0, true, ptr(32.0))
	assertEstimate(t, got, 32.0, 0)
	if !o.PumpOnSince().Equal(t0) {
		t.Fatalf("pump on since = %v, want %v", o.PumpOnSince(), t0)
	}
}

func TestNewObserverSeedsBaseEstimate(t *testing.T) {
	o := NewObserver(newTestParams(func(p *Params) { p.ObserverMode = ObserverSensor }))
	assertEstimate(t, o.Estimate(), 35.0, 0)

	// The first call keeps the seed even when a measurement is available.
	got := o.Update(t0, false, ptr(30.0))
	assertEstimate(t, got, 35.0, 0)
	got = o.Update(t0.Add(10*time.Second), false, ptr(30.0))
	assertEstimate(t, got, 30.0, 0)
}

func TestNewObserverWithoutReadingsUsesBaseEstimate(t *testing.T) {
	o := NewObserver(newTestParams())
	got := o.Update(t0, false, nil)
	assertEstimate(t, got, 35.0, 0)
}

func TestObserverFirstCallWithoutData(t *testing.T) {
	// Reset(nil) is the only way to lose the estimate.
	o := newTestObserver()
	if got := o.Update(t0, false, nil); got != nil {
		t.Fatalf("estimate = %v, want nil", *got)
	}
	// Second call falls back to the minimum radiator temperature.
	got := o.Update(t0.Add(10*time.Second), false, nil)
	assertEstimate(t, got, 25.0, 1e-9)
}

func TestObserverSensorPassthrough(t *testing.T) {
	o := newTestObserver(func(p *Params) { p.ObserverMode = ObserverSensor })
	o.Update(t0, false, ptr(30.0))
	got := o.Update(t0.Add(15*time.Second), true, ptr(33.5))
	assertEstimate(t, got, 33.5, 1e-9)
}

func TestObserverSensorFallsBackToPrediction(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverSensor
		p.CoolingRate = 0.1
	})
	o.Update(t0, false, ptr(40.0))
	got := o.Update(t0.Add(20*time.Second), false, nil)
	assertEstimate(t, got, 38.0, 1e-9)
}

func TestObserverRuntimePrediction(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.PumpDeadTime = 0
		p.HeatingRate = 0.1
		p.CoolingRate = 0
	})
	o.Update(t0, false, ptr(30.0))
	got := o.Update(t0.Add(20*time.Second), true, nil)
	// The transition anchors the dead time at now, elapsed 0 >= dead time 0.
	assertEstimate(t, got, 32.0, 1e-9)
}

func TestObserverRuntimeIgnoresMeasurement(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.CoolingRate = 0.1
	})
	o.Update(t0, false, ptr(40.0))
	got := o.Update(t0.Add(10*time.Second), false, ptr(45.0))
	assertEstimate(t, got, 39.0, 1e-9)
}

func TestObserverDeadTimeDelaysHeating(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.PumpDeadTime = 10 * time.Second
		p.HeatingRate = 0.5
	})
	o.Update(t0, false, ptr(30.0))
	// The off to on transition anchors the dead time at t0.
	o.Update(t0, true, nil)
	early := o.Update(t0.Add(5*time.Second), true, nil)
	assertEstimate(t, early, 30.0, 1e-6)

	late := o.Update(t0.Add(15*time.Second), true, nil)
	if late == nil || *late <= *early {
		t.Fatalf("estimate did not rise after dead time: %v -> %v", *early, late)
	}
	if o.LastRate() != 0.5 {
		t.Fatalf("rate = %v, want 0.5", o.LastRate())
	}
}

func TestObserverCoolsWithPumpOff(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.CoolingRate = 0.1
	})
	o.Update(t0, false, ptr(40.0))
	got := o.Update(t0.Add(20*time.Second), false, nil)
	if got == nil || *got >= 40.0 {
		t.Fatalf("estimate did not cool: %v", got)
	}
}

func TestObserverClampsPrediction(t *testing.T) {
	tests := []struct {
		name   string
		start  float64
		pumpOn bool
		want   float64
	}{
		{"cooling stops at min", 26.0, false, 25.0},
		{"heating stops at max", 49.0, true, MaxRadiatorTemp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestObserver(func(p *Params) {
				p.ObserverMode = ObserverRuntime
				p.PumpDeadTime = 0
				p.HeatingRate = 1
				p.CoolingRate = 1
			})
			o.Update(t0, tt.pumpOn, ptr(tt.start))
			got := o.Update(t0.Add(time.Minute), tt.pumpOn, nil)
			assertEstimate(t, got, tt.want, 1e-9)
		})
	}
}

func TestObserverFusion(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverFusion
		p.ObserverAlpha = 0.9
		p.CoolingRate = 0
	})
	o.Update(t0, false, ptr(30.0))
	got := o.Update(t0.Add(10*time.Second), false, ptr(40.0))
	assertEstimate(t, got, 0.9*40+0.1*30, 1e-9)
}

func TestObserverFusionWithoutMeasurement(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverFusion
		p.CoolingRate = 0.05
	})
	o.Update(t0, false, ptr(30.0))
	got := o.Update(t0.Add(20*time.Second), false, nil)
	assertEstimate(t, got, 29.0, 1e-9)
}

func TestObserverNegativeElapsedIsZero(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.CoolingRate = 0.1
	})
	o.Update(t0, false, ptr(40.0))
	got := o.Update(t0.Add(-time.Minute), false, nil)
	assertEstimate(t, got, 40.0, 1e-9)
}

func TestObserverPumpOnWithoutAnchorHeatsImmediately(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.PumpDeadTime = time.Minute
		p.HeatingRate = 0.1
	})
	o.Update(t0, true, ptr(30.0))
	// Simulate a lost anchor, as after a restore without pump_on_since.
	o.pumpOnSince = time.Time{}
	got := o.Update(t0.Add(10*time.Second), true, nil)
	assertEstimate(t, got, 31.0, 1e-9)
}

func TestObserverFirstCallReanchorsRestoredPump(t *testing.T) {
	o := NewObserver(newTestParams(func(p *Params) {
		p.ObserverMode = ObserverRuntime
		p.PumpDeadTime = 10 * time.Second
		p.HeatingRate = 0.5
	}))
	o.restore(ptr(30.0), t0)

	restart := t0.Add(time.Hour)
	got := o.Update(restart, true, nil)
	assertEstimate(t, got, 30.0, 0)
	if !o.PumpOnSince().Equal(restart) {
		t.Fatalf("pump on since = %v, want %v", o.PumpOnSince(), restart)
	}

	got = o.Update(restart.Add(5*time.Second), true, nil)
	assertEstimate(t, got, 30.0, 1e-9)
	if o.LastRate() != 0 {
		t.Fatalf("rate = %v, want 0 inside the dead time", o.LastRate())
	}

	got = o.Update(restart.Add(15*time.Second), true, nil)
	assertEstimate(t, got, 35.0, 1e-9)
}

func TestObserverFirstCallPumpOffKeepsAnchor(t *testing.T) {
	o := NewObserver(newTestParams())
	o.restore(ptr(30.0), t0)
	o.Update(t0.Add(time.Hour), false, nil)
	if !o.PumpOnSince().Equal(t0) {
		t.Fatalf("pump on since = %v, want %v", o.PumpOnSince(), t0)
	}
	o.Update(t0.Add(time.Hour+time.Second), false, nil)
	if !o.PumpOnSince().IsZero() {
		t.Fatalf("pump on since = %v, want zero with the pump off", o.PumpOnSince())
	}
}

func TestObserverIgnoresNonFiniteMeasurement(t *testing.T) {
	o := newTestObserver(func(p *Params) {
		p.ObserverMode = ObserverFusion
		p.ObserverAlpha = 1
		p.CoolingRate = 0.05
	})
	got := o.Update(t0, false, ptr(math.NaN()))
	if got != nil {
		t.Fatalf("estimate = %v, want nil", *got)
	}
	o.Update(t0.Add(10*time.Second), false, ptr(30.0))
	got = o.Update(t0.Add(30*time.Second), false, ptr(math.Inf(1)))
	assertEstimate(t, got, 29.0, 1e-9)

	o.Reset(ptr(math.NaN()))
	if o.Estimate() != nil {
		t.Fatalf("estimate = %v, want nil after a nan seed", *o.Estimate())
	}
}

func TestObserverResetSetsEstimate(t *testing.T) {
	o := NewObserver(newTestParams())
	o.Update(t0, true, ptr(40.0))
	o.Reset(ptr(25.0))
	if !o.PumpOnSince().IsZero() {
		t.Fatal("reset must clear the dead-time anchor")
	}
	got := o.Update(t0.Add(time.Hour), false, nil)
	assertEstimate(t, got, 25.0, 0)
}

func TestObserverClampsConstructorInputs(t *testing.T) {
	o := NewObserver(newTestParams(func(p *Params) {
		p.HeatingRate = -1
		p.CoolingRate = -1
		p.ObserverAlpha = 3
		p.PumpDeadTime = -time.Second
	}))
	if o.heatingRate != 0 || o.coolingRate != 0 || o.alpha != 1 || o.deadTime != 0 {
		t.Fatalf("unexpected observer params: %+v", o)
	}
}
