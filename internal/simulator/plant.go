package simulator

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNegativeCoefficient = errors.New("plant coefficients must be greater or equal to zero")
	ErrInvalidSupplyTemp   = errors.New("supply temperature must be above the initial radiator temperature")
)

// Refs are the entity references the plant answers to when used as a sensor source.
type Refs struct {
	Room       string
	Radiator   string
	Outside    string
	Forecast   string
	PumpSwitch string
}

type Params struct {
	OutdoorTemperature float64
	SupplyTemperature  float64
	InitialRoom        float64
	InitialRadiator    float64

	LossCoefficient    float64 // 1/s, room toward outdoor
	RadiatorCoupling   float64 // 1/s, room toward radiator
	HeatingCoefficient float64 // 1/s, radiator toward supply while the pump runs
	CoolingCoefficient float64 // 1/s, radiator toward room while the pump is off
	PumpDeadTime       time.Duration

	Refs Refs
}

func (p *Params) Validate() error {
	if p.LossCoefficient < 0 || p.RadiatorCoupling < 0 || p.HeatingCoefficient < 0 || p.CoolingCoefficient < 0 || p.PumpDeadTime < 0 {
		return ErrNegativeCoefficient
	}
	if p.SupplyTemperature <= p.InitialRadiator {
		return ErrInvalidSupplyTemp
	}
	return nil
}

// DefaultParams is a small, poorly insulated room with one radiator.
func DefaultParams() Params {
	return Params{
		OutdoorTemperature: 5,
		SupplyTemperature:  74,
		InitialRoom:        19,
		InitialRadiator:    25,
		LossCoefficient:    2e-5,
		RadiatorCoupling:   5e-5,
		HeatingCoefficient: 2e-3,
		CoolingCoefficient: 1e-3,
		PumpDeadTime:       5 * time.Second,
		Refs: Refs{
			Room:       "sim.room",
			Radiator:   "sim.radiator",
			Outside:    "sim.outside",
			Forecast:   "sim.forecast",
			PumpSwitch: "sim.pump",
		},
	}
}

// Plant is a lumped thermal model of a room heated by one radiator. It implements both
// ports.SensorReader and cascade.PumpActuator so a loop can run against it.
type Plant struct {
	mu     sync.Mutex
	params Params

	room      float64
	radiator  float64
	pumpOn    bool
	pumpOnFor time.Duration
}

func NewPlant(params Params) (*Plant, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Plant{params: params, room: params.InitialRoom, radiator: params.InitialRadiator}, nil
}

// Step advances the model by dt using one-second Euler sub-steps.
func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dt > 0 {
		h := min(dt, time.Second)
		p.step(h)
		dt -= h
	}
}

func (p *Plant) step(h time.Duration) {
	s := h.Seconds()
	prm := p.params

	if p.pumpOn {
		p.pumpOnFor += h
	}
	var dRad float64
	if p.pumpOn && p.pumpOnFor > prm.PumpDeadTime {
		dRad = prm.HeatingCoefficient * (prm.SupplyTemperature - p.radiator)
	} else {
		dRad = prm.CoolingCoefficient * (p.room - p.radiator)
	}
	dRoom := prm.RadiatorCoupling*(p.radiator-p.room) - prm.LossCoefficient*(p.room-prm.OutdoorTemperature)

	p.radiator += dRad * s
	p.room += dRoom * s
}

func (p *Plant) SetPump(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on != p.pumpOn {
		p.pumpOn = on
		p.pumpOnFor = 0
	}
	return nil
}

func (p *Plant) Room() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

func (p *Plant) Radiator() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.radiator
}

func (p *Plant) PumpOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pumpOn
}

func (p *Plant) Refs() Refs { return p.params.Refs }

func (p *Plant) CurrentValue(ref string) *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var v float64
	switch ref {
	case p.params.Refs.Room:
		v = p.room
	case p.params.Refs.Radiator:
		v = p.radiator
	case p.params.Refs.Outside:
		v = p.params.OutdoorTemperature
	default:
		return nil
	}
	return &v
}

// ForecastValue reports a constant outdoor temperature.
func (p *Plant) ForecastValue(ref string) *float64 {
	if ref != p.params.Refs.Forecast {
		return nil
	}
	v := p.params.OutdoorTemperature
	return &v
}

func (p *Plant) PumpState(ref string) *bool {
	if ref != p.params.Refs.PumpSwitch {
		return nil
	}
	on := p.PumpOn()
	return &on
}

// Run advances the plant every tick by tick×speedup of simulated time until ctx is canceled.
// onStep, if set, is called after every step.
func (p *Plant) Run(ctx context.Context, tick time.Duration, speedup float64, onStep func()) error {
	if speedup <= 0 {
		speedup = 1
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Step(time.Duration(float64(tick) * speedup))
			if onStep != nil {
				onStep()
			}
		}
	}
}
