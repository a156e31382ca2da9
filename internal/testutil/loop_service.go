package testutil

import (
	"sync"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
)

// FakeLoopService is a reusable fake implementing ports.LoopService.
// Put ONLY what multiple test packages need here.
type FakeLoopService struct {
	S cascade.Snapshot
	D cascade.Diagnostics

	SetTargetCalled bool
	SetTargetArg    float64
	SetTargetErr    error

	SetHVACModeCalled bool
	SetHVACModeArg    cascade.HVACMode
	SetHVACModeErr    error
}

func NewFakeLoopService() *FakeLoopService {
	room, radiator, estimate := 20.5, 38.2, 38.0
	return &FakeLoopService{
		S: cascade.Snapshot{
			HVACMode:                     cascade.HVACHeat,
			HVACAction:                   cascade.ActionHeating,
			TargetTemperature:            21,
			RoomTemperature:              &room,
			RadiatorTemperature:          &radiator,
			RadiatorSetpoint:             39,
			EstimatedRadiatorTemperature: &estimate,
			PumpOn:                       true,
			ObserverMode:                 cascade.ObserverSensor,
			SupplyWaterTemperature:       cascade.SupplyWaterTemp,
			MaxRadiatorTemperature:       cascade.MaxRadiatorTemp,
		},
		D: cascade.Diagnostics{Params: cascade.DefaultParams()},
	}
}

func (f *FakeLoopService) Get() cascade.Snapshot { return f.S }

func (f *FakeLoopService) Diagnostics() cascade.Diagnostics { return f.D }

func (f *FakeLoopService) SetTargetTemperature(v float64) error {
	f.SetTargetCalled = true
	f.SetTargetArg = v
	if f.SetTargetErr != nil {
		return f.SetTargetErr
	}
	f.S.TargetTemperature = v
	return nil
}

func (f *FakeLoopService) SetHVACMode(m cascade.HVACMode) error {
	f.SetHVACModeCalled = true
	f.SetHVACModeArg = m
	if f.SetHVACModeErr != nil {
		return f.SetHVACModeErr
	}
	f.S.HVACMode = m
	if m == cascade.HVACOff {
		f.S.HVACAction = cascade.ActionOff
		f.S.PumpOn = false
	}
	return nil
}

// FakePump records pump commands. It is safe for concurrent use.
type FakePump struct {
	mu    sync.Mutex
	calls []bool
	Err   error
}

func (f *FakePump) SetPump(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, on)
	return f.Err
}

func (f *FakePump) Calls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}
