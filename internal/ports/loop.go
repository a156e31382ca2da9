package ports

import "github.com/Agrid-Dev/cascade-climate/internal/cascade"

// LoopService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
type LoopService interface {
	Get() cascade.Snapshot
	Diagnostics() cascade.Diagnostics
	SetTargetTemperature(float64) error
	SetHVACMode(cascade.HVACMode) error
}

// SensorReader gives the latest collaborator readings by entity reference.
// nil means the entity is unknown, unavailable or not parseable.
type SensorReader interface {
	CurrentValue(ref string) *float64
	ForecastValue(ref string) *float64
	PumpState(ref string) *bool
}

// PumpActuator switches the circulation pump.
type PumpActuator interface {
	SetPump(on bool) error
}

// StateStore persists the loop state across restarts.
type StateStore interface {
	Load() (cascade.PersistedState, bool, error)
	Save(cascade.PersistedState) error
}
