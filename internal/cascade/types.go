package cascade

import "fmt"

// ObserverMode selects how the radiator observer blends the runtime model with the sensor.
type ObserverMode int

const (
	ObserverUnknown ObserverMode = iota
	ObserverSensor
	ObserverRuntime
	ObserverFusion
)

func (m ObserverMode) Valid() bool {
	return m == ObserverSensor || m == ObserverRuntime || m == ObserverFusion
}

func (m ObserverMode) String() string {
	switch m {
	case ObserverSensor:
		return "sensor"
	case ObserverRuntime:
		return "runtime"
	case ObserverFusion:
		return "fusion"
	default:
		return "unknown"
	}
}

func ParseObserverMode(s string) (ObserverMode, error) {
	switch s {
	case "sensor":
		return ObserverSensor, nil
	case "runtime":
		return ObserverRuntime, nil
	case "fusion":
		return ObserverFusion, nil
	default:
		return ObserverUnknown, fmt.Errorf("%w: %q", ErrInvalidObserverMode, s)
	}
}

// HVACMode is the user-facing loop mode. Only heating is supported.
type HVACMode int

const (
	HVACUnknown HVACMode = iota
	HVACOff
	HVACHeat
)

func (m HVACMode) Valid() bool {
	return m == HVACOff || m == HVACHeat
}

func (m HVACMode) String() string {
	switch m {
	case HVACOff:
		return "off"
	case HVACHeat:
		return "heat"
	default:
		return "unknown"
	}
}

func ParseHVACMode(s string) (HVACMode, error) {
	switch s {
	case "off":
		return HVACOff, nil
	case "heat":
		return HVACHeat, nil
	default:
		return HVACUnknown, fmt.Errorf("%w: %q", ErrInvalidHVACMode, s)
	}
}

// HVACAction reports what the loop is doing right now.
type HVACAction int

const (
	ActionOff HVACAction = iota
	ActionIdle
	ActionHeating
)

func (a HVACAction) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionHeating:
		return "heating"
	default:
		return "off"
	}
}
