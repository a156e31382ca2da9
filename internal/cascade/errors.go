package cascade

import "errors"

var (
	ErrInvalidObserverMode  = errors.New("invalid observer mode")
	ErrInvalidHVACMode      = errors.New("invalid hvac mode")
	ErrTargetOutOfRange     = errors.New("target temperature out of range")
	ErrBaseRadiatorTemp     = errors.New("base radiator temperature must be within [10, 60]")
	ErrMinRadiatorTemp      = errors.New("min radiator temperature must be within [10, 50]")
	ErrInvalidGains         = errors.New("proportional gain must be within [0, 20] and integral gain within [0, 5]")
	ErrInvalidHysteresis    = errors.New("hysteresis must be within [0.1, 5]")
	ErrInvalidMinCycle      = errors.New("min cycle duration must be within [30s, 15m]")
	ErrInvalidOutdoorParams = errors.New("outdoor gain must be within [0, 5] and baseline within [-20, 30]")
	ErrInvalidObserverRates = errors.New("observer heating/cooling rates must be within [0, 1]")
	ErrInvalidObserverAlpha = errors.New("observer alpha must be within [0, 1]")
	ErrInvalidDeadTime      = errors.New("pump dead time must be within [0, 60] seconds")
)
