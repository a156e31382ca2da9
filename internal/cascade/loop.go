package cascade

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PumpActuator sends the pump command to the physical switch. Commands are fire-and-forget:
// the loop commits the new state whether or not the call succeeds, and calls SetPump without
// holding its state lock.
type PumpActuator interface {
	SetPump(on bool) error
}

// Inputs are the collaborator readings for one evaluation. nil means unavailable.
type Inputs struct {
	RoomTemperature     *float64
	RadiatorTemperature *float64
	OutsideTemperature  *float64
	ForecastTemperature *float64
}

// finite returns a copy of in where NaN and infinite readings are absent.
func (in Inputs) finite() Inputs {
	return Inputs{
		RoomTemperature:     finiteOrNil(in.RoomTemperature),
		RadiatorTemperature: finiteOrNil(in.RadiatorTemperature),
		OutsideTemperature:  finiteOrNil(in.OutsideTemperature),
		ForecastTemperature: finiteOrNil(in.ForecastTemperature),
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Trigger          string
	RadiatorSetpoint float64
	Estimate         *float64
	PumpCommand      *bool // nil when the pump is left alone
}

type Snapshot struct {
	HVACMode            HVACMode
	HVACAction          HVACAction
	TargetTemperature   float64
	RoomTemperature     *float64
	RadiatorTemperature *float64
	OutsideTemperature  *float64
	ForecastTemperature *float64

	RadiatorSetpoint             float64
	EstimatedRadiatorTemperature *float64
	PumpOn                       bool
	ObserverMode                 ObserverMode

	SupplyWaterTemperature float64
	MaxRadiatorTemperature float64
}

// Diagnostics exposes the internals behind the last evaluation.
type Diagnostics struct {
	Params            Params
	Terms             SetpointTerms
	RoomErrorIntegral float64
	IntegralSaturated bool
	LastPumpSwitch    time.Time
	PumpOnSince       time.Time
	ObserverRate      float64
	ObserverPredicted float64
}

// Settings are the user-facing loop settings.
type Settings struct {
	HVACMode          HVACMode
	TargetTemperature float64
}

// PersistedState is everything the loop restores after a restart.
type PersistedState struct {
	Settings
	Extra StoredState
}

// pumpCommand is a committed pump transition waiting to be sent.
type pumpCommand struct {
	on       bool
	seq      uint64
	actuator PumpActuator
}

// Loop owns one Controller/Observer pair and serializes every evaluation on a single mutex.
// Pump commands are committed under that mutex and sent after it is released, so a slow
// actuator never stalls readers.
type Loop struct {
	mu  sync.Mutex
	log *zap.Logger
	now func() time.Time

	params Params
	ctrl   *Controller
	obs    *Observer
	pump   PumpActuator

	mode     HVACMode
	target   float64
	in       Inputs
	estimate *float64

	cmdSeq  uint64
	pending *pumpCommand

	// cmdMu orders sends; sentSeq is the last command handed to an actuator.
	cmdMu   sync.Mutex
	sentSeq uint64
}

func NewLoop(params Params, initial Settings, pump PumpActuator, log *zap.Logger) (*Loop, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := validateSettings(initial); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	obs := NewObserver(params)
	return &Loop{
		log:      log,
		now:      time.Now,
		params:   params,
		ctrl:     NewController(params),
		obs:      obs,
		pump:     pump,
		mode:     initial.HVACMode,
		target:   SnapTarget(initial.TargetTemperature),
		estimate: obs.Estimate(),
	}, nil
}

func validateSettings(s Settings) error {
	if !s.HVACMode.Valid() {
		return ErrInvalidHVACMode
	}
	if !ValidTarget(s.TargetTemperature) {
		return ErrTargetOutOfRange
	}
	return nil
}

func (l *Loop) Params() Params { return l.params }

// SetActuator replaces the pump actuator. It lets transports that also need the Loop be wired
// after construction.
func (l *Loop) SetActuator(p PumpActuator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pump = p
}

func (l *Loop) Get() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	action := ActionIdle
	switch {
	case l.mode == HVACOff:
		action = ActionOff
	case l.ctrl.PumpOn():
		action = ActionHeating
	}
	return Snapshot{
		HVACMode:                     l.mode,
		HVACAction:                   action,
		TargetTemperature:            l.target,
		RoomTemperature:              copyFloat(l.in.RoomTemperature),
		RadiatorTemperature:          copyFloat(l.in.RadiatorTemperature),
		OutsideTemperature:           copyFloat(l.in.OutsideTemperature),
		ForecastTemperature:          copyFloat(l.in.ForecastTemperature),
		RadiatorSetpoint:             l.ctrl.RadiatorSetpoint(),
		EstimatedRadiatorTemperature: copyFloat(l.estimate),
		PumpOn:                       l.ctrl.PumpOn(),
		ObserverMode:                 l.obs.Mode(),
		SupplyWaterTemperature:       SupplyWaterTemp,
		MaxRadiatorTemperature:       MaxRadiatorTemp,
	}
}

func (l *Loop) Diagnostics() Diagnostics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Diagnostics{
		Params:            l.params,
		Terms:             l.ctrl.LastTerms(),
		RoomErrorIntegral: l.ctrl.RoomErrorIntegral(),
		IntegralSaturated: l.ctrl.IntegralSaturated(),
		LastPumpSwitch:    l.ctrl.LastPumpSwitch(),
		PumpOnSince:       l.obs.PumpOnSince(),
		ObserverRate:      l.obs.LastRate(),
		ObserverPredicted: l.obs.LastPrediction(),
	}
}

// Evaluate runs one cascade cycle with fresh inputs. NaN and infinite readings count as absent.
func (l *Loop) Evaluate(trigger string, in Inputs, now time.Time) Decision {
	l.mu.Lock()
	l.in = in.finite()
	d := l.evaluate(trigger, now)
	cmd := l.takeCommand()
	l.mu.Unlock()

	l.dispatch(cmd)
	return d
}

func (l *Loop) evaluate(trigger string, now time.Time) Decision {
	if l.mode == HVACOff {
		d := Decision{Trigger: trigger, RadiatorSetpoint: l.ctrl.RadiatorSetpoint()}
		d.PumpCommand = l.setPump(false, trigger+"-hvac-off", now)
		l.resetLocked()
		d.Estimate = copyFloat(l.estimate)
		return d
	}

	setpoint := l.ctrl.ComputeRadiatorSetpoint(l.target, l.in.RoomTemperature, l.in.OutsideTemperature, l.in.ForecastTemperature, now)
	terms := l.ctrl.LastTerms()
	l.log.Debug("radiator setpoint",
		zap.String("trigger", trigger),
		zap.Float64("target", l.target),
		zap.Float64p("room", l.in.RoomTemperature),
		zap.Float64("base", terms.Base),
		zap.Float64("p", terms.Proportional),
		zap.Float64("i", terms.Integral),
		zap.Bool("i_saturated", l.ctrl.IntegralSaturated()),
		zap.Float64("outdoor", terms.Outdoor),
		zap.Float64("forecast", terms.Forecast),
		zap.Float64("setpoint", setpoint),
	)

	l.estimate = l.obs.Update(now, l.ctrl.PumpOn(), l.in.RadiatorTemperature)
	l.log.Debug("radiator estimate",
		zap.Stringer("mode", l.obs.Mode()),
		zap.Bool("pump", l.ctrl.PumpOn()),
		zap.Float64p("measured", l.in.RadiatorTemperature),
		zap.Float64("rate", l.obs.LastRate()),
		zap.Float64p("estimate", l.estimate),
	)

	radiator := l.estimate
	if radiator == nil {
		radiator = l.in.RadiatorTemperature
	}

	d := Decision{Trigger: trigger, RadiatorSetpoint: setpoint, Estimate: copyFloat(l.estimate)}
	on, ok := l.ctrl.ShouldTurnPumpOn(radiator, setpoint, now)
	if !ok {
		l.log.Debug("no pump change", zap.String("trigger", trigger))
		return d
	}
	d.PumpCommand = l.setPump(on, trigger, now)
	return d
}

// setPump commits a pump transition and queues the command for dispatch. Callers hold l.mu.
func (l *Loop) setPump(on bool, reason string, now time.Time) *bool {
	if l.ctrl.PumpOn() == on {
		return nil
	}
	l.log.Info("switching pump", zap.Bool("on", on), zap.String("reason", reason))
	l.ctrl.ApplyPumpState(on, now)
	l.cmdSeq++
	l.pending = &pumpCommand{on: on, seq: l.cmdSeq, actuator: l.pump}
	return &on
}

func (l *Loop) takeCommand() *pumpCommand {
	cmd := l.pending
	l.pending = nil
	return cmd
}

// dispatch sends a committed command. It must be called without l.mu. A command that was
// overtaken by a newer one while waiting is dropped.
func (l *Loop) dispatch(cmd *pumpCommand) {
	if cmd == nil || cmd.actuator == nil {
		return
	}
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	if cmd.seq <= l.sentSeq {
		l.log.Debug("dropping stale pump command", zap.Bool("on", cmd.on), zap.Uint64("seq", cmd.seq))
		return
	}
	l.sentSeq = cmd.seq
	if err := cmd.actuator.SetPump(cmd.on); err != nil {
		l.log.Warn("pump command failed", zap.Bool("on", cmd.on), zap.Error(err))
	}
}

func (l *Loop) resetLocked() {
	l.ctrl.ResetIntegral()
	l.obs.Reset(l.in.RadiatorTemperature)
	l.estimate = copyFloat(l.in.RadiatorTemperature)
}

// SyncPumpState aligns the controller with the observed switch state. It reports whether the
// controller state changed.
func (l *Loop) SyncPumpState(actual bool, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if actual == l.ctrl.PumpOn() {
		return false
	}
	l.log.Info("pump switched externally", zap.Bool("on", actual))
	l.ctrl.ApplyPumpState(actual, now)
	return true
}

// SetTargetTemperature accepts targets within [MinTargetTemp, MaxTargetTemp] and rounds them to
// the nearest TargetTempStep.
func (l *Loop) SetTargetTemperature(t float64) error {
	if !ValidTarget(t) {
		return ErrTargetOutOfRange
	}
	l.mu.Lock()
	l.target = SnapTarget(t)
	l.resetLocked()
	l.evaluate("set-temperature", l.now())
	cmd := l.takeCommand()
	l.mu.Unlock()

	l.dispatch(cmd)
	return nil
}

func (l *Loop) SetHVACMode(m HVACMode) error {
	if !m.Valid() {
		return ErrInvalidHVACMode
	}
	l.mu.Lock()
	l.mode = m
	if m == HVACOff {
		l.setPump(false, "hvac-off", l.now())
		l.resetLocked()
	} else {
		l.evaluate("hvac-on", l.now())
	}
	cmd := l.takeCommand()
	l.mu.Unlock()

	l.dispatch(cmd)
	return nil
}

// State returns what must be persisted.
func (l *Loop) State() PersistedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PersistedState{
		Settings: Settings{HVACMode: l.mode, TargetTemperature: l.target},
		Extra: StoredState{
			RoomErrorIntegral: l.ctrl.RoomErrorIntegral(),
			LastPumpSwitch:    l.ctrl.LastPumpSwitch(),
			RadiatorEstimate:  l.obs.Estimate(),
			PumpOnSince:       l.obs.PumpOnSince(),
		},
	}
}

// Restore loads persisted state. Invalid settings are ignored and keep their current value.
func (l *Loop) Restore(s PersistedState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.HVACMode.Valid() {
		l.mode = s.HVACMode
	}
	if ValidTarget(s.TargetTemperature) {
		l.target = SnapTarget(s.TargetTemperature)
	}
	l.ctrl.restore(s.Extra.RoomErrorIntegral, s.Extra.LastPumpSwitch)
	l.obs.restore(s.Extra.RadiatorEstimate, s.Extra.PumpOnSince)
	if est := finiteOrNil(s.Extra.RadiatorEstimate); est != nil {
		l.estimate = est
	}
	l.log.Debug("restored loop state",
		zap.Stringer("hvac_mode", l.mode),
		zap.Float64("target", l.target),
		zap.Float64("integral", s.Extra.RoomErrorIntegral),
		zap.Float64p("estimate", s.Extra.RadiatorEstimate),
	)
}
