package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	"github.com/Agrid-Dev/cascade-climate/internal/ports"
)

var ErrInvalidInterval = errors.New("update interval must be at least one second")

// Entities are the collaborator references read on every evaluation. Empty refs are skipped.
type Entities struct {
	Room       string
	Radiator   string
	Outside    string
	Forecast   string
	PumpSwitch string
}

type Config struct {
	Interval time.Duration
	Entities Entities
	// QueueSize bounds pending triggers; extra triggers are dropped.
	QueueSize int
}

// Runner drives one Loop. Periodic ticks and sensor changes are queued and evaluated on the Run
// goroutine. Control plane writes run on the caller's goroutine and are serialized with those
// evaluations by the Loop's own lock.
type Runner struct {
	loop    *cascade.Loop
	sensors ports.SensorReader
	store   ports.StateStore
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	triggers chan string
	saveMu   sync.Mutex
}

func New(loop *cascade.Loop, sensors ports.SensorReader, store ports.StateStore, cfg Config, log *zap.Logger) (*Runner, error) {
	if cfg.Interval < time.Second {
		return nil, ErrInvalidInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		loop:     loop,
		sensors:  sensors,
		store:    store,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		triggers: make(chan string, cfg.QueueSize),
	}, nil
}

// Trigger requests an evaluation without blocking. It reports false when the queue is full.
func (r *Runner) Trigger(reason string) bool {
	select {
	case r.triggers <- reason:
		return true
	default:
		r.log.Debug("evaluation already pending, trigger dropped", zap.String("trigger", reason))
		return false
	}
}

// SensorUpdated maps a changed entity to a trigger. Unrelated refs are ignored.
func (r *Runner) SensorUpdated(ref string) {
	e := r.cfg.Entities
	switch ref {
	case "":
		return
	case e.Room:
		r.Trigger("room-update")
	case e.Radiator:
		r.Trigger("radiator-update")
	case e.Outside:
		r.Trigger("outside-update")
	case e.Forecast:
		r.Trigger("forecast-update")
	case e.PumpSwitch:
		r.Trigger("pump-sync")
	}
}

// Restore loads the persisted state into the loop. A store error is logged and ignored.
func (r *Runner) Restore() {
	if r.store == nil {
		return
	}
	st, ok, err := r.store.Load()
	if err != nil {
		r.log.Warn("ignoring unreadable state", zap.Error(err))
		return
	}
	if !ok {
		r.log.Info("no persisted state, starting fresh")
		return
	}
	r.loop.Restore(st)
	r.log.Info("restored state",
		zap.Stringer("hvac_mode", st.HVACMode),
		zap.Float64("target", st.TargetTemperature),
	)
}

func (r *Runner) Run(ctx context.Context) error {
	r.Restore()

	c := cron.New()
	if _, err := c.AddFunc("@every "+r.cfg.Interval.String(), func() { r.Trigger("interval") }); err != nil {
		return err
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
		r.persist()
	}()

	r.Step("initial")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-r.triggers:
			r.Step(reason)
		}
	}
}

// Step runs one evaluation with fresh inputs and persists the result.
func (r *Runner) Step(trigger string) cascade.Decision {
	now := r.now()
	if on := r.pumpState(); on != nil {
		r.loop.SyncPumpState(*on, now)
	}
	d := r.loop.Evaluate(trigger, r.inputs(), now)
	if d.PumpCommand != nil {
		r.log.Info("pump command",
			zap.String("trigger", trigger),
			zap.Bool("on", *d.PumpCommand),
			zap.Float64("setpoint", d.RadiatorSetpoint),
			zap.Float64p("estimate", d.Estimate),
		)
	}
	r.persist()
	return d
}

func (r *Runner) inputs() cascade.Inputs {
	e := r.cfg.Entities
	var in cascade.Inputs
	if e.Room != "" {
		in.RoomTemperature = r.sensors.CurrentValue(e.Room)
	}
	if e.Radiator != "" {
		in.RadiatorTemperature = r.sensors.CurrentValue(e.Radiator)
	}
	if e.Outside != "" {
		in.OutsideTemperature = r.sensors.CurrentValue(e.Outside)
	}
	if e.Forecast != "" {
		in.ForecastTemperature = r.sensors.ForecastValue(e.Forecast)
	}
	return in
}

func (r *Runner) pumpState() *bool {
	if r.cfg.Entities.PumpSwitch == "" {
		return nil
	}
	return r.sensors.PumpState(r.cfg.Entities.PumpSwitch)
}

func (r *Runner) persist() {
	if r.store == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.store.Save(r.loop.State()); err != nil {
		r.log.Error("persist state", zap.Error(err))
	}
}

// ---- ports.LoopService ----

func (r *Runner) Get() cascade.Snapshot { return r.loop.Get() }

func (r *Runner) Diagnostics() cascade.Diagnostics { return r.loop.Diagnostics() }

func (r *Runner) SetTargetTemperature(v float64) error {
	if err := r.loop.SetTargetTemperature(v); err != nil {
		return err
	}
	r.persist()
	return nil
}

func (r *Runner) SetHVACMode(m cascade.HVACMode) error {
	if err := r.loop.SetHVACMode(m); err != nil {
		return err
	}
	r.persist()
	return nil
}
