package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/cascade-climate/cmd/app"
	"github.com/Agrid-Dev/cascade-climate/internal/actuators/modbuspump"
	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	httpctrl "github.com/Agrid-Dev/cascade-climate/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/cascade-climate/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/cascade-climate/internal/controllers/mqtt"
	"github.com/Agrid-Dev/cascade-climate/internal/ports"
	"github.com/Agrid-Dev/cascade-climate/internal/runner"
	"github.com/Agrid-Dev/cascade-climate/internal/sensors"
	"github.com/Agrid-Dev/cascade-climate/internal/simulator"
	"github.com/Agrid-Dev/cascade-climate/internal/store"
)

func main() {
	var (
		configPath  string
		printConfig bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(string(out))
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("device_id", cfg.DeviceID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("exited", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg app.Config, logger *zap.Logger) error {
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	st, err := store.NewFileStore(cfg.State.Path)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	cache := sensors.New()
	var (
		reader   ports.SensorReader = cache
		pump     cascade.PumpActuator
		plant    *simulator.Plant
		relay    *modbuspump.Pump
		entities = runner.Entities{
			Room:       cfg.Entities.Room,
			Radiator:   cfg.Entities.Radiator,
			Outside:    cfg.Entities.Outside,
			Forecast:   cfg.Entities.Forecast,
			PumpSwitch: cfg.Entities.PumpSwitch,
		}
	)

	switch cfg.Actuator.Kind {
	case "simulator":
		plant, err = simulator.NewPlant(plantParams(cfg.Simulator))
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		refs := plant.Refs()
		reader, pump = plant, plant
		entities = runner.Entities{
			Room:       refs.Room,
			Radiator:   refs.Radiator,
			Outside:    refs.Outside,
			Forecast:   refs.Forecast,
			PumpSwitch: refs.PumpSwitch,
		}
	case "modbus":
		relay, err = modbuspump.New(modbuspump.Config{
			Addr:         cfg.ModbusPump.Addr,
			SlaveID:      cfg.ModbusPump.SlaveID,
			Coil:         cfg.ModbusPump.Coil,
			Timeout:      cfg.ModbusPump.Timeout,
			PollInterval: cfg.ModbusPump.PollInterval,
		}, logger.Named("modbus-pump"))
		if err != nil {
			return fmt.Errorf("modbus pump: %w", err)
		}
		pump = relay
	}

	loop, err := cascade.NewLoop(params, settings, pump, logger.Named("loop"))
	if err != nil {
		return err
	}
	r, err := runner.New(loop, reader, st, runner.Config{
		Interval: cfg.UpdateInterval,
		Entities: entities,
	}, logger.Named("runner"))
	if err != nil {
		return err
	}

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(r, cfg.Controllers.HTTP.Addr, cfg.DeviceID, logger.Named("http"))
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.Controllers.MQTT.Enabled {
		var opts []mqttctrl.Option
		pumpTopic := ""
		if plant == nil {
			opts = append(opts, mqttctrl.WithSensorSink(cache, r.SensorUpdated))
			pumpTopic = cfg.Entities.PumpSwitch
		}
		mc, err := mqttctrl.New(r, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       cfg.Controllers.MQTT.BrokerURL,
			ClientID:        cfg.Controllers.MQTT.ClientID,
			BaseTopic:       cfg.Controllers.MQTT.BaseTopic,
			SensorTopics:    sensorTopics(entities),
			PumpTopic:       pumpTopic,
			QoS:             cfg.Controllers.MQTT.QoS,
			RetainSnapshot:  cfg.Controllers.MQTT.RetainSnapshot,
			PublishInterval: cfg.Controllers.MQTT.PublishInterval,
			CommandTimeout:  cfg.Controllers.MQTT.CommandTimeout,
			Username:        cfg.Controllers.MQTT.Username,
			Password:        cfg.Controllers.MQTT.Password,
		}, logger.Named("mqtt"), opts...)
		if err != nil {
			return err
		}
		if cfg.Actuator.Kind == "mqtt" {
			loop.SetActuator(mc)
		}
		g.Go(func() error { return mc.Run(ctx) })
	}

	if cfg.Controllers.MODBUS.Enabled {
		mb, err := modbusctrl.New(r, modbusctrl.Config{
			DeviceID: cfg.DeviceID,
			Addr:     cfg.Controllers.MODBUS.Addr,
			UnitID:   cfg.Controllers.MODBUS.UnitID,
		}, logger.Named("modbus"))
		if err != nil {
			return err
		}
		g.Go(func() error { return mb.Run(ctx) })
	}

	if plant != nil {
		g.Go(func() error {
			return plant.Run(ctx, cfg.Simulator.Tick, cfg.Simulator.Speedup, func() {
				r.SensorUpdated(entities.Radiator)
			})
		})
	}
	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx, func(on bool) {
				if cache.SetSwitch(entities.PumpSwitch, on) {
					r.SensorUpdated(entities.PumpSwitch)
				}
			})
		})
	}

	g.Go(func() error { return r.Run(ctx) })

	logger.Info("cascade climate started",
		zap.String("actuator", cfg.Actuator.Kind),
		zap.Stringer("hvac_mode", settings.HVACMode),
		zap.Float64("target", settings.TargetTemperature),
		zap.Duration("interval", cfg.UpdateInterval),
	)
	return g.Wait()
}

func sensorTopics(e runner.Entities) []string {
	var topics []string
	for _, ref := range []string{e.Room, e.Radiator, e.Outside, e.Forecast} {
		if ref != "" {
			topics = append(topics, ref)
		}
	}
	return topics
}

func plantParams(c app.SimulatorConfig) simulator.Params {
	p := simulator.DefaultParams()
	p.OutdoorTemperature = c.OutdoorTemperature
	p.InitialRoom = c.InitialRoom
	p.InitialRadiator = c.InitialRadiator
	p.LossCoefficient = c.LossCoefficient
	p.RadiatorCoupling = c.RadiatorCoupling
	p.HeatingCoefficient = c.HeatingCoefficient
	p.CoolingCoefficient = c.CoolingCoefficient
	p.PumpDeadTime = c.PumpDeadTime
	return p
}
