package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
)

const EnvPrefix = "CASCADE_"

var (
	ErrUnsupportedExtension = errors.New("unsupported config extension")
	ErrInvalidActuator      = errors.New("actuator must be one of mqtt, modbus, simulator, none")
	ErrInvalidUnitID        = errors.New("modbus unit id must be within [1, 247]")
	ErrMissingPumpSwitch    = errors.New("mqtt actuator needs entities.pump_switch")
	ErrMQTTActuatorDisabled = errors.New("mqtt actuator needs controllers.mqtt.enabled")
)

type Config struct {
	DeviceID          string        `koanf:"device_id" yaml:"device_id"`
	UpdateInterval    time.Duration `koanf:"update_interval" yaml:"update_interval"`
	HVACMode          string        `koanf:"hvac_mode" yaml:"hvac_mode"`
	TargetTemperature float64       `koanf:"target_temperature" yaml:"target_temperature"`

	Loop     LoopConfig     `koanf:"loop" yaml:"loop"`
	Entities EntitiesConfig `koanf:"entities" yaml:"entities"`

	Controllers struct {
		HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
		MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
		MODBUS ModbusConfig `koanf:"modbus" yaml:"modbus"`
	} `koanf:"controllers" yaml:"controllers"`

	Actuator   ActuatorConfig   `koanf:"actuator" yaml:"actuator"`
	ModbusPump ModbusPumpConfig `koanf:"modbus_pump" yaml:"modbus_pump"`
	State      StateConfig      `koanf:"state" yaml:"state"`
	Simulator  SimulatorConfig  `koanf:"simulator" yaml:"simulator"`
	Logging    LoggingConfig    `koanf:"logging" yaml:"logging"`
}

type LoopConfig struct {
	BaseRadiatorTemp    float64       `koanf:"base_radiator_temp" yaml:"base_radiator_temp"`
	Kp                  float64       `koanf:"kp" yaml:"kp"`
	Ki                  float64       `koanf:"ki" yaml:"ki"`
	MinRadiatorTemp     float64       `koanf:"min_radiator_temp" yaml:"min_radiator_temp"`
	Hysteresis          float64       `koanf:"hysteresis" yaml:"hysteresis"`
	MinCycleDuration    time.Duration `koanf:"min_cycle_duration" yaml:"min_cycle_duration"`
	OutdoorGain         float64       `koanf:"outdoor_gain" yaml:"outdoor_gain"`
	OutdoorBaseline     float64       `koanf:"outdoor_baseline" yaml:"outdoor_baseline"`
	ObserverMode        string        `koanf:"observer_mode" yaml:"observer_mode"` // "sensor" | "runtime" | "fusion"
	ObserverHeatingRate float64       `koanf:"observer_heating_rate" yaml:"observer_heating_rate"`
	ObserverCoolingRate float64       `koanf:"observer_cooling_rate" yaml:"observer_cooling_rate"`
	ObserverAlpha       float64       `koanf:"observer_alpha" yaml:"observer_alpha"`
	PumpDeadTime        time.Duration `koanf:"pump_dead_time" yaml:"pump_dead_time"`
}

// EntitiesConfig names the collaborator entities. With the MQTT controller they are also the
// state topics subscribed to.
type EntitiesConfig struct {
	Room       string `koanf:"room" yaml:"room"`
	Radiator   string `koanf:"radiator" yaml:"radiator"`
	Outside    string `koanf:"outside" yaml:"outside"`
	Forecast   string `koanf:"forecast" yaml:"forecast"`
	PumpSwitch string `koanf:"pump_switch" yaml:"pump_switch"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot" yaml:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	CommandTimeout  time.Duration `koanf:"command_timeout" yaml:"command_timeout"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

type ActuatorConfig struct {
	Kind string `koanf:"kind" yaml:"kind"` // "mqtt" | "modbus" | "simulator" | "none"
}

type ModbusPumpConfig struct {
	Addr         string        `koanf:"addr" yaml:"addr"`
	SlaveID      byte          `koanf:"slave_id" yaml:"slave_id"`
	Coil         uint16        `koanf:"coil" yaml:"coil"`
	Timeout      time.Duration `koanf:"timeout" yaml:"timeout"`
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
}

type StateConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// SimulatorConfig drives the virtual house used when actuator.kind is "simulator".
type SimulatorConfig struct {
	OutdoorTemperature float64       `koanf:"outdoor_temperature" yaml:"outdoor_temperature"`
	InitialRoom        float64       `koanf:"initial_room" yaml:"initial_room"`
	InitialRadiator    float64       `koanf:"initial_radiator" yaml:"initial_radiator"`
	LossCoefficient    float64       `koanf:"loss_coefficient" yaml:"loss_coefficient"`
	RadiatorCoupling   float64       `koanf:"radiator_coupling" yaml:"radiator_coupling"`
	HeatingCoefficient float64       `koanf:"heating_coefficient" yaml:"heating_coefficient"`
	CoolingCoefficient float64       `koanf:"cooling_coefficient" yaml:"cooling_coefficient"`
	PumpDeadTime       time.Duration `koanf:"pump_dead_time" yaml:"pump_dead_time"`
	Tick               time.Duration `koanf:"tick" yaml:"tick"`
	Speedup            float64       `koanf:"speedup" yaml:"speedup"`
}

// Defaults returns the factory configuration. Every layer loaded by LoadConfig overrides it.
func Defaults() Config {
	p := cascade.DefaultParams()
	var cfg Config
	cfg.DeviceID = "default"
	cfg.UpdateInterval = 30 * time.Second
	cfg.HVACMode = cascade.HVACOff.String()
	cfg.TargetTemperature = 21.0
	cfg.Loop = LoopConfig{
		BaseRadiatorTemp:    p.BaseRadiatorTemp,
		Kp:                  p.Kp,
		Ki:                  p.Ki,
		MinRadiatorTemp:     p.MinRadiatorTemp,
		Hysteresis:          p.Hysteresis,
		MinCycleDuration:    p.MinCycleDuration,
		OutdoorGain:         p.OutdoorGain,
		OutdoorBaseline:     p.OutdoorBaseline,
		ObserverMode:        p.ObserverMode.String(),
		ObserverHeatingRate: p.HeatingRate,
		ObserverCoolingRate: p.CoolingRate,
		ObserverAlpha:       p.ObserverAlpha,
		PumpDeadTime:        p.PumpDeadTime,
	}
	cfg.Controllers.HTTP = HTTPConfig{Enabled: true, Addr: ":8080"}
	cfg.Controllers.MQTT = MQTTConfig{
		QoS:             1,
		RetainSnapshot:  true,
		PublishInterval: time.Second,
		CommandTimeout:  2 * time.Second,
	}
	cfg.Controllers.MODBUS = ModbusConfig{Addr: ":1502", UnitID: 1}
	cfg.Actuator.Kind = "none"
	cfg.ModbusPump = ModbusPumpConfig{SlaveID: 1, Timeout: 2 * time.Second, PollInterval: 10 * time.Second}
	cfg.State.Path = "cascade_state.json"
	cfg.Simulator = SimulatorConfig{
		OutdoorTemperature: 5,
		InitialRoom:        19,
		InitialRadiator:    25,
		LossCoefficient:    2e-5,
		RadiatorCoupling:   5e-5,
		HeatingCoefficient: 2e-3,
		CoolingCoefficient: 1e-3,
		PumpDeadTime:       5 * time.Second,
		Tick:               time.Second,
		Speedup:            1,
	}
	cfg.Logging = LoggingConfig{Format: "console", Level: "info"}
	return cfg
}

// LoadConfig layers defaults, the optional file at path and CASCADE_* environment variables.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.Environ)
}

func loadConfig(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			parser, err := parserFor(path)
			if err != nil {
				return Config{}, err
			}
			if err := k.Load(file.Provider(path), parser); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
		EnvironFunc: environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	// PORT is common in containers; an explicit addr still wins.
	if port := lookup(environ, "PORT"); port != "" && lookup(environ, EnvPrefix+"CONTROLLERS_HTTP_ADDR") == "" {
		if err := k.Set("controllers.http.addr", ":"+port); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedExtension, ext)
	}
}

func lookup(environ func() []string, key string) string {
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

var envSections = []string{
	"loop",
	"entities",
	"actuator",
	"modbus_pump",
	"state",
	"simulator",
	"logging",
}

// envKeyTransform maps an environment key without prefix to a koanf path:
// CONTROLLERS_MQTT_PUBLISH_INTERVAL -> controllers.mqtt.publish_interval,
// MODBUS_PUMP_SLAVE_ID -> modbus_pump.slave_id, DEVICE_ID -> device_id.
func envKeyTransform(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return ""
	}

	if strings.HasPrefix(k, "controllers_") {
		parts := strings.SplitN(k, "_", 3)
		if len(parts) < 3 {
			return k
		}
		return parts[0] + "." + parts[1] + "." + parts[2]
	}

	for _, section := range envSections {
		if leaf, ok := strings.CutPrefix(k, section+"_"); ok && leaf != "" {
			return section + "." + leaf
		}
	}
	return k
}

// Validate checks the configuration before any component is built.
func (c Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.Settings(); err != nil {
		return err
	}
	if c.UpdateInterval < time.Second {
		return fmt.Errorf("update_interval %s: must be at least 1s", c.UpdateInterval)
	}
	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if c.Controllers.MODBUS.Enabled && (c.Controllers.MODBUS.UnitID < 1 || c.Controllers.MODBUS.UnitID > 247) {
		return ErrInvalidUnitID
	}
	switch c.Actuator.Kind {
	case "none":
	case "simulator":
		if c.Simulator.Tick <= 0 {
			return fmt.Errorf("simulator.tick %s: must be positive", c.Simulator.Tick)
		}
	case "modbus":
		if c.ModbusPump.SlaveID < 1 || c.ModbusPump.SlaveID > 247 {
			return ErrInvalidUnitID
		}
	case "mqtt":
		if !c.Controllers.MQTT.Enabled {
			return ErrMQTTActuatorDisabled
		}
		if c.Entities.PumpSwitch == "" {
			return ErrMissingPumpSwitch
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidActuator, c.Actuator.Kind)
	}
	return nil
}

// Params converts the loop section into validated controller parameters.
func (c Config) Params() (cascade.Params, error) {
	mode, err := cascade.ParseObserverMode(c.Loop.ObserverMode)
	if err != nil {
		return cascade.Params{}, err
	}
	p := cascade.Params{
		BaseRadiatorTemp: c.Loop.BaseRadiatorTemp,
		Kp:               c.Loop.Kp,
		Ki:               c.Loop.Ki,
		MinRadiatorTemp:  c.Loop.MinRadiatorTemp,
		Hysteresis:       c.Loop.Hysteresis,
		MinCycleDuration: c.Loop.MinCycleDuration,
		OutdoorGain:      c.Loop.OutdoorGain,
		OutdoorBaseline:  c.Loop.OutdoorBaseline,
		ObserverMode:     mode,
		HeatingRate:      c.Loop.ObserverHeatingRate,
		CoolingRate:      c.Loop.ObserverCoolingRate,
		ObserverAlpha:    c.Loop.ObserverAlpha,
		PumpDeadTime:     c.Loop.PumpDeadTime,
	}
	if err := p.Validate(); err != nil {
		return cascade.Params{}, err
	}
	return p, nil
}

// Settings returns the initial HVAC mode and target, used until a stored state is restored.
func (c Config) Settings() (cascade.Settings, error) {
	mode, err := cascade.ParseHVACMode(c.HVACMode)
	if err != nil {
		return cascade.Settings{}, err
	}
	if !cascade.ValidTarget(c.TargetTemperature) {
		return cascade.Settings{}, fmt.Errorf("%w: %v", cascade.ErrTargetOutOfRange, c.TargetTemperature)
	}
	return cascade.Settings{HVACMode: mode, TargetTemperature: c.TargetTemperature}, nil
}
