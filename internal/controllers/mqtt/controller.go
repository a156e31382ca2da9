package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	"github.com/Agrid-Dev/cascade-climate/internal/ports"
)

var ErrNotConnected = errors.New("mqtt: not connected")

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string
	// SensorTopics carry collaborator entity states. The topic is used as the entity ref.
	SensorTopics []string
	// PumpTopic is the pump switch state topic. Commands go to <PumpTopic>/set as ON/OFF.
	PumpTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration
	CommandTimeout  time.Duration

	Username string
	Password string
}

// SensorSink stores raw sensor payloads. Update reports whether the parsed reading changed.
type SensorSink interface {
	Update(ref string, payload []byte) bool
}

type Option func(*Controller)

// WithSensorSink forwards sensor topic payloads to sink and calls notify for every change.
func WithSensorSink(sink SensorSink, notify func(ref string)) Option {
	return func(c *Controller) {
		c.sink = sink
		c.notify = notify
	}
}

type Controller struct {
	svc ports.LoopService
	cfg Config
	log *zap.Logger

	sink   SensorSink
	notify func(ref string)

	mu     sync.RWMutex
	client mqtt.Client
}

func New(svc ports.LoopService, cfg Config, log *zap.Logger, opts ...Option) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "cascade-climate/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cascade-climate-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		svc: svc,
		cfg: cfg,
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		// Commands may publish a pump command and wait for its ack from inside the handler.
		SetOrderMatters(false)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		if err := c.subscribe(cl); err != nil {
			c.log.Error("mqtt subscribe", zap.Error(err))
			return
		}
		c.log.Info("mqtt connected", zap.String("broker", c.cfg.BrokerURL), zap.String("base_topic", c.cfg.BaseTopic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	c.setClient(client)
	tok := client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	last := c.svc.Get()
	c.publishSnapshot(last)

	for {
		select {
		case <-ctx.Done():
			client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.Get()
			if !reflect.DeepEqual(cur, last) {
				c.publishSnapshot(cur)
				last = cur
			}
		}
	}
}

func (c *Controller) subscribe(cl mqtt.Client) error {
	filters := map[string]byte{c.topic("set/+"): c.cfg.QoS}
	tok := cl.SubscribeMultiple(filters, c.onMessage)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}

	if c.sink == nil {
		return nil
	}
	sensors := make(map[string]byte)
	for _, t := range c.sensorTopics() {
		sensors[t] = c.cfg.QoS
	}
	if len(sensors) == 0 {
		return nil
	}
	tok = cl.SubscribeMultiple(sensors, c.onSensor)
	tok.Wait()
	return tok.Error()
}

func (c *Controller) sensorTopics() []string {
	topics := make([]string, 0, len(c.cfg.SensorTopics)+1)
	seen := make(map[string]bool)
	for _, t := range append(append([]string(nil), c.cfg.SensorTopics...), c.cfg.PumpTopic) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

func (c *Controller) setClient(cl mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = cl
}

func (c *Controller) getClient() mqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Controller) publishSnapshot(s cascade.Snapshot) {
	cl := c.getClient()
	if cl == nil {
		return
	}
	dto := snapshotDTO{
		DeviceID:                     c.cfg.DeviceID,
		HVACMode:                     s.HVACMode.String(),
		HVACAction:                   s.HVACAction.String(),
		TargetTemperature:            s.TargetTemperature,
		CurrentTemperature:           s.RoomTemperature,
		RadiatorTemperature:          s.RadiatorTemperature,
		OutsideTemperature:           s.OutsideTemperature,
		ForecastTemperature:          s.ForecastTemperature,
		RadiatorSetpoint:             s.RadiatorSetpoint,
		EstimatedRadiatorTemperature: s.EstimatedRadiatorTemperature,
		PumpOn:                       s.PumpOn,
		ObserverMode:                 s.ObserverMode.String(),
		SupplyWaterTemperature:       s.SupplyWaterTemperature,
		MaxRadiatorTemperature:       s.MaxRadiatorTemperature,
	}
	b, _ := json.Marshal(dto)
	cl.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

type snapshotDTO struct {
	DeviceID                     string   `json:"device_id"`
	HVACMode                     string   `json:"hvac_mode"`
	HVACAction                   string   `json:"hvac_action"`
	TargetTemperature            float64  `json:"target_temperature"`
	CurrentTemperature           *float64 `json:"current_temperature"`
	RadiatorTemperature          *float64 `json:"radiator_temperature"`
	OutsideTemperature           *float64 `json:"outside_temperature"`
	ForecastTemperature          *float64 `json:"forecast_temperature"`
	RadiatorSetpoint             float64  `json:"radiator_setpoint"`
	EstimatedRadiatorTemperature *float64 `json:"estimated_radiator_temperature"`
	PumpOn                       bool     `json:"pump_on"`
	ObserverMode                 string   `json:"observer_mode"`
	SupplyWaterTemperature       float64  `json:"supply_water_temperature"`
	MaxRadiatorTemperature       float64  `json:"max_radiator_temperature"`
}

// SetPump publishes ON/OFF to <PumpTopic>/set and waits for the broker to accept it.
// It implements cascade.PumpActuator.
func (c *Controller) SetPump(on bool) error {
	if c.cfg.PumpTopic == "" {
		return errors.New("mqtt: no pump topic configured")
	}
	cl := c.getClient()
	if cl == nil || !cl.IsConnected() {
		return ErrNotConnected
	}
	payload := "OFF"
	if on {
		payload = "ON"
	}
	tok := cl.Publish(strings.TrimRight(c.cfg.PumpTopic, "/")+"/set", c.cfg.QoS, false, payload)
	if !tok.WaitTimeout(c.cfg.CommandTimeout) {
		return fmt.Errorf("mqtt: pump command timed out after %s", c.cfg.CommandTimeout)
	}
	return tok.Error()
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	payload := msg.Payload()

	var err error
	switch field {
	case "target_temperature":
		var v float64
		if v, err = decodeValueStrict[float64](payload); err == nil {
			err = c.svc.SetTargetTemperature(v)
		}

	case "hvac_mode":
		var s string
		if s, err = decodeValueStrict[string](payload); err == nil {
			var m cascade.HVACMode
			if m, err = cascade.ParseHVACMode(s); err == nil {
				err = c.svc.SetHVACMode(m)
			}
		}

	default:
		c.log.Debug("ignoring unknown command", zap.String("topic", t))
		return
	}
	if err != nil {
		c.log.Warn("rejected command", zap.String("field", field), zap.Error(err))
	}
}

func (c *Controller) onSensor(_ mqtt.Client, msg mqtt.Message) {
	if c.sink == nil {
		return
	}
	ref := msg.Topic()
	if c.sink.Update(ref, msg.Payload()) && c.notify != nil {
		c.notify(ref)
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
