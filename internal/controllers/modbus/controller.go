package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	mbserver "github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	"github.com/Agrid-Dev/cascade-climate/internal/ports"
)

// Register map.
const (
	CoilHeatEnabled = 0 // rw: HVAC mode heat (1) / off (0)
	CoilPump        = 1 // ro: pump state

	HoldingTarget   = 0 // rw: target temperature ×100
	HoldingHVACMode = 1 // rw: 1 = off, 2 = heat

	InputRoom             = 0
	InputRadiatorSetpoint = 1
	InputEstimate         = 2
	InputRadiator         = 3
	InputOutside          = 4
	InputForecast         = 5

	numCoils   = 2
	numHolding = 2
	numInputs  = 6
)

// Absent marks a missing reading in an input register.
const Absent uint16 = 0x8000

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
}

type Controller struct {
	svc ports.LoopService
	cfg Config
	log *zap.Logger

	serv *mbserver.Server
}

func New(svc ports.LoopService, cfg Config, log *zap.Logger) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{svc: svc, cfg: cfg, log: log}, nil
}

// Run starts the Modbus server and registers handlers that apply writes immediately and
// provide reads directly from the loop. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.wrap(c.readCoils))
	serv.RegisterFunctionHandler(3, c.wrap(c.readHolding))
	serv.RegisterFunctionHandler(4, c.wrap(c.readInputs))
	serv.RegisterFunctionHandler(5, c.wrap(c.writeCoil))
	serv.RegisterFunctionHandler(6, c.wrap(c.writeRegister))
	serv.RegisterFunctionHandler(16, c.wrap(c.writeRegisters))

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("modbus controller listening", zap.String("addr", c.cfg.Addr), zap.Uint8("unit_id", c.cfg.UnitID))

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

type handler func(data []byte) ([]byte, *mbserver.Exception)

func (c *Controller) wrap(h handler) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return h(frame.GetData())
	}
}

// readRange decodes start/quantity and checks it against size registers.
func readRange(data []byte, size, maxQty int) (start, qty int, exc *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > size {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

// Read Coils (function 1).
func (c *Controller) readCoils(data []byte) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(data, numCoils, 2000)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	bits := [numCoils]bool{
		CoilHeatEnabled: snap.HVACMode == cascade.HVACHeat,
		CoilPump:        snap.PumpOn,
	}
	var packed byte
	for i := 0; i < qty; i++ {
		if bits[start+i] {
			packed |= 1 << i
		}
	}
	return []byte{1, packed}, &mbserver.Success
}

// Read Holding Registers (function 3).
func (c *Controller) readHolding(data []byte) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(data, numHolding, 125)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	regs := [numHolding]uint16{
		HoldingTarget:   encodeTemp(snap.TargetTemperature),
		HoldingHVACMode: uint16(snap.HVACMode),
	}
	return packRegisters(regs[start : start+qty]), &mbserver.Success
}

// Read Input Registers (function 4).
func (c *Controller) readInputs(data []byte) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(data, numInputs, 125)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	sp := snap.RadiatorSetpoint
	regs := [numInputs]uint16{
		InputRoom:             encodeOptional(snap.RoomTemperature),
		InputRadiatorSetpoint: encodeOptional(&sp),
		InputEstimate:         encodeOptional(snap.EstimatedRadiatorTemperature),
		InputRadiator:         encodeOptional(snap.RadiatorTemperature),
		InputOutside:          encodeOptional(snap.OutsideTemperature),
		InputForecast:         encodeOptional(snap.ForecastTemperature),
	}
	return packRegisters(regs[start : start+qty]), &mbserver.Success
}

// Write Single Coil (function 5). Only the heat enable coil is writable.
func (c *Controller) writeCoil(data []byte) ([]byte, *mbserver.Exception) {
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if addr != CoilHeatEnabled {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	mode := cascade.HVACOff
	switch value {
	case 0x0000:
	case 0xFF00:
		mode = cascade.HVACHeat
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err := c.svc.SetHVACMode(mode); err != nil {
		return []byte{}, &mbserver.SlaveDeviceFailure
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Single Register (function 6).
func (c *Controller) writeRegister(data []byte) ([]byte, *mbserver.Exception) {
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])
	if exc := c.applyRegister(int(addr), value); exc != nil {
		return []byte{}, exc
	}
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Multiple Registers (function 16).
func (c *Controller) writeRegisters(d []byte) ([]byte, *mbserver.Exception) {
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if quantity == 0 || byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if int(start)+int(quantity) > numHolding {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if exc := c.applyRegister(int(start)+i, val); exc != nil {
			return []byte{}, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) applyRegister(addr int, value uint16) *mbserver.Exception {
	var err error
	switch addr {
	case HoldingTarget:
		err = c.svc.SetTargetTemperature(decodeTemp(value))
	case HoldingHVACMode:
		err = c.svc.SetHVACMode(cascade.HVACMode(value))
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		c.log.Debug("rejected register write", zap.Int("addr", addr), zap.Uint16("value", value), zap.Error(err))
		return &mbserver.IllegalDataValue
	}
	return nil
}

func packRegisters(regs []uint16) []byte {
	resp := make([]byte, 1+len(regs)*2)
	resp[0] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:], r)
	}
	return resp
}

const TemperatureScale int = 100

// encodeTemp scales to a signed register. 0x8000 is reserved for Absent.
func encodeTemp(v float64) uint16 {
	r := min(max(int(math.Round(v*float64(TemperatureScale))), math.MinInt16+1), math.MaxInt16)
	return uint16(int16(r))
}

func encodeOptional(v *float64) uint16 {
	if v == nil {
		return Absent
	}
	return encodeTemp(*v)
}

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}
