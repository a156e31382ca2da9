package modbuspump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

var ErrShortResponse = errors.New("modbuspump: short read coils response")

// Config describes a relay reachable over Modbus TCP.
type Config struct {
	Addr    string
	SlaveID byte
	Coil    uint16
	Timeout time.Duration
	// PollInterval enables Run to read back the relay state; zero disables polling.
	PollInterval time.Duration
}

// Pump drives the circulation pump through a single relay coil. It implements
// cascade.PumpActuator.
type Pump struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func New(cfg Config, log *zap.Logger) (*Pump, error) {
	if cfg.Addr == "" {
		return nil, errors.New("modbuspump: Addr is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := modbus.NewTCPClientHandler(cfg.Addr)
	h.SlaveId = cfg.SlaveID
	h.Timeout = cfg.Timeout
	return &Pump{cfg: cfg, log: log, handler: h, client: modbus.NewClient(h)}, nil
}

func (p *Pump) SetPump(on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.client.WriteSingleCoil(p.cfg.Coil, value); err != nil {
		return fmt.Errorf("modbuspump: write coil %d: %w", p.cfg.Coil, err)
	}
	return nil
}

// State reads the relay coil back.
func (p *Pump) State() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.client.ReadCoils(p.cfg.Coil, 1)
	if err != nil {
		return false, fmt.Errorf("modbuspump: read coil %d: %w", p.cfg.Coil, err)
	}
	if len(res) < 1 {
		return false, ErrShortResponse
	}
	return res[0]&0x01 == 0x01, nil
}

// Run polls the relay state and reports it to onState until ctx is canceled. Read errors are
// logged and the poll continues.
func (p *Pump) Run(ctx context.Context, onState func(on bool)) error {
	defer p.Close()
	if p.cfg.PollInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			on, err := p.State()
			if err != nil {
				p.log.Warn("pump state poll failed", zap.String("addr", p.cfg.Addr), zap.Error(err))
				continue
			}
			if onState != nil {
				onState(on)
			}
		}
	}
}

func (p *Pump) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler.Close()
}
