package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	"github.com/Agrid-Dev/cascade-climate/internal/ports"
)

type Server struct {
	svc      ports.LoopService
	srv      *http.Server
	deviceID string
	log      *zap.Logger
}

// New returns a runnable server.
func New(svc ports.LoopService, addr string, deviceID string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID, log: log}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)

	// Write: one endpoint per setting
	mux.HandleFunc("POST /v1/target_temperature", s.handlePostTarget)
	mux.HandleFunc("POST /v1/hvac_mode", s.handlePostHVACMode)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("http controller listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

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
	MinTemperature               float64  `json:"min_temp"`
	MaxTemperature               float64  `json:"max_temp"`
	TargetTemperatureStep        float64  `json:"target_temperature_step"`
}

func toDTO(s cascade.Snapshot) snapshotDTO {
	return snapshotDTO{
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
		MinTemperature:               cascade.MinTargetTemp,
		MaxTemperature:               cascade.MaxTargetTemp,
		TargetTemperatureStep:        cascade.TargetTempStep,
	}
}

type paramsDTO struct {
	BaseRadiatorTemp    float64 `json:"base_radiator_temp"`
	Kp                  float64 `json:"kp"`
	Ki                  float64 `json:"ki"`
	MinRadiatorTemp     float64 `json:"min_radiator_temp"`
	Hysteresis          float64 `json:"hysteresis"`
	MinCycleSeconds     float64 `json:"min_cycle_seconds"`
	OutdoorGain         float64 `json:"outdoor_gain"`
	OutdoorBaseline     float64 `json:"outdoor_baseline"`
	ObserverMode        string  `json:"observer_mode"`
	HeatingRate         float64 `json:"observer_heating_rate"`
	CoolingRate         float64 `json:"observer_cooling_rate"`
	ObserverAlpha       float64 `json:"observer_alpha"`
	PumpDeadTimeSeconds float64 `json:"pump_dead_time_seconds"`
}

type diagnosticsDTO struct {
	snapshotDTO
	Params            paramsDTO `json:"params"`
	Base              float64   `json:"term_base"`
	Proportional      float64   `json:"term_proportional"`
	Integral          float64   `json:"term_integral"`
	Outdoor           float64   `json:"term_outdoor"`
	Forecast          float64   `json:"term_forecast"`
	RoomErrorIntegral float64   `json:"room_error_integral"`
	IntegralSaturated bool      `json:"integral_saturated"`
	LastPumpSwitch    *string   `json:"last_pump_switch"`
	PumpOnSince       *string   `json:"pump_on_since"`
	ObserverRate      float64   `json:"observer_rate"`
	ObserverPredicted float64   `json:"observer_predicted"`
}

func toDiagnosticsDTO(s cascade.Snapshot, d cascade.Diagnostics) diagnosticsDTO {
	p := d.Params
	return diagnosticsDTO{
		snapshotDTO: toDTO(s),
		Params: paramsDTO{
			BaseRadiatorTemp:    p.BaseRadiatorTemp,
			Kp:                  p.Kp,
			Ki:                  p.Ki,
			MinRadiatorTemp:     p.MinRadiatorTemp,
			Hysteresis:          p.Hysteresis,
			MinCycleSeconds:     p.MinCycleDuration.Seconds(),
			OutdoorGain:         p.OutdoorGain,
			OutdoorBaseline:     p.OutdoorBaseline,
			ObserverMode:        p.ObserverMode.String(),
			HeatingRate:         p.HeatingRate,
			CoolingRate:         p.CoolingRate,
			ObserverAlpha:       p.ObserverAlpha,
			PumpDeadTimeSeconds: p.PumpDeadTime.Seconds(),
		},
		Base:              d.Terms.Base,
		Proportional:      d.Terms.Proportional,
		Integral:          d.Terms.Integral,
		Outdoor:           d.Terms.Outdoor,
		Forecast:          d.Terms.Forecast,
		RoomErrorIntegral: d.RoomErrorIntegral,
		IntegralSaturated: d.IntegralSaturated,
		LastPumpSwitch:    isoOrNil(d.LastPumpSwitch),
		PumpOnSince:       isoOrNil(d.PumpOnSince),
		ObserverRate:      d.ObserverRate,
		ObserverPredicted: d.ObserverPredicted,
	}
}

func isoOrNil(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	dto := toDiagnosticsDTO(s.svc.Get(), s.svc.Diagnostics())
	dto.DeviceID = s.deviceID
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handlePostTarget(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetTargetTemperature(v)
	})
}

func (s *Server) handlePostHVACMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "heat"}
	postValue(s, w, r, func(v string) error {
		m, err := cascade.ParseHVACMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetHVACMode(m)
	})
}

// ---- generic helpers ----
func (s *Server) respondSnapshot(w http.ResponseWriter) {
	dto := toDTO(s.svc.Get())
	dto.DeviceID = s.deviceID
	writeJSON(w, http.StatusOK, dto)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		s.log.Debug("rejected write", zap.String("path", r.URL.Path), zap.Error(err))
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
