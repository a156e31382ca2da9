package cascade

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// StoredState is the controller and observer state that survives restarts.
// Zero times and a nil estimate mean "absent".
type StoredState struct {
	RoomErrorIntegral float64
	LastPumpSwitch    time.Time
	RadiatorEstimate  *float64
	PumpOnSince       time.Time
}

type storedStateDTO struct {
	RoomErrorIntegral float64  `json:"room_error_integral"`
	LastPumpSwitchISO *string  `json:"last_pump_switch_iso"`
	RadiatorEstimate  *float64 `json:"radiator_estimate"`
	PumpOnSinceISO    *string  `json:"pump_on_since_iso"`
}

func (s StoredState) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedStateDTO{
		RoomErrorIntegral: s.RoomErrorIntegral,
		LastPumpSwitchISO: formatISO(s.LastPumpSwitch),
		RadiatorEstimate:  s.RadiatorEstimate,
		PumpOnSinceISO:    formatISO(s.PumpOnSince),
	})
}

// UnmarshalJSON only fails when the payload is not a JSON object. Fields that cannot be
// interpreted are treated as absent.
func (s *StoredState) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("stored state: not an object")
	}
	*s = ParseStoredState(raw)
	return nil
}

// ParseStoredState decodes a loosely typed state blob.
func ParseStoredState(raw map[string]any) StoredState {
	var s StoredState
	if v, ok := parseFloat(raw["room_error_integral"]); ok {
		s.RoomErrorIntegral = v
	}
	if v, ok := parseFloat(raw["radiator_estimate"]); ok {
		s.RadiatorEstimate = &v
	}
	s.LastPumpSwitch = parseISO(raw["last_pump_switch_iso"])
	s.PumpOnSince = parseISO(raw["pump_on_since_iso"])
	return s
}

func parseFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseISO(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		// Layouts without an offset are read as UTC.
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatISO(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
