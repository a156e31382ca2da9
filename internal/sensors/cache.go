package sensors

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reading is the parsed form of one entity state payload. nil fields are absent.
type Reading struct {
	Value    *float64
	Forecast *float64
	On       *bool
	Updated  time.Time
}

func (r Reading) equal(o Reading) bool {
	return eqFloat(r.Value, o.Value) && eqFloat(r.Forecast, o.Forecast) && eqBool(r.On, o.On)
}

// Cache keeps the latest reading of every collaborator entity. It is safe for concurrent use and
// implements ports.SensorReader.
type Cache struct {
	mu       sync.RWMutex
	readings map[string]Reading
	now      func() time.Time
}

func New() *Cache {
	return &Cache{readings: make(map[string]Reading), now: time.Now}
}

// Update parses payload and stores it under ref. It reports whether the parsed reading changed.
func (c *Cache) Update(ref string, payload []byte) bool {
	r := Parse(payload)
	r.Updated = c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.readings[ref]
	c.readings[ref] = r
	return !ok || !prev.equal(r)
}

// Set stores an already parsed numeric value, used by in-process sources.
func (c *Cache) Set(ref string, v *float64) bool {
	if v != nil && !finite(*v) {
		v = nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Reading{Value: copyFloat(v), Updated: c.now()}
	prev, ok := c.readings[ref]
	c.readings[ref] = r
	return !ok || !prev.equal(r)
}

// SetSwitch stores a switch state read by an in-process source.
func (c *Cache) SetSwitch(ref string, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Reading{On: &on, Updated: c.now()}
	prev, ok := c.readings[ref]
	c.readings[ref] = r
	return !ok || !prev.equal(r)
}

func (c *Cache) Forget(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.readings, ref)
}

func (c *Cache) Reading(ref string) (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readings[ref]
	return r, ok
}

func (c *Cache) CurrentValue(ref string) *float64 {
	r, _ := c.Reading(ref)
	return copyFloat(r.Value)
}

// ForecastValue prefers the extracted forecast temperature and falls back to a plain numeric state.
func (c *Cache) ForecastValue(ref string) *float64 {
	r, _ := c.Reading(ref)
	if r.Forecast != nil {
		return copyFloat(r.Forecast)
	}
	return copyFloat(r.Value)
}

func (c *Cache) PumpState(ref string) *bool {
	r, _ := c.Reading(ref)
	if r.On == nil {
		return nil
	}
	on := *r.On
	return &on
}

// Parse interprets a raw entity state payload.
func Parse(payload []byte) Reading {
	s := strings.TrimSpace(string(payload))
	switch strings.ToLower(s) {
	case "", "unknown", "unavailable", "none", "null":
		return Reading{}
	case "on", "true":
		on := true
		return Reading{On: &on}
	case "off", "false":
		on := false
		return Reading{On: &on}
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		// NaN and infinities are not readings.
		if !finite(v) {
			return Reading{}
		}
		return Reading{Value: &v}
	}

	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return parseObject(obj)
		}
	}
	return Reading{}
}

// parseObject handles weather-like payloads: a numeric "temperature" attribute, else the first
// entry of the "forecast" list. A "state" key is parsed like a plain payload.
func parseObject(obj map[string]any) Reading {
	var r Reading
	if st, ok := obj["state"]; ok {
		switch v := st.(type) {
		case string:
			r = Parse([]byte(v))
		case float64:
			if finite(v) {
				r.Value = &v
			}
		case bool:
			r.On = &v
		}
	}

	attrs := obj
	if a, ok := obj["attributes"].(map[string]any); ok {
		attrs = a
	}
	if v, ok := number(attrs["temperature"]); ok {
		r.Forecast = &v
		return r
	}
	if list, ok := attrs["forecast"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			if v, ok := number(first["temperature"]); ok {
				r.Forecast = &v
			}
		}
	}
	return r
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, finite(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && finite(f)
	default:
		return 0, false
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
