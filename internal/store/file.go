package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
)

var ErrEmptyPath = errors.New("state file path is empty")

// record is the on-disk layout. Settings are kept as strings so a hand-edited file stays readable.
type record struct {
	HVACMode          string              `json:"hvac_mode,omitempty"`
	TargetTemperature *float64            `json:"target_temperature,omitempty"`
	Extra             cascade.StoredState `json:"extra"`
}

// FileStore persists the loop state as a single JSON document. It implements ports.StateStore.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

// Load returns ok=false when nothing usable is stored. A missing file is not an error. A file that
// is not a JSON object is reported with ok=false and a non-nil error for the caller to log; fields
// that cannot be interpreted are treated as absent.
func (s *FileStore) Load() (cascade.PersistedState, bool, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cascade.PersistedState{}, false, nil
	}
	if err != nil {
		return cascade.PersistedState{}, false, fmt.Errorf("read state: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		return cascade.PersistedState{}, false, fmt.Errorf("decode state %s: not a JSON object", s.path)
	}

	var st cascade.PersistedState
	var mode string
	if err := json.Unmarshal(raw["hvac_mode"], &mode); err == nil {
		if m, err := cascade.ParseHVACMode(mode); err == nil {
			st.HVACMode = m
		}
	}
	var target float64
	if err := json.Unmarshal(raw["target_temperature"], &target); err == nil {
		st.TargetTemperature = target
	}
	if extra, ok := raw["extra"]; ok {
		// Only a non-object fails here; keep the zero state in that case.
		_ = json.Unmarshal(extra, &st.Extra)
	}
	return st, true, nil
}

// Save writes the state atomically through a temporary file in the same directory.
func (s *FileStore) Save(st cascade.PersistedState) error {
	rec := record{Extra: st.Extra}
	if st.HVACMode.Valid() {
		rec.HVACMode = st.HVACMode.String()
	}
	if st.TargetTemperature != 0 {
		t := st.TargetTemperature
		rec.TargetTemperature = &t
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
