package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// StoredAlert is the on-disk record of one scheduled alert.
type StoredAlert struct {
	Token         string `json:"token"`
	Type          string `json:"type"`
	ScheduledTime string `json:"scheduled_time"`
}

// AlertStore persists the alert schedule so alerts survive a restart.
type AlertStore struct {
	path string
}

// NewAlertStore executes the newAlertStore function.
func NewAlertStore(path string) *AlertStore {
	return &AlertStore{path: path}
}

// Load reads the persisted schedule. A missing file is an empty schedule.
func (s *AlertStore) Load() ([]StoredAlert, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []StoredAlert{}, nil
		}
		return nil, err
	}
	var alerts []StoredAlert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// Save replaces the persisted schedule.
func (s *AlertStore) Save(alerts []StoredAlert) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
