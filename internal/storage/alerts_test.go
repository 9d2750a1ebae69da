package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store := NewAlertStore(filepath.Join(t.TempDir(), "alerts.json"))
	alerts, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("alerts=%v, want empty", alerts)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewAlertStore(filepath.Join(t.TempDir(), "data", "alerts.json"))
	saved := []StoredAlert{
		{Token: "alert-1", Type: "TIMER", ScheduledTime: "2026-08-29T10:00:00+0000"},
		{Token: "alert-2", Type: "ALARM", ScheduledTime: "2026-08-30T07:30:00+0000"},
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("alerts=%v, want 2", len(loaded))
	}
	if loaded[0] != saved[0] || loaded[1] != saved[1] {
		t.Fatalf("loaded=%v, want %v", loaded, saved)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	if err := os.WriteFile(path, []byte("not-json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewAlertStore(path).Load(); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}
