package github

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/weft-sync/weft/internal/schema"
)

func TestDefaultMappingRoundTrip(t *testing.T) {
	m := DefaultFieldMapping()

	state, label := m.StatusToRemote(schema.StatusActive)
	if state != "open" || label != "weft:active" {
		t.Errorf("active -> %q/%q", state, label)
	}

	status, tags := m.StatusFromRemote(state, []string{label, "backend"})
	if status != schema.StatusActive {
		t.Errorf("round trip status = %s", status)
	}
	if len(tags) != 1 || tags[0] != "backend" {
		t.Errorf("tags = %v", tags)
	}

	// Plain closed with no marker label reads as done
	status, _ = m.StatusFromRemote("closed", nil)
	if status != schema.StatusDone {
		t.Errorf("closed -> %s", status)
	}
}

func TestLoadFieldMappingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	content := `
label_for:
  active: "in-progress"
status_for_label:
  in-progress: "active"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m, err := LoadFieldMapping(path)
	if err != nil {
		t.Fatalf("LoadFieldMapping() error = %v", err)
	}

	if _, label := m.StatusToRemote(schema.StatusActive); label != "in-progress" {
		t.Errorf("label = %q", label)
	}
	// Untouched sections keep defaults
	if state, _ := m.StatusToRemote(schema.StatusDone); state != "closed" {
		t.Errorf("state = %q", state)
	}
}
