package github

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weft-sync/weft/internal/schema"
)

// FieldMapping controls how entity statuses translate to GitHub issue
// state plus labels, and back. GitHub issues only know open/closed, so
// the intermediate lattice states ride on labels.
type FieldMapping struct {
	// StateFor maps each status to an issue state (open/closed).
	StateFor map[string]string `yaml:"state_for"`

	// LabelFor maps statuses to a marker label carried on the issue.
	// Empty means no label for that status.
	LabelFor map[string]string `yaml:"label_for"`

	// StatusForLabel is the reverse lookup used on pull.
	StatusForLabel map[string]string `yaml:"status_for_label"`
}

// DefaultFieldMapping returns the built-in mapping:
// pending/active ride on open (active tagged with a label), done and
// deleted ride on closed (deleted tagged with a label).
func DefaultFieldMapping() *FieldMapping {
	return &FieldMapping{
		StateFor: map[string]string{
			string(schema.StatusPending): "open",
			string(schema.StatusActive):  "open",
			string(schema.StatusDone):    "closed",
			string(schema.StatusDeleted): "closed",
		},
		LabelFor: map[string]string{
			string(schema.StatusActive):  "weft:active",
			string(schema.StatusDeleted): "weft:deleted",
		},
		StatusForLabel: map[string]string{
			"weft:active":  string(schema.StatusActive),
			"weft:deleted": string(schema.StatusDeleted),
		},
	}
}

// LoadFieldMapping reads mapping overrides from a YAML file. Omitted
// sections keep their defaults.
func LoadFieldMapping(path string) (*FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}

	m := DefaultFieldMapping()
	var overrides FieldMapping
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}
	if len(overrides.StateFor) > 0 {
		m.StateFor = overrides.StateFor
	}
	if len(overrides.LabelFor) > 0 {
		m.LabelFor = overrides.LabelFor
	}
	if len(overrides.StatusForLabel) > 0 {
		m.StatusForLabel = overrides.StatusForLabel
	}
	return m, nil
}

// StatusToRemote returns the issue state and optional marker label for
// a status.
func (m *FieldMapping) StatusToRemote(status schema.Status) (state, label string) {
	state = m.StateFor[string(status)]
	if state == "" {
		state = "open"
	}
	return state, m.LabelFor[string(status)]
}

// StatusFromRemote derives a status from issue state and labels, and
// returns the labels that are plain tags (marker labels stripped).
func (m *FieldMapping) StatusFromRemote(state string, labels []string) (schema.Status, []string) {
	var tags []string
	status := schema.StatusPending
	if state == "closed" {
		status = schema.StatusDone
	}

	for _, label := range labels {
		if mapped, ok := m.StatusForLabel[label]; ok {
			if st := schema.Status(mapped); st.Valid() {
				status = schema.MoreAdvanced(status, st)
			}
			continue
		}
		tags = append(tags, label)
	}
	return status, tags
}
