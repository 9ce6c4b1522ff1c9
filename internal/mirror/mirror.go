// Package mirror keeps a directory of task files in step with the store.
//
// Every entity is materialized as tasks/<id>.json so users can read and
// edit tasks with ordinary tools. The mirror watches the directory and
// turns file edits into change records; store changes flow back out as
// file writes. Feedback loops are broken by content comparison: a file
// event whose parsed fields match the store is a no-op.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
)

const defaultDebounce = 300 * time.Millisecond

// taskFile is the on-disk representation of an entity.
//
// Version is informational only; edits are applied against the store's
// current version regardless of what the file claims. Priority is a
// pointer so a file that omits the key is distinguishable from one
// setting priority 0; an absent priority is left alone on import.
type taskFile struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    *int     `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     int64    `json:"version"`
}

// Mirror synchronizes a task directory with the store
type Mirror struct {
	store  *store.Store
	dir    string
	origin schema.Origin
	logger *log.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration

	// pending collects dirty paths between debounce flushes
	pending   map[string]bool
	pendingMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// Config holds mirror configuration
type Config struct {
	// Dir is the task file directory
	Dir string

	// DeviceID attributes file edits to this device
	DeviceID string

	// Debounce is how long to wait after the last event before importing
	// (default: 300ms)
	Debounce time.Duration

	// Logger for mirror activity (default: stderr logger)
	Logger *log.Logger
}

// New creates a mirror for the given store
func New(s *store.Store, config *Config) (*Mirror, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Mirror{
		store:    s,
		dir:      config.Dir,
		origin:   schema.DeviceOrigin(config.DeviceID),
		debounce: debounce,
		pending:  make(map[string]bool),
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start exports the current store state and begins watching for edits
func (m *Mirror) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}

	if err := m.ExportAll(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.dir, err)
	}
	m.watcher = watcher

	notifications, cancelSub := m.store.Subscribe("")

	m.wg.Add(2)
	go m.watchLoop(ctx)
	go func() {
		defer m.wg.Done()
		defer cancelSub()
		m.exportLoop(ctx, notifications)
	}()

	return nil
}

// Stop ends watching and waits for in-flight work
func (m *Mirror) Stop() error {
	close(m.done)
	err := m.watcher.Close()
	m.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// ExportAll writes every entity in the store to the mirror directory
func (m *Mirror) ExportAll(ctx context.Context) error {
	entities, err := m.store.ListEntities(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}
	for _, e := range entities {
		if err := m.writeEntity(e); err != nil {
			return err
		}
	}
	return nil
}

// exportLoop writes store changes out to files as they happen
func (m *Mirror) exportLoop(ctx context.Context, notifications <-chan store.Notification) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			entity, err := m.store.GetEntity(ctx, n.Record.EntityID)
			if err != nil {
				m.logger.Printf("Failed to load entity %s for export: %v", n.Record.EntityID, err)
				continue
			}
			if err := m.writeEntity(entity); err != nil {
				m.logger.Printf("Failed to export entity %s: %v", entity.ID, err)
			}
		}
	}
}

// writeEntity writes the task file atomically, skipping when the file
// already matches
func (m *Mirror) writeEntity(e *schema.Entity) error {
	path := m.pathFor(e.ID)

	priority := e.Priority
	doc := taskFile{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Status:      string(e.Status),
		Priority:    &priority,
		Tags:        append([]string(nil), e.Tags...),
		Version:     e.Version,
	}
	sort.Strings(doc.Tags)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task file: %w", err)
	}
	data = append(data, '\n')

	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace task file: %w", err)
	}
	return nil
}

// watchLoop collects file events and flushes them after the debounce window
func (m *Mirror) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	var timer *time.Timer
	var flush <-chan time.Time

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !m.relevant(event) {
				continue
			}
			m.pendingMu.Lock()
			m.pending[event.Name] = true
			m.pendingMu.Unlock()

			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			flush = timer.C

		case <-flush:
			flush = nil
			m.flushPending(ctx)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant filters events down to task file writes
func (m *Mirror) relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	if strings.HasSuffix(event.Name, ".tmp") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func (m *Mirror) flushPending(ctx context.Context) {
	m.pendingMu.Lock()
	paths := make([]string, 0, len(m.pending))
	for p := range m.pending {
		paths = append(paths, p)
	}
	m.pending = make(map[string]bool)
	m.pendingMu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		if err := m.importFile(ctx, p); err != nil {
			m.logger.Printf("Failed to import %s: %v", filepath.Base(p), err)
		}
	}
}

// importFile turns a file edit into a change record.
//
// Unknown IDs become new entities; known IDs produce a delta of the fields
// that differ from the store. A file that matches the store exactly (for
// example one the mirror itself just wrote) produces nothing.
func (m *Mirror) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read task file: %w", err)
	}

	var doc taskFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed task file: %w", err)
	}
	if doc.ID == "" {
		doc.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if doc.Title == "" {
		return fmt.Errorf("task file missing title")
	}

	status := schema.Status(doc.Status)
	if doc.Status == "" {
		status = schema.StatusPending
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", doc.Status)
	}

	entity, err := m.store.GetEntity(ctx, doc.ID)
	if errors.Is(err, store.ErrEntityNotFound) {
		return m.createFromFile(ctx, path, doc, status)
	}
	if err != nil {
		return fmt.Errorf("failed to load entity: %w", err)
	}

	deltas := diffEntity(entity, doc, status)
	if len(deltas) == 0 {
		return nil
	}

	if _, err := m.store.SubmitChange(ctx, entity.ID, deltas, m.origin); err != nil {
		return fmt.Errorf("failed to submit change: %w", err)
	}
	m.logger.Printf("Imported edit to %s (%d fields)", entity.ID, len(deltas))
	return nil
}

func (m *Mirror) createFromFile(ctx context.Context, path string, doc taskFile, status schema.Status) error {
	entity := schema.NewEntity(doc.Title)
	entity.ID = doc.ID
	entity.Description = doc.Description
	entity.Status = status
	if doc.Priority != nil {
		entity.Priority = *doc.Priority
	}
	entity.Tags = schema.MergeTags(doc.Tags, nil)

	if _, err := m.store.CreateEntity(ctx, entity, m.origin); err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}

	// Rewrite so the file carries the assigned version
	stored, err := m.store.GetEntity(ctx, entity.ID)
	if err != nil {
		return err
	}
	if err := m.writeEntity(stored); err != nil {
		return err
	}

	m.logger.Printf("Created entity %s from %s", entity.ID, filepath.Base(path))
	return nil
}

// diffEntity returns the fields where the file differs from the store
func diffEntity(e *schema.Entity, doc taskFile, status schema.Status) schema.FieldDeltas {
	deltas := make(schema.FieldDeltas)

	if doc.Title != e.Title {
		deltas[schema.FieldTitle] = doc.Title
	}
	if doc.Description != e.Description {
		deltas[schema.FieldDescription] = doc.Description
	}
	if status != e.Status {
		deltas[schema.FieldStatus] = string(status)
	}
	if doc.Priority != nil && *doc.Priority != e.Priority {
		deltas[schema.FieldPriority] = *doc.Priority
	}

	fileTags := schema.MergeTags(doc.Tags, nil)
	storeTags := schema.MergeTags(e.Tags, nil)
	if !equalTags(fileTags, storeTags) {
		deltas[schema.FieldTags] = fileTags
	}

	return deltas
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Mirror) pathFor(id string) string {
	return filepath.Join(m.dir, id+".json")
}
