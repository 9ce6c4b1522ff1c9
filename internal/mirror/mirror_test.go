package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "weft.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return s
}

func startMirror(t *testing.T, s *store.Store) (*Mirror, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "tasks")
	m, err := New(s, &Config{
		Dir:      dir,
		DeviceID: "laptop",
		Debounce: 50 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = m.Stop()
	})
	return m, dir
}

func readTaskFile(t *testing.T, path string) taskFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	var doc taskFile
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
	return doc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMirrorValidatesConfig(t *testing.T) {
	s := newStore(t)

	if _, err := New(s, &Config{DeviceID: "laptop"}); err == nil {
		t.Error("expected error for missing dir")
	}
	if _, err := New(s, &Config{Dir: t.TempDir()}); err == nil {
		t.Error("expected error for missing device ID")
	}
}

func TestStartExportsExistingEntities(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	entity := schema.NewEntity("Pre-existing task")
	entity.Tags = []string{"backend"}
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	_, dir := startMirror(t, s)

	doc := readTaskFile(t, filepath.Join(dir, entity.ID+".json"))
	if doc.ID != entity.ID || doc.Title != "Pre-existing task" || doc.Version != 1 {
		t.Errorf("exported doc = %+v", doc)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "backend" {
		t.Errorf("exported tags = %v", doc.Tags)
	}
}

func TestStoreChangesFlowOutToFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, dir := startMirror(t, s)

	entity := schema.NewEntity("Live exported task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	path := filepath.Join(dir, entity.ID+".json")
	waitFor(t, "file exported", func() bool {
		_, err := os.Stat(path)
		return err == nil
	})

	if _, err := s.SubmitChange(ctx, entity.ID, schema.FieldDeltas{
		schema.FieldStatus: "active",
	}, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	waitFor(t, "file updated", func() bool {
		return readTaskFile(t, path).Status == "active"
	})
	if doc := readTaskFile(t, path); doc.Version != 2 {
		t.Errorf("file version = %d, want 2", doc.Version)
	}
}

func TestFileEditBecomesChangeRecord(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	entity := schema.NewEntity("Editable task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	_, dir := startMirror(t, s)
	path := filepath.Join(dir, entity.ID+".json")

	doc := readTaskFile(t, path)
	doc.Title = "Renamed via editor"
	doc.Priority = intPtr(1)
	data, _ := json.MarshalIndent(doc, "", "  ")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, "edit imported", func() bool {
		e, err := s.GetEntity(ctx, entity.ID)
		return err == nil && e.Title == "Renamed via editor" && e.Priority == 1
	})

	// Only the changed fields produce a delta, so one record was appended
	e, _ := s.GetEntity(ctx, entity.ID)
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
}

func TestFileWithoutPriorityKeyKeepsPriority(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	entity := schema.NewEntity("Prioritized task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if _, err := s.SubmitChange(ctx, entity.ID, schema.FieldDeltas{
		schema.FieldPriority: 1,
	}, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	_, dir := startMirror(t, s)
	path := filepath.Join(dir, entity.ID+".json")

	// An external edit that drops the priority key must not reset it
	data := []byte(`{"id":"` + entity.ID + `","title":"Retitled","status":"pending"}` + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, "title imported", func() bool {
		e, err := s.GetEntity(ctx, entity.ID)
		return err == nil && e.Title == "Retitled"
	})

	e, err := s.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if e.Priority != 1 {
		t.Errorf("priority = %d, absent key reset it", e.Priority)
	}
}

func TestNewFileCreatesEntity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, dir := startMirror(t, s)

	doc := taskFile{
		Title:  "Dropped-in task",
		Status: "pending",
		Tags:   []string{"inbox"},
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	path := filepath.Join(dir, "dropped-in.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// The filename becomes the entity ID when the file has none
	waitFor(t, "entity created", func() bool {
		e, err := s.GetEntity(ctx, "dropped-in")
		return err == nil && e.Title == "Dropped-in task"
	})

	// The file is rewritten with the assigned version
	waitFor(t, "version written back", func() bool {
		return readTaskFile(t, path).Version == 1
	})
}

func TestSelfWrittenFileIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, dir := startMirror(t, s)

	entity := schema.NewEntity("Loop-free task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	path := filepath.Join(dir, entity.ID+".json")
	waitFor(t, "file exported", func() bool {
		_, err := os.Stat(path)
		return err == nil
	})

	// The export itself fires a watcher event; after the debounce window
	// the import must diff to nothing
	time.Sleep(300 * time.Millisecond)

	e, err := s.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if e.Version != 1 {
		t.Errorf("version = %d, export fed back as an edit", e.Version)
	}
}

func TestMalformedFileIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, dir := startMirror(t, s)

	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Malformed files are logged and skipped, never partially imported
	time.Sleep(200 * time.Millisecond)

	entities, err := s.ListEntities(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("entities = %d, malformed file imported", len(entities))
	}
}

func intPtr(n int) *int { return &n }

func TestDiffEntity(t *testing.T) {
	e := schema.NewEntity("Base")
	e.Status = schema.StatusPending
	e.Priority = 2
	e.Tags = []string{"a", "b"}

	tests := []struct {
		name string
		doc  taskFile
		want []string
	}{
		{
			name: "identical",
			doc:  taskFile{Title: "Base", Status: "pending", Priority: intPtr(2), Tags: []string{"b", "a"}},
			want: nil,
		},
		{
			name: "title only",
			doc:  taskFile{Title: "Changed", Status: "pending", Priority: intPtr(2), Tags: []string{"a", "b"}},
			want: []string{schema.FieldTitle},
		},
		{
			name: "status and priority",
			doc:  taskFile{Title: "Base", Status: "active", Priority: intPtr(0), Tags: []string{"a", "b"}},
			want: []string{schema.FieldPriority, schema.FieldStatus},
		},
		{
			name: "absent priority is not an edit",
			doc:  taskFile{Title: "Base", Status: "pending", Tags: []string{"a", "b"}},
			want: nil,
		},
		{
			name: "tags reordered is not a change",
			doc:  taskFile{Title: "Base", Status: "pending", Priority: intPtr(2), Tags: []string{"b", "a"}},
			want: nil,
		},
		{
			name: "tag added",
			doc:  taskFile{Title: "Base", Status: "pending", Priority: intPtr(2), Tags: []string{"a", "b", "c"}},
			want: []string{schema.FieldTags},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas := diffEntity(e, tt.doc, schema.Status(tt.doc.Status))
			if len(deltas) != len(tt.want) {
				t.Fatalf("deltas = %v, want fields %v", deltas, tt.want)
			}
			for _, f := range tt.want {
				if _, ok := deltas[f]; !ok {
					t.Errorf("missing delta for %s", f)
				}
			}
		})
	}
}
