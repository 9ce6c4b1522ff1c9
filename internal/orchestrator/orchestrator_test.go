package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/weft-sync/weft/internal/provider"
	"github.com/weft-sync/weft/internal/resolve"
	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
)

// fakeAdapter is an in-memory provider for cycle tests. Remote records
// carry their field deltas directly as the payload.
type fakeAdapter struct {
	remotes []*provider.RemoteRecord
	pullErr error
	pushErr error

	pullCount  int
	pushCalls  []*schema.ChangeRecord
	nextNumber int
}

func (f *fakeAdapter) Name() string { return "github" }

func (f *fakeAdapter) Pull(ctx context.Context, cursor provider.Cursor) (provider.Iterator, error) {
	f.pullCount++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return &fakeIterator{records: f.remotes, cursor: cursor}, nil
}

func (f *fakeAdapter) Push(ctx context.Context, entity *schema.Entity, rec *schema.ChangeRecord, ref schema.ExternalRef) (schema.ExternalRef, error) {
	if f.pushErr != nil {
		return schema.ExternalRef{}, f.pushErr
	}
	f.pushCalls = append(f.pushCalls, rec)
	if ref.ID != "" {
		return ref, nil
	}
	f.nextNumber++
	return schema.ExternalRef{ID: strconv.Itoa(100 + f.nextNumber)}, nil
}

func (f *fakeAdapter) MapToLocal(remote *provider.RemoteRecord) (schema.FieldDeltas, error) {
	var deltas schema.FieldDeltas
	if err := json.Unmarshal(remote.Payload, &deltas); err != nil {
		return nil, &provider.CorruptRecordError{Ref: remote.Ref.ID, Reason: err.Error()}
	}
	return deltas, nil
}

func (f *fakeAdapter) MapToRemote(deltas schema.FieldDeltas) (map[string]any, error) {
	out := make(map[string]any, len(deltas))
	for k, v := range deltas {
		out[k] = v
	}
	return out, nil
}

type fakeIterator struct {
	records []*provider.RemoteRecord
	cursor  provider.Cursor
	idx     int
}

func (it *fakeIterator) Next(ctx context.Context) (*provider.RemoteRecord, error) {
	if it.idx >= len(it.records) {
		return nil, nil
	}
	rec := it.records[it.idx]
	it.idx++
	if ts := rec.UpdatedAt.UTC().Format(time.RFC3339); ts > it.cursor.Since {
		it.cursor.Since = ts
	}
	return rec, nil
}

func (it *fakeIterator) Cursor() provider.Cursor { return it.cursor }

func remoteRecord(t *testing.T, ref string, updated time.Time, deltas schema.FieldDeltas) *provider.RemoteRecord {
	t.Helper()
	payload, err := json.Marshal(deltas)
	if err != nil {
		t.Fatalf("marshal deltas: %v", err)
	}
	return &provider.RemoteRecord{
		Ref:       schema.ExternalRef{ID: ref},
		Payload:   payload,
		UpdatedAt: updated,
	}
}

func setupOrchestrator(t *testing.T, adapter *fakeAdapter) (*Orchestrator, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "weft.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	o := New(s, adapter, resolve.New(nil), log.New(io.Discard, "", 0))
	return o, s
}

func TestCycleMaterializesRemoteEntities(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		remotes: []*provider.RemoteRecord{
			remoteRecord(t, "101", time.Now().UTC(), schema.FieldDeltas{
				schema.FieldTitle:  "Imported issue",
				schema.FieldStatus: "active",
			}),
		},
	}
	o, s := setupOrchestrator(t, adapter)

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	entities, err := s.ListEntities(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	e := entities[0]
	if e.Title != "Imported issue" || e.Status != schema.StatusActive || e.Version != 1 {
		t.Errorf("entity = %+v", e)
	}
	if e.ProviderLinks["github"].ID != "101" {
		t.Errorf("ProviderLinks = %+v", e.ProviderLinks)
	}

	// The imported record must not be echoed back as a push
	if len(adapter.pushCalls) != 0 {
		t.Errorf("pushes = %d, imported record echoed", len(adapter.pushCalls))
	}
}

func TestCycleIdempotent(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		remotes: []*provider.RemoteRecord{
			remoteRecord(t, "101", time.Now().UTC(), schema.FieldDeltas{
				schema.FieldTitle: "Stable issue",
			}),
		},
	}
	o, s := setupOrchestrator(t, adapter)

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}

	// Same remote record delivered again (e.g. cursor overlap): nothing
	// may change.
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}

	entities, _ := s.ListEntities(ctx, store.ListFilter{})
	if len(entities) != 1 {
		t.Fatalf("entities = %d", len(entities))
	}
	if entities[0].Version != 1 {
		t.Errorf("version = %d, re-delivery churned versions", entities[0].Version)
	}

	conflicts, _ := s.Conflicts(ctx, "")
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %d, re-delivery is not a conflict", len(conflicts))
	}
}

func TestCyclePushesLocalChanges(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	o, s := setupOrchestrator(t, adapter)

	entity := schema.NewEntity("Local task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(adapter.pushCalls) != 1 {
		t.Fatalf("pushes = %d, want 1", len(adapter.pushCalls))
	}

	// The assigned external ref is linked
	after, _ := s.GetEntity(ctx, entity.ID)
	if after.ProviderLinks["github"].ID == "" {
		t.Errorf("ProviderLinks = %+v", after.ProviderLinks)
	}

	// Re-running with nothing new pushes nothing
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	if len(adapter.pushCalls) != 1 {
		t.Errorf("pushes = %d after idle cycle", len(adapter.pushCalls))
	}
}

func TestCycleCombinesPendingRecords(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	o, s := setupOrchestrator(t, adapter)

	entity := schema.NewEntity("Edited twice")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	origin := schema.DeviceOrigin("laptop")
	if _, err := s.SubmitChange(ctx, entity.ID, schema.FieldDeltas{schema.FieldPriority: 1}, origin); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if _, err := s.SubmitChange(ctx, entity.ID, schema.FieldDeltas{schema.FieldPriority: 0}, origin); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// Three pending records collapse into one push with the net deltas
	if len(adapter.pushCalls) != 1 {
		t.Fatalf("pushes = %d, want 1 combined", len(adapter.pushCalls))
	}
	// Deltas round-trip through JSON, so numbers come back as float64
	if got := adapter.pushCalls[0].Deltas[schema.FieldPriority]; fmt.Sprint(got) != "0" {
		t.Errorf("pushed priority = %v, later value must win", got)
	}
}

func TestDivergenceResolvedAndRecorded(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	adapter := &fakeAdapter{}
	o, s := setupOrchestrator(t, adapter)

	// Establish a synced entity
	entity := schema.NewEntity("Shared task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("initial RunCycle() error = %v", err)
	}
	linked, _ := s.GetEntity(ctx, entity.ID)
	ref := linked.ProviderLinks["github"].ID

	// Diverge: local description edit, then a conflicting remote edit
	// based on the version the provider last saw
	if _, err := s.SubmitChange(ctx, entity.ID, schema.FieldDeltas{
		schema.FieldDescription: "local wording",
	}, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	adapter.remotes = []*provider.RemoteRecord{
		remoteRecord(t, ref, now.Add(-time.Minute), schema.FieldDeltas{
			schema.FieldTitle:       "Shared task",
			schema.FieldDescription: "remote wording",
		}),
	}

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// Description edits on both sides cannot merge silently
	conflicts, err := s.Conflicts(ctx, schema.ConflictNeedsReview)
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("needs_review conflicts = %d, want 1", len(conflicts))
	}

	// The local edit is newer, so its wording is the provisional value
	after, _ := s.GetEntity(ctx, entity.ID)
	if after.Description != "local wording" {
		t.Errorf("description = %q", after.Description)
	}
}

func TestLaggedSyncMarkDoesNotDropRemoteEdits(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	adapter := &fakeAdapter{}
	o, s := setupOrchestrator(t, adapter)

	entity := schema.NewEntity("Interrupted task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("initial RunCycle() error = %v", err)
	}
	linked, _ := s.GetEntity(ctx, entity.ID)
	ref := linked.ProviderLinks["github"].ID

	// A cycle that died between applying a remote record and marking it
	// synced leaves pushed_version behind the entity version, with only
	// provider-origin records in between
	interrupted := schema.NewChangeRecord(entity.ID, 1, schema.FieldDeltas{
		schema.FieldStatus: "active",
	}, schema.ProviderOrigin("github"))
	if _, err := s.Apply(ctx, interrupted); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// The next remote edit arrives based on the stale pushed version
	adapter.remotes = []*provider.RemoteRecord{
		remoteRecord(t, ref, now, schema.FieldDeltas{
			schema.FieldTitle:       "Interrupted task",
			schema.FieldStatus:      "active",
			schema.FieldDescription: "written upstream",
		}),
	}
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// The edit must be applied, not treated as a stale duplicate
	after, err := s.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if after.Description != "written upstream" {
		t.Errorf("description = %q, remote edit dropped", after.Description)
	}
	if after.Version != 3 {
		t.Errorf("version = %d, want 3", after.Version)
	}

	// The synced mark recovered past the re-based record
	ecur, err := s.GetEntityCursor(ctx, entity.ID, "github")
	if err != nil {
		t.Fatalf("GetEntityCursor() error = %v", err)
	}
	if ecur.PushedVersion != 3 {
		t.Errorf("pushed version = %d, want 3", ecur.PushedVersion)
	}

	// It was not an edit conflict: nothing local diverged
	conflicts, _ := s.Conflicts(ctx, "")
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %d, want 0", len(conflicts))
	}
}

func TestDeterministicResolution(t *testing.T) {
	// Two stores receiving the same divergence resolve identically
	ctx := context.Background()
	now := time.Now().UTC()

	outcome := func() string {
		adapter := &fakeAdapter{}
		o, s := setupOrchestrator(t, adapter)

		entity := schema.NewEntity("Deterministic task")
		if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}
		if err := o.RunCycle(ctx); err != nil {
			t.Fatalf("RunCycle() error = %v", err)
		}
		linked, _ := s.GetEntity(ctx, entity.ID)

		rec := schema.NewChangeRecord(entity.ID, 1, schema.FieldDeltas{
			schema.FieldStatus: "active",
			schema.FieldTags:   []string{"local"},
		}, schema.DeviceOrigin("laptop"))
		rec.CreatedAt = now
		if _, err := s.Apply(ctx, rec); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}

		adapter.remotes = []*provider.RemoteRecord{
			remoteRecord(t, linked.ProviderLinks["github"].ID, now.Add(time.Minute), schema.FieldDeltas{
				schema.FieldTitle:  "Deterministic task",
				schema.FieldStatus: "done",
				schema.FieldTags:   []string{"remote"},
			}),
		}
		if err := o.RunCycle(ctx); err != nil {
			t.Fatalf("RunCycle() error = %v", err)
		}

		after, _ := s.GetEntity(ctx, entity.ID)
		return string(after.Status) + "|" + schema.ContentHash(after)
	}

	first := outcome()
	for i := 0; i < 3; i++ {
		if again := outcome(); again != first {
			t.Fatalf("run %d diverged: %s vs %s", i, again, first)
		}
	}
}

func TestRateLimitSuspendsProvider(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{pushErr: &provider.RateLimitedError{RetryAfter: time.Hour}}
	o, s := setupOrchestrator(t, adapter)

	entity := schema.NewEntity("Blocked task")
	if _, err := s.CreateEntity(ctx, entity, schema.DeviceOrigin("laptop")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	// Rate limiting is not a cycle failure
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	status := o.Status()
	if !status.SuspendedUntil.After(time.Now()) {
		t.Error("provider not suspended")
	}
	if status.NeedsAuth {
		t.Error("rate limit latched as auth failure")
	}

	// The change stays queued for after the suspension
	pending, _ := s.PendingPushes(ctx, "github")
	if len(pending) != 1 {
		t.Errorf("pending = %d, change lost", len(pending))
	}

	// Cycles during the suspension are skipped entirely
	pulls := adapter.pullCount
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if adapter.pullCount != pulls {
		t.Error("suspended provider still pulled")
	}
}

func TestAuthFailureLatches(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{pullErr: provider.ErrAuthExpired}
	o, _ := setupOrchestrator(t, adapter)

	if err := o.RunCycle(ctx); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !o.Status().NeedsAuth {
		t.Fatal("auth failure not latched")
	}

	// No automatic retries while re-auth is pending
	pulls := adapter.pullCount
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() during latch error = %v", err)
	}
	if adapter.pullCount != pulls {
		t.Error("latched orchestrator still pulled")
	}

	// External re-auth re-arms the cycle
	adapter.pullErr = nil
	o.ClearAuthFailure()
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() after ClearAuthFailure error = %v", err)
	}
	if adapter.pullCount != pulls+1 {
		t.Error("cycle did not resume after re-auth")
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{pullErr: &provider.TransientError{Cause: errors.New("connection reset")}}
	o, _ := setupOrchestrator(t, adapter)

	if err := o.RunCycle(ctx); err == nil {
		t.Fatal("expected cycle error")
	}
	if o.Status().State != StateFailed {
		t.Errorf("state = %s", o.Status().State)
	}

	// An immediate retry is gated by backoff
	pulls := adapter.pullCount
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() during backoff error = %v", err)
	}
	if adapter.pullCount != pulls {
		t.Error("backoff did not gate the retry")
	}
}
