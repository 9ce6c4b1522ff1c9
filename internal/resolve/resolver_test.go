package resolve

import (
	"reflect"
	"testing"
	"time"

	"github.com/weft-sync/weft/internal/schema"
)

func record(t *testing.T, origin schema.Origin, at time.Time, deltas schema.FieldDeltas) *schema.ChangeRecord {
	t.Helper()
	rec := schema.NewChangeRecord("entity-1", 3, deltas, origin)
	rec.CreatedAt = at
	return rec
}

func TestResolveDisjointFields(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldTitle: "Local title",
	})
	remote := record(t, schema.ProviderOrigin("github"), now, schema.FieldDeltas{
		schema.FieldPriority: 1,
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Status != schema.ConflictAutoResolved {
		t.Errorf("Status = %s, want auto_resolved", out.Status)
	}
	if out.Merged[schema.FieldTitle] != "Local title" {
		t.Errorf("title = %v", out.Merged[schema.FieldTitle])
	}
	if out.Merged[schema.FieldPriority] != 1 {
		t.Errorf("priority = %v", out.Merged[schema.FieldPriority])
	}
}

func TestResolveTagUnion(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldTags: []string{"urgent", "backend"},
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Hour), schema.FieldDeltas{
		schema.FieldTags: []string{"backend", "customer"},
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := []string{"backend", "customer", "urgent"}
	if !reflect.DeepEqual(out.Merged[schema.FieldTags], want) {
		t.Errorf("tags = %v, want %v", out.Merged[schema.FieldTags], want)
	}
	if out.Status != schema.ConflictAutoResolved {
		t.Errorf("Status = %s, tag conflicts merge automatically", out.Status)
	}
}

func TestResolveStatusLattice(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	// The older record carries the more advanced status; the lattice must
	// win over recency.
	local := record(t, schema.DeviceOrigin("laptop"), now.Add(-time.Hour), schema.FieldDeltas{
		schema.FieldStatus: "done",
	})
	remote := record(t, schema.ProviderOrigin("github"), now, schema.FieldDeltas{
		schema.FieldStatus: "active",
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Merged[schema.FieldStatus] != "done" {
		t.Errorf("status = %v, want done", out.Merged[schema.FieldStatus])
	}
}

func TestResolveDeletedAbsorbs(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldStatus: "deleted",
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Hour), schema.FieldDeltas{
		schema.FieldStatus: "active",
		schema.FieldTitle:  "Renamed remotely",
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Merged[schema.FieldStatus] != "deleted" {
		t.Errorf("status = %v, deleted must absorb", out.Merged[schema.FieldStatus])
	}
	// The rename still carries through; deletion does not erase edits
	if out.Merged[schema.FieldTitle] != "Renamed remotely" {
		t.Errorf("title = %v", out.Merged[schema.FieldTitle])
	}
}

func TestResolveScalarLastWriterWins(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldTitle: "Older local title",
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Minute), schema.FieldDeltas{
		schema.FieldTitle: "Newer remote title",
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Merged[schema.FieldTitle] != "Newer remote title" {
		t.Errorf("title = %v, most recent write must win", out.Merged[schema.FieldTitle])
	}
}

func TestResolveTimestampTieLocalDeviceWins(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldTitle: "Device title",
	})
	remote := record(t, schema.ProviderOrigin("github"), now, schema.FieldDeltas{
		schema.FieldTitle: "Provider title",
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Merged[schema.FieldTitle] != "Device title" {
		t.Errorf("title = %v, device must beat provider on ties", out.Merged[schema.FieldTitle])
	}
}

func TestResolveProviderPriorityTie(t *testing.T) {
	r := New(&Config{ProviderPriority: []string{"linear", "github"}})
	now := time.Now().UTC()

	github := record(t, schema.ProviderOrigin("github"), now, schema.FieldDeltas{
		schema.FieldTitle: "GitHub title",
	})
	linear := record(t, schema.ProviderOrigin("linear"), now, schema.FieldDeltas{
		schema.FieldTitle: "Linear title",
	})

	out, err := r.Resolve(github, linear)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Merged[schema.FieldTitle] != "Linear title" {
		t.Errorf("title = %v, configured priority must win the tie", out.Merged[schema.FieldTitle])
	}
}

func TestResolveDescriptionNeedsReview(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldDescription: "Local draft",
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Minute), schema.FieldDeltas{
		schema.FieldDescription: "Remote draft",
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Status != schema.ConflictNeedsReview {
		t.Errorf("Status = %s, want needs_review", out.Status)
	}
	if !reflect.DeepEqual(out.ReviewFields, []string{schema.FieldDescription}) {
		t.Errorf("ReviewFields = %v", out.ReviewFields)
	}
	// A provisional value is still chosen so sync can proceed
	if out.Merged[schema.FieldDescription] == nil {
		t.Error("no provisional description chosen")
	}
}

func TestResolveEqualValuesNoConflict(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldDescription: "Same text",
		schema.FieldPriority:    2,
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Hour), schema.FieldDeltas{
		schema.FieldDescription: "Same text",
		// JSON delivery turns ints into floats; still equal
		schema.FieldPriority: float64(2),
	})

	out, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Status != schema.ConflictAutoResolved {
		t.Errorf("Status = %s, equal values are not a conflict", out.Status)
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{
		schema.FieldTitle:       "Local",
		schema.FieldDescription: "Local text",
		schema.FieldTags:        []string{"a"},
		schema.FieldStatus:      "active",
	})
	remote := record(t, schema.ProviderOrigin("github"), now.Add(time.Second), schema.FieldDeltas{
		schema.FieldTitle:       "Remote",
		schema.FieldDescription: "Remote text",
		schema.FieldTags:        []string{"b"},
		schema.FieldStatus:      "done",
	})

	first, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(local, remote)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, first, again)
		}
	}
}

func TestResolveDifferentEntities(t *testing.T) {
	r := New(nil)
	now := time.Now().UTC()

	local := record(t, schema.DeviceOrigin("laptop"), now, schema.FieldDeltas{schema.FieldTitle: "x"})
	remote := record(t, schema.ProviderOrigin("github"), now, schema.FieldDeltas{schema.FieldTitle: "y"})
	remote.EntityID = "entity-2"

	if _, err := r.Resolve(local, remote); err == nil {
		t.Fatal("expected error for records targeting different entities")
	}
}
