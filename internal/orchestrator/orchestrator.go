// Package orchestrator drives the per-provider pull/reconcile/push
// cycle.
//
// Each provider gets its own Orchestrator running an independent state
// machine:
//
//	Idle -> Pulling -> Reconciling -> Pushing -> Idle
//
// Failed is reachable from any state and returns to Idle after
// exponential backoff. Provider failures are isolated: one failing
// provider never blocks another provider's cycle or the device sync
// channel.
//
// The cycle is idempotent. Re-running with no new local or remote
// changes advances nothing: the pull cursor suppresses re-delivery,
// content-hash checks suppress no-op records, and the push phase finds
// no pending changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weft-sync/weft/internal/provider"
	"github.com/weft-sync/weft/internal/resolve"
	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
)

// State of the per-provider cycle.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StatePushing     State = "pushing"
	StateFailed      State = "failed"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 5 * time.Minute
)

// Orchestrator runs sync cycles for one provider.
type Orchestrator struct {
	store    *store.Store
	adapter  provider.Adapter
	resolver *resolve.Resolver
	logger   *log.Logger

	mu             sync.Mutex
	state          State
	lastErr        error
	needsAuth      bool
	failCount      int
	retryAt        time.Time // backoff gate after Failed
	suspendedUntil time.Time // rate-limit gate, separate from backoff
	lastCycleAt    time.Time
}

// New creates an orchestrator for one provider. If logger is nil a
// default stderr logger is used.
func New(st *store.Store, adapter provider.Adapter, resolver *resolve.Resolver, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:    st,
		adapter:  adapter,
		resolver: resolver,
		logger:   logger,
		state:    StateIdle,
	}
}

// Provider returns the adapter's provider name.
func (o *Orchestrator) Provider() string {
	return o.adapter.Name()
}

// Status is a snapshot of the cycle state for the status surface.
// Auth failures and suspensions are queryable, never only logged.
type Status struct {
	Provider       string
	State          State
	NeedsAuth      bool
	LastError      string
	SuspendedUntil time.Time
	LastCycleAt    time.Time
}

// Status returns the current cycle snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		Provider:       o.adapter.Name(),
		State:          o.state,
		NeedsAuth:      o.needsAuth,
		SuspendedUntil: o.suspendedUntil,
		LastCycleAt:    o.lastCycleAt,
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

// RunCycle executes one pull/reconcile/push cycle.
//
// Returns nil when the cycle completed or was skipped (backoff, rate
// limit, re-auth pending). Cancellation between phases retains partial
// progress: applied records and advanced cursors are never rolled back.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.begin() {
		return nil
	}

	err := o.cycle(ctx)
	o.finish(err)
	return err
}

// begin gates a new cycle and claims the state machine.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if o.state != StateIdle && o.state != StateFailed {
		// A cycle is already running; the scheduler coalesces triggers,
		// but an on-demand trigger can still race the interval tick.
		return false
	}
	if o.needsAuth {
		return false
	}
	if now.Before(o.retryAt) || now.Before(o.suspendedUntil) {
		return false
	}
	o.state = StatePulling
	return true
}

func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.lastCycleAt = time.Now()
	if err == nil {
		o.state = StateIdle
		o.lastErr = nil
		o.failCount = 0
		o.retryAt = time.Time{}
		return
	}

	o.state = StateFailed
	o.lastErr = err
	if errors.Is(err, provider.ErrAuthExpired) {
		// Not retried automatically; requires external re-auth via
		// ClearAuthFailure.
		o.needsAuth = true
		o.logger.Printf("Provider %s requires re-authentication", o.adapter.Name())
		return
	}

	o.failCount++
	backoff := initialBackoff << (o.failCount - 1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	o.retryAt = time.Now().Add(backoff)
	o.logger.Printf("Provider %s cycle failed (attempt %d, retry in %s): %v",
		o.adapter.Name(), o.failCount, backoff, err)
}

// ClearAuthFailure re-arms the cycle after external re-authentication.
func (o *Orchestrator) ClearAuthFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.needsAuth = false
	o.state = StateIdle
	o.lastErr = nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) cycle(ctx context.Context) error {
	if err := o.pullAndReconcile(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled between phases; committed progress is retained.
		return err
	}

	o.setState(StatePushing)
	return o.push(ctx)
}

// pullAndReconcile fetches remote records since the provider cursor and
// integrates each through the change store, resolving conflicts for
// stale applications.
func (o *Orchestrator) pullAndReconcile(ctx context.Context) error {
	name := o.adapter.Name()

	cur, err := o.store.GetProviderCursor(ctx, name)
	if err != nil {
		return err
	}

	it, err := o.adapter.Pull(ctx, provider.Cursor{ETag: cur.ETag, Since: cur.Since})
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	o.setState(StateReconciling)

	var pulled, skipped int
	for {
		remote, err := it.Next(ctx)
		if err != nil {
			if provider.IsCorruptRecord(err) {
				// One bad remote record must not halt the whole pull.
				o.logger.Printf("Skipping corrupt record from %s: %v", name, err)
				skipped++
				continue
			}
			// Preserve the last successfully advanced cursor before
			// aborting so the next cycle resumes instead of refetching.
			o.persistCursor(ctx, it.Cursor())
			return fmt.Errorf("pull aborted: %w", err)
		}
		if remote == nil {
			break
		}

		if err := o.reconcileRemote(ctx, remote); err != nil {
			o.persistCursor(ctx, it.Cursor())
			return err
		}
		pulled++
	}

	o.persistCursor(ctx, it.Cursor())
	if pulled > 0 || skipped > 0 {
		o.logger.Printf("Pulled %d records from %s (%d skipped)", pulled, name, skipped)
	}
	return nil
}

func (o *Orchestrator) persistCursor(ctx context.Context, cur provider.Cursor) {
	err := o.store.PutProviderCursor(ctx, store.ProviderCursor{
		Provider: o.adapter.Name(),
		ETag:     cur.ETag,
		Since:    cur.Since,
	})
	if err != nil {
		o.logger.Printf("Warning: failed to persist cursor for %s: %v", o.adapter.Name(), err)
	}
}

// reconcileRemote integrates one remote record.
func (o *Orchestrator) reconcileRemote(ctx context.Context, remote *provider.RemoteRecord) error {
	name := o.adapter.Name()

	deltas, err := o.adapter.MapToLocal(remote)
	if err != nil {
		if provider.IsCorruptRecord(err) {
			o.logger.Printf("Skipping unmappable record from %s: %v", name, err)
			return nil
		}
		return err
	}

	origin := schema.ProviderOrigin(name)
	entityID, err := o.store.FindEntityByExternalRef(ctx, name, remote.Ref.ID)
	if errors.Is(err, store.ErrEntityNotFound) {
		// First sighting: materialize a local entity from the remote
		// record and link it so future pushes address it.
		rec := schema.NewChangeRecord(uuid.NewString(), 0, deltas, origin)
		rec.CreatedAt = remote.UpdatedAt.UTC()
		if _, err := o.store.Apply(ctx, rec); err != nil {
			return fmt.Errorf("failed to apply remote genesis record: %w", err)
		}
		return o.store.MarkSynced(ctx, rec.EntityID, name, 1, remote.Ref)
	}
	if err != nil {
		return err
	}

	entity, err := o.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}

	// Cheap no-op detection: if the remote state matches what we
	// already have, re-applying would only churn versions.
	probe := entity.Clone()
	if err := probe.ApplyDeltas(deltas); err == nil &&
		schema.ContentHash(probe) == schema.ContentHash(entity) {
		return nil
	}

	// The remote change diverged from the version the provider last
	// acknowledged, not necessarily from our current one.
	ecur, err := o.store.GetEntityCursor(ctx, entityID, name)
	if err != nil {
		return err
	}
	rec := schema.NewChangeRecord(entityID, ecur.PushedVersion, deltas, origin)
	rec.CreatedAt = remote.UpdatedAt.UTC()

	result, err := o.store.Apply(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to apply remote record: %w", err)
	}
	if result == store.Applied {
		return o.store.MarkSynced(ctx, entityID, name, entity.Version+1, remote.Ref)
	}

	return o.resolveStale(ctx, entity, rec, remote.Ref)
}

// resolveStale handles a stale remote application: find the local
// record it collided with, merge, re-apply the merge at the current
// version, and record the conflict for audit.
func (o *Orchestrator) resolveStale(ctx context.Context, entity *schema.Entity, remoteRec *schema.ChangeRecord, ref schema.ExternalRef) error {
	localRec, err := o.latestLocalChange(ctx, entity.ID, remoteRec.BaseVersion)
	if err != nil {
		return err
	}
	if localRec == nil {
		// Every change past the pushed version came from this provider:
		// an earlier cycle stopped between applying a record and marking
		// it synced, leaving pushed_version behind. The remote edit is
		// real (the content probe already ruled out a duplicate), so
		// re-base it onto the current version and repair the mark.
		return o.applyRebased(ctx, entity.ID, remoteRec, ref)
	}

	outcome, err := o.resolver.Resolve(localRec, remoteRec)
	if err != nil {
		return fmt.Errorf("conflict resolution failed: %w", err)
	}

	current, err := o.store.CurrentVersion(ctx, entity.ID)
	if err != nil {
		return err
	}
	merged := schema.NewChangeRecord(entity.ID, current, outcome.Merged, localRec.Origin)
	result, err := o.store.Apply(ctx, merged)
	if err != nil {
		return fmt.Errorf("failed to apply merge: %w", err)
	}
	if result != store.Applied {
		// The store serializes same-entity writes, so the merge built
		// against the current version cannot be stale.
		return fmt.Errorf("merge unexpectedly stale for entity %s", entity.ID)
	}

	conflict := schema.NewConflict(localRec, remoteRec)
	conflict.Status = outcome.Status
	conflict.Outcome = outcome.Merged
	conflict.ReviewFields = outcome.ReviewFields
	if outcome.Status == schema.ConflictAutoResolved {
		now := time.Now().UTC()
		conflict.ResolvedAt = &now
	}
	if err := o.store.RecordConflict(ctx, conflict); err != nil {
		return err
	}

	o.logger.Printf("Resolved conflict on %s (%s, fields in review: %v)",
		entity.ID, outcome.Status, outcome.ReviewFields)
	return nil
}

// applyRebased re-issues a stale remote record against the entity's
// current version and advances the synced mark past it.
func (o *Orchestrator) applyRebased(ctx context.Context, entityID string, remoteRec *schema.ChangeRecord, ref schema.ExternalRef) error {
	current, err := o.store.CurrentVersion(ctx, entityID)
	if err != nil {
		return err
	}

	rebased := schema.NewChangeRecord(entityID, current, remoteRec.Deltas, remoteRec.Origin)
	rebased.CreatedAt = remoteRec.CreatedAt
	result, err := o.store.Apply(ctx, rebased)
	if err != nil {
		return fmt.Errorf("failed to apply re-based remote record: %w", err)
	}
	if result != store.Applied {
		return fmt.Errorf("re-based record unexpectedly stale for entity %s", entityID)
	}

	return o.store.MarkSynced(ctx, entityID, o.adapter.Name(), current+1, ref)
}

// latestLocalChange finds the most recent non-provider change at or
// after sinceVersion, which is the local side of the collision.
func (o *Orchestrator) latestLocalChange(ctx context.Context, entityID string, sinceVersion int64) (*schema.ChangeRecord, error) {
	hist := o.store.History(entityID, sinceVersion)
	providerOrigin := schema.ProviderOrigin(o.adapter.Name())

	var latest *schema.ChangeRecord
	for {
		rec, err := hist.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return latest, nil
		}
		if rec.Origin == providerOrigin {
			continue
		}
		latest = rec
	}
}

// push sends pending local changes to the provider.
func (o *Orchestrator) push(ctx context.Context) error {
	name := o.adapter.Name()

	pendings, err := o.store.PendingPushes(ctx, name)
	if err != nil {
		return err
	}

	var pushed int
	for _, p := range pendings {
		if err := ctx.Err(); err != nil {
			return err
		}

		ecur, err := o.store.GetEntityCursor(ctx, p.Entity.ID, name)
		if err != nil {
			return err
		}

		// Collapse the pending records into one net delta set; later
		// values override earlier ones.
		combined := make(schema.FieldDeltas)
		for _, rec := range p.Records {
			for f, v := range rec.Deltas {
				combined[f] = v
			}
		}
		last := p.Records[len(p.Records)-1]
		pushRec := &schema.ChangeRecord{
			ID:          last.ID,
			EntityID:    last.EntityID,
			BaseVersion: last.BaseVersion,
			Deltas:      combined,
			Origin:      last.Origin,
			CreatedAt:   last.CreatedAt,
		}

		ref, err := o.adapter.Push(ctx, p.Entity, pushRec, ecur.ExternalRef)
		if err != nil {
			if delay, ok := provider.IsRateLimited(err); ok {
				// Suspend this provider only; others keep syncing.
				o.mu.Lock()
				o.suspendedUntil = time.Now().Add(delay)
				o.mu.Unlock()
				o.logger.Printf("Provider %s rate limited, suspending pushes for %s", name, delay)
				return nil
			}
			return fmt.Errorf("push failed for entity %s: %w", p.Entity.ID, err)
		}

		if err := o.store.MarkSynced(ctx, p.Entity.ID, name, p.Entity.Version, ref); err != nil {
			return err
		}
		pushed++
	}

	if pushed > 0 {
		o.logger.Printf("Pushed %d entities to %s", pushed, name)
	}
	return nil
}
