package livesync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"famcal-api/types"
)

// Reconciler folds an unordered, at-least-once stream of live messages into
// a local collection of events for the active scope. It guarantees that, for
// any event id, the collection converges to the state implied by the highest
// updatedAt seen, regardless of arrival order or duplicates, and that a
// deletion is never undone by a stale create/update (tombstone dominance).
//
// All methods are safe for concurrent use; internally a single mutex stands
// in for the event loop the browser client had.
type Reconciler struct {
	mu         sync.Mutex
	scope      Scope
	byID       map[string]*types.EventOut
	tombstones map[string]time.Time

	scheduleResync func()
	onChange       func([]types.EventOut)
	onScopeGone    func()
	logger         *slog.Logger
}

// ReconcilerConfig wires the reconciler's collaborators. ScheduleResync is
// required; the others may be nil.
type ReconcilerConfig struct {
	Scope          Scope
	ScheduleResync func()
	OnChange       func([]types.EventOut)
	OnScopeGone    func()
	Logger         *slog.Logger
}

// NewReconciler creates an empty reconciler for the given scope.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resync := cfg.ScheduleResync
	if resync == nil {
		resync = func() {}
	}
	return &Reconciler{
		scope:          cfg.Scope,
		byID:           make(map[string]*types.EventOut),
		tombstones:     make(map[string]time.Time),
		scheduleResync: resync,
		onChange:       cfg.OnChange,
		onScopeGone:    cfg.OnScopeGone,
		logger:         logger,
	}
}

// Apply merges one live message into the collection. Malformed payloads and
// metadata changes degrade to a scheduled resync; nothing here returns an
// error or panics.
func (r *Reconciler) Apply(msg types.LiveMessage) {
	var (
		changed   bool
		resync    bool
		scopeGone bool
	)

	r.mu.Lock()
	switch {
	case msg.Type == types.LiveEventDeleted:
		changed = r.applyDeleteLocked(msg)

	case msg.IsEntity():
		changed, resync = r.applyEntityLocked(msg)

	case msg.Type == types.LiveCalendarDeleted:
		if r.scope.LensID != nil && *r.scope.LensID == msg.EntityID {
			// The active lens is gone; the view must be cleared, not resynced.
			scopeGone = true
		} else {
			resync = true
		}

	case msg.IsMeta(), msg.Type == types.LiveSystemResyncRequired:
		// Filtering rules may have changed out from under us; incremental
		// patching is unsafe.
		resync = true

	case msg.Type == types.LiveSystemConnected, msg.Type == types.LiveSystemPing:
		// Liveness only.

	case msg.Type == types.LiveCommentAdded:
		// Comments live outside the event collection.

	default:
		r.logger.Debug("ignoring unknown live message type", "type", msg.Type)
	}
	snapshot := r.snapshotLocked(changed)
	r.mu.Unlock()

	if scopeGone && r.onScopeGone != nil {
		r.onScopeGone()
		return
	}
	if resync {
		r.scheduleResync()
	}
	if changed && r.onChange != nil {
		r.onChange(snapshot)
	}
}

func (r *Reconciler) applyDeleteLocked(msg types.LiveMessage) bool {
	if existing, ok := r.tombstones[msg.EntityID]; !ok || msg.UpdatedAt.After(existing) {
		r.tombstones[msg.EntityID] = msg.UpdatedAt
	}
	if _, present := r.byID[msg.EntityID]; present {
		delete(r.byID, msg.EntityID)
		return true
	}
	return false
}

func (r *Reconciler) applyEntityLocked(msg types.LiveMessage) (changed, resync bool) {
	ev, err := DecodeEvent(msg.Payload)
	if err != nil {
		r.logger.Warn("undecodable event payload, falling back to resync",
			"type", msg.Type, "entityId", msg.EntityID, "err", err)
		return false, true
	}

	if !r.scope.Matches(ev) {
		// A previously matching event may have been edited out of scope.
		if _, present := r.byID[ev.ID]; present {
			delete(r.byID, ev.ID)
			return true, false
		}
		return false, false
	}

	// A deletion strictly dominates an earlier or simultaneous create/update.
	if tomb, ok := r.tombstones[ev.ID]; ok && !ev.UpdatedAt.After(tomb) {
		return false, false
	}

	// Last-write-wins; ties keep the applied state so the merge stays
	// idempotent.
	if existing, ok := r.byID[ev.ID]; ok && !existing.UpdatedAt.Before(ev.UpdatedAt) {
		return false, false
	}

	clone := *ev
	r.byID[ev.ID] = &clone
	return true, false
}

// ReplaceAll swaps in an authoritative snapshot from a resync fetch. Events
// outside the current scope are dropped, and tombstones for ids absent from
// the snapshot are pruned (the server has confirmed they are gone).
func (r *Reconciler) ReplaceAll(events []types.EventOut) {
	r.mu.Lock()
	r.byID = make(map[string]*types.EventOut, len(events))
	for i := range events {
		ev := events[i]
		if r.scope.Matches(&ev) {
			r.byID[ev.ID] = &ev
		}
	}
	for id := range r.tombstones {
		if _, present := r.byID[id]; !present {
			delete(r.tombstones, id)
		}
	}
	snapshot := r.snapshotLocked(true)
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(snapshot)
	}
}

// SetScope switches the active scope and re-filters the entire collection,
// not only future messages.
func (r *Reconciler) SetScope(scope Scope) {
	r.mu.Lock()
	r.scope = scope
	changed := false
	for id, ev := range r.byID {
		if !scope.Matches(ev) {
			delete(r.byID, id)
			changed = true
		}
	}
	snapshot := r.snapshotLocked(changed)
	r.mu.Unlock()

	if changed && r.onChange != nil {
		r.onChange(snapshot)
	}
}

// Scope returns the active scope.
func (r *Reconciler) Scope() Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scope
}

// Events returns the collection ordered the way the listing endpoint orders
// it: dateLocal descending, then createdAt descending.
func (r *Reconciler) Events() []types.EventOut {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(true)
}

// TombstonedAt returns the recorded deletion timestamp for an id, if any.
func (r *Reconciler) TombstonedAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tombstones[id]
	return ts, ok
}

func (r *Reconciler) snapshotLocked(build bool) []types.EventOut {
	if !build {
		return nil
	}
	out := make([]types.EventOut, 0, len(r.byID))
	for _, ev := range r.byID {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateLocal.Equal(out[j].DateLocal.Time) {
			return out[i].DateLocal.After(out[j].DateLocal)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
