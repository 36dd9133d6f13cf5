package livesync

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famcal-api/types"
)

var testBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testScope() Scope {
	return Scope{
		ProjectID: "p1",
		From:      types.NewDate(2026, 8, 1),
		To:        types.NewDate(2026, 8, 31),
	}
}

func testEvent(id string, updatedAt time.Time, mutate ...func(*types.EventOut)) types.EventOut {
	ev := types.EventOut{
		ID:           id,
		ProjectID:    "p1",
		Title:        "event " + id,
		MemberIDs:    []string{},
		Kind:         types.EventKindNote,
		DateLocal:    types.NewDate(2026, 8, 10),
		EndDateLocal: types.NewDate(2026, 8, 10),
		CreatedBy:    "u1",
		CreatedAt:    testBase,
		UpdatedAt:    updatedAt,
	}
	for _, fn := range mutate {
		fn(&ev)
	}
	return ev
}

func entityMessage(msgType string, ev types.EventOut) types.LiveMessage {
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return types.LiveMessage{
		ID:        "m-" + ev.ID + "-" + ev.UpdatedAt.Format(time.RFC3339Nano),
		ProjectID: ev.ProjectID,
		Type:      msgType,
		EntityID:  ev.ID,
		Payload:   payload,
		UpdatedAt: ev.UpdatedAt,
	}
}

func deleteMessage(id string, updatedAt time.Time) types.LiveMessage {
	return types.LiveMessage{
		ID:        "m-del-" + id + "-" + updatedAt.Format(time.RFC3339Nano),
		ProjectID: "p1",
		Type:      types.LiveEventDeleted,
		EntityID:  id,
		UpdatedAt: updatedAt,
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *int) {
	t.Helper()
	resyncs := 0
	r := NewReconciler(ReconcilerConfig{
		Scope:          testScope(),
		ScheduleResync: func() { resyncs++ },
	})
	return r, &resyncs
}

func collectionIDs(r *Reconciler) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, ev := range r.Events() {
		out[ev.ID] = ev.UpdatedAt
	}
	return out
}

func TestReconcilerUpsertAndLastWriteWins(t *testing.T) {
	r, _ := newTestReconciler(t)

	r.Apply(entityMessage(types.LiveEventCreated, testEvent("e1", testBase)))
	require.Len(t, r.Events(), 1)

	// An older update must not win.
	older := testEvent("e1", testBase.Add(-time.Minute), func(ev *types.EventOut) { ev.Title = "stale" })
	r.Apply(entityMessage(types.LiveEventUpdated, older))
	assert.Equal(t, "event e1", r.Events()[0].Title)

	// A newer update must win.
	newer := testEvent("e1", testBase.Add(time.Minute), func(ev *types.EventOut) { ev.Title = "fresh" })
	r.Apply(entityMessage(types.LiveEventUpdated, newer))
	assert.Equal(t, "fresh", r.Events()[0].Title)
}

func TestReconcilerIdempotence(t *testing.T) {
	r, _ := newTestReconciler(t)

	msg := entityMessage(types.LiveEventCreated, testEvent("e1", testBase))
	r.Apply(msg)
	once := collectionIDs(r)
	r.Apply(msg)
	r.Apply(msg)
	assert.Equal(t, once, collectionIDs(r))

	del := deleteMessage("e1", testBase.Add(time.Minute))
	r.Apply(del)
	afterDelete := collectionIDs(r)
	r.Apply(del)
	assert.Equal(t, afterDelete, collectionIDs(r))
	assert.Empty(t, afterDelete)
}

func TestReconcilerTombstoneDominance(t *testing.T) {
	// spec scenario: T0 < T1 < T1.5 < T2
	t0 := testBase
	t1 := testBase.Add(time.Minute)
	t15 := testBase.Add(90 * time.Second)
	t2 := testBase.Add(2 * time.Minute)

	r, _ := newTestReconciler(t)
	r.Apply(entityMessage(types.LiveEventCreated, testEvent("e1", t1)))

	// Update older than the applied state: no change.
	r.Apply(entityMessage(types.LiveEventUpdated, testEvent("e1", t0)))
	require.Len(t, r.Events(), 1)
	assert.True(t, r.Events()[0].UpdatedAt.Equal(t1))

	// Deletion at T2 removes and tombstones.
	r.Apply(deleteMessage("e1", t2))
	assert.Empty(t, r.Events())
	tomb, ok := r.TombstonedAt("e1")
	require.True(t, ok)
	assert.True(t, tomb.Equal(t2))

	// Late update between T1 and T2 must not resurrect.
	r.Apply(entityMessage(types.LiveEventUpdated, testEvent("e1", t15)))
	assert.Empty(t, r.Events())

	// A deletion also dominates a simultaneous update.
	r.Apply(entityMessage(types.LiveEventUpdated, testEvent("e1", t2)))
	assert.Empty(t, r.Events())

	// Only a strictly newer write (a real recreate) may reintroduce it.
	r.Apply(entityMessage(types.LiveEventCreated, testEvent("e1", t2.Add(time.Second))))
	assert.Len(t, r.Events(), 1)
}

func TestReconcilerDeleteBeforeCreateArrives(t *testing.T) {
	r, _ := newTestReconciler(t)

	r.Apply(deleteMessage("e1", testBase.Add(time.Minute)))
	r.Apply(entityMessage(types.LiveEventCreated, testEvent("e1", testBase)))
	assert.Empty(t, r.Events(), "create older than the deletion must stay dead")
}

func TestReconcilerConvergenceUnderPermutation(t *testing.T) {
	// For a fixed set of notifications with distinct updatedAt values, any
	// arrival order must converge to the same final state.
	var msgs []types.LiveMessage
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("e%d", i)
		msgs = append(msgs,
			entityMessage(types.LiveEventCreated, testEvent(id, testBase.Add(time.Duration(i)*time.Second))),
			entityMessage(types.LiveEventUpdated, testEvent(id, testBase.Add(time.Duration(10+i)*time.Second), func(ev *types.EventOut) {
				ev.Title = "updated " + id
			})),
		)
	}
	// One of them gets deleted after its update, one before.
	msgs = append(msgs,
		deleteMessage("e0", testBase.Add(time.Minute)),
		deleteMessage("e1", testBase.Add(5*time.Second)),
	)

	reference, _ := newTestReconciler(t)
	for _, msg := range msgs {
		reference.Apply(msg)
	}
	want := collectionIDs(reference)
	require.NotEmpty(t, want)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		shuffled := make([]types.LiveMessage, len(msgs))
		copy(shuffled, msgs)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		r, _ := newTestReconciler(t)
		for _, msg := range shuffled {
			r.Apply(msg)
		}
		require.Equal(t, want, collectionIDs(r), "permutation %d diverged", trial)
	}
}

func TestReconcilerScopeEviction(t *testing.T) {
	lensA := "lens-a"
	lensB := "lens-b"
	scope := testScope()
	scope.LensID = &lensA
	resyncs := 0
	r := NewReconciler(ReconcilerConfig{Scope: scope, ScheduleResync: func() { resyncs++ }})

	onLens := testEvent("e1", testBase, func(ev *types.EventOut) { ev.LensID = &lensA })
	r.Apply(entityMessage(types.LiveEventCreated, onLens))
	require.Len(t, r.Events(), 1)

	// Edited onto another lens: evicted even though it was present.
	moved := testEvent("e1", testBase.Add(time.Minute), func(ev *types.EventOut) { ev.LensID = &lensB })
	r.Apply(entityMessage(types.LiveEventUpdated, moved))
	assert.Empty(t, r.Events())

	// Out-of-range events never enter.
	outside := testEvent("e2", testBase, func(ev *types.EventOut) {
		ev.LensID = &lensA
		ev.DateLocal = types.NewDate(2026, 9, 5)
		ev.EndDateLocal = types.NewDate(2026, 9, 5)
	})
	r.Apply(entityMessage(types.LiveEventCreated, outside))
	assert.Empty(t, r.Events())
	assert.Zero(t, resyncs)
}

func TestReconcilerSetScopeRefiltersCollection(t *testing.T) {
	r, _ := newTestReconciler(t)

	early := testEvent("e1", testBase, func(ev *types.EventOut) {
		ev.DateLocal = types.NewDate(2026, 8, 2)
		ev.EndDateLocal = types.NewDate(2026, 8, 2)
	})
	late := testEvent("e2", testBase, func(ev *types.EventOut) {
		ev.DateLocal = types.NewDate(2026, 8, 20)
		ev.EndDateLocal = types.NewDate(2026, 8, 20)
	})
	r.Apply(entityMessage(types.LiveEventCreated, early))
	r.Apply(entityMessage(types.LiveEventCreated, late))
	require.Len(t, r.Events(), 2)

	narrow := testScope()
	narrow.From = types.NewDate(2026, 8, 15)
	r.SetScope(narrow)

	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestReconcilerMalformedPayloadSchedulesResync(t *testing.T) {
	r, resyncs := newTestReconciler(t)

	msg := entityMessage(types.LiveEventCreated, testEvent("e1", testBase))
	msg.Payload = json.RawMessage(`{"id":"e1"}`)
	r.Apply(msg)

	assert.Empty(t, r.Events(), "undecodable payload must not touch the collection")
	assert.Equal(t, 1, *resyncs)
}

func TestReconcilerMetaMessagesScheduleResync(t *testing.T) {
	r, resyncs := newTestReconciler(t)

	for _, msgType := range []string{
		types.LiveCalendarUpdated,
		types.LiveMemberChanged,
		types.LiveProjectUpdated,
		types.LiveSystemResyncRequired,
	} {
		r.Apply(types.LiveMessage{
			ID: "m-" + msgType, ProjectID: "p1", Type: msgType,
			EntityID: "x", UpdatedAt: testBase,
		})
	}
	assert.Equal(t, 4, *resyncs)

	// Liveness messages do nothing.
	for _, msgType := range []string{types.LiveSystemConnected, types.LiveSystemPing} {
		r.Apply(types.LiveMessage{
			ID: "m-" + msgType, ProjectID: "p1", Type: msgType,
			EntityID: "x", UpdatedAt: testBase,
		})
	}
	assert.Equal(t, 4, *resyncs)
}

func TestReconcilerActiveLensDeleted(t *testing.T) {
	lensA := "lens-a"
	scope := testScope()
	scope.LensID = &lensA
	resyncs, gone := 0, 0
	r := NewReconciler(ReconcilerConfig{
		Scope:          scope,
		ScheduleResync: func() { resyncs++ },
		OnScopeGone:    func() { gone++ },
	})

	// Another lens dying is just a metadata change.
	r.Apply(types.LiveMessage{
		ID: "m1", ProjectID: "p1", Type: types.LiveCalendarDeleted,
		EntityID: "lens-b", UpdatedAt: testBase,
	})
	assert.Equal(t, 1, resyncs)
	assert.Zero(t, gone)

	// The active lens dying invalidates the whole view, not the data.
	r.Apply(types.LiveMessage{
		ID: "m2", ProjectID: "p1", Type: types.LiveCalendarDeleted,
		EntityID: lensA, UpdatedAt: testBase,
	})
	assert.Equal(t, 1, resyncs)
	assert.Equal(t, 1, gone)
}

func TestReconcilerReplaceAllPrunesTombstones(t *testing.T) {
	r, _ := newTestReconciler(t)

	r.Apply(entityMessage(types.LiveEventCreated, testEvent("e1", testBase)))
	r.Apply(deleteMessage("e1", testBase.Add(time.Minute)))
	r.Apply(deleteMessage("e2", testBase.Add(time.Minute)))
	_, ok := r.TombstonedAt("e1")
	require.True(t, ok)

	fresh := []types.EventOut{testEvent("e3", testBase.Add(2 * time.Minute))}
	r.ReplaceAll(fresh)

	assert.Equal(t, []string{"e3"}, func() []string {
		var ids []string
		for _, ev := range r.Events() {
			ids = append(ids, ev.ID)
		}
		return ids
	}())
	_, ok = r.TombstonedAt("e1")
	assert.False(t, ok, "tombstone for an id absent from the fresh fetch must be pruned")
	_, ok = r.TombstonedAt("e2")
	assert.False(t, ok)
}

func TestReconcilerOnChangeSnapshotOrder(t *testing.T) {
	var last []types.EventOut
	r := NewReconciler(ReconcilerConfig{
		Scope:          testScope(),
		ScheduleResync: func() {},
		OnChange:       func(events []types.EventOut) { last = events },
	})

	aug5 := testEvent("e1", testBase, func(ev *types.EventOut) {
		ev.DateLocal = types.NewDate(2026, 8, 5)
		ev.EndDateLocal = types.NewDate(2026, 8, 5)
	})
	aug20 := testEvent("e2", testBase, func(ev *types.EventOut) {
		ev.DateLocal = types.NewDate(2026, 8, 20)
		ev.EndDateLocal = types.NewDate(2026, 8, 20)
	})
	r.Apply(entityMessage(types.LiveEventCreated, aug5))
	r.Apply(entityMessage(types.LiveEventCreated, aug20))

	require.Len(t, last, 2)
	assert.Equal(t, "e2", last[0].ID, "newest day first")
	assert.Equal(t, "e1", last[1].ID)
}
