package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	doc := Document{"id": "a", "rev": "r1", "name": "first"}
	stored, err := col.Insert(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, "a", stored.ID())

	_, err = col.Insert(ctx, Document{"id": "a"})
	require.ErrorIs(t, err, ErrDuplicateID)

	got, err := col.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "first", got["name"])

	// Returned documents are copies; mutating one must not leak back.
	got["name"] = "mutated"
	again, err := col.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "first", again["name"])

	old, err := col.Delete(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "first", old["name"])

	_, err = col.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = col.Delete(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConditionalReplace(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	_, err := col.Insert(ctx, Document{"id": "a", "rev": "r1", "name": "first"})
	require.NoError(t, err)

	_, err = col.ConditionalReplace(ctx, "missing", "", Document{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)

	// Matching expected rev commits.
	next, err := col.ConditionalReplace(ctx, "a", "r1", Document{"rev": "r2", "name": "second"})
	require.NoError(t, err)
	require.Equal(t, "a", next.ID())
	require.Equal(t, "r2", next.Rev())

	// Stale expected rev aborts without writing.
	_, err = col.ConditionalReplace(ctx, "a", "r1", Document{"rev": "r3", "name": "third"})
	require.ErrorIs(t, err, ErrConflict)
	got, err := col.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "second", got["name"])

	// Empty expected rev replaces unconditionally.
	_, err = col.ConditionalReplace(ctx, "a", "", Document{"rev": "r9", "name": "forced"})
	require.NoError(t, err)
}

func TestMemoryFindQuery(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	for _, d := range []Document{
		{"id": "1", "kind": "fruit", "name": "banana", "rank": 2},
		{"id": "2", "kind": "fruit", "name": "apple", "rank": 1},
		{"id": "3", "kind": "veg", "name": "carrot", "rank": 3},
		{"id": "4", "kind": "fruit", "name": "cherry", "rank": 4},
	} {
		_, err := col.Insert(ctx, d)
		require.NoError(t, err)
	}

	out, err := col.Find(ctx, Query{Filter: Filter{"kind": "fruit"}, OrderBy: "name"})
	require.NoError(t, err)
	require.Equal(t, []string{"apple", "banana", "cherry"}, names(out))

	out, err = col.Find(ctx, Query{Filter: Filter{"kind": "fruit"}, OrderBy: "name", Descending: true})
	require.NoError(t, err)
	require.Equal(t, []string{"cherry", "banana", "apple"}, names(out))

	out, err = col.Find(ctx, Query{OrderBy: "rank", Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"banana", "carrot"}, names(out))

	out, err = col.Find(ctx, Query{OrderBy: "rank", Skip: 10})
	require.NoError(t, err)
	require.Empty(t, out)

	n, err := col.Count(ctx, Filter{"kind": "fruit"})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func names(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["name"].(string)
	}
	return out
}

func TestMemoryChangesOrdering(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	_, err := col.Insert(ctx, Document{"id": "a", "name": "a"})
	require.NoError(t, err)
	_, err = col.Insert(ctx, Document{"id": "b", "name": "b"})
	require.NoError(t, err)

	stream, err := col.Changes(ctx, nil, ChangeOptions{IncludeInitial: true, IncludeStateMarkers: true})
	require.NoError(t, err)
	defer stream.Close()

	// Two initial insert-shaped rows, then the scan marker.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, stream)
		require.Nil(t, ev.Old)
		require.False(t, ev.InitialScanComplete)
		seen[ev.New.ID()] = true
	}
	require.True(t, seen["a"] && seen["b"])

	ev := nextEvent(t, stream)
	require.True(t, ev.InitialScanComplete)

	// Live tail: insert, update, delete, in mutation order.
	_, err = col.Insert(ctx, Document{"id": "c", "name": "c"})
	require.NoError(t, err)
	_, err = col.ConditionalReplace(ctx, "c", "", Document{"name": "c2"})
	require.NoError(t, err)
	_, err = col.Delete(ctx, "c")
	require.NoError(t, err)

	ev = nextEvent(t, stream)
	require.Nil(t, ev.Old)
	require.Equal(t, "c", ev.New.ID())

	ev = nextEvent(t, stream)
	require.NotNil(t, ev.Old)
	require.NotNil(t, ev.New)
	require.Equal(t, "c2", ev.New["name"])

	ev = nextEvent(t, stream)
	require.Nil(t, ev.New)
	require.Equal(t, "c", ev.Old.ID())
}

func TestMemoryChangesFilter(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	stream, err := col.Changes(ctx, Filter{"kind": "fruit"}, ChangeOptions{IncludeStateMarkers: true})
	require.NoError(t, err)
	defer stream.Close()

	ev := nextEvent(t, stream)
	require.True(t, ev.InitialScanComplete)

	_, err = col.Insert(ctx, Document{"id": "x", "kind": "veg"})
	require.NoError(t, err)
	_, err = col.Insert(ctx, Document{"id": "y", "kind": "fruit"})
	require.NoError(t, err)

	ev = nextEvent(t, stream)
	require.Equal(t, "y", ev.New.ID())

	// An update that moves a row out of the filter arrives delete-shaped;
	// one that moves a row in arrives insert-shaped.
	_, err = col.ConditionalReplace(ctx, "y", "", Document{"kind": "veg"})
	require.NoError(t, err)
	ev = nextEvent(t, stream)
	require.Nil(t, ev.New)
	require.Equal(t, "y", ev.Old.ID())
	require.Equal(t, "fruit", ev.Old["kind"])

	_, err = col.ConditionalReplace(ctx, "x", "", Document{"kind": "fruit"})
	require.NoError(t, err)
	ev = nextEvent(t, stream)
	require.Nil(t, ev.Old)
	require.Equal(t, "x", ev.New.ID())
}

func TestMemoryChangesClose(t *testing.T) {
	ctx := context.Background()
	col := NewMemory().Collection("things")

	stream, err := col.Changes(ctx, nil, ChangeOptions{})
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, ok := <-stream.Events()
	require.False(t, ok)
	require.NoError(t, stream.Err())

	// Writers are unaffected by closed subscriptions.
	_, err = col.Insert(ctx, Document{"id": "a"})
	require.NoError(t, err)
}

func nextEvent(t *testing.T, stream ChangeStream) RawChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-stream.Events():
		require.True(t, ok, "stream closed early: %v", stream.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change event")
		return RawChangeEvent{}
	}
}
