package events

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/examio/paperflow/go/taskdb"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) (*Store, *Bus, *Sink) {
	t.Helper()
	var db, err = taskdb.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var store = NewStore(db.DB())
	var bus = NewBus()
	return store, bus, NewSink(store, bus)
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	var store, _, _ = newTestFabric(t)
	var ctx = context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		var ev, err = store.Append(ctx, "t1", "step_started", json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, i)))
		require.NoError(t, err)
		require.Greater(t, ev.ID, last)
		last = ev.ID
	}

	// Ids keep increasing within a task even when other tasks interleave.
	var other, err = store.Append(ctx, "t2", "log", nil)
	require.NoError(t, err)
	require.Greater(t, other.ID, last)

	next, err := store.Append(ctx, "t1", "step_completed", nil)
	require.NoError(t, err)
	require.Greater(t, next.ID, other.ID)
}

func TestListSince(t *testing.T) {
	var store, _, _ = newTestFabric(t)
	var ctx = context.Background()

	var ids []int64
	for i := 0; i < 8; i++ {
		var ev, err = store.Append(ctx, "t1", "log", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	// Interleave a foreign task; it must never leak into t1's replay.
	var _, err = store.Append(ctx, "t2", "log", nil)
	require.NoError(t, err)

	// Case: replay strictly after a cursor is ascending and contiguous.
	got, err := store.ListSince(ctx, "t1", ids[2], 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, ev := range got {
		require.Equal(t, ids[3+i], ev.ID)
		require.Equal(t, "t1", ev.TaskID)
	}

	// Case: limit truncates from the front of the range.
	got, err = store.ListSince(ctx, "t1", 0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, ids[0], got[0].ID)

	// Case: a cursor at the head returns nothing.
	got, err = store.ListSince(ctx, "t1", ids[7], 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLatestIDAndDelete(t *testing.T) {
	var store, _, _ = newTestFabric(t)
	var ctx = context.Background()

	var id, err = store.LatestID(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, id)

	for i := 0; i < 3; i++ {
		_, err = store.Append(ctx, "t1", "log", nil)
		require.NoError(t, err)
	}
	last, err := store.Append(ctx, "t1", "done", nil)
	require.NoError(t, err)

	id, err = store.LatestID(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, last.ID, id)

	n, err := store.DeleteForTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	id, err = store.LatestID(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, id)
}

func TestAppendDefaultsEmptyPayload(t *testing.T) {
	var store, _, _ = newTestFabric(t)

	var ev, err = store.Append(context.Background(), "t1", "pipeline_started", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(ev.Payload))

	got, err := store.ListSince(context.Background(), "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.JSONEq(t, `{}`, string(got[0].Payload))
}
