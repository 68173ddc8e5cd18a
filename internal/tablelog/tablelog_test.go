package tablelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
)

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeString},
		{Name: "value", Type: schema.TypeInt64, Nullable: true},
	}}
}

func newTestLog(t *testing.T, checkpointInterval int) *Log {
	t.Helper()
	sub, err := substrate.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(sub, "widgets", checkpointInterval)
}

func TestReadHeadEmptyTable(t *testing.T) {
	l := newTestLog(t, 10)
	_, err := l.ReadHead(context.Background())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestCommitVersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	v0, err := l.Commit(ctx, -1, CommitEntry{Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)
	require.Equal(t, int64(0), v0)

	v1, err := l.Commit(ctx, v0, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "f1", Rows: 1}}})
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	head, err := l.ReadHead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), head)
}

func TestCommitTimestampsAreBumpedToStayMonotonic(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	v0, err := l.Commit(ctx, -1, CommitEntry{TimestampMS: 1000, Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)

	// A caller whose wall clock ties or goes backwards must not produce a
	// non-monotonic timestamp sequence in the log.
	v1, err := l.Commit(ctx, v0, CommitEntry{TimestampMS: 1000, Operation: OpAppend, Adds: []FileMeta{{ID: "f1"}}})
	require.NoError(t, err)

	v2, err := l.Commit(ctx, v1, CommitEntry{TimestampMS: 500, Operation: OpAppend, Adds: []FileMeta{{ID: "f2"}}})
	require.NoError(t, err)

	e1, err := l.readCommit(ctx, v1)
	require.NoError(t, err)
	require.Equal(t, int64(1001), e1.TimestampMS)

	e2, err := l.readCommit(ctx, v2)
	require.NoError(t, err)
	require.Equal(t, int64(1002), e2.TimestampMS)
}

func TestCommitConflictOnStaleBase(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	_, err := l.Commit(ctx, -1, CommitEntry{Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)

	// Two writers both read head=0 and try to commit version 1.
	_, err = l.Commit(ctx, 0, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "a"}}})
	require.NoError(t, err)

	_, err = l.Commit(ctx, 0, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "b"}}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CommitConflict))
}

func TestReadStateFoldsAddsAndRemoves(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	v, err := l.Commit(ctx, -1, CommitEntry{Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)

	v, err = l.Commit(ctx, v, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "f1"}, {ID: "f2"}}})
	require.NoError(t, err)

	v, err = l.Commit(ctx, v, CommitEntry{Operation: OpDelete, Removes: []string{"f1"}})
	require.NoError(t, err)

	st, err := l.ReadState(ctx, v)
	require.NoError(t, err)
	require.Len(t, st.Files, 1)
	require.Equal(t, "f2", st.Files[0].ID)
	require.True(t, st.Schema.Equal(sch))
}

func TestCheckpointReplayMatchesUncheckpointedReplay(t *testing.T) {
	ctx := context.Background()
	sch := testSchema()

	sub, err := substrate.NewLocal(t.TempDir())
	require.NoError(t, err)

	// checkpointInterval=2 forces a checkpoint on every even version.
	l := New(sub, "widgets", 2)

	v, err := l.Commit(ctx, -1, CommitEntry{Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		v, err = l.Commit(ctx, v, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: idFor(i)}}})
		require.NoError(t, err)
	}

	st, err := l.ReadState(ctx, v)
	require.NoError(t, err)
	require.Len(t, st.Files, 5)

	cpVersion, err := l.latestCheckpoint(ctx, v)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cpVersion, int64(0), "expected at least one checkpoint to have been written")
}

func idFor(i int) string {
	return string(rune('a' + i))
}

func TestHistoryIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	v, err := l.Commit(ctx, -1, CommitEntry{Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)
	v, err = l.Commit(ctx, v, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "f1"}}})
	require.NoError(t, err)
	_, err = l.Commit(ctx, v, CommitEntry{Operation: OpAppend, Adds: []FileMeta{{ID: "f2"}}})
	require.NoError(t, err)

	entries, err := l.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(2), entries[0].Version)
	require.Equal(t, int64(1), entries[1].Version)
	require.Equal(t, int64(0), entries[2].Version)
}

func TestReadTimestampFindsLatestCommitAtOrBeforeTarget(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, 10)
	sch := testSchema()

	v, err := l.Commit(ctx, -1, CommitEntry{TimestampMS: 1000, Operation: OpCreate, Schema: &sch})
	require.NoError(t, err)
	v, err = l.Commit(ctx, v, CommitEntry{TimestampMS: 2000, Operation: OpAppend, Adds: []FileMeta{{ID: "f1"}}})
	require.NoError(t, err)
	_, err = l.Commit(ctx, v, CommitEntry{TimestampMS: 3000, Operation: OpAppend, Adds: []FileMeta{{ID: "f2"}}})
	require.NoError(t, err)

	got, err := l.ReadTimestamp(ctx, 2500)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	_, err = l.ReadTimestamp(ctx, 999)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.VersionNotFound))
}
