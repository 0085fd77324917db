package tsdb

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/tsid"
)

func mustTSID(b byte) tsid.TSID {
	var id tsid.TSID
	id[0] = b
	return id
}

func testOptions() *Options {
	o := DefaultOptions()
	o.BlockRanges = []int64{1000}
	o.WALSegmentSize = -1 // no WAL, keeps tests fast and disk-free
	return o
}

func openTestDB(t *testing.T) *DB {
	dir := t.TempDir()
	db, err := Open(dir, nil, nil, testOptions())
	require.NoError(t, err)
	db.DisableCompactions()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestOpenCreatesLockFile(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil, nil, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(dir, nil, nil, testOptions())
	require.Equal(t, ErrLockHeld, errors.Cause(err))
}

func TestOpenNoLockFileAllowsConcurrentOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.NoLockFile = true

	db1, err := Open(dir, nil, nil, opts)
	require.NoError(t, err)
	defer db1.Close()

	db2, err := Open(dir, nil, nil, opts)
	require.NoError(t, err)
	defer db2.Close()
}

func TestAppendAndQueryHead(t *testing.T) {
	db := openTestDB(t)

	id := mustTSID(1)
	a := db.Appender()
	require.NoError(t, a.Add(id, 100, 1.5))
	require.NoError(t, a.Add(id, 200, 2.5))
	require.NoError(t, a.Commit())

	q, err := db.Querier(0, 1000)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	require.NoError(t, err)

	require.True(t, set.Next())
	gotID, it := set.At()
	require.Equal(t, id, gotID)

	var samples [][2]float64
	for it.Next() {
		ts, v := it.At()
		samples = append(samples, [2]float64{float64(ts), v})
	}
	require.NoError(t, it.Err())
	require.Equal(t, [][2]float64{{100, 1.5}, {200, 2.5}}, samples)

	require.False(t, set.Next())
}

func TestQuerierClipsToWindow(t *testing.T) {
	db := openTestDB(t)

	id := mustTSID(2)
	a := db.Appender()
	require.NoError(t, a.Add(id, 10, 1))
	require.NoError(t, a.Add(id, 500, 2))
	require.NoError(t, a.Add(id, 900, 3))
	require.NoError(t, a.Commit())

	q, err := db.Querier(400, 600)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	require.NoError(t, err)
	require.True(t, set.Next())
	_, it := set.At()

	var count int
	for it.Next() {
		ts, v := it.At()
		require.Equal(t, int64(500), ts)
		require.Equal(t, 2.0, v)
		count++
	}
	require.Equal(t, 1, count)
}

func TestDeleteTombstonesHeadSamples(t *testing.T) {
	db := openTestDB(t)

	id := mustTSID(3)
	a := db.Appender()
	require.NoError(t, a.Add(id, 10, 1))
	require.NoError(t, a.Add(id, 20, 2))
	require.NoError(t, a.Add(id, 30, 3))
	require.NoError(t, a.Commit())

	require.NoError(t, db.Delete(15, 25, []tsid.TSID{id}))

	q, err := db.Querier(0, 100)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	require.NoError(t, err)
	require.True(t, set.Next())
	_, it := set.At()

	var got []int64
	for it.Next() {
		ts, _ := it.At()
		got = append(got, ts)
	}
	require.Equal(t, []int64{10, 30}, got)
}

func TestSelectAllSeriesWhenIDsNil(t *testing.T) {
	db := openTestDB(t)

	a := db.Appender()
	require.NoError(t, a.Add(mustTSID(1), 10, 1))
	require.NoError(t, a.Add(mustTSID(2), 10, 2))
	require.NoError(t, a.Commit())

	q, err := db.Querier(0, 100)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select(nil)
	require.NoError(t, err)

	var seen int
	for set.Next() {
		seen++
	}
	require.NoError(t, set.Err())
	require.Equal(t, 2, seen)
}

func TestRangeForTimestamp(t *testing.T) {
	require.Equal(t, int64(1000), rangeForTimestamp(0, 1000))
	require.Equal(t, int64(1000), rangeForTimestamp(999, 1000))
	require.Equal(t, int64(2000), rangeForTimestamp(1000, 1000))
}

func TestCompactPersistsHeadBlock(t *testing.T) {
	db := openTestDB(t)

	id := mustTSID(4)
	a := db.Appender()
	require.NoError(t, a.Add(id, 10, 1))
	require.NoError(t, a.Add(id, 1800, 2)) // head span > 1.5*r0 (1000)
	require.NoError(t, a.Commit())

	require.NoError(t, db.Compact())
	require.Len(t, db.Blocks(), 1)

	q, err := db.Querier(0, 2000)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	require.NoError(t, err)
	require.True(t, set.Next())
	_, it := set.At()
	var got []int64
	for it.Next() {
		ts, _ := it.At()
		got = append(got, ts)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{10, 1800}, got)
}

func TestTimeRetentionDeletesOldBlocks(t *testing.T) {
	db := openTestDB(t)

	// Each append is far enough past the previous head window to force
	// its own compaction pass, producing one block per iteration.
	for _, ts := range []int64{10, 2000, 4000, 6000} {
		a := db.Appender()
		require.NoError(t, a.Add(mustTSID(5), ts, float64(ts)))
		require.NoError(t, a.Commit())
		require.NoError(t, db.Compact())
	}
	before := len(db.Blocks())
	require.GreaterOrEqual(t, before, 2)

	sorted := db.Blocks()
	newestMax := sorted[len(sorted)-1].MaxTime()
	oldestMax := sorted[0].MaxTime()
	require.Greater(t, newestMax, oldestMax)

	db.opts.RetentionDuration = uint64(newestMax-oldestMax) / 2
	require.NoError(t, db.reload())

	require.Less(t, len(db.Blocks()), before)
	for _, b := range db.Blocks() {
		require.Greater(t, b.MaxTime(), oldestMax)
	}
}

func TestDeleteAndCleanTombstonesOnDiskBlock(t *testing.T) {
	db := openTestDB(t)

	id := mustTSID(6)
	a := db.Appender()
	require.NoError(t, a.Add(id, 10, 1))
	require.NoError(t, a.Add(id, 500, 2))
	require.NoError(t, a.Add(id, 1800, 3)) // forces a head cut on Compact
	require.NoError(t, a.Commit())
	require.NoError(t, db.Compact())
	require.Len(t, db.Blocks(), 1)

	blockBefore := db.Blocks()[0].ULID()
	require.NoError(t, db.Delete(400, 600, []tsid.TSID{id}))
	require.NoError(t, db.CleanTombstones())

	require.Len(t, db.Blocks(), 1)
	require.NotEqual(t, blockBefore, db.Blocks()[0].ULID(), "clean_tombstones should rewrite the block under a new id")

	q, err := db.Querier(0, 999)
	require.NoError(t, err)
	defer q.Close()

	set, err := q.Select([]tsid.TSID{id})
	require.NoError(t, err)
	require.True(t, set.Next())
	_, it := set.At()
	var got []int64
	for it.Next() {
		ts, _ := it.At()
		got = append(got, ts)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{10}, got, "tombstoned sample must not reappear after clean_tombstones")
}
