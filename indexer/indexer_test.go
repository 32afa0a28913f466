package indexer

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/mvayngrib/reshare/test_utils"
	"github.com/mvayngrib/reshare/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// pairState is a minimal test view: the latest active flag and change
// index per (context, recipient) pair.
func pairState(context, recipient string, active bool, change uint64) []byte {
	flag := "0"
	if active {
		flag = "1"
	}
	return []byte(context + "|" + recipient + "|" + flag + "|" + HexSeq(change))
}

func pairConfig(calls *int) Config {
	return Config{
		Name: "pairs",
		Filter: func(e *wire.Entry) bool {
			return e.Value.Topic == wire.TopicShare || e.Value.Topic == wire.TopicUnshare
		},
		PrimaryKey: func(e *wire.Entry) string {
			return e.Value.Context + ":" + e.Value.Recipient
		},
		Reduce: func(prev []byte, e *wire.Entry) ([]byte, error) {
			if calls != nil {
				*calls++
			}
			return pairState(e.Value.Context, e.Value.Recipient, e.Value.Topic == wire.TopicShare, e.Change), nil
		},
	}
}

func activeKey(state []byte) (string, bool) {
	parts := strings.Split(string(state), "|")
	if len(parts) != 4 || parts[2] != "1" {
		return "", false
	}
	return parts[0] + SepString + parts[1] + SepString, true
}

func share(t *testing.T, n *test_utils.Node, c, recipient string) {
	t.Helper()
	_, err := n.Changes().Append(context.Background(), &wire.Payload{
		Topic: wire.TopicShare, Context: c, Recipient: recipient,
	})
	require.NoError(t, err)
}

func unshare(t *testing.T, n *test_utils.Node, c, recipient string) {
	t.Helper()
	_, err := n.Changes().Append(context.Background(), &wire.Payload{
		Topic: wire.TopicUnshare, Context: c, Recipient: recipient,
	})
	require.NoError(t, err)
}

func waitMark(t *testing.T, ix *Indexer, want uint64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		mark, err := ix.Mark()
		return err == nil && mark >= want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMarkSkipsReplayedEntries(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	ctx, cancel := context.WithCancel(context.Background())
	ix := New(db, 'p', n.Changes(), pairConfig(nil))
	ix.By("active", activeKey)
	ix.Start(ctx)

	share(t, n, "boo", "carol")
	share(t, n, "boo", "dave")
	unshare(t, n, "boo", "dave")
	waitMark(t, ix, 3)
	cancel()
	<-ix.Done()

	calls := 0
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	reopened := New(db, 'p', n.Changes(), pairConfig(&calls))
	reopened.By("active", activeKey)
	reopened.Start(ctx)

	share(t, n, "moo", "carol")
	waitMark(t, reopened, 4)
	assert.Equal(t, 1, calls, "replay must start strictly above the mark")

	state, err := reopened.Get("moo:carol")
	require.NoError(t, err)
	assert.Equal(t, pairState("moo", "carol", true, 4), state)
}

func TestSecondaryIndexFollowsState(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := New(db, 'p', n.Changes(), pairConfig(nil))
	active := ix.By("active", activeKey)
	ix.Start(ctx)

	share(t, n, "boo", "carol")
	waitMark(t, ix, 1)
	pk, state, err := active.GetOne("boo" + SepString + "carol" + SepString)
	require.NoError(t, err)
	assert.Equal(t, "boo:carol", pk)
	assert.Equal(t, pairState("boo", "carol", true, 1), state)

	unshare(t, n, "boo", "carol")
	waitMark(t, ix, 2)
	_, _, err = active.GetOne("boo" + SepString + "carol" + SepString)
	assert.ErrorIs(t, err, ErrNotFound)

	share(t, n, "boo", "carol")
	waitMark(t, ix, 3)
	_, state, err = active.GetOne("boo" + SepString + "carol" + SepString)
	require.NoError(t, err)
	assert.Equal(t, pairState("boo", "carol", true, 3), state)
}

func TestReadStreamOldThenLive(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := New(db, 'p', n.Changes(), pairConfig(nil))
	active := ix.By("active", activeKey)
	ix.Start(ctx)

	share(t, n, "boo", "bob")
	share(t, n, "boo", "carol")
	waitMark(t, ix, 2)

	st := active.ReadStream(ctx, ReadOptions{Old: true, Live: true})
	defer st.Close()

	var got []Item
	for len(got) < 2 {
		got = append(got, <-st.C())
	}
	assert.Equal(t, "boo:bob", got[0].PK)
	assert.Equal(t, "boo:carol", got[1].PK)

	share(t, n, "boo", "dave")
	it := <-st.C()
	assert.Equal(t, "boo:dave", it.PK)
	assert.False(t, it.Tombstone)

	unshare(t, n, "boo", "dave")
	it = <-st.C()
	assert.True(t, it.Tombstone)
	assert.Equal(t, "boo:dave", it.PK)
}

func TestReadStreamBounds(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := New(db, 'p', n.Changes(), pairConfig(nil))
	active := ix.By("active", activeKey)
	ix.Start(ctx)

	for _, r := range []string{"bob", "carol", "dave"} {
		share(t, n, "boo", r)
	}
	share(t, n, "moo", "bob")
	waitMark(t, ix, 4)

	st := active.ReadStream(ctx, ReadOptions{
		GTE: "boo" + SepString,
		LT:  "boo" + SepString + "\xff",
		Old: true,
	})
	var pks []string
	for it := range st.C() {
		pks = append(pks, it.PK)
	}
	assert.Equal(t, []string{"boo:bob", "boo:carol", "boo:dave"}, pks)

	st = active.ReadStream(ctx, ReadOptions{Old: true, Reverse: true})
	pks = nil
	for it := range st.C() {
		pks = append(pks, it.PK)
	}
	require.Len(t, pks, 4)
	assert.True(t, sort.SliceIsSorted(pks, func(i, j int) bool { return pks[i] > pks[j] }))
}

func TestTransientDropFreezesMark(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	cfg := pairConfig(nil)
	cfg.Preprocess = func(ctx context.Context, e *wire.Entry) error {
		if e.Value.Recipient == "ghost" {
			return ErrRetryLater
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := New(db, 'p', n.Changes(), cfg)
	ix.By("active", activeKey)
	ix.Start(ctx)

	share(t, n, "boo", "bob")
	share(t, n, "boo", "ghost")
	share(t, n, "boo", "carol")

	// the entry after the transient drop still commits state
	assert.Eventually(t, func() bool {
		state, err := ix.Get("boo:carol")
		return err == nil && state != nil
	}, 2*time.Second, 5*time.Millisecond)

	// but the mark stays below the dropped entry so replay retries it
	mark, err := ix.Mark()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mark)
}

func TestRebuildMatchesIncremental(t *testing.T) {
	n := test_utils.NewMesh().NewNode("a")

	// one indexer follows the feed as it grows
	liveDB := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := New(liveDB, 'p', n.Changes(), pairConfig(nil))
	live.By("active", activeKey)
	live.Start(ctx)

	share(t, n, "boo", "bob")
	waitMark(t, live, 1)
	share(t, n, "boo", "carol")
	unshare(t, n, "boo", "bob")
	waitMark(t, live, 3)
	share(t, n, "moo", "dave")
	unshare(t, n, "moo", "dave")
	share(t, n, "moo", "dave")
	waitMark(t, live, 6)

	// the other replays the whole feed into an empty database
	rebuiltDB := testDB(t)
	rebuilt := New(rebuiltDB, 'p', n.Changes(), pairConfig(nil))
	rebuilt.By("active", activeKey)
	rebuilt.Start(ctx)
	waitMark(t, rebuilt, 6)

	collect := func(ix *Indexer) map[string]string {
		rows := map[string]string{}
		for pk, state := range ix.Rows() {
			rows[pk] = string(state)
		}
		return rows
	}
	liveRows := collect(live)
	assert.Len(t, liveRows, 3)
	assert.Equal(t, liveRows, collect(rebuilt),
		"a full replay must produce byte-identical rows")
}

func TestHexSeqOrderMatchesIntegers(t *testing.T) {
	values := []uint64{0, 1, 9, 10, 255, 256, 1 << 16, 1 << 40, 1<<63 + 5}
	for i := 1; i < len(values); i++ {
		a, b := HexSeq(values[i-1]), HexSeq(values[i])
		assert.Less(t, a, b, "%d vs %d", values[i-1], values[i])
		parsed, err := ParseHexSeq(b)
		require.NoError(t, err)
		assert.Equal(t, values[i], parsed)
	}
}

func TestRowsIteratesPrimaryRows(t *testing.T) {
	db := testDB(t)
	n := test_utils.NewMesh().NewNode("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := New(db, 'p', n.Changes(), pairConfig(nil))
	ix.By("active", activeKey)
	ix.Start(ctx)

	share(t, n, "boo", "bob")
	unshare(t, n, "boo", "bob")
	share(t, n, "moo", "carol")
	waitMark(t, ix, 3)

	rows := map[string]string{}
	for pk, state := range ix.Rows() {
		rows[pk] = string(state)
	}
	assert.Len(t, rows, 2)
	assert.Equal(t, string(pairState("boo", "bob", false, 2)), rows["boo:bob"])
	assert.Equal(t, string(pairState("moo", "carol", true, 3)), rows["moo:carol"])
}

