package vespa

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parthasl/vespa/utils"
)

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

type soloOwnership struct{ id NodeID }

func (o soloOwnership) CopySet(BucketID) (MergeChain, error) {
	return MergeChain{o.id}, nil
}

func newTestNode(t *testing.T, mounts int) *Node {
	t.Helper()
	dirs := make([]string, mounts)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	cfg := NewConfig(dirs...)
	cfg.NumThreads = 2
	node, err := NewNode(7, cfg, soloOwnership{id: 7}, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return node
}

func TestNodeRejectsBadConfig(t *testing.T) {
	_, err := NewNode(1, NewConfig(), soloOwnership{id: 1}, nil, testLogger())
	assert.ErrorIs(t, err, ErrNoMountpoints)

	cfg := NewConfig(t.TempDir())
	cfg.NumVisitorThreads = -3
	_, err = NewNode(1, cfg, soloOwnership{id: 1}, nil, testLogger())
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestNodePutGetRemove(t *testing.T) {
	node := newTestNode(t, 2)

	require.NoError(t, node.Put("user::1", 100, []byte("alice")))

	entry, body, err := node.Get("user::1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), entry.Timestamp)
	assert.Equal(t, "alice", string(body))

	require.NoError(t, node.Remove("user::1", 101))
	_, _, err = node.Get("user::1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeVisit(t *testing.T) {
	node := newTestNode(t, 1)

	docs := []string{"v::a", "v::b", "v::c"}
	bucket := BucketOf(docs[0])
	for i, id := range docs {
		// force all three into one bucket via the same bucket key
		_, err := node.call(&Message{
			Kind: MsgPut, Bucket: bucket, DocID: id,
			Timestamp: uint64(i + 1), Body: []byte(id),
		})
		require.NoError(t, err)
	}

	var seen []string
	err := node.Visit(bucket, func(e DocumentEntry, _ []byte) error {
		seen = append(seen, e.DocID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

func TestNodeMetadataCache(t *testing.T) {
	node := newTestNode(t, 1)
	ctx := context.Background()

	require.NoError(t, node.Put("m::1", 1, []byte("x")))
	b := BucketOf("m::1")

	first, err := node.Metadata(ctx, b)
	require.NoError(t, err)
	assert.Len(t, first.Entries, 1)

	// a write invalidates the cached snapshot
	require.NoError(t, node.Put("m::1", 2, []byte("y")))
	second, err := node.Metadata(ctx, b)
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, uint64(2), second.Entries[0].Timestamp)
}

func TestNodeLocalCopyServedFromMetadataCache(t *testing.T) {
	node := newTestNode(t, 1)
	ctx := context.Background()
	bucket := BucketOf("meta::1")

	require.NoError(t, node.Put("meta::1", 1, []byte("v1")))

	local, ok := node.resolveMergeNode(node.ID())
	require.True(t, ok)
	snap, err := local.Metadata(ctx, bucket)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)

	// a write behind the scheduler's back stays invisible: the copy
	// snapshot comes from the cache, not a fresh listing
	require.NoError(t, node.store.Put(ctx, bucket,
		DocumentEntry{DocID: "meta::2", Timestamp: 2}, []byte("v2")))
	snap, err = local.Metadata(ctx, bucket)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)

	// a scheduled write invalidates, the next snapshot sees everything
	_, err = node.call(&Message{
		Kind: MsgPut, Bucket: bucket,
		DocID: "meta::3", Timestamp: 3, Body: []byte("v3"),
	})
	require.NoError(t, err)
	snap, err = local.Metadata(ctx, bucket)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 3)
}

func TestNodeTriggerMergeSolo(t *testing.T) {
	node := newTestNode(t, 1)

	// a single-copy chain has nothing to reconcile
	_, err := node.TriggerMerge(context.Background(), BucketOf("solo"))
	assert.ErrorIs(t, err, ErrEmptyCopySet)
}

func TestNodeScheduleAfterClose(t *testing.T) {
	dirs := []string{t.TempDir()}
	node, err := NewNode(9, NewConfig(dirs...), soloOwnership{id: 9}, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, node.Close())

	err = node.Schedule(&Message{Kind: MsgGet, Bucket: 1, DocID: "x"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = node.TriggerMerge(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNodeNoiseLevelValidation(t *testing.T) {
	node := newTestNode(t, 1)

	require.NoError(t, node.SetNoiseLevel(0.01))
	assert.Equal(t, 0.01, node.NoiseLevel())

	assert.ErrorIs(t, node.SetNoiseLevel(-0.1), ErrBadConfig)
	assert.ErrorIs(t, node.SetNoiseLevel(1.0), ErrBadConfig)
}

func TestNodeStatsFlow(t *testing.T) {
	node := newTestNode(t, 1)

	require.NoError(t, node.Put("s::1", 1, []byte("x")))
	assert.GreaterOrEqual(t, node.Stats().MessagesScheduled.Load(), uint64(1))
	assert.GreaterOrEqual(t, node.Stats().ResponsesDelivered.Load(), uint64(1))

	families, err := node.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
