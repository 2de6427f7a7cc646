package vespa

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memProvider is an in-memory Provider for coordinator tests.
type memProvider struct {
	mu   sync.Mutex
	docs map[BucketID]map[string]memDoc
}

type memDoc struct {
	entry DocumentEntry
	body  []byte
}

func newMemProvider() *memProvider {
	return &memProvider{docs: map[BucketID]map[string]memDoc{}}
}

func (p *memProvider) bucket(b BucketID) map[string]memDoc {
	if p.docs[b] == nil {
		p.docs[b] = map[string]memDoc{}
	}
	return p.docs[b]
}

func (p *memProvider) Put(_ context.Context, b BucketID, e DocumentEntry, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := p.bucket(b)
	if old, ok := docs[e.DocID]; ok && !e.Supersedes(old.entry) {
		return nil
	}
	docs[e.DocID] = memDoc{entry: e, body: body}
	return nil
}

func (p *memProvider) Get(_ context.Context, b BucketID, docID string) (DocumentEntry, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.bucket(b)[docID]
	if !ok || d.entry.Tombstone {
		return DocumentEntry{}, nil, ErrNotFound
	}
	return d.entry, d.body, nil
}

func (p *memProvider) Remove(_ context.Context, b BucketID, docID string, ts uint64) error {
	return p.Put(context.Background(), b,
		DocumentEntry{DocID: docID, Timestamp: ts, Tombstone: true}, nil)
}

func (p *memProvider) Visit(_ context.Context, b BucketID, fn func(DocumentEntry, []byte) error) error {
	p.mu.Lock()
	docs := make([]memDoc, 0, len(p.bucket(b)))
	for _, d := range p.bucket(b) {
		docs = append(docs, d)
	}
	p.mu.Unlock()
	for _, d := range docs {
		if err := fn(d.entry, d.body); err != nil {
			return err
		}
	}
	return nil
}

func (p *memProvider) ApplyDiff(_ context.Context, b BucketID, entries []DiffEntry) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := p.bucket(b)
	applied := 0
	for _, e := range entries {
		if old, ok := docs[e.Entry.DocID]; ok && !e.Entry.Supersedes(old.entry) {
			continue
		}
		docs[e.Entry.DocID] = memDoc{entry: e.Entry, body: e.Body}
		applied++
	}
	return applied, nil
}

func (p *memProvider) ListEntries(_ context.Context, b BucketID) ([]DocumentEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]DocumentEntry, 0, len(p.bucket(b)))
	for _, d := range p.bucket(b) {
		entries = append(entries, d.entry)
	}
	return entries, nil
}

func (p *memProvider) DiskUsage() uint64 { return 0 }
func (p *memProvider) Close() error      { return nil }

type staticOwnership struct {
	chain MergeChain
}

func (o staticOwnership) CopySet(BucketID) (MergeChain, error) {
	return o.chain, nil
}

type mergeFixture struct {
	bucket    BucketID
	providers map[NodeID]*memProvider
	nodes     map[NodeID]MergeNode
	chain     MergeChain
	cfg       *Config
	stats     *EngineStats
}

func newMergeFixture(t *testing.T, ids ...NodeID) *mergeFixture {
	t.Helper()
	f := &mergeFixture{
		bucket:    BucketOf("fixture"),
		providers: map[NodeID]*memProvider{},
		nodes:     map[NodeID]MergeNode{},
		chain:     MergeChain(ids),
		cfg:       NewConfig("unused"),
		stats:     NewEngineStats(),
	}
	for _, id := range ids {
		p := newMemProvider()
		f.providers[id] = p
		f.nodes[id] = &LocalMergeNode{ID: id, Provider: p}
	}
	return f
}

func (f *mergeFixture) resolve(id NodeID) (MergeNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

func (f *mergeFixture) put(id NodeID, docID string, ts uint64, body string) {
	err := f.providers[id].Put(context.Background(), f.bucket,
		DocumentEntry{DocID: docID, Timestamp: ts, Checksum: ts}, []byte(body))
	if err != nil {
		panic(err)
	}
}

func (f *mergeFixture) copies() []BucketCopy {
	out := make([]BucketCopy, len(f.chain))
	for i, id := range f.chain {
		out[i] = BucketCopy{Node: id, Bucket: f.bucket}
	}
	return out
}

func (f *mergeFixture) run(t *testing.T) (*MergeStats, error) {
	t.Helper()
	coord := NewCoordinator(f.bucket, f.cfg, f.resolve,
		staticOwnership{chain: f.chain}, testLogger(), f.stats)
	return coord.Run(context.Background(), f.copies())
}

func (f *mergeFixture) latest(id NodeID) map[string]DocumentEntry {
	entries, _ := f.providers[id].ListEntries(context.Background(), f.bucket)
	out := make(map[string]DocumentEntry, len(entries))
	for _, e := range entries {
		out[e.DocID] = e
	}
	return out
}

func TestMergeConverges(t *testing.T) {
	f := newMergeFixture(t, 1, 2, 3)
	f.put(1, "a", 10, "a-body")
	f.put(1, "b", 20, "b-old")
	f.put(2, "c", 30, "c-body")
	f.put(3, "b", 25, "b-new")
	f.put(3, "d", 40, "d-body")

	stats, err := f.run(t)
	require.NoError(t, err)
	assert.Greater(t, stats.EntriesMoved, 0)
	assert.Greater(t, stats.BytesMoved, 0)

	want := f.latest(1)
	assert.Len(t, want, 4)
	assert.Equal(t, want, f.latest(2))
	assert.Equal(t, want, f.latest(3))
	assert.Equal(t, uint64(25), want["b"].Timestamp)

	_, body, err := f.providers[2].Get(context.Background(), f.bucket, "b")
	require.NoError(t, err)
	assert.Equal(t, "b-new", string(body))
}

func TestMergeIdempotent(t *testing.T) {
	f := newMergeFixture(t, 1, 2)
	f.put(1, "a", 1, "x")
	f.put(2, "b", 2, "y")

	_, err := f.run(t)
	require.NoError(t, err)

	stats, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntriesMoved)
	assert.Equal(t, 2, stats.Rounds)
	assert.Equal(t, f.latest(1), f.latest(2))
}

func TestMergeTombstonePropagates(t *testing.T) {
	f := newMergeFixture(t, 1, 2)
	f.put(2, "x", 3, "live")
	require.NoError(t, f.providers[1].Remove(context.Background(), f.bucket, "x", 5))

	_, err := f.run(t)
	require.NoError(t, err)

	got := f.latest(2)["x"]
	assert.True(t, got.Tombstone)
	assert.Equal(t, uint64(5), got.Timestamp)

	_, _, err = f.providers[2].Get(context.Background(), f.bucket, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeOptimizedBatchThreshold(t *testing.T) {
	for _, tc := range []struct {
		common    int
		optimized bool
	}{
		{63, false},
		{64, false}, // strictly greater than the minimum triggers
		{65, true},
	} {
		f := newMergeFixture(t, 1, 2)
		for i := 0; i < tc.common; i++ {
			doc := "doc-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
			f.put(1, doc, uint64(i+1), "same")
			f.put(2, doc, uint64(i+1), "same")
		}
		before := f.stats.OptimizedBatches.Load()
		stats, err := f.run(t)
		require.NoError(t, err)
		if tc.optimized {
			assert.Equal(t, tc.common, stats.OptimizedEntries, "common=%d", tc.common)
			assert.Equal(t, before+1, f.stats.OptimizedBatches.Load())
		} else {
			assert.Equal(t, 0, stats.OptimizedEntries, "common=%d", tc.common)
			assert.Equal(t, before, f.stats.OptimizedBatches.Load())
		}
		assert.Equal(t, 0, stats.EntriesMoved)
	}
}

type flippingOwnership struct {
	first MergeChain
	then  MergeChain
	calls int
}

func (o *flippingOwnership) CopySet(BucketID) (MergeChain, error) {
	o.calls++
	if o.calls == 1 {
		return o.first, nil
	}
	return o.then, nil
}

func TestMergeAbortsWhenCopySetChanges(t *testing.T) {
	f := newMergeFixture(t, 1, 2)
	f.put(1, "a", 1, "x")
	f.put(2, "b", 2, "y")

	own := &flippingOwnership{first: MergeChain{1, 2}, then: MergeChain{1, 3}}
	coord := NewCoordinator(f.bucket, f.cfg, f.resolve, own, testLogger(), f.stats)
	_, err := coord.Run(context.Background(), f.copies())
	assert.ErrorIs(t, err, ErrCopySetChanged)
	assert.Equal(t, uint64(1), f.stats.MergesAborted.Load())
}

func TestMergeNeedsTwoCopies(t *testing.T) {
	f := newMergeFixture(t, 1)
	_, err := f.run(t)
	assert.ErrorIs(t, err, ErrEmptyCopySet)
}

func TestMergeRejectsOversizedCopySet(t *testing.T) {
	ids := make([]NodeID, maxMergeChain+1)
	for i := range ids {
		ids[i] = NodeID(i + 1)
	}
	f := newMergeFixture(t, ids...)
	_, err := f.run(t)
	assert.ErrorIs(t, err, ErrChainTooLong)
}

func TestMergeUnknownNode(t *testing.T) {
	f := newMergeFixture(t, 1, 2)
	delete(f.nodes, 2)
	_, err := f.run(t)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestMergeChunksRespectConfiguredSize(t *testing.T) {
	f := newMergeFixture(t, 1, 2)
	f.cfg.BucketMergeChunkSize = 256
	big := make([]byte, 100)
	for i := 0; i < 10; i++ {
		f.put(1, "doc-"+string(rune('a'+i)), uint64(i+1), string(big))
	}

	stats, err := f.run(t)
	require.NoError(t, err)
	assert.Greater(t, stats.Chunks, 1)
	assert.Equal(t, f.latest(1), f.latest(2))
}
