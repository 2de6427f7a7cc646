package vespa

import (
	"context"
	"fmt"

	"github.com/parthasl/vespa/utils"
)

// maxMergeRounds bounds the recompute-and-apply loop. A healthy merge
// converges in two rounds: one moving entries, one verifying.
const maxMergeRounds = 8

// maxMergeChain caps the copy set size; presence bitmaps are 32 bits
// wide, one per chain position.
const maxMergeChain = 32

// EntryPayload is an entry travelling with its document body.
type EntryPayload struct {
	Entry DocumentEntry
	Body  []byte
}

// MergeNode is one bucket copy as the coordinator sees it: a message
// endpoint, never a live reference into another node's state. Local
// and remote copies implement the same interface.
type MergeNode interface {
	// Metadata returns a fresh snapshot of the copy.
	Metadata(ctx context.Context, bucket BucketID) (BucketCopy, error)
	// Fetch returns the requested entries with bodies, tombstones included.
	Fetch(ctx context.Context, bucket BucketID, docIDs []string) ([]EntryPayload, error)
	// Apply feeds diff chunks, strictly in order, into the copy.
	Apply(ctx context.Context, bucket BucketID, chunks []DiffChunk) (int, error)
	// ApplyBatch runs the reduced-metadata confirmation pass.
	ApplyBatch(ctx context.Context, batch *OptimizedMergeBatch) error
	// SupportsChooseDocs reports whether the copy understands
	// source-choosing; legacy peers always get full metadata.
	SupportsChooseDocs() bool
}

// Ownership answers who currently holds copies of a bucket. The
// coordinator checks it every round: a reassigned copy set implicitly
// cancels the merge.
type Ownership interface {
	CopySet(bucket BucketID) (MergeChain, error)
}

// MergeStats summarizes one merge run.
type MergeStats struct {
	Rounds           int
	EntriesMoved     int
	BytesMoved       int
	Chunks           int
	OptimizedEntries int
}

// Coordinator drives one bucket's copies to convergence. It is
// resumable by construction: every round recomputes the diff from
// fresh copy snapshots, never from saved partial progress, and apply
// is entry-idempotent, so an interrupted merge costs nothing but a
// re-trigger.
type Coordinator struct {
	bucket    BucketID
	cfg       *Config
	log       utils.Logger
	stats     *EngineStats
	resolve   func(NodeID) (MergeNode, bool)
	ownership Ownership
}

func NewCoordinator(bucket BucketID, cfg *Config, resolve func(NodeID) (MergeNode, bool), ownership Ownership, log utils.Logger, stats *EngineStats) *Coordinator {
	return &Coordinator{
		bucket:    bucket,
		cfg:       cfg,
		log:       log,
		stats:     stats,
		resolve:   resolve,
		ownership: ownership,
	}
}

// Run reconciles the copy set the trigger carried. Terminal state: all
// copies report identical entry sets. Merge never deletes an entry;
// tombstones propagate like any other entry.
func (m *Coordinator) Run(ctx context.Context, copies []BucketCopy) (*MergeStats, error) {
	chain := ChainFor(copies)
	if len(chain) < 2 {
		return nil, ErrEmptyCopySet
	}
	if len(chain) > maxMergeChain {
		return nil, fmt.Errorf("%w: %d copies, limit %d", ErrChainTooLong, len(chain), maxMergeChain)
	}

	nodes := make([]MergeNode, len(chain))
	for i, id := range chain {
		node, ok := m.resolve(id)
		if !ok {
			return nil, fmt.Errorf("%w: node %d", ErrUnknownNode, id)
		}
		nodes[i] = node
	}

	m.stats.MergesStarted.Add(1)
	stats := &MergeStats{}

	for round := 0; round < maxMergeRounds; round++ {
		stats.Rounds = round + 1

		if err := m.checkOwnership(chain); err != nil {
			m.stats.MergesAborted.Add(1)
			return nil, err
		}

		byPos, err := m.snapshots(ctx, chain, nodes)
		if err != nil {
			m.stats.MergesAborted.Add(1)
			return nil, err
		}

		winners, presence := diffCopies(byPos)

		if round == 0 {
			if err := m.runOptimizedBatch(ctx, nodes, winners, presence, stats); err != nil {
				m.stats.MergesAborted.Add(1)
				return nil, err
			}
		}

		moved, err := m.moveMissing(ctx, chain, nodes, winners, presence, stats)
		if err != nil {
			m.stats.MergesAborted.Add(1)
			return nil, err
		}
		if moved == 0 && round > 0 {
			m.stats.MergesCompleted.Add(1)
			return stats, nil
		}
		if moved == 0 {
			// nothing was missing on the first pass; one verification
			// round confirms it
			continue
		}
	}

	m.stats.MergesAborted.Add(1)
	return nil, fmt.Errorf("%w: bucket %s after %d rounds", ErrMergeDiverged, m.bucket, maxMergeRounds)
}

func (m *Coordinator) checkOwnership(chain MergeChain) error {
	if m.ownership == nil {
		return nil
	}
	cur, err := m.ownership.CopySet(m.bucket)
	if err != nil {
		return err
	}
	if !cur.Equal(chain) {
		m.log.Warn("merge: copy set reassigned, aborting",
			"bucket", m.bucket.String(), "was", chain, "now", cur)
		return ErrCopySetChanged
	}
	return nil
}

func (m *Coordinator) snapshots(ctx context.Context, chain MergeChain, nodes []MergeNode) ([]map[string]DocumentEntry, error) {
	byPos := make([]map[string]DocumentEntry, len(chain))
	for i, node := range nodes {
		snap, err := node.Metadata(ctx, m.bucket)
		if err != nil {
			return nil, fmt.Errorf("vespa: merge metadata from node %d: %w", chain[i], err)
		}
		byPos[i] = snap.Latest()
	}
	return byPos, nil
}

// diffCopies computes the winning entry per document id and the
// presence bitmap over chain positions.
func diffCopies(byPos []map[string]DocumentEntry) (winners map[string]DocumentEntry, presence map[string]uint32) {
	winners = make(map[string]DocumentEntry)
	for _, entries := range byPos {
		for id, e := range entries {
			if cur, ok := winners[id]; !ok || e.Supersedes(cur) ||
				(e.Timestamp == cur.Timestamp && e.Checksum > cur.Checksum) {
				winners[id] = e
			}
		}
	}
	presence = make(map[string]uint32, len(winners))
	for id, w := range winners {
		var mask uint32
		for pos, entries := range byPos {
			if e, ok := entries[id]; ok && e == w {
				mask |= 1 << uint(pos)
			}
		}
		presence[id] = mask
	}
	return
}

// runOptimizedBatch routes entries identically present on all copies
// down the reduced-metadata path when they outnumber the configured
// minimum. No per-copy decision is needed for them, so the batch
// guarantees minimum transfer: metadata only, no bodies.
func (m *Coordinator) runOptimizedBatch(ctx context.Context, nodes []MergeNode, winners map[string]DocumentEntry, presence map[string]uint32, stats *MergeStats) error {
	all := uint32(1)<<uint(len(nodes)) - 1
	var common []DocumentEntry
	for id, mask := range presence {
		if mask == all {
			common = append(common, winners[id])
		}
	}
	if len(common) <= m.cfg.CommonMergeChainOptimalizationMinimumSize {
		return nil
	}
	batch := &OptimizedMergeBatch{Bucket: m.bucket, Entries: common}
	for i, node := range nodes {
		if err := node.ApplyBatch(ctx, batch); err != nil {
			return fmt.Errorf("vespa: optimized batch on position %d: %w", i, err)
		}
	}
	stats.OptimizedEntries = len(common)
	m.stats.OptimizedBatches.Add(1)
	return nil
}

// moveMissing builds and applies one apply-bucket-diff per chain
// position that is missing entries. Entries a position already
// acknowledged are never re-sent: the presence bitmap travels with
// every entry and each position only receives what it lacks.
func (m *Coordinator) moveMissing(ctx context.Context, chain MergeChain, nodes []MergeNode, winners map[string]DocumentEntry, presence map[string]uint32, stats *MergeStats) (moved int, err error) {
	for pos, node := range nodes {
		var needed []string
		for id, mask := range presence {
			if mask&(1<<uint(pos)) == 0 {
				needed = append(needed, id)
			}
		}
		if len(needed) == 0 {
			continue
		}

		bySource := m.chooseSources(pos, node, needed, presence)

		payloads := make(map[string]EntryPayload, len(needed))
		for src, ids := range bySource {
			fetched, err := nodes[src].Fetch(ctx, m.bucket, ids)
			if err != nil {
				return moved, fmt.Errorf("vespa: merge fetch from node %d: %w", chain[src], err)
			}
			for _, p := range fetched {
				payloads[p.Entry.DocID] = p
			}
		}

		entries := make([]DiffEntry, 0, len(needed))
		for _, id := range needed {
			p, ok := payloads[id]
			if !ok {
				return moved, fmt.Errorf("vespa: merge source lost entry %s/%s", m.bucket, id)
			}
			entries = append(entries, DiffEntry{
				Entry:    winners[id],
				Presence: presence[id],
				Body:     p.Body,
			})
		}

		diff := NewApplyBucketDiff(m.bucket, pos, entries)
		chunks := SplitDiff(diff, m.cfg.BucketMergeChunkSize)
		applied, err := node.Apply(ctx, m.bucket, chunks)
		if err != nil {
			return moved, fmt.Errorf("vespa: merge apply on node %d: %w", chain[pos], err)
		}

		moved += applied
		stats.EntriesMoved += len(entries)
		stats.BytesMoved += diff.ByteSize
		stats.Chunks += len(chunks)
		m.stats.DiffChunksSent.Add(uint64(len(chunks)))
		m.stats.EntriesTransferred.Add(uint64(len(entries)))
	}
	return moved, nil
}

// chooseSources picks an upstream position for every needed entry.
// Default is the first chain position holding the entry. With the
// choose-docs mode on, and the receiver advertising it, entries prefer
// the source already contributing the most entries to this receiver,
// which groups transfers; the full presence metadata is retained in
// memory to make that call. A transfer-cost decision only, never a
// correctness one.
func (m *Coordinator) chooseSources(pos int, node MergeNode, needed []string, presence map[string]uint32) map[int][]string {
	choose := m.cfg.EnableMergeLocalNodeChooseDocsOptimalization && node.SupportsChooseDocs()
	bySource := make(map[int][]string)
	if choose {
		load := make(map[int]int)
		for _, id := range needed {
			mask := presence[id]
			best, bestLoad := -1, -1
			for src := 0; src < maxMergeChain; src++ {
				if mask&(1<<uint(src)) == 0 || src == pos {
					continue
				}
				if load[src] > bestLoad {
					best, bestLoad = src, load[src]
				}
			}
			load[best]++
			bySource[best] = append(bySource[best], id)
		}
		return bySource
	}
	for _, id := range needed {
		mask := presence[id]
		for src := 0; src < maxMergeChain; src++ {
			if mask&(1<<uint(src)) != 0 && src != pos {
				bySource[src] = append(bySource[src], id)
				break
			}
		}
	}
	return bySource
}

// LocalMergeNode adapts the node's own provider to the merge protocol.
type LocalMergeNode struct {
	ID       NodeID
	Provider Provider
}

func (n *LocalMergeNode) Metadata(ctx context.Context, bucket BucketID) (BucketCopy, error) {
	entries, err := n.Provider.ListEntries(ctx, bucket)
	if err != nil {
		return BucketCopy{}, err
	}
	return BucketCopy{Node: n.ID, Bucket: bucket, Entries: entries}, nil
}

func (n *LocalMergeNode) Fetch(ctx context.Context, bucket BucketID, docIDs []string) ([]EntryPayload, error) {
	want := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		want[id] = true
	}
	var out []EntryPayload
	err := n.Provider.Visit(ctx, bucket, func(e DocumentEntry, body []byte) error {
		if want[e.DocID] {
			out = append(out, EntryPayload{Entry: e, Body: body})
		}
		return nil
	})
	return out, err
}

func (n *LocalMergeNode) Apply(ctx context.Context, bucket BucketID, chunks []DiffChunk) (int, error) {
	re := NewReassembler(bucket)
	for _, chunk := range chunks {
		if err := re.Add(chunk); err != nil {
			return 0, err
		}
	}
	if !re.Complete() {
		return 0, ErrChunkOutOfOrder
	}
	return n.Provider.ApplyDiff(ctx, bucket, re.Diff(0).Entries)
}

// ApplyBatch is the lighter-weight path: entries here are already on
// every copy, so applying is a timestamp-keyed no-op per entry.
func (n *LocalMergeNode) ApplyBatch(ctx context.Context, batch *OptimizedMergeBatch) error {
	entries := make([]DiffEntry, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		entries = append(entries, DiffEntry{Entry: e})
	}
	_, err := n.Provider.ApplyDiff(ctx, batch.Bucket, entries)
	return err
}

func (n *LocalMergeNode) SupportsChooseDocs() bool {
	return true
}
