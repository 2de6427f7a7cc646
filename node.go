package vespa

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/parthasl/vespa/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// metaCacheSize bounds the per-bucket metadata cache. Entries are
// invalidated on every local write, so staleness only costs an extra
// listing, never a wrong merge.
const metaCacheSize = 1024

// Node is one content node: the persistence provider, the four thread
// pools, the message scheduler, the response sequencer and the resource
// sampler, wired together. Everything but the sampler's noise gate is
// fixed at construction.
type Node struct {
	id    NodeID
	cfg   *Config
	log   utils.Logger
	store *PebbleStore

	pools   *ThreadPoolSet
	sched   *Scheduler
	seq     *Sequencer
	sampler *Sampler
	stats   *EngineStats

	registry  *prometheus.Registry
	merges    *xsync.MapOf[BucketID, struct{}]
	peers     *xsync.MapOf[NodeID, MergeNode]
	metaCache *lru.Cache[BucketID, BucketCopy]
	ownership Ownership

	closed atomic.Bool
}

type noopReporter struct{}

func (noopReporter) ReportResourceUsage(ResourceSample) {}

// NewNode builds and starts a content node. A configuration the
// Validate call rejects is fatal: the constructor returns the error and
// nothing is left running.
func NewNode(id NodeID, cfg *Config, ownership Ownership, rep Reporter, log utils.Logger) (*Node, error) {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if err := cfg.Validate(CommThreadConfig{}); err != nil {
		return nil, err
	}

	store, err := OpenPebbleStore(cfg.Mountpoints, log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:        id,
		cfg:       cfg,
		log:       log,
		store:     store,
		stats:     NewEngineStats(),
		registry:  prometheus.NewRegistry(),
		merges:    xsync.NewMapOf[BucketID, struct{}](),
		peers:     xsync.NewMapOf[NodeID, MergeNode](),
		ownership: ownership,
	}
	n.metaCache, err = lru.New[BucketID, BucketCopy](metaCacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	n.pools = NewThreadPoolSet(cfg, runtime.GOMAXPROCS(0))
	n.seq = NewSequencer(cfg.ResponseSequencerType, n.pools.Response(), n.stats)
	n.sched = NewScheduler(n.pools, cfg, n.execute, n.seq.Completed, n.stats)

	if rep == nil {
		rep = noopReporter{}
	}
	n.sampler = NewSampler(&nodeUsage{store: store, cfg: cfg}, rep, cfg, log, n.stats)
	n.sampler.Start()

	n.registry.MustRegister(
		NewEngineCollector(n.stats),
		NewProviderCollector(store),
	)

	n.RegisterMergeNode(id, &nodeCopy{
		LocalMergeNode: &LocalMergeNode{ID: id, Provider: store},
		node:           n,
	})

	log.Info("node: started",
		"node", id,
		"mountpoints", len(cfg.Mountpoints),
		"sequencer", cfg.ResponseSequencerType.String())
	return n, nil
}

// RegisterMergeNode makes a bucket copy reachable by node id. The local
// provider registers itself; the embedding cluster layer registers
// remote copies as it learns about them.
func (n *Node) RegisterMergeNode(id NodeID, node MergeNode) {
	n.peers.Store(id, node)
}

func (n *Node) UnregisterMergeNode(id NodeID) {
	n.peers.Delete(id)
}

func (n *Node) resolveMergeNode(id NodeID) (MergeNode, bool) {
	return n.peers.Load(id)
}

// Schedule hands one storage message to the persistence layer. The
// result comes back through msg.Done on a sequencer-chosen thread.
func (n *Node) Schedule(msg *Message) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.sched.Schedule(msg)
	return nil
}

// execute runs one message on a persistence thread of the bucket's
// mountpoint.
func (n *Node) execute(msg *Message) *Result {
	res := &Result{Msg: msg}
	ctx := context.Background()

	switch msg.Kind {
	case MsgPut:
		entry := DocumentEntry{DocID: msg.DocID, Timestamp: msg.Timestamp}
		res.Err = n.store.Put(ctx, msg.Bucket, entry, msg.Body)
		if res.Err == nil {
			res.Entry = entry
			n.metaCache.Remove(msg.Bucket)
		}
	case MsgGet:
		res.Entry, res.Value, res.Err = n.store.Get(ctx, msg.Bucket, msg.DocID)
	case MsgRemove:
		res.Err = n.store.Remove(ctx, msg.Bucket, msg.DocID, msg.Timestamp)
		if res.Err == nil {
			n.metaCache.Remove(msg.Bucket)
		}
	case MsgVisit:
		fn := msg.OnVisit
		if fn == nil {
			fn = func(DocumentEntry, []byte) error { return nil }
		}
		// a visitor slot bounds the handler for the whole iteration
		n.pools.Visitor().Acquire()
		res.Err = n.store.Visit(ctx, msg.Bucket, fn)
		n.pools.Visitor().Release()
	case MsgApplyDiff:
		res.Applied, res.Err = n.store.ApplyDiff(ctx, msg.Bucket, msg.Diff)
		if res.Err == nil {
			n.metaCache.Remove(msg.Bucket)
		}
	default:
		res.Err = fmt.Errorf("node %d: unknown message kind %d", n.id, msg.Kind)
	}
	return res
}

// call schedules a message and blocks for its result.
func (n *Node) call(msg *Message) (*Result, error) {
	done := make(chan *Result, 1)
	msg.Done = func(r *Result) { done <- r }
	if err := n.Schedule(msg); err != nil {
		return nil, err
	}
	res := <-done
	return res, res.Err
}

// Put writes a document version, deriving the bucket from the id.
func (n *Node) Put(docID string, timestamp uint64, body []byte) error {
	_, err := n.call(&Message{
		Kind: MsgPut, Bucket: BucketOf(docID),
		DocID: docID, Timestamp: timestamp, Body: body,
	})
	return err
}

func (n *Node) Get(docID string) (DocumentEntry, []byte, error) {
	res, err := n.call(&Message{Kind: MsgGet, Bucket: BucketOf(docID), DocID: docID})
	if err != nil {
		return DocumentEntry{}, nil, err
	}
	return res.Entry, res.Value, nil
}

func (n *Node) Remove(docID string, timestamp uint64) error {
	_, err := n.call(&Message{
		Kind: MsgRemove, Bucket: BucketOf(docID),
		DocID: docID, Timestamp: timestamp,
	})
	return err
}

// Visit streams every entry of a bucket, tombstones included, through
// fn on a persistence thread.
func (n *Node) Visit(bucket BucketID, fn func(DocumentEntry, []byte) error) error {
	_, err := n.call(&Message{Kind: MsgVisit, Bucket: bucket, OnVisit: fn})
	return err
}

// Metadata returns the local copy snapshot of a bucket, cached until
// the next write to it.
func (n *Node) Metadata(ctx context.Context, bucket BucketID) (BucketCopy, error) {
	if c, ok := n.metaCache.Get(bucket); ok {
		return c, nil
	}
	entries, err := n.store.ListEntries(ctx, bucket)
	if err != nil {
		return BucketCopy{}, err
	}
	c := BucketCopy{Node: n.id, Bucket: bucket, Entries: entries}
	n.metaCache.Add(bucket, c)
	return c, nil
}

// TriggerMerge reconciles one bucket's copy set. At most one merge per
// bucket runs at a time; a second trigger while one is in flight fails
// fast instead of queueing.
func (n *Node) TriggerMerge(ctx context.Context, bucket BucketID) (*MergeStats, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	if _, running := n.merges.LoadOrStore(bucket, struct{}{}); running {
		return nil, fmt.Errorf("%w: bucket %s", ErrMergeInProgress, bucket)
	}
	defer n.merges.Delete(bucket)

	chain, err := n.ownership.CopySet(bucket)
	if err != nil {
		return nil, err
	}
	copies := make([]BucketCopy, 0, len(chain))
	for _, id := range chain {
		node, ok := n.resolveMergeNode(id)
		if !ok {
			return nil, fmt.Errorf("%w: node %d", ErrUnknownNode, id)
		}
		snap, err := node.Metadata(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("merge metadata from node %d: %w", id, err)
		}
		copies = append(copies, snap)
	}

	coord := NewCoordinator(bucket, n.cfg, n.resolveMergeNode, n.ownership, n.log, n.stats)
	stats, err := coord.Run(ctx, copies)
	if err == nil {
		n.metaCache.Remove(bucket)
	}
	return stats, err
}

// SetNoiseLevel updates the resource reporter's noise gate on the
// running node.
func (n *Node) SetNoiseLevel(level float64) error {
	if level < 0 || level >= 1 {
		return fmt.Errorf("%w: noise level %v outside [0,1)", ErrBadConfig, level)
	}
	n.sampler.SetNoiseLevel(level)
	return nil
}

func (n *Node) NoiseLevel() float64 {
	return n.sampler.NoiseLevel()
}

// LastHostInfo returns the resource snapshot the controller last saw.
func (n *Node) LastHostInfo() (ResourceSample, bool) {
	return n.sampler.LastReported()
}

func (n *Node) ID() NodeID {
	return n.id
}

func (n *Node) Stats() *EngineStats {
	return n.stats
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

func (n *Node) Sampler() *Sampler {
	return n.sampler
}

// Close drains the pools and shuts the store. Messages scheduled
// before the close still complete.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	n.sampler.Stop()
	n.pools.Close()
	n.seq.Close()
	err := n.store.Close()
	n.log.Info("node: stopped", "node", n.id)
	return err
}

// nodeCopy is the node's own bucket copy in the merge protocol: the
// local provider, with snapshots served through the node's metadata
// cache so repeated merge triggers on a quiet bucket skip the listing.
type nodeCopy struct {
	*LocalMergeNode
	node *Node
}

func (c *nodeCopy) Metadata(ctx context.Context, bucket BucketID) (BucketCopy, error) {
	return c.node.Metadata(ctx, bucket)
}

// nodeUsage reads disk and memory pressure as fractions of the
// configured budgets.
type nodeUsage struct {
	store *PebbleStore
	cfg   *Config
}

func (u *nodeUsage) Usage() (disk, memory float64) {
	disk = clamp01(float64(u.store.DiskUsage()) / float64(u.cfg.DiskBudgetBytes))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memory = clamp01(float64(ms.HeapAlloc) / float64(u.cfg.MemoryBudgetBytes))
	return
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
