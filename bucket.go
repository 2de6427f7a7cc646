package vespa

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// BucketID is the fixed-width hash-derived key of one bucket, the unit
// of replication and merge.
type BucketID uint64

func (b BucketID) String() string {
	return fmt.Sprintf("0x%016x", uint64(b))
}

// BucketOf derives the bucket of a document id.
func BucketOf(docID string) BucketID {
	return BucketID(xxhash.Sum64String(docID))
}

// NodeID identifies a content node within the cluster.
type NodeID uint16

// MountpointIndex maps a bucket to a mountpoint. The mapping is pure,
// so every operation against a bucket lands on the same disk and the
// same persistence threads for the life of the process.
func MountpointIndex(b BucketID, mounts int) int {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(b))
	return int(xxhash.Sum64(key[:]) % uint64(mounts))
}

// DocumentEntry is one (document id, timestamp, checksum) triple.
// Entries are immutable; a newer timestamp for the same id supersedes,
// it never mutates. A tombstone is an entry like any other and
// propagates through merge the same way.
type DocumentEntry struct {
	DocID     string
	Timestamp uint64
	Checksum  uint64
	Tombstone bool
}

// Supersedes reports whether e wins over o for the same document id.
func (e DocumentEntry) Supersedes(o DocumentEntry) bool {
	return e.Timestamp > o.Timestamp
}

// BucketCopy is a received snapshot of one node's replica of a bucket.
// Cross-node facts only ever travel as such snapshots; no node holds a
// live reference into another node's state.
type BucketCopy struct {
	Node       NodeID
	Bucket     BucketID
	Generation uint64
	Entries    []DocumentEntry
}

// Latest returns the winning entry per document id.
func (c *BucketCopy) Latest() map[string]DocumentEntry {
	m := make(map[string]DocumentEntry, len(c.Entries))
	for _, e := range c.Entries {
		if cur, ok := m[e.DocID]; !ok || e.Supersedes(cur) {
			m[e.DocID] = e
		}
	}
	return m
}

// MergeChain is the ordered set of nodes reconciling one bucket. The
// order is a pure function of the copy set, so repeated merges of the
// same divergence walk the same chain and cannot oscillate.
type MergeChain []NodeID

func ChainFor(copies []BucketCopy) MergeChain {
	chain := make(MergeChain, 0, len(copies))
	for _, c := range copies {
		if !slices.Contains(chain, c.Node) {
			chain = append(chain, c.Node)
		}
	}
	slices.Sort(chain)
	return chain
}

// Pos returns the chain position of a node, or -1.
func (ch MergeChain) Pos(n NodeID) int {
	return slices.Index(ch, n)
}

func (ch MergeChain) Equal(other MergeChain) bool {
	return slices.Equal(ch, other)
}
