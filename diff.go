package vespa

import "github.com/fxamacker/cbor/v2"

// DiffEntry is one document entry scheduled for transfer, with the
// copy-presence bitmap: bit i set means chain position i already holds
// the entry. Body rides along for entries being moved.
type DiffEntry struct {
	Entry    DocumentEntry
	Presence uint32
	Body     []byte
}

// HasPos reports whether chain position pos already holds the entry.
func (d DiffEntry) HasPos(pos int) bool {
	return d.Presence&(1<<uint(pos)) != 0
}

func (d *DiffEntry) SetPos(pos int) {
	d.Presence |= 1 << uint(pos)
}

// EncodedSize is the serialized size of the entry as it travels on the
// wire; the chunker budgets against this, never against in-memory size.
func (d *DiffEntry) EncodedSize() int {
	raw, err := cbor.Marshal(wireOf(*d))
	if err != nil {
		// The entry is plain data; marshalling cannot fail.
		panic(err)
	}
	return len(raw)
}

// ApplyBucketDiff is the unit of merge work for one chain position: the
// entries that position is missing, to be applied in bounded chunks.
type ApplyBucketDiff struct {
	Bucket   BucketID
	ChainPos int
	Entries  []DiffEntry
	ByteSize int
}

func NewApplyBucketDiff(bucket BucketID, pos int, entries []DiffEntry) *ApplyBucketDiff {
	d := &ApplyBucketDiff{
		Bucket:   bucket,
		ChainPos: pos,
		Entries:  entries,
	}
	for i := range entries {
		d.ByteSize += entries[i].EncodedSize()
	}
	return d
}

// OptimizedMergeBatch carries entries identically present on every
// copy. No per-copy decision remains for them, so they travel with
// reduced metadata (no presence bitmaps, no bodies) down a lighter
// path that only confirms convergence.
type OptimizedMergeBatch struct {
	Bucket  BucketID
	Entries []DocumentEntry
}
