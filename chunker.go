package vespa

// DiffChunk is one bounded transfer unit of an apply-bucket-diff.
// Chunks are applied strictly in Index order at the receiver.
type DiffChunk struct {
	Bucket   BucketID
	ChainPos int
	Index    int
	Last     bool
	Entries  []DiffEntry
	ByteSize int
}

// SplitDiff cuts a diff into chunks whose serialized size stays within
// limit. An entry is never split: a single entry larger than the limit
// travels alone in an oversized chunk rather than torn in half. The
// limit is a transfer bound only; no relationship to bucket split
// sizes is assumed here.
func SplitDiff(diff *ApplyBucketDiff, limit int) []DiffChunk {
	var chunks []DiffChunk
	cur := DiffChunk{
		Bucket:   diff.Bucket,
		ChainPos: diff.ChainPos,
	}
	for _, e := range diff.Entries {
		sz := e.EncodedSize()
		if len(cur.Entries) > 0 && cur.ByteSize+sz > limit {
			chunks = append(chunks, cur)
			cur = DiffChunk{
				Bucket:   diff.Bucket,
				ChainPos: diff.ChainPos,
				Index:    len(chunks),
			}
		}
		cur.Entries = append(cur.Entries, e)
		cur.ByteSize += sz
	}
	chunks = append(chunks, cur)
	chunks[len(chunks)-1].Last = true
	return chunks
}

// Reassembler rebuilds a diff from its chunk sequence. Out-of-order
// receipt is fatal to the merge attempt, not recoverable: the chain
// gets rebuilt by the next trigger.
type Reassembler struct {
	bucket  BucketID
	next    int
	entries []DiffEntry
	done    bool
}

func NewReassembler(bucket BucketID) *Reassembler {
	return &Reassembler{bucket: bucket}
}

func (r *Reassembler) Add(chunk DiffChunk) error {
	if chunk.Bucket != r.bucket {
		return ErrChunkWrongBucket
	}
	if chunk.Index != r.next || r.done {
		return ErrChunkOutOfOrder
	}
	r.entries = append(r.entries, chunk.Entries...)
	r.next++
	if chunk.Last {
		r.done = true
	}
	return nil
}

// Complete reports whether the final chunk has been received.
func (r *Reassembler) Complete() bool {
	return r.done
}

// Diff returns the reassembled diff once Complete.
func (r *Reassembler) Diff(pos int) *ApplyBucketDiff {
	return NewApplyBucketDiff(r.bucket, pos, r.entries)
}
