package protocol

// Records is a batch of wire records. Batching keeps syscall and
// processing overhead per record low and converts directly to
// net.Buffers for vectored writes.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
