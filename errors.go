package vespa

import "errors"

var (
	ErrBadConfig        = errors.New("vespa: invalid configuration")
	ErrNoMountpoints    = errors.New("vespa: no mountpoints configured")
	ErrNotFound         = errors.New("vespa: document not found")
	ErrClosed           = errors.New("vespa: node is closed")
	ErrChunkOutOfOrder  = errors.New("vespa: diff chunk received out of order")
	ErrChunkWrongBucket = errors.New("vespa: diff chunk for a different bucket")
	ErrCopySetChanged   = errors.New("vespa: bucket copy set changed, merge aborted")
	ErrMergeInProgress  = errors.New("vespa: merge already running for bucket")
	ErrMergeDiverged    = errors.New("vespa: merge did not converge")
	ErrUnknownNode      = errors.New("vespa: no route to copy node")
	ErrEmptyCopySet     = errors.New("vespa: merge needs at least two copies")
	ErrChainTooLong     = errors.New("vespa: copy set exceeds the merge chain limit")
)
