package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("[vespa] feed/drain queue is closed")
var ErrOverflow = errors.New("[vespa] feed/drain queue is overflowed")

// FDQueue connects a producer (Drain) to a consumer (Feed) with a
// bounded record buffer. Feed batches records up to batchSize payload
// bytes so the consumer can amortize per-batch costs; Drain blocks for
// at most timelimit when the buffer is full, then reports overflow.
type FDQueue[T ~[][]byte] struct {
	ctx        context.Context
	close      context.CancelFunc
	timelimit  time.Duration
	batchSize  int
	recs       chan []byte
	size       atomic.Int64
	overflowed atomic.Bool
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	if limit <= 0 {
		limit = 1
	}
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		timelimit: timelimit,
		batchSize: batchSize,
		recs:      make(chan []byte, limit),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	return nil
}

// Size is the payload byte count currently buffered.
func (q *FDQueue[T]) Size() int {
	if q.ctx.Err() != nil {
		return 0
	}
	return int(q.size.Load())
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if q.overflowed.Load() {
		return ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	for _, rec := range recs {
		select {
		case q.recs <- rec:
			q.size.Add(int64(len(rec)))
		case <-q.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return nil
		case <-timer.C:
			q.overflowed.Store(true)
			return ErrOverflow
		}
	}
	return nil
}

func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if q.overflowed.Load() {
		return nil, ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	select {
	case rec := <-q.recs:
		q.size.Add(-int64(len(rec)))
		recs = append(recs, rec)
	case <-q.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	}

	payload := len(recs[0])
	for payload < q.batchSize {
		select {
		case rec := <-q.recs:
			q.size.Add(-int64(len(rec)))
			recs = append(recs, rec)
			payload += len(rec)
		default:
			return recs, nil
		}
	}
	return recs, nil
}
