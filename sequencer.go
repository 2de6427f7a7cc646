package vespa

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/parthasl/vespa/utils"
)

const (
	// responseBatchLimit caps how many responses a THROUGHPUT flush
	// holds back; the flush timer bounds how long.
	responseBatchLimit = 64
	responseFlushDelay = 2 * time.Millisecond

	// adaptiveRatePerSec is the completion rate above which the
	// ADAPTIVE sequencer behaves like THROUGHPUT.
	adaptiveRatePerSec = 1000.0
)

// Sequencer delivers completed operation results back to callers.
//
// Ordering: results for one originating connection are released in
// per-connection sequence order; nothing is promised across unrelated
// connections. Delivery tasks for a connection always land on the same
// response stripe, so the release order survives the handoff.
//
// Disciplines: LATENCY hands every result over as soon as it is
// released; THROUGHPUT batches results and flushes on size or timer,
// never holding a result longer than the flush delay; ADAPTIVE watches
// the completion rate and picks between the two.
type Sequencer struct {
	typ   SequencerType
	pool  *stripedPool // nil means synchronous delivery
	stats *EngineStats
	rate  *utils.RateMeter

	mu     sync.Mutex
	conns  map[string]*connStream
	batch  []*Result
	timer  *time.Timer
	closed bool
}

type connStream struct {
	next    uint64
	pending map[uint64]*Result
	seqs    utils.Heap[uint64]
}

func NewSequencer(typ SequencerType, pool *stripedPool, stats *EngineStats) *Sequencer {
	return &Sequencer{
		typ:   typ,
		pool:  pool,
		stats: stats,
		rate:  utils.NewRateMeter(time.Second),
		conns: make(map[string]*connStream),
	}
}

// Completed takes one finished operation. It releases whatever became
// deliverable in order and dispatches it under the configured
// discipline. Safe to call from any persistence thread.
func (s *Sequencer) Completed(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ready := s.release(res)
	mode := s.typ
	if mode == SequencerAdaptive {
		s.rate.Mark()
		if s.rate.PerSecond() >= adaptiveRatePerSec {
			mode = SequencerThroughput
		} else {
			mode = SequencerLatency
		}
	}

	if s.pool == nil {
		for _, r := range ready {
			s.deliver(r)
		}
		return
	}

	switch mode {
	case SequencerThroughput:
		s.batch = append(s.batch, ready...)
		if len(s.batch) >= responseBatchLimit {
			s.flushLocked()
		} else if len(s.batch) > 0 && s.timer == nil {
			s.timer = time.AfterFunc(responseFlushDelay, s.Flush)
		}
	default: // latency
		// anything a throughput interval still holds goes out first,
		// and the handoff stays under the lock: stripe order is
		// release order
		if len(s.batch) > 0 {
			s.flushLocked()
		}
		for _, r := range ready {
			r := r
			s.pool.Submit(connKey(r.Msg.Conn), func() { s.deliver(r) })
		}
	}
}

// release enforces per-connection sequence order. Sequence numbers
// start at 1 per connection; Seq 0 bypasses ordering.
func (s *Sequencer) release(res *Result) (ready []*Result) {
	if res.Msg.Seq == 0 {
		return []*Result{res}
	}
	stream, ok := s.conns[res.Msg.Conn]
	if !ok {
		stream = &connStream{next: 1, pending: make(map[uint64]*Result)}
		s.conns[res.Msg.Conn] = stream
	}
	stream.pending[res.Msg.Seq] = res
	stream.seqs.Push(res.Msg.Seq)
	for stream.seqs.Len() > 0 && stream.seqs.Peek() == stream.next {
		seq := stream.seqs.Pop()
		ready = append(ready, stream.pending[seq])
		delete(stream.pending, seq)
		stream.next++
	}
	return
}

// Flush pushes out anything the THROUGHPUT path is holding. Called by
// the flush timer; also usable to drain on demand.
func (s *Sequencer) Flush() {
	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()
}

func (s *Sequencer) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.batch) == 0 {
		return
	}
	batch := s.batch
	s.batch = nil
	s.stats.ResponseBatches.Add(1)

	if s.pool == nil {
		for _, r := range batch {
			s.deliver(r)
		}
		return
	}
	// one delivery task per connection keeps per-connection order
	groups := make(map[string][]*Result)
	var order []string
	for _, r := range batch {
		if _, ok := groups[r.Msg.Conn]; !ok {
			order = append(order, r.Msg.Conn)
		}
		groups[r.Msg.Conn] = append(groups[r.Msg.Conn], r)
	}
	for _, conn := range order {
		group := groups[conn]
		s.pool.Submit(connKey(conn), func() {
			for _, r := range group {
				s.deliver(r)
			}
		})
	}
}

func (s *Sequencer) deliver(r *Result) {
	if r.Msg.Done != nil {
		r.Msg.Done(r)
	}
	s.stats.ResponsesDelivered.Add(1)
}

// Close drains held batches; no new results are accepted after.
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.flushLocked()
	s.closed = true
	s.mu.Unlock()
}

func connKey(conn string) uint64 {
	return xxhash.Sum64String(conn)
}
