package vespa

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type deliveryLog struct {
	mu   sync.Mutex
	seqs []uint64
	wg   sync.WaitGroup
}

func (d *deliveryLog) msg(conn string, seq uint64) *Message {
	d.wg.Add(1)
	return &Message{Conn: conn, Seq: seq, Done: func(r *Result) {
		d.mu.Lock()
		d.seqs = append(d.seqs, r.Msg.Seq)
		d.mu.Unlock()
		d.wg.Done()
	}}
}

func (d *deliveryLog) delivered() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.seqs...)
}

func TestSequencerSynchronousDelivery(t *testing.T) {
	d := &deliveryLog{}
	s := NewSequencer(SequencerLatency, nil, NewEngineStats())

	// completions arrive out of order; delivery must follow seq order
	s.Completed(&Result{Msg: d.msg("conn", 3)})
	assert.Empty(t, d.delivered())
	s.Completed(&Result{Msg: d.msg("conn", 1)})
	assert.Equal(t, []uint64{1}, d.delivered())
	s.Completed(&Result{Msg: d.msg("conn", 2)})
	assert.Equal(t, []uint64{1, 2, 3}, d.delivered())
}

func TestSequencerSeqZeroBypassesOrdering(t *testing.T) {
	d := &deliveryLog{}
	s := NewSequencer(SequencerLatency, nil, NewEngineStats())

	s.Completed(&Result{Msg: d.msg("conn", 5)})
	s.Completed(&Result{Msg: d.msg("conn", 0)})
	assert.Equal(t, []uint64{0}, d.delivered())
}

func TestSequencerIndependentConnections(t *testing.T) {
	d := &deliveryLog{}
	s := NewSequencer(SequencerLatency, nil, NewEngineStats())

	// a gap on one connection must not hold the other back
	s.Completed(&Result{Msg: d.msg("a", 2)})
	s.Completed(&Result{Msg: d.msg("b", 1)})
	assert.Equal(t, []uint64{1}, d.delivered())
}

func TestSequencerLatencyPool(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(2)
	defer pool.Close()
	s := NewSequencer(SequencerLatency, pool, NewEngineStats())
	defer s.Close()

	for _, seq := range []uint64{2, 1, 3} {
		s.Completed(&Result{Msg: d.msg("conn", seq)})
	}
	d.wg.Wait()
	assert.Equal(t, []uint64{1, 2, 3}, d.delivered())
}

func TestSequencerLatencyFlushesHeldBatchFirst(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(1)
	defer pool.Close()
	s := NewSequencer(SequencerLatency, pool, NewEngineStats())
	defer s.Close()

	// a held batch is what an adaptive throughput interval leaves
	// behind when the rate drops
	held := &Result{Msg: d.msg("conn", 7)}
	s.mu.Lock()
	s.batch = append(s.batch, held)
	s.mu.Unlock()

	s.Completed(&Result{Msg: d.msg("conn", 0)})
	d.wg.Wait()
	assert.Equal(t, []uint64{7, 0}, d.delivered())
}

func TestSequencerConcurrentCompletionsKeepOrder(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(2)
	defer pool.Close()
	s := NewSequencer(SequencerLatency, pool, NewEngineStats())
	defer s.Close()

	const n = 200
	seqs := make(chan uint64, n)
	for i := uint64(1); i <= n; i++ {
		seqs <- i
	}
	close(seqs)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range seqs {
				s.Completed(&Result{Msg: d.msg("conn", seq)})
			}
		}()
	}
	wg.Wait()
	d.wg.Wait()

	for i, seq := range d.delivered() {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestSequencerThroughputFlushes(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(2)
	defer pool.Close()
	stats := NewEngineStats()
	s := NewSequencer(SequencerThroughput, pool, stats)
	defer s.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		s.Completed(&Result{Msg: d.msg("conn", seq)})
	}
	// below the batch limit, the flush timer pushes them out
	d.wg.Wait()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, d.delivered())
	assert.GreaterOrEqual(t, stats.ResponseBatches.Load(), uint64(1))
}

func TestSequencerThroughputBatchLimit(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(2)
	defer pool.Close()
	stats := NewEngineStats()
	s := NewSequencer(SequencerThroughput, pool, stats)
	defer s.Close()

	for seq := uint64(1); seq <= uint64(responseBatchLimit); seq++ {
		s.Completed(&Result{Msg: d.msg("conn", seq)})
	}
	d.wg.Wait()
	assert.Len(t, d.delivered(), responseBatchLimit)
}

func TestSequencerCloseFlushes(t *testing.T) {
	d := &deliveryLog{}
	pool := newStripedPool(1)
	s := NewSequencer(SequencerThroughput, pool, NewEngineStats())

	s.Completed(&Result{Msg: d.msg("conn", 1)})
	s.Close()
	d.wg.Wait()
	pool.Close()
	assert.Equal(t, []uint64{1}, d.delivered())
}

func TestResponseThreadCount(t *testing.T) {
	assert.Equal(t, 0, ResponseThreadCount(0, 8))
	assert.Equal(t, 3, ResponseThreadCount(3, 8))
	assert.Equal(t, 4, ResponseThreadCount(-1, 8))
	assert.Equal(t, 1, ResponseThreadCount(-1, 1))
	assert.Equal(t, 1, ResponseThreadCount(-7, 2))
}

func TestAdaptiveSequencerSwitches(t *testing.T) {
	d := &deliveryLog{}
	s := NewSequencer(SequencerAdaptive, nil, NewEngineStats())

	// low rate: behaves like LATENCY, synchronous here since no pool
	s.Completed(&Result{Msg: d.msg("conn", 1)})
	assert.Equal(t, []uint64{1}, d.delivered())
}
