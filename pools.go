package vespa

import (
	"sync"
)

// Task is one unit of work scheduled onto a pool thread.
type Task func()

// stripedPool runs a fixed set of worker goroutines, each owning its
// own queue. Work submitted under one key always lands on the same
// stripe, and a per-stripe lock serializes execution, so no two
// threads ever touch the same bucket's local state even when a
// scheduling thread runs a task inline. Queue depth equals the thread
// count: a full stripe blocks the submitter, which is the per-disk
// backpressure.
type stripedPool struct {
	stripes []*stripe
	wg      sync.WaitGroup
	closed  chan struct{}
	once    sync.Once
}

type stripe struct {
	mu    sync.Mutex
	queue chan Task
	wake  chan struct{}
}

func newStripedPool(threads int) *stripedPool {
	p := &stripedPool{
		stripes: make([]*stripe, threads),
		closed:  make(chan struct{}),
	}
	for i := range p.stripes {
		p.stripes[i] = &stripe{
			queue: make(chan Task, threads),
			wake:  make(chan struct{}, 1),
		}
		p.wg.Add(1)
		go p.work(p.stripes[i])
	}
	return p
}

func (p *stripedPool) stripeFor(key uint64) *stripe {
	return p.stripes[key%uint64(len(p.stripes))]
}

func (p *stripedPool) work(st *stripe) {
	defer p.wg.Done()
	for {
		for st.runOne() {
		}
		select {
		case <-st.wake:
		case <-p.closed:
			// drain what was accepted before close
			for st.runOne() {
			}
			return
		}
	}
}

// runOne pops and runs one task with the stripe lock held. Every pop
// happens under the lock, so the worker and an inline caller can
// neither overlap nor reorder a stripe's tasks.
func (st *stripe) runOne() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	select {
	case task := <-st.queue:
		task()
		return true
	default:
		return false
	}
}

// Submit queues a task under the given key, blocking when the stripe
// is saturated.
func (p *stripedPool) Submit(key uint64, task Task) {
	st := p.stripeFor(key)
	select {
	case st.queue <- task:
		select {
		case st.wake <- struct{}{}:
		default:
		}
	case <-p.closed:
	}
}

// TryRunOne runs at most one queued task of the key's stripe on the
// calling goroutine. Never blocks: a stripe busy in its worker is left
// alone.
func (p *stripedPool) TryRunOne(key uint64) bool {
	st := p.stripeFor(key)
	if !st.mu.TryLock() {
		return false
	}
	defer st.mu.Unlock()
	select {
	case task := <-st.queue:
		task()
		return true
	default:
		return false
	}
}

func (p *stripedPool) Close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}

// handlerPool is a counting semaphore bounding concurrently active
// handler objects. Acquire blocks when all slots are taken; that
// saturation is the backpressure policy, there is no queue behind it.
type handlerPool struct {
	slots chan struct{}
}

func newHandlerPool(size int) *handlerPool {
	return &handlerPool{slots: make(chan struct{}, size)}
}

func (h *handlerPool) Acquire() {
	h.slots <- struct{}{}
}

func (h *handlerPool) TryAcquire() bool {
	select {
	case h.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *handlerPool) Release() {
	<-h.slots
}

func (h *handlerPool) InUse() int {
	return len(h.slots)
}

// sizeFromParallelism is the sizing policy behind the negative
// thread-count convention: derive a positive count from available
// hardware parallelism.
func sizeFromParallelism(parallelism int) int {
	n := parallelism / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ResponseThreadCount resolves the configured response thread setting
// against hardware parallelism. The sentinel never leaks past this
// point: 0 means synchronous delivery, anything else is a positive
// thread count.
func ResponseThreadCount(configured, parallelism int) int {
	switch {
	case configured == 0:
		return 0
	case configured > 0:
		return configured
	default:
		return sizeFromParallelism(parallelism)
	}
}

// ThreadPoolSet owns the four pool classes of a content node. All of
// them are sized once, at construction, from restart-only settings.
type ThreadPoolSet struct {
	persistence []*stripedPool // one per mountpoint
	response    *stripedPool   // nil in synchronous mode
	visitor     *handlerPool
	network     *handlerPool
	mounts      int
}

func NewThreadPoolSet(cfg *Config, parallelism int) *ThreadPoolSet {
	s := &ThreadPoolSet{
		persistence: make([]*stripedPool, len(cfg.Mountpoints)),
		visitor:     newHandlerPool(cfg.NumVisitorThreads),
		network:     newHandlerPool(cfg.NumNetworkThreads),
		mounts:      len(cfg.Mountpoints),
	}
	for i := range s.persistence {
		s.persistence[i] = newStripedPool(cfg.NumThreads)
	}
	if n := ResponseThreadCount(cfg.NumResponseThreads, parallelism); n > 0 {
		s.response = newStripedPool(n)
	}
	return s
}

// Mountpoint returns the mountpoint index a bucket is pinned to.
func (s *ThreadPoolSet) Mountpoint(b BucketID) int {
	return MountpointIndex(b, s.mounts)
}

// Persistence returns the pool owning the bucket's mountpoint.
func (s *ThreadPoolSet) Persistence(b BucketID) *stripedPool {
	return s.persistence[s.Mountpoint(b)]
}

// Response returns the response delivery pool, nil when delivery is
// synchronous.
func (s *ThreadPoolSet) Response() *stripedPool {
	return s.response
}

func (s *ThreadPoolSet) Visitor() *handlerPool {
	return s.visitor
}

func (s *ThreadPoolSet) Network() *handlerPool {
	return s.network
}

func (s *ThreadPoolSet) Close() {
	for _, p := range s.persistence {
		p.Close()
	}
	if s.response != nil {
		s.response.Close()
	}
}
