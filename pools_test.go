package vespa

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMountpointIndexStable(t *testing.T) {
	for _, mounts := range []int{1, 2, 3, 7} {
		seen := map[int]bool{}
		for i := 0; i < 1000; i++ {
			b := BucketID(uint64(i) * 0x9e3779b97f4a7c15)
			idx := MountpointIndex(b, mounts)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, mounts)
			assert.Equal(t, idx, MountpointIndex(b, mounts))
			seen[idx] = true
		}
		// with 1000 buckets every mountpoint should get some
		assert.Len(t, seen, mounts)
	}
}

func TestStripedPoolKeyAffinity(t *testing.T) {
	pool := newStripedPool(4)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		pool.Submit(42, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	pool.Close()

	// one key means one stripe means submission order
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStripedPoolTryRunOne(t *testing.T) {
	pool := newStripedPool(1)
	defer pool.Close()

	assert.False(t, pool.TryRunOne(7))

	ran := make(chan struct{}, 1)
	pool.Submit(7, func() { ran <- struct{}{} })
	// either the worker or this call runs it, never both
	pool.TryRunOne(7)
	<-ran
}

func TestStripedPoolInlineRunExcludesWorker(t *testing.T) {
	pool := newStripedPool(1)
	defer pool.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var running atomic.Int32
	pool.Submit(7, func() {
		running.Add(1)
		close(entered)
		<-release
		running.Add(-1)
	})
	<-entered

	var overlap int32
	done := make(chan struct{})
	pool.Submit(7, func() {
		overlap = running.Load()
		close(done)
	})

	// the worker holds the stripe, an inline run must back off
	assert.False(t, pool.TryRunOne(7))

	close(release)
	<-done
	assert.Equal(t, int32(0), overlap)
}

func TestHandlerPoolBounds(t *testing.T) {
	h := newHandlerPool(2)
	assert.True(t, h.TryAcquire())
	assert.True(t, h.TryAcquire())
	assert.False(t, h.TryAcquire())
	assert.Equal(t, 2, h.InUse())

	h.Release()
	assert.True(t, h.TryAcquire())
}

func TestThreadPoolSetLayout(t *testing.T) {
	cfg := NewConfig("/m0", "/m1", "/m2")
	cfg.NumResponseThreads = 2
	set := NewThreadPoolSet(cfg, 8)
	defer set.Close()

	assert.NotNil(t, set.Response())
	assert.NotNil(t, set.Visitor())
	assert.NotNil(t, set.Network())

	b := BucketOf("affine")
	assert.Equal(t, set.Mountpoint(b), MountpointIndex(b, 3))
	assert.Same(t, set.Persistence(b), set.Persistence(b))
}

func TestThreadPoolSetSynchronousResponses(t *testing.T) {
	cfg := NewConfig("/m0")
	cfg.NumResponseThreads = 0
	set := NewThreadPoolSet(cfg, 8)
	defer set.Close()
	assert.Nil(t, set.Response())
}
