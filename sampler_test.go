package vespa

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsage struct {
	mu   sync.Mutex
	disk float64
	mem  float64
}

func (f *fakeUsage) set(disk, mem float64) {
	f.mu.Lock()
	f.disk, f.mem = disk, mem
	f.mu.Unlock()
}

func (f *fakeUsage) Usage() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disk, f.mem
}

type captureReporter struct {
	mu      sync.Mutex
	samples []ResourceSample
}

func (c *captureReporter) ReportResourceUsage(s ResourceSample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *captureReporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *captureReporter) last() ResourceSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples[len(c.samples)-1]
}

func newTestSampler(src UsageSource, rep Reporter) *Sampler {
	return NewSampler(src, rep, NewConfig("/tmp"), testLogger(), NewEngineStats())
}

func TestSamplerFirstSampleAlwaysReports(t *testing.T) {
	src := &fakeUsage{disk: 0.5, mem: 0.3}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)

	assert.True(t, s.Sample(time.Now()))
	assert.Equal(t, 1, rep.count())
	assert.Equal(t, 0.5, rep.last().Disk)
	assert.Equal(t, 0.3, rep.last().Memory)
}

func TestSamplerNoiseGateSuppressesSmallMoves(t *testing.T) {
	src := &fakeUsage{disk: 0.5, mem: 0.3}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)
	require.True(t, s.Sample(time.Now()))

	// 0.0005 is inside the 0.001 gate
	src.set(0.5005, 0.3)
	assert.False(t, s.Sample(time.Now()))
	assert.Equal(t, 1, rep.count())

	// exactly at the gate still does not fire
	src.set(0.501, 0.3)
	assert.False(t, s.Sample(time.Now()))

	// past the gate fires and carries the whole snapshot
	src.set(0.5012, 0.31)
	assert.True(t, s.Sample(time.Now()))
	assert.Equal(t, 2, rep.count())
	assert.Equal(t, 0.5012, rep.last().Disk)
	assert.Equal(t, 0.31, rep.last().Memory)
}

func TestSamplerDeltaAgainstLastReported(t *testing.T) {
	src := &fakeUsage{disk: 0.5, mem: 0.3}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)
	require.True(t, s.Sample(time.Now()))

	// a run of sub-gate moves accumulates against the last *reported*
	// sample, not the last observed one
	for _, d := range []float64{0.5003, 0.5006, 0.5009} {
		src.set(d, 0.3)
		assert.False(t, s.Sample(time.Now()))
	}
	src.set(0.5011, 0.3)
	assert.True(t, s.Sample(time.Now()))
}

func TestSamplerOneCategoryReleasesWholeSnapshot(t *testing.T) {
	src := &fakeUsage{disk: 0.5, mem: 0.3}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)
	require.True(t, s.Sample(time.Now()))

	// only memory moved; the report still carries disk
	src.set(0.5, 0.35)
	assert.True(t, s.Sample(time.Now()))
	assert.Equal(t, 0.5, rep.last().Disk)
	assert.Equal(t, 0.35, rep.last().Memory)
}

func TestSamplerLiveNoiseUpdate(t *testing.T) {
	src := &fakeUsage{disk: 0.5, mem: 0.3}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)
	require.True(t, s.Sample(time.Now()))

	s.SetNoiseLevel(0.01)
	assert.Equal(t, 0.01, s.NoiseLevel())

	// would have fired under the default gate
	src.set(0.505, 0.3)
	assert.False(t, s.Sample(time.Now()))

	src.set(0.52, 0.3)
	assert.True(t, s.Sample(time.Now()))
}

func TestSamplerLastReported(t *testing.T) {
	src := &fakeUsage{disk: 0.4, mem: 0.2}
	rep := &captureReporter{}
	s := newTestSampler(src, rep)

	_, ok := s.LastReported()
	assert.False(t, ok)

	require.True(t, s.Sample(time.Now()))
	got, ok := s.LastReported()
	assert.True(t, ok)
	assert.Equal(t, 0.4, got.Disk)
}
