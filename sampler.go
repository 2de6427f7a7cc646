package vespa

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/parthasl/vespa/utils"
)

// ResourceSample is one reading of disk and memory pressure. Samples
// are transient; only the delta against the last *reported* sample
// matters for emission.
type ResourceSample struct {
	Disk   float64
	Memory float64
	When   time.Time
}

// UsageSource produces current usage fractions, both in [0,1].
type UsageSource interface {
	Usage() (disk, memory float64)
}

// Reporter is the cluster-controller-facing channel accepting resource
// usage snapshots.
type Reporter interface {
	ReportResourceUsage(ResourceSample)
}

// Sampler periodically reads resource pressure and reports it, gated
// by a noise level so the controller is not flooded with sub-noise
// wiggle. When any one category moves past the gate the whole sample
// goes out; the controller never sees a partial snapshot.
//
// The noise level is the one setting updatable on a running process.
type Sampler struct {
	src      UsageSource
	rep      Reporter
	noise    *utils.AtomicFloat64
	interval time.Duration
	log      utils.Logger
	stats    *EngineStats

	mu           sync.Mutex
	lastReported *ResourceSample

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSampler(src UsageSource, rep Reporter, cfg *Config, log utils.Logger, stats *EngineStats) *Sampler {
	return &Sampler{
		src:      src,
		rep:      rep,
		noise:    utils.NewAtomicFloat64(cfg.ResourceUsageReporterNoiseLevel),
		interval: 10 * time.Second,
		log:      log,
		stats:    stats,
	}
}

// SetNoiseLevel swaps the live noise gate. Takes effect on the next
// sampling round; no restart involved.
func (s *Sampler) SetNoiseLevel(level float64) {
	s.noise.Store(level)
}

func (s *Sampler) NoiseLevel() float64 {
	return s.noise.Load()
}

// LastReported returns the snapshot the controller last saw.
func (s *Sampler) LastReported() (ResourceSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReported == nil {
		return ResourceSample{}, false
	}
	return *s.lastReported, true
}

// Sample runs one sampling round and reports whether it emitted.
func (s *Sampler) Sample(now time.Time) bool {
	disk, memory := s.src.Usage()
	cur := ResourceSample{Disk: disk, Memory: memory, When: now}

	s.mu.Lock()
	last := s.lastReported
	noise := s.noise.Load()
	emit := last == nil ||
		math.Abs(cur.Disk-last.Disk) > noise ||
		math.Abs(cur.Memory-last.Memory) > noise
	if emit {
		s.lastReported = &cur
	}
	s.mu.Unlock()

	if emit {
		s.rep.ReportResourceUsage(cur)
		s.stats.ResourceReports.Add(1)
		s.log.Debug("sampler: reported host info", "disk", cur.Disk, "memory", cur.Memory)
	}
	return emit
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.Sample(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
