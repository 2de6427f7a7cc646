package vespa

import (
	"fmt"
	"strings"
)

// SequencerType selects the response delivery discipline.
type SequencerType int

const (
	// SequencerAdaptive watches the completion rate and switches
	// between the two extremes. The shipped default.
	SequencerAdaptive SequencerType = iota
	// SequencerLatency delivers every response as soon as it is ready.
	SequencerLatency
	// SequencerThroughput batches deliveries, trading tail latency for
	// completions per second.
	SequencerThroughput
)

func (t SequencerType) String() string {
	switch t {
	case SequencerLatency:
		return "LATENCY"
	case SequencerThroughput:
		return "THROUGHPUT"
	case SequencerAdaptive:
		return "ADAPTIVE"
	default:
		return fmt.Sprintf("SequencerType(%d)", int(t))
	}
}

func ParseSequencerType(s string) (SequencerType, error) {
	switch strings.ToUpper(s) {
	case "LATENCY":
		return SequencerLatency, nil
	case "THROUGHPUT":
		return SequencerThroughput, nil
	case "ADAPTIVE":
		return SequencerAdaptive, nil
	default:
		return SequencerAdaptive, fmt.Errorf("%w: unknown sequencer type %q", ErrBadConfig, s)
	}
}

// Config is the restart-only configuration of a content node. It is
// built once at process start and handed to components by reference;
// nothing in it changes while the process runs. The single
// live-updatable setting, the resource reporter noise level, is owned
// by the Sampler as an atomic value and only seeded from here.
type Config struct {
	// Mountpoints lists the data directories, one physical disk each.
	Mountpoints []string

	// NumThreads is the persistence thread count per mountpoint.
	NumThreads int

	// NumResponseThreads sizes response delivery: 0 keeps delivery on
	// the completing thread, a positive value runs that many dedicated
	// threads, a negative value derives the count from hardware
	// parallelism. Zero is a real setting, so SetDefaults leaves this
	// field alone; NewConfig seeds the shipped value of 2.
	NumResponseThreads int

	// NumVisitorThreads bounds concurrently active visitor handlers.
	// Must agree with the communication layer's own setting.
	NumVisitorThreads int

	// NumNetworkThreads bounds network message handlers. Must agree
	// with the communication layer's own setting.
	NumNetworkThreads int

	ResponseSequencerType SequencerType

	// CommonMergeChainOptimalizationMinimumSize is the document count
	// above which entries present on every copy are routed as one
	// reduced-metadata batch instead of per-copy diffs.
	CommonMergeChainOptimalizationMinimumSize int

	// BucketMergeChunkSize caps the serialized size of one diff
	// transfer unit. Some old texts describe the default as 4 MB; the
	// literal below is what ships and is authoritative.
	BucketMergeChunkSize int

	EnableMergeLocalNodeChooseDocsOptimalization bool

	// EnableMultibitSplitOptimalization belongs to the external bucket
	// splitting collaborator; the merge engine only carries it through.
	EnableMultibitSplitOptimalization bool

	// UseAsyncMessageHandlingOnSchedule lets the scheduling thread run
	// at most one queued message inline instead of always paying the
	// thread handoff.
	UseAsyncMessageHandlingOnSchedule bool

	// ResourceUsageReporterNoiseLevel seeds the live noise gate of the
	// resource usage reporter.
	ResourceUsageReporterNoiseLevel float64

	// MemoryBudgetBytes is the process memory budget the sampler
	// reports usage fractions against.
	MemoryBudgetBytes uint64

	// DiskBudgetBytes is the disk budget per node the sampler reports
	// usage fractions against.
	DiskBudgetBytes uint64
}

// SetDefaults fills unset fields with the shipped defaults. The
// response thread count is not defaulted here: zero means synchronous
// delivery, so it cannot double as "unset".
func (c *Config) SetDefaults() {
	if c.NumThreads == 0 {
		c.NumThreads = 8
	}
	if c.NumVisitorThreads == 0 {
		c.NumVisitorThreads = 16
	}
	if c.NumNetworkThreads == 0 {
		c.NumNetworkThreads = 1
	}
	if c.CommonMergeChainOptimalizationMinimumSize == 0 {
		c.CommonMergeChainOptimalizationMinimumSize = 64
	}
	if c.BucketMergeChunkSize == 0 {
		c.BucketMergeChunkSize = 32 << 20
	}
	if c.ResourceUsageReporterNoiseLevel == 0 {
		c.ResourceUsageReporterNoiseLevel = 0.001
	}
	if c.MemoryBudgetBytes == 0 {
		c.MemoryBudgetBytes = 8 << 30
	}
	if c.DiskBudgetBytes == 0 {
		c.DiskBudgetBytes = 256 << 30
	}
}

// NewConfig returns the shipped defaults for the given mountpoints,
// with the flags that default to on enabled.
func NewConfig(mountpoints ...string) *Config {
	cfg := &Config{
		Mountpoints:        mountpoints,
		NumResponseThreads: 2,
		EnableMergeLocalNodeChooseDocsOptimalization: true,
		EnableMultibitSplitOptimalization:            true,
	}
	cfg.SetDefaults()
	return cfg
}

// CommThreadConfig is the communication layer's view of the shared
// thread settings. Visitor and network handler counts must match on
// both sides since sessions flow through both layers.
type CommThreadConfig struct {
	VisitorThreads int
	NetworkThreads int
}

// Validate rejects configurations the process must not start with.
func (c *Config) Validate(comm CommThreadConfig) error {
	if len(c.Mountpoints) == 0 {
		return ErrNoMountpoints
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("%w: num_threads must be positive, got %d", ErrBadConfig, c.NumThreads)
	}
	if c.NumVisitorThreads < 1 {
		return fmt.Errorf("%w: num_visitor_threads must be positive, got %d", ErrBadConfig, c.NumVisitorThreads)
	}
	if c.NumNetworkThreads < 1 {
		return fmt.Errorf("%w: num_network_threads must be positive, got %d", ErrBadConfig, c.NumNetworkThreads)
	}
	if c.BucketMergeChunkSize < 1 {
		return fmt.Errorf("%w: bucket_merge_chunk_size must be positive, got %d", ErrBadConfig, c.BucketMergeChunkSize)
	}
	if c.CommonMergeChainOptimalizationMinimumSize < 0 {
		return fmt.Errorf("%w: common merge chain minimum size must not be negative", ErrBadConfig)
	}
	if c.ResourceUsageReporterNoiseLevel < 0 || c.ResourceUsageReporterNoiseLevel >= 1 {
		return fmt.Errorf("%w: noise level %v outside [0,1)", ErrBadConfig, c.ResourceUsageReporterNoiseLevel)
	}
	if comm.VisitorThreads != 0 && comm.VisitorThreads != c.NumVisitorThreads {
		return fmt.Errorf("%w: visitor threads %d disagree with communication layer %d",
			ErrBadConfig, c.NumVisitorThreads, comm.VisitorThreads)
	}
	if comm.NetworkThreads != 0 && comm.NetworkThreads != c.NumNetworkThreads {
		return fmt.Errorf("%w: network threads %d disagree with communication layer %d",
			ErrBadConfig, c.NumNetworkThreads, comm.NetworkThreads)
	}
	return nil
}
