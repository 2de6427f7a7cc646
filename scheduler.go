package vespa

// Scheduler routes an inbound storage message to the persistence pool
// of its bucket's mountpoint. With async handling on schedule enabled,
// the scheduling (network) thread additionally runs at most one queued
// message inline before returning: light workloads skip a thread
// handoff, and the call still can never block on a busy pool.
type Scheduler struct {
	pools  *ThreadPoolSet
	inline bool
	exec   func(*Message) *Result
	sink   func(*Result)
	stats  *EngineStats
}

func NewScheduler(pools *ThreadPoolSet, cfg *Config, exec func(*Message) *Result, sink func(*Result), stats *EngineStats) *Scheduler {
	return &Scheduler{
		pools:  pools,
		inline: cfg.UseAsyncMessageHandlingOnSchedule,
		exec:   exec,
		sink:   sink,
		stats:  stats,
	}
}

// Schedule enqueues the message and returns. The completion flows
// through the response sequencer via the sink.
func (s *Scheduler) Schedule(msg *Message) {
	key := uint64(msg.Bucket)
	pool := s.pools.Persistence(msg.Bucket)
	pool.Submit(key, func() {
		s.sink(s.exec(msg))
	})
	s.stats.MessagesScheduled.Add(1)

	if s.inline && pool.TryRunOne(key) {
		s.stats.InlineExecutions.Add(1)
	}
}
