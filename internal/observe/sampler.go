package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultSampleInterval is how often the child's memory is read
const DefaultSampleInterval = 250 * time.Millisecond

// Sampler observes a running PID and tracks the peak resident set size of
// the process and its descendants. It never signals the process.
type Sampler struct {
	pid      int
	interval time.Duration
	peak     atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler creates a sampler for pid
func NewSampler(pid int, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{pid: pid, interval: interval}
}

// Start begins sampling in the background until Stop or ctx is done
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

// Stop ends sampling and returns the peak RSS in bytes
func (s *Sampler) Stop() uint64 {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.peak.Load()
}

func (s *Sampler) sample(ctx context.Context) {
	rss := TreeRSS(ctx, int32(s.pid))
	for {
		cur := s.peak.Load()
		if rss <= cur || s.peak.CompareAndSwap(cur, rss) {
			return
		}
	}
}

// TreeRSS returns the summed RSS of pid and its descendants. Processes that
// vanish while being read are skipped.
func TreeRSS(ctx context.Context, pid int32) uint64 {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0
	}
	return treeRSS(ctx, proc, 0)
}

func treeRSS(ctx context.Context, proc *process.Process, depth int) uint64 {
	var total uint64
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		total += mem.RSS
	}
	if depth > 8 {
		return total
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return total
	}
	for _, child := range children {
		total += treeRSS(ctx, child, depth+1)
	}
	return total
}
