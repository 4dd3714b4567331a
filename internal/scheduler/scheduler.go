// Package scheduler runs many Transfer Tasks under a memory budget and
// adaptive parallelism, consulting internal/monitor on a fixed interval to
// grow or shrink concurrency. Grounded on the worker-pool/job-channel
// pattern in pull_tool/cmd/internal/pull/pull.go (jobs/results channels,
// sync.WaitGroup), generalized here to a priority queue with dynamic N,
// memory admission, and task dependencies the teacher's fixed-size pool
// does not need.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bazel-contrib/imgmover/internal/monitor"
	"github.com/bazel-contrib/imgmover/internal/obslog"
	"github.com/bazel-contrib/imgmover/internal/progress"
)

// Priority selects the ordering policy spec.md §4.5 names.
type Priority int

const (
	PrioritySmallerFirst Priority = iota
	PriorityLargerFirst
	PriorityRoundRobin
	PrioritySpeedOptimized
)

// State is a Transfer Task's position in its state machine.
type State int

const (
	StateQueued State = iota
	StateAdmitted
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// Task is the Transfer Task of spec.md §3: a unit of work the scheduler
// admits and runs once its DependsOn tasks have completed.
type Task struct {
	ID         string
	SizeBytes  int64
	DependsOn  []string
	Run        func(ctx context.Context) error

	state State
	err   error
	index int // heap index, maintained by container/heap
	seq   int // insertion order, consulted by PriorityRoundRobin
}

// overheadPerTask is the fixed per-task memory estimate spec.md §4.5 adds on
// top of min(size, chunk_size).
const overheadPerTask int64 = 64 << 10

// Config parameterizes a Scheduler.
type Config struct {
	Priority            Priority
	NMin, NMax          int
	MemoryBudgetBytes   int64
	ChunkSize           int64
	LargeBlobThreshold  int64
	AdjustmentInterval  time.Duration
	MaxAdjustmentStep   int
	ConfidenceThreshold float64
}

// DefaultConfig matches spec.md §4.5/§4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		Priority:            PrioritySmallerFirst,
		NMin:                1,
		NMax:                8,
		MemoryBudgetBytes:   512 << 20,
		ChunkSize:           5 << 20,
		LargeBlobThreshold:  1 << 30,
		AdjustmentInterval:  5 * time.Second,
		MaxAdjustmentStep:   2,
		ConfidenceThreshold: 0.6,
	}
}

// Scheduler admits and runs Tasks under Config's constraints, consulting a
// monitor.Analyzer to retune its parallelism.
type Scheduler struct {
	cfg      Config
	log      obslog.Logger
	reporter progress.Reporter
	monitor  *monitor.Analyzer
	history  *monitor.History

	mu           sync.Mutex
	pending      *taskHeap
	completed    map[string]bool
	failed       map[string]error
	inFlightMem  int64
	currentN     int
	running      int
	largeRunning bool
	lastAdjust   time.Time

	notify chan struct{}
}

// New returns a Scheduler ready to accept tasks via Submit. Progress events
// are dropped until WithReporter is used.
func New(cfg Config, log obslog.Logger) *Scheduler {
	history := monitor.NewHistory(20)
	s := &Scheduler{
		cfg:       cfg,
		log:       log,
		reporter:  progress.Discard,
		monitor:   monitor.NewAnalyzer(),
		history:   history,
		pending:   &taskHeap{priority: cfg.Priority, history: history},
		completed: make(map[string]bool),
		failed:    make(map[string]error),
		currentN:  cfg.NMax,
		notify:    make(chan struct{}, 1),
	}
	heap.Init(s.pending)
	return s
}

// WithReporter attaches r as the destination for this Scheduler's progress
// Events. Must be called before Run.
func (s *Scheduler) WithReporter(r progress.Reporter) *Scheduler {
	s.reporter = r
	return s
}

// Submit enqueues t. Safe to call concurrently with Run.
func (s *Scheduler) Submit(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.state = StateQueued
	heap.Push(s.pending, t)
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// estimate returns the admission-memory estimate for a task of the given
// size: min(size, chunk_size) + overhead_per_task.
func (s *Scheduler) estimate(size int64) int64 {
	chunk := size
	if s.cfg.ChunkSize < chunk {
		chunk = s.cfg.ChunkSize
	}
	return chunk + overheadPerTask
}

// Run drains the queue, admitting tasks up to the current concurrency limit
// and memory budget, until the queue is empty and every admitted task has
// finished or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	adjustTicker := time.NewTicker(s.cfg.AdjustmentInterval)
	defer adjustTicker.Stop()

	for {
		s.mu.Lock()
		admitted := s.admitLocked(ctx, &wg)
		done := s.pending.Len() == 0 && s.running == 0
		s.mu.Unlock()

		if done {
			wg.Wait()
			return s.firstError()
		}

		if admitted {
			continue
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-s.notify:
		case <-adjustTicker.C:
			s.adjustConcurrency()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// admitLocked pops and starts as many ready, budget-admissible tasks as
// possible under s.mu, returning true if at least one was started.
func (s *Scheduler) admitLocked(ctx context.Context, wg *sync.WaitGroup) bool {
	if ctx.Err() != nil {
		return false
	}
	// A task whose dependency failed can never become ready: fail it too.
	for _, t := range append([]*Task(nil), s.pending.items...) {
		for _, dep := range t.DependsOn {
			if depErr, failed := s.failed[dep]; failed {
				heap.Remove(s.pending, t.index)
				t.state = StateFailed
				t.err = fmt.Errorf("dependency %s failed: %w", dep, depErr)
				s.failed[t.ID] = t.err
				s.reporter.Report(progress.Event{TaskID: t.ID, Phase: progress.PhaseFailed, Err: t.err})
				break
			}
		}
	}
	admittedAny := false
	for {
		if s.running >= s.currentN {
			return admittedAny
		}
		t := s.peekReadyLocked()
		if t == nil {
			return admittedAny
		}

		isLarge := t.SizeBytes >= s.cfg.LargeBlobThreshold
		if isLarge && s.running > 0 {
			return admittedAny
		}
		est := s.estimate(t.SizeBytes)
		if s.inFlightMem+est > s.cfg.MemoryBudgetBytes && s.running > 0 {
			return admittedAny
		}

		heap.Remove(s.pending, t.index)
		t.state = StateAdmitted
		s.inFlightMem += est
		s.running++
		if isLarge {
			s.largeRunning = true
		}
		admittedAny = true
		s.reporter.Report(progress.Event{TaskID: t.ID, Phase: progress.PhaseStarted, BytesTotal: t.SizeBytes})

		wg.Add(1)
		go s.runTask(ctx, t, wg, est, isLarge)
	}
}

// peekReadyLocked returns the highest-priority pending task whose
// dependencies have all completed, or nil if none are ready.
func (s *Scheduler) peekReadyLocked() *Task {
	var best *Task
	for i, t := range s.pending.items {
		if s.readyLocked(t) && (best == nil || s.pending.Less(i, best.index)) {
			best = t
		}
	}
	return best
}

func (s *Scheduler) readyLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		if err, failed := s.failed[dep]; failed {
			_ = err
			return false
		}
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

func (s *Scheduler) runTask(ctx context.Context, t *Task, wg *sync.WaitGroup, est int64, isLarge bool) {
	defer wg.Done()
	start := time.Now()
	t.state = StateRunning

	err := t.Run(ctx)

	s.mu.Lock()
	s.inFlightMem -= est
	s.running--
	if isLarge {
		s.largeRunning = false
	}
	if err != nil {
		t.state = StateFailed
		t.err = err
		s.failed[t.ID] = err
		if s.log != nil {
			s.log.WithField("task", t.ID).WithError(err).Warn("task failed")
		}
		s.reporter.Report(progress.Event{TaskID: t.ID, Phase: progress.PhaseFailed, Err: err})
	} else {
		t.state = StateCompleted
		s.completed[t.ID] = true
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			speedMbps := (float64(t.SizeBytes) / (1024 * 1024)) / elapsed
			s.history.Record(monitor.Sample{
				Timestamp:        time.Now(),
				BytesTransferred: t.SizeBytes,
				SpeedMbps:        speedMbps,
				ConcurrentCount:  s.running + 1,
			})
		}
		s.reporter.Report(progress.Event{TaskID: t.ID, Phase: progress.PhaseCompleted, BytesDone: t.SizeBytes, BytesTotal: t.SizeBytes})
	}
	s.wake()
	s.mu.Unlock()
}

// adjustConcurrency consults the monitor and grows/shrinks currentN by up to
// MaxAdjustmentStep, clamped to [NMin, NMax], cooling down to at most once
// per AdjustmentInterval.
func (s *Scheduler) adjustConcurrency() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastAdjust) < s.cfg.AdjustmentInterval {
		return
	}
	s.lastAdjust = time.Now()

	analysis := s.monitor.Analyze(s.history.Samples(), s.cfg.NMax)
	if analysis.Confidence < s.cfg.ConfidenceThreshold {
		return
	}

	switch analysis.Trend {
	case monitor.TrendIncreasing:
		s.currentN = clampInt(s.currentN+s.cfg.MaxAdjustmentStep, s.cfg.NMin, s.cfg.NMax)
	case monitor.TrendDecreasing:
		s.currentN = clampInt(s.currentN-s.cfg.MaxAdjustmentStep, s.cfg.NMin, s.cfg.NMax)
	}
	if s.log != nil {
		s.log.WithFields(obslog.Fields{"n": s.currentN, "trend": analysis.Trend.String()}).Debug("concurrency adjusted")
	}
}

func (s *Scheduler) firstError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, err := range s.failed {
		return fmt.Errorf("task %s: %w", id, err)
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// taskHeap is a container/heap.Interface ordering pending tasks per
// Priority. RoundRobin degrades to FIFO/insertion order: a Task carries no
// source/host dimension to round-robin across, so insertion order is the
// only ordering the policy can mean for a single queue (see DESIGN.md).
type taskHeap struct {
	items    []*Task
	priority Priority
	seq      int
	history  *monitor.History // consulted by PrioritySpeedOptimized
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	switch h.priority {
	case PriorityLargerFirst:
		return h.items[i].SizeBytes > h.items[j].SizeBytes
	case PrioritySmallerFirst:
		return h.items[i].SizeBytes < h.items[j].SizeBytes
	case PrioritySpeedOptimized:
		return h.estimatedSeconds(h.items[i]) < h.estimatedSeconds(h.items[j])
	default: // PriorityRoundRobin
		return h.items[i].seq < h.items[j].seq
	}
}

// estimatedSeconds predicts how long t will take to transfer from recently
// observed throughput of similarly-sized blobs, so the fastest-predicted
// task runs next. Falls back to raw size (smaller first) when no sample yet
// covers t's size class.
func (h *taskHeap) estimatedSeconds(t *Task) float64 {
	speed := h.similarSizeSpeedMbps(t.SizeBytes)
	if speed <= 0 {
		return float64(t.SizeBytes)
	}
	return (float64(t.SizeBytes) / (1024 * 1024)) / speed
}

// similarSizeSpeedMbps averages SpeedMbps across recorded samples whose
// BytesTransferred is within half to double size — the "similarly-sized
// blobs" spec.md's speed-optimized policy keys off — returning 0 if none
// qualify.
func (h *taskHeap) similarSizeSpeedMbps(size int64) float64 {
	if h.history == nil || size <= 0 {
		return 0
	}
	var sum float64
	var n int
	for _, s := range h.history.Samples() {
		if s.BytesTransferred <= 0 {
			continue
		}
		ratio := float64(size) / float64(s.BytesTransferred)
		if ratio < 0.5 || ratio > 2 {
			continue
		}
		sum += s.SpeedMbps
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(h.items)
	t.seq = h.seq
	h.seq++
	h.items = append(h.items, t)
}

func (h *taskHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return t
}
