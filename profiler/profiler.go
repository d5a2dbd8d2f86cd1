// Package profiler - Per-stage timing for the inference pipeline.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pipeline stage names.
const (
	StagePreprocess  = "preprocess"
	StageExecute     = "execute"
	StagePostprocess = "postprocess"
	StageOverlay     = "overlay"
)

// DefaultMaxSamples is the number of durations kept per operation.
const DefaultMaxSamples = 600

// TimeTracker tracks operation timing statistics over a sliding window.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Stat is a snapshot of one operation's timings.
type Stat struct {
	Name    string
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
	// Count is the total number of recordings, including ones evicted from the window.
	Count int64
}

// Profiler records how long each named operation takes.
//
// It is safe for concurrent use.
type Profiler struct {
	mu             sync.RWMutex
	maxSamples     int
	operationTimes map[string]*TimeTracker
	startTime      time.Time
}

// New creates a profiler that averages over the last maxSamples recordings per operation.
//
// Arguments:
// - maxSamples: Window size; zero or less selects DefaultMaxSamples.
//
// Returns:
// - A profiler with no recordings.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Profiler{
		maxSamples:     maxSamples,
		operationTimes: make(map[string]*TimeTracker),
		startTime:      time.Now(),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration for the named operation.
func (p *Profiler) Record(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		p.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// Average returns the mean duration of the named operation over the window, or zero.
func (p *Profiler) Average(name string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tracker, ok := p.operationTimes[name]
	if !ok || len(tracker.durations) == 0 {
		return 0
	}
	return tracker.totalTime / time.Duration(len(tracker.durations))
}

// Frames returns how many times the named operation completed.
func (p *Profiler) Frames(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tracker, ok := p.operationTimes[name]; ok {
		return tracker.count
	}
	return 0
}

// Stats returns a snapshot of every operation, sorted by name.
func (p *Profiler) Stats() []Stat {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]Stat, 0, len(p.operationTimes))
	for name, tracker := range p.operationTimes {
		if len(tracker.durations) == 0 {
			continue
		}
		stats = append(stats, Stat{
			Name:    name,
			Average: tracker.totalTime / time.Duration(len(tracker.durations)),
			Min:     tracker.minTime,
			Max:     tracker.maxTime,
			Count:   tracker.count,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Report logs the operation timings at INFO.
func (p *Profiler) Report(log *zap.Logger) {
	log.Info("profiler status", zap.Duration("uptime", time.Since(p.startTime).Truncate(time.Millisecond)))
	for _, s := range p.Stats() {
		log.Info("operation timing",
			zap.String("operation", s.Name),
			zap.Duration("avg", s.Average.Truncate(time.Microsecond)),
			zap.Duration("min", s.Min.Truncate(time.Microsecond)),
			zap.Duration("max", s.Max.Truncate(time.Microsecond)),
			zap.Int64("count", s.Count),
		)
	}
}
