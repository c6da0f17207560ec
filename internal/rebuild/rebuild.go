// Package rebuild implements RebuildJob: the segment-driven copy loop that
// brings a destination child up to date with a healthy source child, full
// or partial, concurrently with live nexus traffic (spec §4.7).
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/channel"
	"github.com/nexusd/nexus/internal/constants"
	"github.com/nexusd/nexus/internal/segmap"
)

// State is a RebuildJob's lifecycle state (spec §4.7,
// "Init → Running → {Paused ↔ Running}* → {Completed, Stopped, Failed}").
type State int

const (
	Init State = iota
	Running
	Paused
	Completed
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "init"
	}
}

// ErrAlreadyTerminal is returned by Start/Pause/Resume/Stop once a job has
// already reached a terminal state.
var ErrAlreadyTerminal = errors.New("rebuild: job already in a terminal state")

// Stats is a point-in-time snapshot of a RebuildJob's progress (spec §4.7,
// §6.5 "total/transferred/recovered/remaining/tasks").
type Stats struct {
	TotalBlocks      uint64
	TransferredBlocks uint64
	RecoveredBlocks  uint64
	RemainingBlocks  uint64
	TasksTotal       int
	TasksActive      int
	ProgressPercent  float64
	Partial          bool
	StartTime        time.Time
	EndTime          time.Time
}

// HistoryRecord is an immutable snapshot appended when a job reaches a
// terminal state (spec §4.7, "RebuildHistory record").
type HistoryRecord struct {
	ChildURI    string
	SourceURI   string
	State       State
	Stats       Stats
	SegmentSize uint64
}

// Job drives one destination child's recovery. Its copy loop runs on the
// goroutine that calls Start plus the segment-copy goroutines it launches;
// State and Stats may be called from any goroutine and read under mu.
type Job struct {
	sourceURI string
	destURI   string
	source    blockdev.Handle
	dest      blockdev.Handle
	ch        *channel.Channel

	segmentSizeBlocks uint64
	numBlocks         uint64
	blockLen          uint32
	tasksTotal        int
	onSegmentCopied   func(bytes uint64)

	mu      sync.Mutex
	state   State
	dirty   *segmap.Map
	stats   Stats
	partial bool

	cancel context.CancelFunc
	pause  chan struct{}
	done   chan struct{}
}

// Config bundles a Job's construction inputs.
type Config struct {
	SourceURI, DestURI string
	Source, Dest       blockdev.Handle
	Channel            *channel.Channel
	NumBlocks          uint64
	BlockLen           uint32
	SegmentSize        uint64 // bytes; 0 defaults to constants.DefaultSegmentSize
	Tasks              int    // 0 defaults to constants.DefaultRebuildTasks
	// DirtyMap, if non-nil, restricts the rebuild to its set segments
	// (partial rebuild). Nil means every segment is dirty (full rebuild).
	DirtyMap *segmap.Map
	// OnSegmentCopied, if set, is invoked after each segment is copied and
	// confirmed clean, with the number of bytes transferred. Used by the
	// owning nexus to feed rebuild throughput into its metrics.
	OnSegmentCopied func(bytes uint64)
}

// New constructs a Job in state Init. The job takes the dirty map by
// value semantics (copies Config.DirtyMap, or builds an all-dirty map of
// the same geometry) so full and partial rebuilds share one copy loop
// (spec §6.5, "SegmentMap as capability").
func New(cfg Config) *Job {
	segSize := cfg.SegmentSize
	if segSize == 0 {
		segSize = constants.DefaultSegmentSize
	}
	tasks := cfg.Tasks
	if tasks == 0 {
		tasks = constants.DefaultRebuildTasks
	}

	var dirty *segmap.Map
	partial := cfg.DirtyMap != nil
	if partial {
		dirty = segmap.New(cfg.NumBlocks, uint64(cfg.BlockLen), segSize)
		dirty.Merge(cfg.DirtyMap)
	} else {
		dirty = segmap.New(cfg.NumBlocks, uint64(cfg.BlockLen), segSize)
		dirty.Set(0, cfg.NumBlocks, true)
	}

	return &Job{
		sourceURI:         cfg.SourceURI,
		destURI:           cfg.DestURI,
		source:            cfg.Source,
		dest:              cfg.Dest,
		ch:                cfg.Channel,
		segmentSizeBlocks: segSize / uint64(cfg.BlockLen),
		numBlocks:         cfg.NumBlocks,
		blockLen:          cfg.BlockLen,
		tasksTotal:        tasks,
		onSegmentCopied:   cfg.OnSegmentCopied,
		state:             Init,
		dirty:             dirty,
		partial:           partial,
		stats: Stats{
			TotalBlocks: dirty.CountDirtyBlocks(),
			Partial:     partial,
			TasksTotal:  tasks,
		},
	}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Stats returns a copy of the job's current statistics.
func (j *Job) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Start begins the copy loop, blocking the caller's goroutine until the
// job reaches a terminal state. Callers that want fire-and-forget
// semantics (spec §5, "cross-reactor operations... run as fire-and-forget
// per the operation") should invoke Start from its own goroutine.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != Init {
		j.mu.Unlock()
		return fmt.Errorf("rebuild: Start called in state %s", j.state)
	}
	j.state = Running
	j.stats.StartTime = clockNow(ctx)
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.pause = make(chan struct{})
	close(j.pause) // start unpaused; closed channel never blocks a receive
	j.done = make(chan struct{})
	j.mu.Unlock()

	j.ch.BeginRebuildLog()
	defer j.ch.EndRebuildLog()

	err := j.run(ctx)

	j.mu.Lock()
	j.stats.EndTime = clockNow(ctx)
	close(j.done)
	j.mu.Unlock()
	return err
}

// clockNow exists only so tests can freeze time via a context value; in
// normal operation it returns time.Now.
type timeKey struct{}

func clockNow(ctx context.Context) time.Time {
	if fn, ok := ctx.Value(timeKey{}).(func() time.Time); ok {
		return fn()
	}
	return time.Now()
}

// Pause requests the copy loop stop picking up new segments after the
// in-flight batch completes (spec §4.7, "Pause/resume are non-destructive").
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Running {
		return fmt.Errorf("rebuild: Pause called in state %s", j.state)
	}
	j.state = Paused
	j.pause = make(chan struct{})
	return nil
}

// Resume un-pauses a paused job.
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Paused {
		return fmt.Errorf("rebuild: Resume called in state %s", j.state)
	}
	j.state = Running
	close(j.pause)
	return nil
}

// Stop terminally cancels the job. Cancellation is observed at segment
// boundaries; any segment copy already in flight completes (spec §5,
// "Cancellation").
func (j *Job) Stop() error {
	j.mu.Lock()
	if j.state == Completed || j.state == Stopped || j.state == Failed {
		j.mu.Unlock()
		return ErrAlreadyTerminal
	}
	cancel := j.cancel
	paused := j.pause
	j.state = Stopped
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// paused/cancel are nil if Stop races ahead of Start (the job is still
	// Init): Start will observe state != Init and bail out without ever
	// running the copy loop, so there is nothing to unblock.
	if paused == nil {
		return nil
	}
	// Unblock a paused loop so it can observe the cancellation promptly.
	select {
	case <-paused:
	default:
		close(paused)
	}
	return nil
}

// Wait blocks until the job reaches a terminal state.
func (j *Job) Wait() {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run drives the segment copy loop with up to tasksTotal concurrent
// copiers per pass, stopping at the first unrecoverable error. A segment
// overlapped by a write logged during the pass that copied it is picked
// up again by the next pass; the job only reaches Completed once a pass
// leaves the dirty count at zero (spec §4.7, "Completed only when the
// dirty-segment count is zero and all in-flight copies have finished").
func (j *Job) run(ctx context.Context) error {
	for {
		// Each pass checks overlaps only against writes logged since the
		// pass began, so a segment left dirty by an earlier pass can be
		// marked clean once recopied.
		j.ch.BeginRebuildLog()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.tasksTotal)

		numSegs := j.dirty.NumSegments()
		for seg := uint64(0); seg < numSegs; seg++ {
			seg := seg
			j.mu.Lock()
			dirty, _ := j.dirty.Get(seg * j.segmentSizeBlocks)
			j.mu.Unlock()
			if !dirty {
				continue
			}
			g.Go(func() error {
				return j.copySegment(gctx, seg)
			})
		}

		err := g.Wait()

		j.mu.Lock()
		state := j.state
		j.mu.Unlock()
		if state == Stopped {
			return nil
		}

		switch {
		case err != nil && errors.Is(err, context.Canceled):
			// Stop() already set state=Stopped.
			return nil
		case err != nil:
			j.mu.Lock()
			j.state = Failed
			j.mu.Unlock()
			return err
		case j.dirtyCount() == 0:
			j.mu.Lock()
			j.state = Completed
			j.mu.Unlock()
			return nil
		default:
			// Writes re-dirtied segments during this pass; loop for
			// another pass over whatever is still dirty.
			if err := j.waitUnpaused(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				j.mu.Lock()
				j.state = Failed
				j.mu.Unlock()
				return err
			}
			continue
		}
	}
}

// copySegment performs one segment's read-then-write, rechecking the IO
// log for overlap before marking the segment clean (spec §4.7,
// "Coordination with live writes").
func (j *Job) copySegment(ctx context.Context, seg uint64) error {
	if err := j.waitUnpaused(ctx); err != nil {
		return err
	}

	j.mu.Lock()
	tasksActive := j.stats.TasksActive + 1
	j.stats.TasksActive = tasksActive
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.stats.TasksActive--
		j.mu.Unlock()
	}()

	offsetBlocks := seg * j.segmentSizeBlocks
	numBlocks := j.segmentSizeBlocks
	if offsetBlocks+numBlocks > j.numBlocks {
		numBlocks = j.numBlocks - offsetBlocks
	}

	buf := getSegmentBuffer(int(numBlocks) * int(j.blockLen))
	defer putSegmentBuffer(buf)

	if err := blockingReadv(ctx, j.source, buf, offsetBlocks, numBlocks); err != nil {
		return fmt.Errorf("rebuild: read segment %d from %s: %w", seg, j.sourceURI, err)
	}
	if err := blockingWritev(ctx, j.dest, buf, offsetBlocks, numBlocks); err != nil {
		return fmt.Errorf("rebuild: write segment %d to %s: %w", seg, j.destURI, err)
	}

	if j.ch.OverlapsLog(offsetBlocks, numBlocks) {
		// A write landed on this segment during this pass (possibly
		// mid-copy): leave it dirty so the next pass recopies it, per the
		// "dirty covers all writes since rebuild started" invariant.
		return nil
	}

	// dirty is shared with the launcher goroutine's Get (run, above) and
	// with any other segment's copySegment running concurrently in this
	// pass, so every touch goes through j.mu — segmap itself does no
	// internal locking (spec §5, channel/segment state is reactor-local;
	// this engine's worker pool is the one place multiple goroutines
	// genuinely share one).
	j.mu.Lock()
	j.dirty.Set(offsetBlocks, numBlocks, false)
	j.stats.TransferredBlocks += numBlocks
	j.stats.RemainingBlocks = j.dirty.CountDirtyBlocks()
	if j.stats.TotalBlocks > 0 {
		j.stats.ProgressPercent = 100 * float64(j.stats.TransferredBlocks) / float64(j.stats.TotalBlocks)
	}
	j.mu.Unlock()
	if j.onSegmentCopied != nil {
		j.onSegmentCopied(numBlocks * uint64(j.blockLen))
	}
	return nil
}

// dirtyCount returns the current dirty-segment count under j.mu.
func (j *Job) dirtyCount() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dirty.CountDirtySegments()
}

func (j *Job) waitUnpaused(ctx context.Context) error {
	j.mu.Lock()
	pause := j.pause
	j.mu.Unlock()
	select {
	case <-pause:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the HistoryRecord for a terminal job.
func (j *Job) Snapshot() HistoryRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return HistoryRecord{
		ChildURI:    j.destURI,
		SourceURI:   j.sourceURI,
		State:       j.state,
		Stats:       j.stats,
		SegmentSize: j.segmentSizeBlocks,
	}
}
