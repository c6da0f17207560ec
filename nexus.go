// Package nexus implements a virtual block device that fans one logical
// block address space out across multiple replica children (spec §1-§6).
// It dispatches every incoming I/O to the correct set of replicas with
// exactly-one logical completion, survives individual replica failures,
// rebuilds a newly added or previously failed replica concurrently with
// live traffic, and self-shuts-down on fatal reservation-class errors.
package nexus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nexusd/nexus/internal/bio"
	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/channel"
	"github.com/nexusd/nexus/internal/child"
	"github.com/nexusd/nexus/internal/cmdqueue"
	"github.com/nexusd/nexus/internal/constants"
	"github.com/nexusd/nexus/internal/ctrl"
	"github.com/nexusd/nexus/internal/logging"
	"github.com/nexusd/nexus/internal/rebuild"
	"github.com/nexusd/nexus/internal/segmap"
)

// ProductName is the fixed product identifier the nexus reports on its own
// BlockDevice surface, used by descriptor checks to discriminate a nexus
// bdev from any other (spec §6.1).
const ProductName = "Nexus CAS Driver v0.0.1"

// State is the Nexus's lifecycle state (spec §3).
type State int

const (
	StateInit State = iota
	StateOpen
	StateReconfiguring
	StateDegraded
	StateFaulted
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReconfiguring:
		return "reconfiguring"
	case StateDegraded:
		return "degraded"
	case StateFaulted:
		return "faulted"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "init"
	}
}

// NexusParams configures a new Nexus (spec §4.8.3, the
// DeviceParams-equivalent for this component).
type NexusParams struct {
	Name                string
	UUID                uuid.UUID
	SizeBlocks          uint64 // consumer-visible size; 0 infers it from the smallest child
	BlockSize           uint32
	DataEntOffsetBlocks uint64 // metadata prefix reserved on each child; 0 reserves none
	ChildURIs           []string
	Opener              blockdev.Opener
	Logger              *logging.Logger
}

// DefaultNexusParams returns a NexusParams with sensible zero-value
// defaults filled in: 512-byte blocks and a small reserved metadata prefix.
func DefaultNexusParams(name string, opener blockdev.Opener, childURIs []string) NexusParams {
	return NexusParams{
		Name:                name,
		UUID:                uuid.New(),
		BlockSize:           constants.DefaultLogicalBlockSize,
		DataEntOffsetBlocks: constants.DefaultDataEntOffsetBlocks,
		ChildURIs:           childURIs,
		Opener:              opener,
	}
}

// ChildInfo is a read-only snapshot of one child's identity and role,
// returned to callers that should not reach into internal/child directly.
type ChildInfo struct {
	URI        string
	DeviceName string
	Role       child.Role
}

// Nexus fans one logical block address space across its children,
// surviving individual replica failures and rebuilding replacements
// concurrently with live traffic (spec §1, §3).
type Nexus struct {
	name                string
	id                  uuid.UUID
	sizeBlocks          uint64
	blockSize           uint32
	dataEntOffsetBlocks uint64
	opener              blockdev.Opener
	logger              *logging.Logger
	metrics             *Metrics

	stateMu sync.Mutex
	state   State

	shutdownRequested atomic.Bool

	childMu  sync.RWMutex
	children []*child.Child

	chMu     sync.Mutex
	channels map[int]*channel.Channel

	cmdQueue *cmdqueue.Queue
	disp     *ctrl.Dispatcher

	rebuildMu sync.Mutex
	rebuilds  map[string]*rebuild.Job
	history   []rebuild.HistoryRecord
}

// New creates and opens a Nexus against its initial children, all of which
// start Healthy (spec §6.3, "Create"). Use AddChild to attach a replica
// after creation.
func New(params NexusParams) (*Nexus, error) {
	if params.Name == "" {
		return nil, NewError("New", ErrCodeInvalidParameters, "name is required")
	}
	if params.Opener == nil {
		return nil, NewError("New", ErrCodeInvalidParameters, "opener is required")
	}
	if params.BlockSize == 0 {
		params.BlockSize = constants.DefaultLogicalBlockSize
	}
	if params.UUID == uuid.Nil {
		params.UUID = uuid.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithField("nexus", params.Name)

	n := &Nexus{
		name:                params.Name,
		id:                  params.UUID,
		blockSize:           params.BlockSize,
		dataEntOffsetBlocks: params.DataEntOffsetBlocks,
		opener:              params.Opener,
		logger:              logger,
		metrics:             NewMetrics(),
		state:               StateInit,
		channels:            make(map[int]*channel.Channel),
		cmdQueue:            cmdqueue.New(),
		disp:                ctrl.New(logger),
		rebuilds:            make(map[string]*rebuild.Job),
	}

	go n.runCmdQueue()

	var minAvail uint64
	for i, uri := range params.ChildURIs {
		dev, err := params.Opener.Open(uri)
		if err != nil {
			return nil, WrapError("New", err)
		}
		desc, err := dev.Open(true)
		if err != nil {
			return nil, WrapError("New", err)
		}
		n.children = append(n.children, child.New(uri, dev.DeviceName(), dev, desc, child.Healthy))

		avail := dev.NumBlocks() - n.dataEntOffsetBlocks
		if i == 0 || avail < minAvail {
			minAvail = avail
		}
	}

	n.sizeBlocks = params.SizeBlocks
	if n.sizeBlocks == 0 {
		n.sizeBlocks = minAvail
	}

	n.stateMu.Lock()
	n.state = StateOpen
	n.stateMu.Unlock()

	return n, nil
}

func (n *Nexus) Name() string              { return n.name }
func (n *Nexus) UUID() uuid.UUID           { return n.id }
func (n *Nexus) SizeBlocks() uint64        { return n.sizeBlocks }
func (n *Nexus) BlockSize() uint32         { return n.blockSize }
func (n *Nexus) DataEntOffsetBlocks() uint64 { return n.dataEntOffsetBlocks }
func (n *Nexus) Metrics() *Metrics         { return n.metrics }
func (n *Nexus) ShutdownRequested() bool   { return n.shutdownRequested.Load() }

// State returns the nexus's current lifecycle state.
func (n *Nexus) State() State {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

// Children returns a snapshot of every child's URI/device-name/role.
// The underlying slice is append-only over the nexus's lifetime (spec §3);
// Closed children remain in it.
func (n *Nexus) Children() []ChildInfo {
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	out := make([]ChildInfo, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, ChildInfo{URI: c.URI(), DeviceName: c.DeviceName(), Role: c.Role()})
	}
	return out
}

func (n *Nexus) childByURI(uri string) *child.Child {
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	for _, c := range n.children {
		if c.URI() == uri {
			return c
		}
	}
	return nil
}

func (n *Nexus) childByDeviceName(name string) *child.Child {
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	for _, c := range n.children {
		if c.DeviceName() == name {
			return c
		}
	}
	return nil
}

func (n *Nexus) childNames() []string {
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	names := make([]string, len(n.children))
	for i, c := range n.children {
		names[i] = c.DeviceName()
	}
	return names
}

// Channel returns the per-core channel for coreID, materializing it on
// first access from the current child set (spec §4.4).
func (n *Nexus) Channel(coreID int) *channel.Channel {
	n.chMu.Lock()
	defer n.chMu.Unlock()
	ch, ok := n.channels[coreID]
	if !ok {
		ch = channel.New()
		n.channels[coreID] = ch
		n.syncChannelLocked(ch)
	}
	return ch
}

// syncAllChannels reconciles every live channel's readers/writers with the
// current child set after a topology change (add/remove/role transition).
func (n *Nexus) syncAllChannels() {
	n.chMu.Lock()
	defer n.chMu.Unlock()
	for _, ch := range n.channels {
		n.syncChannelLocked(ch)
	}
}

// syncChannelLocked must be called with chMu held.
func (n *Nexus) syncChannelLocked(ch *channel.Channel) {
	n.childMu.RLock()
	children := append([]*child.Child(nil), n.children...)
	n.childMu.RUnlock()

	for _, c := range children {
		name := c.DeviceName()
		role := c.Role()
		if role == child.Faulted || role == child.Closed {
			ch.DisconnectDevice(name)
			continue
		}
		if _, isWriter := ch.WriterHandle(name); !isWriter {
			h, err := c.Descriptor().Handle()
			if err != nil {
				n.logger.Errorf("opening handle for %q: %v", name, err)
				continue
			}
			if role.CanWrite() {
				ch.AddWriter(name, h)
			}
			if role.CanRead() {
				ch.AddReader(name, h)
			}
			continue
		}
		if !role.CanRead() {
			ch.RemoveReader(name)
		}
	}
}

// nexusHost adapts one Nexus/channel pair to bio.Host, so a Bio never
// needs to know which core it is running on (spec §4.5).
type nexusHost struct {
	n  *Nexus
	ch *channel.Channel
}

func (h *nexusHost) Channel() *channel.Channel                  { return h.ch }
func (h *nexusHost) DataEntOffsetBlocks() uint64                { return h.n.dataEntOffsetBlocks }
func (h *nexusHost) FaultDevice(name string, r bio.FaultReason) { h.n.FaultDevice(name, r) }
func (h *nexusHost) TrySelfShutdown()                           { h.n.TrySelfShutdown() }
func (h *nexusHost) Logger() *logging.Logger                    { return h.n.logger }

func (h *nexusHost) RecordChildSubmission(name string, failed bool) {
	h.n.metrics.RecordChildSubmission(name, failed)
}

func (h *nexusHost) RecordChildCompletion(name string, failed bool) {
	h.n.metrics.RecordChildCompletion(name, failed)
}

var _ bio.Host = (*nexusHost)(nil)

// SubmitIO dispatches one logical IO through the channel bound to coreID
// (spec §4.5, the block-device dispatch entry that creates a NexusBio).
// onComplete is invoked exactly once with the terminal status.
func (n *Nexus) SubmitIO(coreID int, desc bio.Descriptor, onComplete bio.CompleteFunc) {
	start := time.Now()
	host := &nexusHost{n: n, ch: n.Channel(coreID)}
	wrapped := func(status bio.Status) {
		n.recordCompletion(desc, status, time.Since(start))
		if onComplete != nil {
			onComplete(status)
		}
	}
	b := bio.New(host, desc, wrapped)
	b.SubmitRequest()
}

func (n *Nexus) recordCompletion(desc bio.Descriptor, status bio.Status, latency time.Duration) {
	success := status == bio.Success
	var bytes uint64
	for _, buf := range desc.Bufs {
		bytes += uint64(len(buf))
	}
	ns := uint64(latency.Nanoseconds())
	switch desc.Op {
	case blockdev.IoRead:
		n.metrics.RecordRead(bytes, ns, success)
	case blockdev.IoWrite:
		n.metrics.RecordWrite(bytes, ns, success)
	case blockdev.IoUnmap, blockdev.IoWriteZeroes, blockdev.IoReset:
		n.metrics.RecordUnmap(ns, success)
	case blockdev.IoFlush:
		n.metrics.RecordFlush(ns, success)
	}
}

// FaultDevice marks name Faulted, disconnects it from every live channel,
// and enqueues exactly one RetireDevice command (spec §4.6,
// "fault_device is idempotent").
func (n *Nexus) FaultDevice(name string, reason bio.FaultReason) {
	target := n.childByDeviceName(name)
	if target == nil {
		return
	}
	if target.Role() == child.Faulted {
		return
	}
	target.SetRole(child.Faulted)

	n.chMu.Lock()
	for _, ch := range n.channels {
		ch.DisconnectDevice(name)
	}
	n.chMu.Unlock()

	n.metrics.RecordChildRetired()
	n.cmdQueue.Enqueue(cmdqueue.Command{Kind: cmdqueue.RetireDevice, NexusName: n.name, ChildName: name})
	n.logger.Warnf("child %q faulted: %s", name, reason)
}

func (n *Nexus) runCmdQueue() {
	for cmd := range n.cmdQueue.Commands() {
		n.logger.Debugf("%s: nexus=%s child=%s", cmd.Kind, cmd.NexusName, cmd.ChildName)
	}
}

// TrySelfShutdown performs the single-shot compare-and-set that begins
// nexus shutdown; at most one caller ever wins (spec §4.6, §8 invariant
// "at most one self-shutdown ever fires per nexus").
func (n *Nexus) TrySelfShutdown() {
	if !n.shutdownRequested.CompareAndSwap(false, true) {
		return
	}
	n.metrics.RecordSelfShutdown()
	n.disp.Go("self-shutdown", n.runShutdown)
}

// Shutdown gracefully tears the nexus down: disconnect every channel,
// cancel rebuild jobs, close every child, transition to Shutdown (spec
// §4.6). Safe to call after a self-shutdown has already started or
// finished; it observes the same state and no-ops.
func (n *Nexus) Shutdown(ctx context.Context) error {
	n.shutdownRequested.Store(true)
	return n.disp.Call("shutdown", n.runShutdown)
}

// runShutdown is the master-reactor shutdown task (spec §4.6, §9
// "coordinated barrier"). It takes the state lock only long enough to
// transition to ShuttingDown, then does the actual teardown unlocked.
func (n *Nexus) runShutdown() error {
	n.stateMu.Lock()
	if n.state == StateShutdown || n.state == StateShuttingDown {
		n.stateMu.Unlock()
		return nil
	}
	n.state = StateShuttingDown
	n.stateMu.Unlock()

	n.chMu.Lock()
	chans := make([]*channel.Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		chans = append(chans, ch)
	}
	n.chMu.Unlock()

	names := n.childNames()
	g, _ := errgroup.WithContext(context.Background())
	for _, ch := range chans {
		ch := ch
		g.Go(func() error {
			for _, name := range names {
				ch.DisconnectDevice(name)
			}
			return nil
		})
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case <-waitErr:
	case <-time.After(constants.ShutdownChannelDrainTimeout):
		n.logger.Warnf("shutdown: channel-disconnect barrier exceeded %s, proceeding anyway", constants.ShutdownChannelDrainTimeout)
	}

	n.rebuildMu.Lock()
	jobs := make([]*rebuild.Job, 0, len(n.rebuilds))
	for _, j := range n.rebuilds {
		jobs = append(jobs, j)
	}
	n.rebuildMu.Unlock()
	for _, j := range jobs {
		_ = j.Stop()
		j.Wait()
	}

	n.childMu.RLock()
	children := append([]*child.Child(nil), n.children...)
	n.childMu.RUnlock()
	for _, c := range children {
		c.Close()
	}

	n.stateMu.Lock()
	n.state = StateShutdown
	n.stateMu.Unlock()
	n.metrics.Stop()
	return nil
}

// AddChild attaches a new replica (spec §6.3, "Add child"). The added
// child starts Degraded (writable, not yet consistent); rebuildOnAdd also
// starts a full rebuild from the first Healthy child.
func (n *Nexus) AddChild(uri string, rebuildOnAdd bool) error {
	return n.disp.Call("add_child", func() error {
		return n.addChildLocked(uri, rebuildOnAdd)
	})
}

func (n *Nexus) addChildLocked(uri string, rebuildOnAdd bool) error {
	if state := n.State(); state == StateShuttingDown || state == StateShutdown {
		return NewNexusError("AddChild", n.name, ErrCodeLifecycle, "nexus is shutting down")
	}
	if n.childByURI(uri) != nil {
		return NewChildError("AddChild", n.name, uri, ErrCodeDuplicateChild, "child already present")
	}

	dev, err := n.opener.Open(uri)
	if err != nil {
		return WrapError("AddChild", err)
	}
	desc, err := dev.Open(true)
	if err != nil {
		return WrapError("AddChild", err)
	}

	c := child.New(uri, dev.DeviceName(), dev, desc, child.Degraded)
	n.childMu.Lock()
	n.children = append(n.children, c)
	n.childMu.Unlock()

	n.syncAllChannels()

	if rebuildOnAdd {
		return n.startRebuildLocked(uri, nil)
	}
	return nil
}

// RemoveChild detaches a replica (spec §6.3, "Remove child"). A running
// rebuild for the child is stopped first (spec §6.6), before the child
// transitions to Closed.
func (n *Nexus) RemoveChild(uri string) error {
	return n.disp.Call("remove_child", func() error {
		return n.removeChildLocked(uri)
	})
}

func (n *Nexus) removeChildLocked(uri string) error {
	target := n.childByURI(uri)
	if target == nil {
		return NewChildError("RemoveChild", n.name, uri, ErrCodeChildNotFound, "no such child")
	}

	n.rebuildMu.Lock()
	job, hasJob := n.rebuilds[uri]
	n.rebuildMu.Unlock()
	if hasJob {
		_ = job.Stop()
		job.Wait()
	}

	n.chMu.Lock()
	for _, ch := range n.channels {
		ch.DisconnectDevice(target.DeviceName())
	}
	n.chMu.Unlock()

	target.Close()
	return nil
}

// StartRebuild starts a full rebuild of childURI from the first Healthy
// child (spec §6.5).
func (n *Nexus) StartRebuild(childURI string) error {
	return n.disp.Call("start_rebuild", func() error {
		return n.startRebuildLocked(childURI, nil)
	})
}

// StartPartialRebuild starts a rebuild of childURI restricted to the
// segments set in dirty (spec §4.7, "partial rebuild").
func (n *Nexus) StartPartialRebuild(childURI string, dirty *segmap.Map) error {
	return n.disp.Call("start_rebuild", func() error {
		return n.startRebuildLocked(childURI, dirty)
	})
}

func (n *Nexus) startRebuildLocked(childURI string, dirty *segmap.Map) error {
	n.rebuildMu.Lock()
	if _, exists := n.rebuilds[childURI]; exists {
		n.rebuildMu.Unlock()
		return ErrRebuildExists
	}
	n.rebuildMu.Unlock()

	dest := n.childByURI(childURI)
	if dest == nil {
		return NewChildError("StartRebuild", n.name, childURI, ErrCodeChildNotFound, "no such child")
	}

	n.childMu.RLock()
	var source *child.Child
	for _, c := range n.children {
		if c.URI() != childURI && c.Role() == child.Healthy {
			source = c
			break
		}
	}
	n.childMu.RUnlock()
	if source == nil {
		return NewNexusError("StartRebuild", n.name, ErrCodeConfiguration, "no healthy source child available")
	}

	dest.SetRole(child.Rebuilding)
	n.syncAllChannels()

	destHandle, err := dest.Descriptor().Handle()
	if err != nil {
		dest.SetRole(child.Degraded)
		n.syncAllChannels()
		return WrapError("StartRebuild", err)
	}
	sourceHandle, err := source.Descriptor().Handle()
	if err != nil {
		dest.SetRole(child.Degraded)
		n.syncAllChannels()
		return WrapError("StartRebuild", err)
	}

	job := rebuild.New(rebuild.Config{
		SourceURI:       source.URI(),
		DestURI:         dest.URI(),
		Source:          sourceHandle,
		Dest:            destHandle,
		Channel:         n.Channel(0),
		NumBlocks:       n.sizeBlocks,
		BlockLen:        n.blockSize,
		DirtyMap:        dirty,
		OnSegmentCopied: n.metrics.RecordRebuildSegment,
	})

	n.rebuildMu.Lock()
	n.rebuilds[childURI] = job
	n.rebuildMu.Unlock()
	n.metrics.RecordRebuildStarted()

	go n.runRebuild(childURI, dest, job)
	return nil
}

func (n *Nexus) runRebuild(childURI string, dest *child.Child, job *rebuild.Job) {
	if err := job.Start(context.Background()); err != nil {
		n.logger.Errorf("rebuild of %q failed: %v", childURI, err)
	}

	state := job.State()

	switch state {
	case rebuild.Completed:
		dest.SetRole(child.Healthy)
	case rebuild.Failed:
		dest.SetRole(child.Faulted)
	}

	n.rebuildMu.Lock()
	delete(n.rebuilds, childURI)
	n.history = append(n.history, job.Snapshot())
	n.rebuildMu.Unlock()

	n.metrics.RecordRebuildFinished(state != rebuild.Completed)
	n.syncAllChannels()
}

func (n *Nexus) withRebuildJob(childURI string, fn func(*rebuild.Job) error) error {
	n.rebuildMu.Lock()
	job, ok := n.rebuilds[childURI]
	n.rebuildMu.Unlock()
	if !ok {
		return ErrRebuildNotRunning
	}
	return fn(job)
}

// PauseRebuild, ResumeRebuild, and StopRebuild drive the named child's
// running rebuild job (spec §6.5).
func (n *Nexus) PauseRebuild(childURI string) error {
	return n.disp.Call("pause_rebuild", func() error {
		return n.withRebuildJob(childURI, (*rebuild.Job).Pause)
	})
}

func (n *Nexus) ResumeRebuild(childURI string) error {
	return n.disp.Call("resume_rebuild", func() error {
		return n.withRebuildJob(childURI, (*rebuild.Job).Resume)
	})
}

func (n *Nexus) StopRebuild(childURI string) error {
	return n.disp.Call("stop_rebuild", func() error {
		return n.withRebuildJob(childURI, (*rebuild.Job).Stop)
	})
}

// RebuildState returns the current state of childURI's rebuild job.
func (n *Nexus) RebuildState(childURI string) (rebuild.State, error) {
	n.rebuildMu.Lock()
	job, ok := n.rebuilds[childURI]
	n.rebuildMu.Unlock()
	if !ok {
		return 0, ErrRebuildNotRunning
	}
	return job.State(), nil
}

// RebuildStats returns a snapshot of childURI's rebuild progress.
func (n *Nexus) RebuildStats(childURI string) (rebuild.Stats, error) {
	n.rebuildMu.Lock()
	job, ok := n.rebuilds[childURI]
	n.rebuildMu.Unlock()
	if !ok {
		return rebuild.Stats{}, ErrRebuildNotRunning
	}
	return job.Stats(), nil
}

// RebuildHistory returns every terminal rebuild snapshot recorded so far
// for this nexus (spec §6.5).
func (n *Nexus) RebuildHistory() []rebuild.HistoryRecord {
	n.rebuildMu.Lock()
	defer n.rebuildMu.Unlock()
	out := make([]rebuild.HistoryRecord, len(n.history))
	copy(out, n.history)
	return out
}

// Destroy shuts the nexus down (if not already) and releases its
// dispatcher and command queue. The Nexus must not be used afterward.
func (n *Nexus) Destroy() error {
	if err := n.Shutdown(context.Background()); err != nil {
		return err
	}
	n.disp.Close()
	n.cmdQueue.Close()
	return nil
}
