package wall

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Sira-K/Multiscreen-sub000/internal/encoder"
	"github.com/Sira-K/Multiscreen-sub000/internal/platform/metrics"
	"github.com/Sira-K/Multiscreen-sub000/internal/process"
	"github.com/Sira-K/Multiscreen-sub000/internal/relay"
)

// ProcessFinder is the slice of the process package the group manager needs;
// tests substitute a canned implementation.
type ProcessFinder interface {
	FindMatching(c process.Claim) ([]process.Record, error)
	FindOrphaned(claims []process.Claim) ([]process.Record, error)
}

// ReachableFunc probes relay connectivity. Tests inject a no-op.
type ReachableFunc func(ctx context.Context, host string, port int) error

// GroupManagerOptions wires the group manager's collaborators.
type GroupManagerOptions struct {
	Runtime    relay.Runtime
	Supervisor *process.Supervisor
	Finder     ProcessFinder
	StreamIDs  *StreamIDRegistry
	Probe      encoder.CapabilityProbe
	Log        *slog.Logger
	Metrics    *metrics.Metrics

	// SinkHost is the address encoders publish to and clients request from.
	SinkHost string

	StartupTimeout  time.Duration
	StartupMaxLines int
	StopGrace       time.Duration

	// Reachable defaults to relay.Reachable.
	Reachable ReachableFunc
}

// GroupManager owns all group records and composes port allocation, the
// container runtime, and the process supervisor into the group lifecycle.
type GroupManager struct {
	mu      sync.RWMutex
	groups  map[string]*Group
	handles map[string]*process.Handle

	runtime   relay.Runtime
	sup       *process.Supervisor
	finder    ProcessFinder
	streamIDs *StreamIDRegistry
	probe     encoder.CapabilityProbe
	log       *slog.Logger
	met       *metrics.Metrics

	sinkHost        string
	startupTimeout  time.Duration
	startupMaxLines int
	stopGrace       time.Duration
	reachable       ReachableFunc
}

// NewGroupManager constructs a GroupManager. Zero-valued option fields get
// sensible defaults.
func NewGroupManager(opts GroupManagerOptions) *GroupManager {
	if opts.SinkHost == "" {
		opts.SinkHost = "127.0.0.1"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 15 * time.Second
	}
	if opts.StartupMaxLines <= 0 {
		opts.StartupMaxLines = 200
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.Reachable == nil {
		opts.Reachable = relay.Reachable
	}
	return &GroupManager{
		groups:          make(map[string]*Group),
		handles:         make(map[string]*process.Handle),
		runtime:         opts.Runtime,
		sup:             opts.Supervisor,
		finder:          opts.Finder,
		streamIDs:       opts.StreamIDs,
		probe:           opts.Probe,
		log:             opts.Log,
		met:             opts.Metrics,
		sinkHost:        opts.SinkHost,
		startupTimeout:  opts.StartupTimeout,
		startupMaxLines: opts.StartupMaxLines,
		stopGrace:       opts.StopGrace,
		reachable:       opts.Reachable,
	}
}

// CreateGroupRequest carries the operator-supplied group parameters.
type CreateGroupRequest struct {
	Name        string              `json:"name"`
	ScreenCount int                 `json:"screen_count"`
	Orientation encoder.Orientation `json:"orientation"`
	GridRows    int                 `json:"grid_rows"`
	GridCols    int                 `json:"grid_cols"`
	OutputW     int                 `json:"output_width"`
	OutputH     int                 `json:"output_height"`
}

// Create validates the request, allocates a port block, records the group,
// and starts its relay container. A container-start failure rolls the record
// back; no half-created group survives.
func (m *GroupManager) Create(ctx context.Context, req CreateGroupRequest) (Group, error) {
	if strings.TrimSpace(req.Name) == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidRequest)
	}
	if req.ScreenCount < 1 {
		return Group{}, fmt.Errorf("%w: screen_count must be >= 1, got %d", ErrInvalidRequest, req.ScreenCount)
	}
	if req.Orientation == "" {
		req.Orientation = encoder.OrientationHorizontal
	}
	if !req.Orientation.Valid() {
		return Group{}, fmt.Errorf("%w: unknown orientation %q", ErrInvalidRequest, req.Orientation)
	}
	if req.OutputW <= 0 {
		req.OutputW = 1920
	}
	if req.OutputH <= 0 {
		req.OutputH = 1080
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	m.mu.Lock()
	for _, g := range m.groups {
		if g.Name == req.Name {
			m.mu.Unlock()
			return Group{}, fmt.Errorf("%w: %s", ErrDuplicateGroupName, req.Name)
		}
	}
	existing := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		existing = append(existing, g.clone())
	}
	ports, conflict := AllocatePorts(id, existing)
	if conflict {
		m.log.Warn("port allocation exhausted retries, using computed block",
			slog.String("group_id", id),
			slog.Int("relay_port", ports.RelayPort))
	}

	g := &Group{
		ID:          id,
		Name:        req.Name,
		ScreenCount: req.ScreenCount,
		Orientation: req.Orientation,
		GridRows:    req.GridRows,
		GridCols:    req.GridCols,
		OutputW:     req.OutputW,
		OutputH:     req.OutputH,
		Ports:       ports,
		CreatedAt:   time.Now().UTC(),
	}
	m.groups[id] = g
	m.mu.Unlock()

	cont, err := m.runtime.Start(ctx, relay.StartRequest{
		GroupID:   id,
		GroupName: req.Name,
		Bindings:  ports,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.groups, id)
		m.mu.Unlock()
		return Group{}, fmt.Errorf("start relay container for group %s: %w", req.Name, err)
	}

	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		// Deleted while the container was starting; tear it down.
		m.mu.Unlock()
		_ = m.runtime.Stop(ctx, cont.Handle, m.stopGrace)
		_ = m.runtime.Remove(ctx, cont.Handle)
		return Group{}, ErrGroupNotFound
	}
	g.ContainerHandle = cont.Handle
	// The engine may remap requested ports; keep the effective bindings.
	if cont.Bindings != (relay.PortBindings{}) {
		g.Ports = cont.Bindings
	}
	out := g.clone()
	m.mu.Unlock()

	if m.met != nil {
		m.met.IncGroupsCreated()
	}
	m.log.Info("group created",
		slog.String("group_id", id),
		slog.String("name", req.Name),
		slog.Int("screens", req.ScreenCount),
		slog.Int("relay_port", out.Ports.RelayPort))
	return out, nil
}

// EncoderOptions are the per-start tunables for StartEncoder.
type EncoderOptions struct {
	VideoSource   string  `json:"video_source"`
	Loop          bool    `json:"loop"`
	Framerate     int     `json:"framerate"`
	Bitrate       string  `json:"bitrate"`
	LatencyMicros int     `json:"latency_micros"`
	BufferOffset  float64 `json:"buffer_offset"`
}

// StartEncoder builds and launches the group's encoder. It requires the relay
// container to be running, and is idempotent: a process already matching the
// group is left alone.
func (m *GroupManager) StartEncoder(ctx context.Context, groupID string, opts EncoderOptions) error {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.RUnlock()
		return ErrGroupNotFound
	}
	snap := g.clone()
	m.mu.RUnlock()

	if snap.ContainerHandle == "" {
		return ErrContainerNotRunning
	}
	cont, err := m.runtime.Inspect(ctx, snap.ContainerHandle)
	if err != nil {
		return fmt.Errorf("inspect relay container: %w", err)
	}
	if !cont.Running {
		return ErrContainerNotRunning
	}

	claim := process.Claim{GroupID: snap.ID, GroupName: snap.Name, ContainerHandle: snap.ContainerHandle}
	if matches, err := m.finder.FindMatching(claim); err == nil && len(matches) > 0 {
		m.log.Info("encoder already running",
			slog.String("group_id", groupID),
			slog.Int("pid", matches[0].PID))
		return nil
	}

	if err := m.reachable(ctx, m.sinkHost, snap.Ports.ControlPort); err != nil {
		return fmt.Errorf("relay for group %s unreachable on port %d: %w", snap.Name, snap.Ports.ControlPort, err)
	}

	ids, err := m.streamIDs.GetGroupStreams(snap.ID, snap.Name, snap.ScreenCount)
	if err != nil {
		return fmt.Errorf("resolve stream ids: %w", err)
	}

	if opts.LatencyMicros <= 0 {
		opts.LatencyMicros = 1000000
	}
	if opts.BufferOffset <= 0 {
		opts.BufferOffset = 2.0
	}

	cfg := encoder.Config{
		GroupID:       snap.ID,
		GroupName:     snap.Name,
		ScreenCount:   snap.ScreenCount,
		Orientation:   snap.Orientation,
		Width:         snap.OutputW,
		Height:        snap.OutputH,
		GridRows:      snap.GridRows,
		GridCols:      snap.GridCols,
		SyncUUID:      uuid.NewString(),
		BufferOffset:  opts.BufferOffset,
		Framerate:     opts.Framerate,
		Bitrate:       opts.Bitrate,
		VideoSource:   opts.VideoSource,
		Loop:          opts.Loop,
		SinkHost:      m.sinkHost,
		SinkPort:      snap.Ports.RelayPort,
		LatencyMicros: opts.LatencyMicros,
	}
	layout := encoder.Plan(snap.ScreenCount, snap.Orientation, snap.OutputW, snap.OutputH, snap.GridRows, snap.GridCols)

	dynamic := m.probe.SupportsDynamicSync(ctx)
	if !dynamic {
		m.log.Warn("dynamic sync metadata unavailable, falling back to static timestamp",
			slog.String("group_id", groupID))
	}

	cmd, err := encoder.Build(cfg, layout, ids, dynamic)
	if err != nil {
		return fmt.Errorf("build encoder command: %w", err)
	}

	h, err := m.sup.Start(process.Spec{
		Binary:    cmd.Binary,
		Args:      cmd.Args,
		GroupID:   snap.ID,
		GroupName: snap.Name,
	})
	if err != nil {
		return &EncoderStartError{GroupID: groupID, Reason: err.Error()}
	}

	ok, streaming := m.sup.MonitorStartup(h, m.startupTimeout, m.startupMaxLines)
	if !ok {
		_ = m.sup.Stop(h, m.stopGrace)
		return &EncoderStartError{
			GroupID: groupID,
			Reason:  "startup failed",
			Tail:    h.DiagnosticTail(),
		}
	}
	if !streaming {
		m.log.Warn("encoder startup window elapsed without a streaming signal",
			slog.String("group_id", groupID),
			slog.Int("pid", h.PID))
	}

	m.mu.Lock()
	if g, ok := m.groups[groupID]; ok {
		g.EncoderPID = h.PID
	}
	m.handles[groupID] = h
	m.mu.Unlock()

	go m.sup.ContinuousMonitor(h)
	go func() {
		<-h.Done()
		m.mu.Lock()
		if m.handles[groupID] == h {
			delete(m.handles, groupID)
			if g, ok := m.groups[groupID]; ok {
				g.EncoderPID = 0
			}
		}
		m.mu.Unlock()
	}()

	if m.met != nil {
		m.met.IncEncodersStarted()
	}
	m.log.Info("encoder started",
		slog.String("group_id", groupID),
		slog.Int("pid", h.PID),
		slog.String("sync_mode", string(cmd.Sync)),
		slog.Int("outputs", len(cmd.Sinks)))
	return nil
}

// stopEncoder tears down the group's encoder: the supervised handle when we
// have one, otherwise any process matching the group's claim.
func (m *GroupManager) stopEncoder(groupID string, snap Group) error {
	m.mu.Lock()
	h := m.handles[groupID]
	delete(m.handles, groupID)
	if g, ok := m.groups[groupID]; ok {
		g.EncoderPID = 0
	}
	m.mu.Unlock()

	if h != nil {
		return m.sup.Stop(h, m.stopGrace)
	}

	claim := process.Claim{GroupID: snap.ID, GroupName: snap.Name, ContainerHandle: snap.ContainerHandle}
	matches, err := m.finder.FindMatching(claim)
	if err != nil {
		return err
	}
	for _, rec := range matches {
		m.log.Info("terminating unsupervised encoder",
			slog.String("group_id", groupID),
			slog.Int("pid", rec.PID))
		if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("terminate pid %d: %w", rec.PID, err)
		}
	}
	return nil
}

// Stop tears down the encoder first, then the container. The two results are
// reported independently; partial teardown is still progress.
func (m *GroupManager) Stop(ctx context.Context, groupID string) (StopResult, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.RUnlock()
		return StopResult{}, ErrGroupNotFound
	}
	snap := g.clone()
	m.mu.RUnlock()

	var res StopResult

	if err := m.stopEncoder(groupID, snap); err != nil {
		res.EncoderError = err.Error()
		m.log.Error("encoder stop failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
	} else {
		res.EncoderStopped = true
	}

	if snap.ContainerHandle != "" {
		if err := m.runtime.Stop(ctx, snap.ContainerHandle, m.stopGrace); err != nil {
			res.ContainerError = err.Error()
			m.log.Error("container stop failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		} else {
			res.ContainerStopped = true
		}
	} else {
		res.ContainerStopped = true
	}

	m.log.Info("group stopped",
		slog.String("group_id", groupID),
		slog.Bool("encoder_stopped", res.EncoderStopped),
		slog.Bool("container_stopped", res.ContainerStopped))
	return res, nil
}

// Delete performs Stop, removes the container and the record, and releases
// the group's ports. Ports are only safe to reuse once no matching process
// survives; a survivor is logged, not fatal.
func (m *GroupManager) Delete(ctx context.Context, groupID string) (StopResult, error) {
	res, err := m.Stop(ctx, groupID)
	if err != nil {
		return res, err
	}

	m.mu.RLock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.RUnlock()
		return res, ErrGroupNotFound
	}
	snap := g.clone()
	m.mu.RUnlock()

	if snap.ContainerHandle != "" {
		if err := m.runtime.Remove(ctx, snap.ContainerHandle); err != nil {
			m.log.Error("container remove failed",
				slog.String("group_id", groupID),
				slog.String("error", err.Error()))
		}
	}

	claim := process.Claim{GroupID: snap.ID, GroupName: snap.Name, ContainerHandle: snap.ContainerHandle}
	if matches, err := m.finder.FindMatching(claim); err == nil && len(matches) > 0 {
		m.log.Warn("deleting group with a live encoder still matching; ports stay risky until it exits",
			slog.String("group_id", groupID),
			slog.Int("pid", matches[0].PID))
	}

	if err := m.streamIDs.Forget(groupID); err != nil {
		m.log.Error("stream id cleanup failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
	}

	m.mu.Lock()
	delete(m.groups, groupID)
	delete(m.handles, groupID)
	m.mu.Unlock()

	if m.met != nil {
		m.met.IncGroupsDeleted()
	}
	m.log.Info("group deleted", slog.String("group_id", groupID))
	return res, nil
}

// Status derives the group's status: active iff the relay container is
// running and at least one process matches the group's claim.
func (m *GroupManager) Status(ctx context.Context, groupID string) (GroupStatus, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.RUnlock()
		return StatusInactive, ErrGroupNotFound
	}
	snap := g.clone()
	m.mu.RUnlock()

	if snap.ContainerHandle == "" {
		return StatusInactive, nil
	}
	cont, err := m.runtime.Inspect(ctx, snap.ContainerHandle)
	if err != nil || !cont.Running {
		return StatusInactive, nil
	}

	claim := process.Claim{GroupID: snap.ID, GroupName: snap.Name, ContainerHandle: snap.ContainerHandle}
	matches, err := m.finder.FindMatching(claim)
	if err != nil || len(matches) == 0 {
		return StatusInactive, nil
	}
	return StatusActive, nil
}

// Get returns a snapshot of one group.
func (m *GroupManager) Get(groupID string) (Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g.clone(), nil
}

// List returns snapshots of all groups sorted by creation time.
func (m *GroupManager) List() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of groups. Used for the active-groups gauge.
func (m *GroupManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Claims returns every group's process-ownership claim, for orphan scans.
func (m *GroupManager) Claims() []process.Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]process.Claim, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, process.Claim{GroupID: g.ID, GroupName: g.Name, ContainerHandle: g.ContainerHandle})
	}
	return out
}

// Orphans lists encoder processes claimed by no known group.
func (m *GroupManager) Orphans() ([]process.Record, error) {
	return m.finder.FindOrphaned(m.Claims())
}

// CleanupOrphans terminates all orphaned encoder processes, returning how
// many were signalled.
func (m *GroupManager) CleanupOrphans() (int, error) {
	orphans, err := m.Orphans()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range orphans {
		if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			m.log.Error("orphan terminate failed", slog.Int("pid", rec.PID), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n, nil
}
