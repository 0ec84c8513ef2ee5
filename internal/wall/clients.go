package wall

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sira-K/Multiscreen-sub000/internal/encoder"
	"github.com/Sira-K/Multiscreen-sub000/internal/platform/metrics"
)

// ClientManager owns all client records and the assignment state machine.
// Lock ordering: it may read from GroupManager (which locks groups) before
// taking its own lock, never while holding it.
type ClientManager struct {
	mu      sync.Mutex
	clients map[string]*Client

	groups    *GroupManager
	streamIDs *StreamIDRegistry
	log       *slog.Logger
	met       *metrics.Metrics

	// defaultHost is used when an assignment supplies no transport IP.
	defaultHost string
}

// NewClientManager constructs a ClientManager bound to the group manager and
// stream-id registry.
func NewClientManager(groups *GroupManager, streamIDs *StreamIDRegistry, defaultHost string, log *slog.Logger, met *metrics.Metrics) *ClientManager {
	if defaultHost == "" {
		defaultHost = "127.0.0.1"
	}
	return &ClientManager{
		clients:     make(map[string]*Client),
		groups:      groups,
		streamIDs:   streamIDs,
		log:         log,
		met:         met,
		defaultHost: defaultHost,
	}
}

var addrSanitizer = strings.NewReplacer(":", "-", ".", "-")

// ClientID derives the stable client identifier from hostname and address.
func ClientID(hostname, addr string) string {
	return hostname + "_" + addrSanitizer.Replace(addr)
}

// Register creates (or refreshes) a client record. Re-registration of a known
// client updates its display name and last-seen time without touching
// assignments.
func (m *ClientManager) Register(hostname, addr, displayName string) Client {
	id := ClientID(hostname, addr)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[id]; ok {
		if displayName != "" {
			c.DisplayName = displayName
		}
		c.LastSeen = now
		return c.clone()
	}

	if displayName == "" {
		displayName = hostname
	}
	c := &Client{
		ID:           id,
		DisplayName:  displayName,
		Hostname:     hostname,
		Addr:         addr,
		Status:       StatusWaitingForAssignment,
		Screen:       -1,
		RegisteredAt: now,
		LastSeen:     now,
	}
	m.clients[id] = c

	if m.met != nil {
		m.met.SetConnectedClients(len(m.clients))
	}
	m.log.Info("client registered", slog.String("client_id", id), slog.String("hostname", hostname))
	return c.clone()
}

// Heartbeat refreshes the client's last-seen time.
func (m *ClientManager) Heartbeat(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.LastSeen = time.Now().UTC()
	return nil
}

// clearAssignmentLocked resets stream, screen, and resolved address. Caller
// holds m.mu.
func clearAssignmentLocked(c *Client) {
	c.Stream = ""
	c.Screen = -1
	c.ResolvedAddr = ""
}

// AssignToGroup binds a client to a group, or detaches it when groupID is
// empty. Any prior stream or screen assignment is cleared either way.
func (m *ClientManager) AssignToGroup(clientID, groupID string) error {
	if groupID != "" {
		if _, err := m.groups.Get(groupID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	clearAssignmentLocked(c)
	c.GroupID = groupID
	if groupID == "" {
		c.Status = StatusWaitingForAssignment
	} else {
		c.Status = StatusGroupAssigned
	}
	m.log.Info("client group assignment",
		slog.String("client_id", clientID),
		slog.String("group_id", groupID))
	return nil
}

// streamOrder is the stable logical-name order used for round-robin ties.
func streamOrder(screenCount int) []string {
	out := make([]string, 0, screenCount+1)
	out = append(out, encoder.CombinedStream)
	for i := 0; i < screenCount; i++ {
		out = append(out, encoder.ScreenStream(i))
	}
	return out
}

// pickStreamLocked selects the least-used logical stream among the group's
// assigned clients, ties broken by stable logical-name order. Caller holds
// m.mu.
func (m *ClientManager) pickStreamLocked(groupID string, screenCount int) string {
	counts := make(map[string]int)
	for _, c := range m.clients {
		if c.GroupID == groupID && c.Stream != "" {
			counts[c.Stream]++
		}
	}
	best := ""
	bestCount := -1
	for _, name := range streamOrder(screenCount) {
		if bestCount == -1 || counts[name] < bestCount {
			best = name
			bestCount = counts[name]
		}
	}
	return best
}

// AssignToStream binds a client to a named logical stream of a group. An
// empty stream name selects the least-recently-used stream round-robin.
func (m *ClientManager) AssignToStream(clientID, groupID, streamName, transportIP string) error {
	g, err := m.groups.Get(groupID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	if streamName == "" {
		streamName = m.pickStreamLocked(groupID, g.ScreenCount)
		if streamName == "" {
			return ErrNoStreamsAvailable
		}
	} else if !validStreamName(streamName, g.ScreenCount) {
		return fmt.Errorf("%w: unknown stream %q for group %s", ErrInvalidRequest, streamName, g.Name)
	}

	if c.GroupID != groupID {
		clearAssignmentLocked(c)
		c.GroupID = groupID
	}
	c.Stream = streamName
	c.Screen = -1
	c.ResolvedAddr = ""
	c.Status = StatusStreamAssigned
	if transportIP != "" {
		c.RelayHost = transportIP
	}

	m.log.Info("client stream assignment",
		slog.String("client_id", clientID),
		slog.String("group_id", groupID),
		slog.String("stream", streamName))
	return nil
}

func validStreamName(name string, screenCount int) bool {
	for _, n := range streamOrder(screenCount) {
		if n == name {
			return true
		}
	}
	return false
}

// AssignToScreen binds a client to one numbered screen of a group. A screen
// held by another client is a structured conflict naming the holder; the
// invariant that no two clients in a group share a screen number holds under
// concurrent callers because the check and the write happen under one lock.
func (m *ClientManager) AssignToScreen(clientID, groupID string, screen int, transportIP string) error {
	g, err := m.groups.Get(groupID)
	if err != nil {
		return err
	}
	if screen < 0 || screen >= g.ScreenCount {
		return fmt.Errorf("%w: screen %d, group has %d screens", ErrScreenOutOfRange, screen, g.ScreenCount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	for _, other := range m.clients {
		if other.ID != clientID && other.GroupID == groupID && other.Screen == screen {
			if m.met != nil {
				m.met.IncAssignmentConflicts()
			}
			return &ScreenConflictError{
				Screen:     screen,
				HolderID:   other.ID,
				HolderName: other.DisplayName,
			}
		}
	}

	if c.GroupID != groupID {
		clearAssignmentLocked(c)
		c.GroupID = groupID
	}
	c.Screen = screen
	// Screen clients render their crop client-side from the shared combined
	// sink; the per-screen sinks stay encoder-internal.
	c.Stream = encoder.CombinedStream
	c.ResolvedAddr = ""
	c.Status = StatusScreenAssigned
	if transportIP != "" {
		c.RelayHost = transportIP
	}

	m.log.Info("client screen assignment",
		slog.String("client_id", clientID),
		slog.String("group_id", groupID),
		slog.Int("screen", screen))
	return nil
}

// AutoAssignMode selects what AutoAssign hands out.
type AutoAssignMode string

const (
	AutoAssignScreens AutoAssignMode = "screen"
	AutoAssignStreams AutoAssignMode = "stream"
)

// AutoAssign sweeps the group's unassigned clients, in registration order,
// and assigns screens (capped at screen count) or streams (round-robin).
// Returns the number of clients assigned.
func (m *ClientManager) AutoAssign(groupID string, mode AutoAssignMode) (int, error) {
	g, err := m.groups.Get(groupID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Client
	taken := make(map[int]bool)
	for _, c := range m.clients {
		if c.GroupID != groupID {
			continue
		}
		if c.Status == StatusGroupAssigned {
			pending = append(pending, c)
		}
		if c.Screen >= 0 {
			taken[c.Screen] = true
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].RegisteredAt.Equal(pending[j].RegisteredAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].RegisteredAt.Before(pending[j].RegisteredAt)
	})

	assigned := 0
	switch mode {
	case AutoAssignStreams:
		for _, c := range pending {
			name := m.pickStreamLocked(groupID, g.ScreenCount)
			if name == "" {
				break
			}
			c.Stream = name
			c.Screen = -1
			c.ResolvedAddr = ""
			c.Status = StatusStreamAssigned
			assigned++
		}
	default: // screens
		next := 0
		for _, c := range pending {
			for next < g.ScreenCount && taken[next] {
				next++
			}
			if next >= g.ScreenCount {
				break
			}
			c.Screen = next
			c.Stream = encoder.CombinedStream
			c.ResolvedAddr = ""
			c.Status = StatusScreenAssigned
			taken[next] = true
			assigned++
		}
	}

	m.log.Info("auto-assign complete",
		slog.String("group_id", groupID),
		slog.String("mode", string(mode)),
		slog.Int("assigned", assigned))
	return assigned, nil
}

// UnassignScope selects how far Unassign rolls a client back.
type UnassignScope string

const (
	UnassignAll    UnassignScope = "all"
	UnassignStream UnassignScope = "stream"
	UnassignScreen UnassignScope = "screen"
)

// Unassign moves a client backward in the state machine. Stream and screen
// scopes fall back to group_assigned; all detaches from the group entirely.
func (m *ClientManager) Unassign(clientID string, scope UnassignScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	switch scope {
	case UnassignStream, UnassignScreen:
		clearAssignmentLocked(c)
		if c.GroupID != "" {
			c.Status = StatusGroupAssigned
		} else {
			c.Status = StatusWaitingForAssignment
		}
	default:
		clearAssignmentLocked(c)
		c.GroupID = ""
		c.Status = StatusWaitingForAssignment
	}

	m.log.Info("client unassigned",
		slog.String("client_id", clientID),
		slog.String("scope", string(scope)))
	return nil
}

// Remove deletes the client record.
func (m *ClientManager) Remove(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(m.clients, clientID)
	if m.met != nil {
		m.met.SetConnectedClients(len(m.clients))
	}
	m.log.Info("client removed", slog.String("client_id", clientID))
	return nil
}

// WaitForAssignment computes the client's readiness from current state on
// every call; nothing blocks server-side, clients re-poll at their own pace.
// The resolved address is recomputed here so it reverts to unresolved as soon
// as the group goes inactive.
func (m *ClientManager) WaitForAssignment(ctx context.Context, clientID string) PollResult {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return PollResult{Readiness: ReadinessNotRegistered, Screen: -1}
	}
	c.LastSeen = time.Now().UTC()
	snap := c.clone()
	m.mu.Unlock()

	if snap.GroupID == "" {
		return PollResult{Readiness: ReadinessWaitingForGroup, Screen: -1}
	}
	if snap.Status == StatusGroupAssigned {
		return PollResult{Readiness: ReadinessWaitingForStream, GroupID: snap.GroupID, Screen: -1}
	}

	g, err := m.groups.Get(snap.GroupID)
	if err != nil {
		// Group deleted out from under the client; report it unassigned.
		return PollResult{Readiness: ReadinessWaitingForGroup, Screen: -1}
	}

	status, err := m.groups.Status(ctx, snap.GroupID)
	if err != nil || status != StatusActive {
		m.setResolvedAddr(clientID, "")
		return PollResult{
			Readiness: ReadinessWaitingStreaming,
			GroupID:   snap.GroupID,
			Stream:    snap.Stream,
			Screen:    snap.Screen,
		}
	}

	streamID, ok := m.streamIDs.Lookup(snap.GroupID, snap.Stream)
	if !ok {
		// Encoder is up but ids are missing; treat as not yet streaming.
		return PollResult{Readiness: ReadinessWaitingStreaming, GroupID: snap.GroupID, Stream: snap.Stream, Screen: snap.Screen}
	}

	host := snap.RelayHost
	if host == "" {
		host = m.defaultHost
	}
	addr := encoder.StreamAddress(host, g.Ports.RelayPort, g.Name, streamID, "request", 1000000, "")
	m.setResolvedAddr(clientID, addr)

	return PollResult{
		Readiness: ReadinessReadyToPlay,
		GroupID:   snap.GroupID,
		Stream:    snap.Stream,
		StreamID:  streamID,
		Screen:    snap.Screen,
		Address:   addr,
	}
}

func (m *ClientManager) setResolvedAddr(clientID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.ResolvedAddr = addr
	}
}

// Get returns a snapshot of one client.
func (m *ClientManager) Get(clientID string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c.clone(), nil
}

// List returns snapshots of all clients sorted by registration time.
func (m *ClientManager) List() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// CleanupInactive removes clients with no heartbeat within threshold,
// returning how many were dropped. Runs from a periodic timer in main.
func (m *ClientManager) CleanupInactive(threshold time.Duration) int {
	cutoff := time.Now().UTC().Add(-threshold)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.clients {
		if c.LastSeen.Before(cutoff) {
			delete(m.clients, id)
			removed++
			m.log.Info("client timed out", slog.String("client_id", id))
		}
	}
	if removed > 0 && m.met != nil {
		m.met.SetConnectedClients(len(m.clients))
	}
	return removed
}
