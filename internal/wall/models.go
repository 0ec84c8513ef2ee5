// Package wall is the control-plane core for multi-screen display walls:
// group lifecycle, port allocation, stream-id registry, and client assignment.
package wall

import (
	"time"

	"github.com/Sira-K/Multiscreen-sub000/internal/encoder"
	"github.com/Sira-K/Multiscreen-sub000/internal/relay"
)

// GroupStatus is derived, never stored: active iff both the relay container
// and the encoder process are confirmed running.
type GroupStatus string

const (
	StatusActive   GroupStatus = "active"
	StatusInactive GroupStatus = "inactive"
)

// Group is one display wall. Owned exclusively by GroupManager; mutated only
// under its lock.
type Group struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	ScreenCount int                 `json:"screen_count"`
	Orientation encoder.Orientation `json:"orientation"`
	GridRows    int                 `json:"grid_rows,omitempty"`
	GridCols    int                 `json:"grid_cols,omitempty"`
	OutputW     int                 `json:"output_width"`
	OutputH     int                 `json:"output_height"`

	Ports relay.PortBindings `json:"ports"`

	// ContainerHandle is the relay container id, empty when not started.
	ContainerHandle string `json:"container_handle,omitempty"`
	// EncoderPID is the running encoder's pid, 0 when not started.
	EncoderPID int `json:"encoder_pid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// clone returns a copy safe to hand outside the lock.
func (g *Group) clone() Group {
	out := *g
	return out
}

// AssignmentStatus is a client's position in the assignment state machine.
type AssignmentStatus string

const (
	StatusWaitingForAssignment AssignmentStatus = "waiting_for_assignment"
	StatusGroupAssigned        AssignmentStatus = "group_assigned"
	StatusStreamAssigned       AssignmentStatus = "stream_assigned"
	StatusScreenAssigned       AssignmentStatus = "screen_assigned"
)

// Client is one polling display client. All optional assignment fields are
// explicit: GroupID and Stream are empty strings and Screen is -1 when unset.
type Client struct {
	ID          string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	Addr        string `json:"addr"`

	GroupID string           `json:"group_id,omitempty"`
	Status  AssignmentStatus `json:"assignment_status"`
	// Stream is the assigned logical stream name, empty when unassigned.
	Stream string `json:"stream,omitempty"`
	// Screen is the assigned screen number, -1 when unassigned. Unique among
	// assigned clients within one group.
	Screen int `json:"screen"`
	// RelayHost is the transport IP the client reaches the relay on, captured
	// at assignment time; empty falls back to the server default.
	RelayHost string `json:"relay_host,omitempty"`
	// ResolvedAddr is the playable request-side address. Filled only while the
	// group is fully active; reverts to empty otherwise.
	ResolvedAddr string `json:"resolved_addr,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

func (c *Client) clone() Client {
	out := *c
	return out
}

// Readiness is the stateless WaitForAssignment poll result.
type Readiness string

const (
	ReadinessNotRegistered    Readiness = "not_registered"
	ReadinessWaitingForGroup  Readiness = "waiting_for_group_assignment"
	ReadinessWaitingForStream Readiness = "waiting_for_stream_assignment"
	ReadinessWaitingStreaming Readiness = "waiting_for_streaming"
	ReadinessReadyToPlay      Readiness = "ready_to_play"
)

// PollResult is returned to a polling client on every WaitForAssignment call.
// Screen is always serialized: 0 is a real assignment, -1 marks unassigned.
type PollResult struct {
	Readiness Readiness `json:"readiness"`
	GroupID   string    `json:"group_id,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	Screen    int       `json:"screen"`
	Address   string    `json:"address,omitempty"`
}

// StopResult reports per-subsystem teardown outcomes; one side may fail while
// the other succeeds.
type StopResult struct {
	EncoderStopped   bool   `json:"encoder_stopped"`
	EncoderError     string `json:"encoder_error,omitempty"`
	ContainerStopped bool   `json:"container_stopped"`
	ContainerError   string `json:"container_error,omitempty"`
}
