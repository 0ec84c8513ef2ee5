package wall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sira-K/Multiscreen-sub000/internal/process"
)

func registerClient(t *testing.T, env *testEnv, hostname, addr string) Client {
	t.Helper()
	return env.clients.Register(hostname, addr, "")
}

func TestClientID(t *testing.T) {
	got := ClientID("pi-04", "192.168.1.15:54321")
	want := "pi-04_192-168-1-15-54321"
	if got != want {
		t.Errorf("ClientID: got %q, want %q", got, want)
	}
}

func TestClientManager_Register_and_refresh(t *testing.T) {
	env := newTestEnv(t)

	c := registerClient(t, env, "pi-04", "192.168.1.15:54321")
	if c.Status != StatusWaitingForAssignment {
		t.Errorf("fresh client status: got %s", c.Status)
	}
	if c.Screen != -1 {
		t.Errorf("fresh client screen: got %d, want -1", c.Screen)
	}

	// Re-registration keeps the identity and refreshes liveness.
	first := c.LastSeen
	time.Sleep(5 * time.Millisecond)
	again := env.clients.Register("pi-04", "192.168.1.15:54321", "lobby wall")
	if again.ID != c.ID {
		t.Errorf("re-register changed id: %q vs %q", again.ID, c.ID)
	}
	if !again.LastSeen.After(first) {
		t.Error("re-register did not refresh LastSeen")
	}
	if again.DisplayName != "lobby wall" {
		t.Errorf("display name not updated: %q", again.DisplayName)
	}
}

func TestClientManager_AssignToGroup(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2)
	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")

	if err := env.clients.AssignToGroup(c.ID, "missing"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
	if err := env.clients.AssignToGroup("nobody", g.ID); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}

	if err := env.clients.AssignToGroup(c.ID, g.ID); err != nil {
		t.Fatalf("AssignToGroup: %v", err)
	}
	got, _ := env.clients.Get(c.ID)
	if got.Status != StatusGroupAssigned || got.GroupID != g.ID {
		t.Errorf("after group assign: %+v", got)
	}

	// Moving groups drops any finer-grained assignment.
	if err := env.clients.AssignToScreen(c.ID, g.ID, 0, ""); err != nil {
		t.Fatalf("AssignToScreen: %v", err)
	}
	b := mustCreate(t, env, "Wall-B", 2)
	if err := env.clients.AssignToGroup(c.ID, b.ID); err != nil {
		t.Fatalf("reassign group: %v", err)
	}
	got, _ = env.clients.Get(c.ID)
	if got.Status != StatusGroupAssigned || got.Screen != -1 || got.Stream != "" {
		t.Errorf("group move kept stale assignment: %+v", got)
	}
}

func TestClientManager_AssignToScreen(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2)
	c1 := registerClient(t, env, "pi-01", "10.0.0.1:1000")
	c2 := registerClient(t, env, "pi-02", "10.0.0.2:1000")

	if err := env.clients.AssignToScreen(c1.ID, g.ID, 2, ""); !errors.Is(err, ErrScreenOutOfRange) {
		t.Errorf("expected ErrScreenOutOfRange, got %v", err)
	}
	if err := env.clients.AssignToScreen(c1.ID, g.ID, -1, ""); !errors.Is(err, ErrScreenOutOfRange) {
		t.Errorf("expected ErrScreenOutOfRange for negative, got %v", err)
	}

	if err := env.clients.AssignToScreen(c1.ID, g.ID, 0, ""); err != nil {
		t.Fatalf("AssignToScreen: %v", err)
	}
	got, _ := env.clients.Get(c1.ID)
	if got.Status != StatusScreenAssigned || got.Screen != 0 {
		t.Errorf("after screen assign: %+v", got)
	}
	// Every screen assignment consumes the shared combined stream.
	if got.Stream != "combined" {
		t.Errorf("screen assignment stream: got %q, want combined", got.Stream)
	}

	// Same client can repeat its own assignment.
	if err := env.clients.AssignToScreen(c1.ID, g.ID, 0, ""); err != nil {
		t.Errorf("self reassign: %v", err)
	}

	// A second client on the same screen is refused, naming the holder.
	err := env.clients.AssignToScreen(c2.ID, g.ID, 0, "")
	var conflict *ScreenConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ScreenConflictError, got %v", err)
	}
	if conflict.HolderID != c1.ID {
		t.Errorf("conflict holder: got %q, want %q", conflict.HolderID, c1.ID)
	}
}

func TestClientManager_concurrent_screen_claims(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 1)
	c1 := registerClient(t, env, "pi-01", "10.0.0.1:1000")
	c2 := registerClient(t, env, "pi-02", "10.0.0.2:1000")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{c1.ID, c2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = env.clients.AssignToScreen(id, g.ID, 0, "")
		}(i, id)
	}
	wg.Wait()

	var oks, conflicts int
	for _, err := range errs {
		var ce *ScreenConflictError
		switch {
		case err == nil:
			oks++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if oks != 1 || conflicts != 1 {
		t.Errorf("got %d successes and %d conflicts, want 1 and 1", oks, conflicts)
	}
}

func TestClientManager_stream_round_robin(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2) // streams: combined, screen0, screen1

	want := []string{"combined", "screen0", "screen1", "combined", "screen0"}
	for i, w := range want {
		c := registerClient(t, env, "pi", "10.0.0.1:"+strings.Repeat("1", i+1))
		if err := env.clients.AssignToStream(c.ID, g.ID, "", ""); err != nil {
			t.Fatalf("AssignToStream #%d: %v", i, err)
		}
		got, _ := env.clients.Get(c.ID)
		if got.Stream != w {
			t.Errorf("client %d: got stream %q, want %q", i, got.Stream, w)
		}
	}
}

func TestClientManager_AssignToStream_explicit(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2)
	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")

	if err := env.clients.AssignToStream(c.ID, g.ID, "screen7", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown stream name: got %v, want ErrInvalidRequest", err)
	}
	if err := env.clients.AssignToStream(c.ID, g.ID, "screen1", "192.168.1.50"); err != nil {
		t.Fatalf("AssignToStream: %v", err)
	}
	got, _ := env.clients.Get(c.ID)
	if got.Stream != "screen1" || got.Status != StatusStreamAssigned {
		t.Errorf("after stream assign: %+v", got)
	}
	if got.RelayHost != "192.168.1.50" {
		t.Errorf("relay host override not recorded: %q", got.RelayHost)
	}
}

func TestClientManager_AutoAssign_screens(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2)

	var ids []string
	for _, host := range []string{"pi-01", "pi-02", "pi-03"} {
		c := registerClient(t, env, host, "10.0.0.1:1000")
		if err := env.clients.AssignToGroup(c.ID, g.ID); err != nil {
			t.Fatalf("AssignToGroup: %v", err)
		}
		ids = append(ids, c.ID)
	}

	n, err := env.clients.AutoAssign(g.ID, AutoAssignScreens)
	if err != nil {
		t.Fatalf("AutoAssign: %v", err)
	}
	// Only as many screens as the group has.
	if n != 2 {
		t.Errorf("assigned %d clients, want 2", n)
	}

	screens := map[int]bool{}
	var leftover int
	for _, id := range ids {
		c, _ := env.clients.Get(id)
		if c.Status == StatusScreenAssigned {
			if screens[c.Screen] {
				t.Errorf("screen %d assigned twice", c.Screen)
			}
			screens[c.Screen] = true
		} else {
			leftover++
		}
	}
	if !screens[0] || !screens[1] || leftover != 1 {
		t.Errorf("screen coverage %v, leftover %d", screens, leftover)
	}
}

func TestClientManager_AutoAssign_streams(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 1) // streams: combined, screen0

	for _, host := range []string{"pi-01", "pi-02", "pi-03"} {
		c := registerClient(t, env, host, "10.0.0.1:1000")
		if err := env.clients.AssignToGroup(c.ID, g.ID); err != nil {
			t.Fatalf("AssignToGroup: %v", err)
		}
	}

	n, err := env.clients.AutoAssign(g.ID, AutoAssignStreams)
	if err != nil {
		t.Fatalf("AutoAssign: %v", err)
	}
	// Streams are shared, so every pending client gets one.
	if n != 3 {
		t.Errorf("assigned %d clients, want 3", n)
	}

	counts := map[string]int{}
	for _, c := range env.clients.List() {
		counts[c.Stream]++
	}
	if counts["combined"] != 2 || counts["screen0"] != 1 {
		t.Errorf("round-robin distribution: %v", counts)
	}
}

func TestClientManager_Unassign_scopes(t *testing.T) {
	env := newTestEnv(t)
	g := mustCreate(t, env, "Wall-A", 2)
	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")

	if err := env.clients.AssignToScreen(c.ID, g.ID, 1, ""); err != nil {
		t.Fatalf("AssignToScreen: %v", err)
	}

	if err := env.clients.Unassign(c.ID, UnassignScreen); err != nil {
		t.Fatalf("Unassign screen: %v", err)
	}
	got, _ := env.clients.Get(c.ID)
	if got.Screen != -1 || got.Status != StatusGroupAssigned || got.GroupID != g.ID {
		t.Errorf("after screen unassign: %+v", got)
	}

	if err := env.clients.AssignToStream(c.ID, g.ID, "screen0", ""); err != nil {
		t.Fatalf("AssignToStream: %v", err)
	}
	if err := env.clients.Unassign(c.ID, UnassignStream); err != nil {
		t.Fatalf("Unassign stream: %v", err)
	}
	got, _ = env.clients.Get(c.ID)
	if got.Stream != "" || got.Status != StatusGroupAssigned {
		t.Errorf("after stream unassign: %+v", got)
	}

	if err := env.clients.Unassign(c.ID, UnassignAll); err != nil {
		t.Fatalf("Unassign all: %v", err)
	}
	got, _ = env.clients.Get(c.ID)
	if got.GroupID != "" || got.Status != StatusWaitingForAssignment {
		t.Errorf("after full unassign: %+v", got)
	}
}

func TestClientManager_WaitForAssignment_progression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if res := env.clients.WaitForAssignment(ctx, "nobody"); res.Readiness != ReadinessNotRegistered {
		t.Errorf("unknown client: got %s", res.Readiness)
	}

	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")
	if res := env.clients.WaitForAssignment(ctx, c.ID); res.Readiness != ReadinessWaitingForGroup {
		t.Errorf("unassigned: got %s", res.Readiness)
	}

	g := mustCreate(t, env, "Wall-A", 2)
	if err := env.clients.AssignToGroup(c.ID, g.ID); err != nil {
		t.Fatalf("AssignToGroup: %v", err)
	}
	if res := env.clients.WaitForAssignment(ctx, c.ID); res.Readiness != ReadinessWaitingForStream {
		t.Errorf("group only: got %s", res.Readiness)
	}

	if err := env.clients.AssignToScreen(c.ID, g.ID, 0, ""); err != nil {
		t.Fatalf("AssignToScreen: %v", err)
	}
	// Group is still inactive: assigned but nothing to play yet.
	if res := env.clients.WaitForAssignment(ctx, c.ID); res.Readiness != ReadinessWaitingStreaming {
		t.Errorf("inactive group: got %s", res.Readiness)
	}

	// Encoder comes up.
	if _, err := env.ids.GetGroupStreams(g.ID, g.Name, g.ScreenCount); err != nil {
		t.Fatalf("GetGroupStreams: %v", err)
	}
	env.finder.setMatch(g.ID, process.Record{PID: 999999})

	res := env.clients.WaitForAssignment(ctx, c.ID)
	if res.Readiness != ReadinessReadyToPlay {
		t.Fatalf("active group: got %s", res.Readiness)
	}
	streamID, _ := env.ids.Lookup(g.ID, "combined")
	if !strings.Contains(res.Address, "live/Wall-A/"+streamID) || !strings.Contains(res.Address, "m=request") {
		t.Errorf("resolved address: %q", res.Address)
	}
	got, _ := env.clients.Get(c.ID)
	if got.ResolvedAddr != res.Address {
		t.Errorf("ResolvedAddr not recorded: %q vs %q", got.ResolvedAddr, res.Address)
	}

	// Group stops: back to waiting, assignments intact, address cleared.
	if _, err := env.groups.Stop(ctx, g.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	env.finder.setMatch(g.ID)
	if res := env.clients.WaitForAssignment(ctx, c.ID); res.Readiness != ReadinessWaitingStreaming {
		t.Errorf("after stop: got %s", res.Readiness)
	}
	got, _ = env.clients.Get(c.ID)
	if got.ResolvedAddr != "" {
		t.Errorf("ResolvedAddr not cleared after stop: %q", got.ResolvedAddr)
	}
	if got.Screen != 0 || got.Status != StatusScreenAssigned {
		t.Errorf("assignment lost across stop: %+v", got)
	}
}

func TestClientManager_Heartbeat_and_cleanup(t *testing.T) {
	env := newTestEnv(t)

	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")
	if err := env.clients.Heartbeat(c.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := env.clients.Heartbeat("nobody"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}

	if n := env.clients.CleanupInactive(time.Hour); n != 0 {
		t.Errorf("fresh client reaped: %d", n)
	}
	time.Sleep(5 * time.Millisecond)
	if n := env.clients.CleanupInactive(0); n != 1 {
		t.Errorf("stale client not reaped: %d", n)
	}
	if _, err := env.clients.Get(c.ID); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("client survived cleanup: %v", err)
	}
}

func TestClientManager_Remove(t *testing.T) {
	env := newTestEnv(t)

	c := registerClient(t, env, "pi-01", "10.0.0.1:1000")
	if err := env.clients.Remove(c.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := env.clients.Remove(c.ID); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}
