package encoder

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Logical stream names. The combined stream carries the full canvas; screen
// streams carry one crop each.
const (
	CombinedStream = "combined"
)

// ScreenStream returns the logical name of the i-th screen stream.
func ScreenStream(i int) string {
	return fmt.Sprintf("screen%d", i)
}

// Config describes one encoder invocation. It is built per start and never
// mutated afterwards.
type Config struct {
	GroupID     string
	GroupName   string
	ScreenCount int
	Orientation Orientation
	Width       int
	Height      int
	GridRows    int
	GridCols    int

	// SyncUUID is the fixed UUID prefixed to every per-frame timestamp payload.
	SyncUUID string
	// BufferOffset is added to wall-clock seconds before embedding, giving
	// renderers a decode/present budget.
	BufferOffset float64

	Framerate int
	Bitrate   string

	// VideoSource is a file path; empty selects a synthetic test pattern.
	VideoSource string
	Loop        bool

	SinkHost       string
	SinkPort       int
	LatencyMicros  int
	ExtraSinkParam string
}

// SyncMode records which timestamp-embedding form a command uses.
type SyncMode string

const (
	// SyncDynamic embeds a fresh timestamp into every frame via an expression
	// evaluated by the bitstream filter.
	SyncDynamic SyncMode = "dynamic"
	// SyncStatic embeds a single timestamp captured at command build time.
	// Used when the bitstream filter cannot evaluate expressions.
	SyncStatic SyncMode = "static"
)

// Command is a fully built encoder invocation.
type Command struct {
	Binary string
	Args   []string
	Sync   SyncMode
	// Sinks maps each logical stream name to its publish address.
	Sinks map[string]string
}

// StreamAddress composes one wire address in the relay's grammar. mode is
// "publish" on the encoder side and "request" on the client side. extra is
// appended verbatim after the latency parameter when non-empty.
func StreamAddress(host string, port int, groupName, streamID, mode string, latencyMicros int, extra string) string {
	addr := fmt.Sprintf("srt://%s:%d?streamid=#!::r=live/%s/%s,m=%s,latency=%d",
		host, port, groupName, streamID, mode, latencyMicros)
	if extra != "" {
		addr += "&" + extra
	}
	return addr
}

// Build turns a config, planned layout, and the group's stream ids into a
// complete encoder argument vector. ids must contain CombinedStream and one
// entry per screen index; layout.Rects must have cfg.ScreenCount entries.
//
// dynamicSync selects the per-frame timestamp expression; pass false to fall
// back to a timestamp fixed at build time (degraded mode, see Probe).
func Build(cfg Config, layout Layout, ids map[string]string, dynamicSync bool) (Command, error) {
	if len(layout.Rects) != cfg.ScreenCount {
		return Command{}, fmt.Errorf("layout has %d rects for %d screens", len(layout.Rects), cfg.ScreenCount)
	}
	if _, ok := ids[CombinedStream]; !ok {
		return Command{}, fmt.Errorf("stream ids missing %q entry", CombinedStream)
	}
	for i := 0; i < cfg.ScreenCount; i++ {
		if _, ok := ids[ScreenStream(i)]; !ok {
			return Command{}, fmt.Errorf("stream ids missing %q entry", ScreenStream(i))
		}
	}

	fr := cfg.Framerate
	if fr <= 0 {
		fr = 30
	}
	bitrate := cfg.Bitrate
	if bitrate == "" {
		bitrate = "3000k"
	}

	args := []string{"-hide_banner", "-loglevel", "info", "-re"}

	if cfg.VideoSource != "" {
		if cfg.Loop {
			args = append(args, "-stream_loop", "-1")
		}
		args = append(args, "-i", cfg.VideoSource)
	} else {
		args = append(args, "-f", "lavfi", "-i",
			fmt.Sprintf("testsrc=size=%dx%d:rate=%d", layout.CanvasWidth, layout.CanvasHeight, fr))
	}

	args = append(args, "-filter_complex", buildFilterGraph(cfg, layout, fr))

	sei := syncFilter(cfg, dynamicSync)
	mode := SyncDynamic
	if !dynamicSync {
		mode = SyncStatic
	}

	sinks := make(map[string]string, cfg.ScreenCount+1)

	appendOutput := func(label, logical string) {
		addr := StreamAddress(cfg.SinkHost, cfg.SinkPort, cfg.GroupName, ids[logical], "publish", cfg.LatencyMicros, cfg.ExtraSinkParam)
		sinks[logical] = addr
		args = append(args,
			"-map", label,
			"-an",
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-g", "1",
			"-keyint_min", "1",
			"-sc_threshold", "0",
			"-b:v", bitrate,
			"-bsf:v", sei,
			"-f", "mpegts",
			addr,
		)
	}

	appendOutput("[full]", CombinedStream)
	for i := 0; i < cfg.ScreenCount; i++ {
		appendOutput(fmt.Sprintf("[c%d]", i), ScreenStream(i))
	}

	return Command{Binary: "ffmpeg", Args: args, Sync: mode, Sinks: sinks}, nil
}

// buildFilterGraph splits the normalized source into one full copy plus one
// crop per screen.
func buildFilterGraph(cfg Config, layout Layout, framerate int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d,split=%d[full]",
		layout.CanvasWidth, layout.CanvasHeight,
		layout.CanvasWidth, layout.CanvasHeight,
		framerate, cfg.ScreenCount+1)
	for i := range layout.Rects {
		fmt.Fprintf(&b, "[s%d]", i)
	}
	for i, r := range layout.Rects {
		fmt.Fprintf(&b, ";[s%d]crop=%d:%d:%d:%d[c%d]", i, r.Width, r.Height, r.X, r.Y, i)
	}
	return b.String()
}

// syncFilter builds the h264_metadata bitstream filter embedding the
// synchronization payload: the fixed UUID plus a 16-digit hex millisecond
// timestamp. The dynamic form evaluates round((base+t)*1000) per frame, where
// base is wall-clock-at-build plus the buffer offset and t is the frame's
// presentation time in seconds.
func syncFilter(cfg Config, dynamic bool) string {
	base := float64(time.Now().Unix()) + cfg.BufferOffset
	if dynamic {
		return fmt.Sprintf(`h264_metadata=sei_user_data='%s+%%{eif\:round((%.3f+t)*1000)\:x\:16}'`,
			cfg.SyncUUID, base)
	}
	return fmt.Sprintf("h264_metadata=sei_user_data='%s+%016x'", cfg.SyncUUID, int64(math.Round(base*1000)))
}

// SinkList returns the command's publish addresses in stable logical-name
// order, combined first.
func (c Command) SinkList() []string {
	names := make([]string, 0, len(c.Sinks))
	for name := range c.Sinks {
		if name != CombinedStream {
			names = append(names, name)
		}
	}
	// Numeric screen order, not lexical ("screen2" before "screen10").
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	out := make([]string, 0, len(c.Sinks))
	if addr, ok := c.Sinks[CombinedStream]; ok {
		out = append(out, addr)
	}
	for _, name := range names {
		out = append(out, c.Sinks[name])
	}
	return out
}
