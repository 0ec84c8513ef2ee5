package encoder

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		GroupID:       "abc123",
		GroupName:     "Wall-A",
		ScreenCount:   2,
		Orientation:   OrientationHorizontal,
		Width:         1920,
		Height:        1080,
		SyncUUID:      "086f3693-b7b3-4f2c-9653-21492feee5b8",
		BufferOffset:  2.0,
		Framerate:     30,
		Bitrate:       "3000k",
		VideoSource:   "/videos/loop.mp4",
		Loop:          true,
		SinkHost:      "127.0.0.1",
		SinkPort:      10080,
		LatencyMicros: 1000000,
	}
}

func testIDs() map[string]string {
	return map[string]string{
		CombinedStream:  "aaaa1111",
		ScreenStream(0): "bbbb2222",
		ScreenStream(1): "cccc3333",
	}
}

func TestStreamAddress(t *testing.T) {
	got := StreamAddress("10.0.0.5", 10080, "Wall-A", "aaaa1111", "publish", 1000000, "pkt_size=1316")
	want := "srt://10.0.0.5:10080?streamid=#!::r=live/Wall-A/aaaa1111,m=publish,latency=1000000&pkt_size=1316"
	if got != want {
		t.Errorf("StreamAddress:\n got  %s\n want %s", got, want)
	}

	got = StreamAddress("10.0.0.5", 10080, "Wall-A", "aaaa1111", "request", 1000000, "")
	if !strings.Contains(got, ",m=request,latency=1000000") || strings.Contains(got, "&") {
		t.Errorf("request address malformed: %s", got)
	}
}

func TestBuild_outputs_one_per_screen_plus_combined(t *testing.T) {
	cfg := testConfig()
	layout := Plan(cfg.ScreenCount, cfg.Orientation, cfg.Width, cfg.Height, 0, 0)

	cmd, err := Build(cfg, layout, testIDs(), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cmd.Binary != "ffmpeg" {
		t.Errorf("binary: got %s", cmd.Binary)
	}
	if cmd.Sync != SyncDynamic {
		t.Errorf("sync mode: got %s, want dynamic", cmd.Sync)
	}
	if len(cmd.Sinks) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(cmd.Sinks))
	}

	joined := strings.Join(cmd.Args, " ")
	for logical, id := range testIDs() {
		addr := cmd.Sinks[logical]
		if !strings.Contains(addr, "live/Wall-A/"+id+",m=publish") {
			t.Errorf("sink for %s lacks publish path: %s", logical, addr)
		}
		if !strings.Contains(joined, addr) {
			t.Errorf("args missing sink address for %s", logical)
		}
	}

	if maps := strings.Count(joined, "-map "); maps != 3 {
		t.Errorf("expected 3 -map stages, got %d", maps)
	}
	if !strings.Contains(joined, "-stream_loop -1") {
		t.Error("loop input flag missing")
	}
	if !strings.Contains(joined, "-g 1") || !strings.Contains(joined, "-tune zerolatency") {
		t.Error("low-latency single-keyframe profile missing")
	}
}

func TestBuild_filter_graph_crops(t *testing.T) {
	cfg := testConfig()
	layout := Plan(2, OrientationHorizontal, 1920, 1080, 0, 0)

	cmd, err := Build(cfg, layout, testIDs(), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var graph string
	for i, a := range cmd.Args {
		if a == "-filter_complex" && i+1 < len(cmd.Args) {
			graph = cmd.Args[i+1]
		}
	}
	if graph == "" {
		t.Fatal("no -filter_complex stage")
	}
	if !strings.Contains(graph, "split=3[full][s0][s1]") {
		t.Errorf("graph should split into 3 copies: %s", graph)
	}
	if !strings.Contains(graph, "[s0]crop=960:1080:0:0[c0]") {
		t.Errorf("first crop wrong: %s", graph)
	}
	if !strings.Contains(graph, "[s1]crop=960:1080:960:0[c1]") {
		t.Errorf("second crop wrong: %s", graph)
	}
}

func TestBuild_synthetic_source(t *testing.T) {
	cfg := testConfig()
	cfg.VideoSource = ""
	layout := Plan(2, OrientationHorizontal, 1920, 1080, 0, 0)

	cmd, err := Build(cfg, layout, testIDs(), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(cmd.Args, " ")
	if !strings.Contains(joined, "-f lavfi -i testsrc=size=1920x1080:rate=30") {
		t.Errorf("synthetic input missing: %s", joined)
	}
}

func TestBuild_sync_payload_forms(t *testing.T) {
	cfg := testConfig()
	layout := Plan(2, OrientationHorizontal, 1920, 1080, 0, 0)

	findSEI := func(cmd Command) string {
		for i, a := range cmd.Args {
			if a == "-bsf:v" && i+1 < len(cmd.Args) {
				return cmd.Args[i+1]
			}
		}
		return ""
	}

	dyn, err := Build(cfg, layout, testIDs(), true)
	if err != nil {
		t.Fatalf("Build dynamic: %v", err)
	}
	sei := findSEI(dyn)
	if !strings.HasPrefix(sei, "h264_metadata=sei_user_data='"+cfg.SyncUUID+"+") {
		t.Errorf("dynamic payload not prefixed with sync UUID: %s", sei)
	}
	if !strings.Contains(sei, `%{eif\:round((`) || !strings.Contains(sei, `+t)*1000)\:x\:16}`) {
		t.Errorf("dynamic payload missing per-frame expression: %s", sei)
	}

	stat, err := Build(cfg, layout, testIDs(), false)
	if err != nil {
		t.Fatalf("Build static: %v", err)
	}
	if stat.Sync != SyncStatic {
		t.Errorf("sync mode: got %s, want static", stat.Sync)
	}
	sei = findSEI(stat)
	re := regexp.MustCompile(`^h264_metadata=sei_user_data='` + regexp.QuoteMeta(cfg.SyncUUID) + `\+[0-9a-f]{16}'$`)
	if !re.MatchString(sei) {
		t.Errorf("static payload should be UUID plus 16 hex digits: %s", sei)
	}
}

func TestSyncFilter_static_rounds_milliseconds(t *testing.T) {
	// base is an integer second plus the offset, so base*1000 ends in .6
	// milliseconds; rounding must carry it up rather than truncate.
	cfg := testConfig()
	cfg.BufferOffset = 2.0006

	sei := syncFilter(cfg, false)
	re := regexp.MustCompile(`\+([0-9a-f]{16})'$`)
	m := re.FindStringSubmatch(sei)
	if m == nil {
		t.Fatalf("no hex timestamp in %s", sei)
	}
	ms, err := strconv.ParseInt(m[1], 16, 64)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if ms%1000 != 1 {
		t.Errorf("timestamp %d ends in %d ms, want 1 (rounded from 0.6)", ms, ms%1000)
	}
}

func TestBuild_missing_ids(t *testing.T) {
	cfg := testConfig()
	layout := Plan(2, OrientationHorizontal, 1920, 1080, 0, 0)

	ids := testIDs()
	delete(ids, ScreenStream(1))
	if _, err := Build(cfg, layout, ids, true); err == nil {
		t.Error("expected error for missing screen id")
	}

	if _, err := Build(cfg, Plan(3, OrientationHorizontal, 1920, 1080, 0, 0), testIDs(), true); err == nil {
		t.Error("expected error for rect/screen count mismatch")
	}
}

func TestSinkList_combined_first(t *testing.T) {
	cfg := testConfig()
	layout := Plan(2, OrientationHorizontal, 1920, 1080, 0, 0)

	cmd, err := Build(cfg, layout, testIDs(), true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sinks := cmd.SinkList()
	if len(sinks) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(sinks))
	}
	if !strings.Contains(sinks[0], "aaaa1111") {
		t.Errorf("combined sink should come first: %s", sinks[0])
	}
	if !strings.Contains(sinks[1], "bbbb2222") || !strings.Contains(sinks[2], "cccc3333") {
		t.Errorf("screen sinks out of order: %v", sinks[1:])
	}
}
