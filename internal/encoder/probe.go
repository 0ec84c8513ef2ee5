package encoder

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// CapabilityProbe reports whether the encoder binary can evaluate the dynamic
// per-frame timestamp expression. Implementations are injected at
// construction; callers fall back to the static form when the probe says no.
type CapabilityProbe interface {
	SupportsDynamicSync(ctx context.Context) bool
}

const probeTimeout = 5 * time.Second

// BinaryProbe asks the ffmpeg binary itself whether the h264_metadata
// bitstream filter and its sei_user_data option are available.
type BinaryProbe struct {
	Binary string
}

// SupportsDynamicSync runs `ffmpeg -h bsf=h264_metadata` and checks the help
// text for the sei_user_data option. A missing binary or any run failure
// reports false; the caller degrades rather than erroring.
func (p BinaryProbe) SupportsDynamicSync(ctx context.Context) bool {
	binary := p.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, "-hide_banner", "-h", "bsf=h264_metadata")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return false
	}
	return strings.Contains(out.String(), "sei_user_data")
}

// StaticProbe always reports a fixed answer. Used in tests and as the
// degraded-mode implementation when no encoder binary is present.
type StaticProbe bool

func (p StaticProbe) SupportsDynamicSync(context.Context) bool { return bool(p) }
