// Package process supervises external encoder processes: spawn, bounded
// startup detection, lifetime monitoring, graceful stop, and a precise
// process-table matcher that never claims unrelated processes.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Spec describes one external process to run. GroupID and GroupName are used
// only for logging and for matching via Find; they are not passed to the
// process.
type Spec struct {
	Binary    string
	Args      []string
	GroupID   string
	GroupName string
}

// ErrBinaryNotFound is returned by Start when the configured binary is not on
// PATH.
var ErrBinaryNotFound = errors.New("binary not found")

// tailSize bounds the retained diagnostic tail per process.
const tailSize = 20

// Handle tracks one spawned process.
type Handle struct {
	PID  int
	Spec Spec

	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
	exited  bool
	tail    []string
	stopped bool
}

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// DiagnosticTail returns the most recent diagnostic lines, newest last.
func (h *Handle) DiagnosticTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

func (h *Handle) appendTail(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tail = append(h.tail, line)
	if len(h.tail) > tailSize {
		h.tail = h.tail[len(h.tail)-tailSize:]
	}
}

// Supervisor spawns and tracks external processes.
type Supervisor struct {
	log *slog.Logger
}

// NewSupervisor returns a Supervisor logging through log.
func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Start spawns the process described by spec and begins draining its
// diagnostic stream. The returned handle feeds MonitorStartup and
// ContinuousMonitor; exactly one of them should be consuming at a time.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, spec.Binary)
	}

	cmd := exec.Command(path, spec.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Binary, err)
	}

	h := &Handle{
		PID:   cmd.Process.Pid,
		Spec:  spec,
		cmd:   cmd,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			select {
			case h.lines <- line:
			default:
				// Consumer is behind; drop rather than block the process.
			}
		}
		close(h.lines)
	}()

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.exited = true
		h.mu.Unlock()
		close(h.done)
	}()

	s.log.Info("process started",
		slog.String("binary", spec.Binary),
		slog.Int("pid", h.PID),
		slog.String("group_id", spec.GroupID),
		slog.String("group_name", spec.GroupName),
	)
	return h, nil
}

// lineClass classifies one diagnostic line.
type lineClass int

const (
	lineNoise lineClass = iota
	lineProgress
	lineStreaming
	lineError
)

var errorMarkers = []string{
	"Connection refused",
	"Connection timed out",
	"No such file or directory",
	"Invalid argument",
	"Error opening",
	"Unable to open",
	"Conversion failed",
	"Unrecognized option",
	"Invalid data found",
	"Address already in use",
}

var progressMarkers = []string{
	"Output #",
	"Stream mapping",
	"Press [q]",
}

func classifyLine(line string) lineClass {
	for _, m := range errorMarkers {
		if strings.Contains(line, m) {
			return lineError
		}
	}
	// Frame counters only appear once encoding to the sinks has begun.
	if strings.HasPrefix(line, "frame=") || strings.Contains(line, " fps=") {
		return lineStreaming
	}
	for _, m := range progressMarkers {
		if strings.Contains(line, m) {
			return lineProgress
		}
	}
	return lineNoise
}

// MonitorStartup reads the diagnostic stream for at most timeout or maxLines
// lines, whichever comes first. It returns ok=false when a hard error marker
// appears or the process exits inside the window. Exceeding the window with no
// clear signal returns ok=true, streaming=false: a soft outcome the caller
// decides on.
func (s *Supervisor) MonitorStartup(h *Handle, timeout time.Duration, maxLines int) (ok, streaming bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	seen := 0
	for {
		select {
		case line, open := <-h.lines:
			if !open {
				// Stream closed means the process is gone or going.
				return false, false
			}
			h.appendTail(line)
			switch classifyLine(line) {
			case lineError:
				s.log.Error("startup error",
					slog.Int("pid", h.PID),
					slog.String("group_id", h.Spec.GroupID),
					slog.String("line", line))
				return false, false
			case lineStreaming:
				return true, true
			case lineProgress:
				s.log.Debug("startup progress", slog.Int("pid", h.PID), slog.String("line", line))
			}
			seen++
			if maxLines > 0 && seen >= maxLines {
				return true, false
			}
		case <-h.done:
			return false, false
		case <-timer.C:
			return true, false
		}
	}
}

// logInterval rate-limits non-error log emission in ContinuousMonitor.
const logInterval = 5 * time.Second

// ContinuousMonitor drains the diagnostic stream for the process lifetime.
// Error-classified lines surface immediately; everything else is sampled.
// Returns when the process exits. Safe to run concurrently with Stop.
func (s *Supervisor) ContinuousMonitor(h *Handle) {
	var lastLog time.Time
	for {
		select {
		case line, open := <-h.lines:
			if !open {
				<-h.done
				s.logExit(h)
				return
			}
			h.appendTail(line)
			if classifyLine(line) == lineError {
				s.log.Error("encoder error",
					slog.Int("pid", h.PID),
					slog.String("group_id", h.Spec.GroupID),
					slog.String("line", line))
				continue
			}
			if time.Since(lastLog) >= logInterval {
				lastLog = time.Now()
				s.log.Debug("encoder output", slog.Int("pid", h.PID), slog.String("line", line))
			}
		case <-h.done:
			s.logExit(h)
			return
		}
	}
}

func (s *Supervisor) logExit(h *Handle) {
	h.mu.Lock()
	exitErr := h.exitErr
	stopped := h.stopped
	h.mu.Unlock()
	if stopped || exitErr == nil {
		s.log.Info("process exited", slog.Int("pid", h.PID), slog.String("group_id", h.Spec.GroupID))
		return
	}
	s.log.Warn("process exited with error",
		slog.Int("pid", h.PID),
		slog.String("group_id", h.Spec.GroupID),
		slog.String("error", exitErr.Error()))
}

// Stop requests termination, waits up to grace, then force-kills. It is
// idempotent: stopping an already-exited process returns nil.
func (s *Supervisor) Stop(h *Handle, grace time.Duration) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the check and the signal.
		if h.Exited() {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", h.PID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	s.log.Warn("grace period expired, killing", slog.Int("pid", h.PID))
	if err := h.cmd.Process.Kill(); err != nil && !h.Exited() {
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	<-h.done
	return nil
}
