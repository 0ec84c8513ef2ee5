package process

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// Record is one process-table entry of interest.
type Record struct {
	PID     int
	Cmdline string
}

// Claim identifies a group that may own encoder processes. ContainerHandle
// may be empty when the group's container is not running.
type Claim struct {
	GroupID         string
	GroupName       string
	ContainerHandle string
}

// Finder scans the process table. The mount point is overridable so tests can
// point it at a fabricated proc tree.
type Finder struct {
	fs procfs.FS
}

// NewFinder returns a Finder over the default /proc mount.
func NewFinder() (*Finder, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open proc: %w", err)
	}
	return &Finder{fs: fs}, nil
}

// NewFinderAt returns a Finder over an alternate proc mount point.
func NewFinderAt(mount string) (*Finder, error) {
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("open proc at %s: %w", mount, err)
	}
	return &Finder{fs: fs}, nil
}

// encoderProcess reports whether argv describes an encoder-class process.
func encoderProcess(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	return strings.Contains(filepath.Base(argv[0]), "ffmpeg")
}

// matchesClaim checks the three precise ownership signals, in priority order:
// the sink path segment for the group name, the group id itself, or the
// container handle prefix. Nothing looser; a miss on all three is a miss.
func matchesClaim(cmdline string, c Claim) bool {
	if c.GroupName != "" && strings.Contains(cmdline, "live/"+c.GroupName+"/") {
		return true
	}
	if c.GroupID != "" && strings.Contains(cmdline, c.GroupID) {
		return true
	}
	if len(c.ContainerHandle) >= 12 && strings.Contains(cmdline, c.ContainerHandle[:12]) {
		return true
	}
	return false
}

// encoderRecords lists all encoder-class processes. Processes that disappear
// mid-scan are skipped.
func (f *Finder) encoderRecords() ([]Record, error) {
	procs, err := f.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var out []Record
	for _, p := range procs {
		argv, err := p.CmdLine()
		if err != nil || !encoderProcess(argv) {
			continue
		}
		out = append(out, Record{PID: p.PID, Cmdline: strings.Join(argv, " ")})
	}
	return out, nil
}

// FindMatching returns the encoder processes owned by the given claim.
func (f *Finder) FindMatching(c Claim) ([]Record, error) {
	records, err := f.encoderRecords()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range records {
		if matchesClaim(r.Cmdline, c) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindOrphaned returns encoder processes claimed by none of the given groups.
func (f *Finder) FindOrphaned(claims []Claim) ([]Record, error) {
	records, err := f.encoderRecords()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range records {
		claimed := false
		for _, c := range claims {
			if matchesClaim(r.Cmdline, c) {
				claimed = true
				break
			}
		}
		if !claimed {
			out = append(out, r)
		}
	}
	return out, nil
}
