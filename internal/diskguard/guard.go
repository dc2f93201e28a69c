// Package diskguard decides whether a new record may be admitted to the queue
// based on how full the queue's filesystem is.
package diskguard

import (
	"fmt"
	"math/bits"
	"path/filepath"
	"sync/atomic"

	"github.com/austindbirch/logship/internal/metrics"
	"github.com/austindbirch/logship/internal/report"
)

// Disabled is the threshold value that turns the guard off.
const Disabled = -1

// Guard is a pure admission check. It never touches queue contents.
type Guard struct {
	dir       string
	threshold int
	reporter  report.Reporter
	statfs    func(path string) (usable, total uint64, err error)

	statErrReported atomic.Bool
}

// New returns a guard for the filesystem holding dir. A threshold of Disabled
// accepts everything.
func New(dir string, threshold int, r report.Reporter) *Guard {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Guard{dir: dir, threshold: threshold, reporter: r, statfs: statfs}
}

// ShouldAccept reports whether another record may be queued. It returns false,
// and emits a warning, once the used-space percentage reaches the threshold.
func (g *Guard) ShouldAccept() bool {
	if g.threshold == Disabled {
		return true
	}

	usedPct, err := g.UsedPercent()
	if err != nil {
		// Fail open: a full disk will still surface as a queue write error.
		if g.statErrReported.CompareAndSwap(false, true) {
			g.reporter.Warning(fmt.Sprintf("Could not read filesystem usage for %s, disk space check skipped", g.dir), err)
		}
		return true
	}
	g.statErrReported.Store(false)

	if usedPct >= g.threshold {
		g.reporter.Warning(fmt.Sprintf("Dropping logs, as FS used space on %s is %d percent, and the drop threshold is %d percent",
			g.dir, usedPct, g.threshold), nil)
		return false
	}
	return true
}

// UsedPercent returns the truncated used-space percentage of the guarded
// filesystem, updating the disk usage gauge as a side effect.
func (g *Guard) UsedPercent() (int, error) {
	usable, total, err := g.statfs(g.dir)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("filesystem at %s reports zero total space", g.dir)
	}
	if usable > total {
		usable = total
	}
	used := total - usable
	metrics.SetDiskUsedPercent(float64(used) / float64(total) * 100)

	// Integer math keeps the threshold comparison exact on huge filesystems.
	hi, lo := bits.Mul64(used, 100)
	pct, _ := bits.Div64(hi, lo, total)
	return int(pct), nil
}
