// Package `exclude` computes the per-snapshot exclusion list: a static set
// of tree names that are never archived, plus dynamic exclusions that defer
// in-flight data until the final snapshot.
package exclude

import (
	"io/fs"
	"os"
	slashpath "path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/vsort"
)

// `baseCallsGlob` locates the per-lane cycle directories, like
// `Data/Intensities/BaseCalls/L001/C102.1`.
const baseCallsGlob = "Data/Intensities/BaseCalls/L*"

var cycleRgx = regexp.MustCompile(`^C[0-9]+\.[0-9]+$`)

// `Planner` is configured once per run.
type Planner struct {
	// `Static` holds tree names excluded from every snapshot.
	Static []string

	// `RecentWindow` excludes files modified within the window, while
	// not final.
	RecentWindow time.Duration
}

// `Plan` is the materialized exclusion list for one snapshot.
type Plan struct {
	static map[string]bool

	// `latestCycle` is the highest `C<major>.<minor>` directory name
	// seen across all lanes, excluded in every lane.  Empty when final
	// or when no cycle directories exist yet.
	latestCycle string

	recentBefore time.Time
	isFinal      bool
}

// `Plan()` inspects the source tree and returns the exclusion plan for one
// snapshot.  At `isFinal`, only static exclusions remain, so everything
// previously deferred is caught by the last chunk.
func (p *Planner) Plan(sourceRoot string, isFinal bool, now time.Time) *Plan {
	plan := &Plan{
		static:  make(map[string]bool, len(p.Static)),
		isFinal: isFinal,
	}
	for _, s := range p.Static {
		plan.static[s] = true
	}
	if isFinal {
		return plan
	}

	plan.latestCycle = latestCycleDir(sourceRoot)
	if p.RecentWindow > 0 {
		plan.recentBefore = now.Add(-p.RecentWindow)
	}
	return plan
}

// `Match()` is the `snapshot.ExcludeFunc` for this plan.  `rel` is slash
// separated, relative to the source root.
func (p *Plan) Match(rel string, fi fs.FileInfo) bool {
	// Static names match the tree root name at any depth, which is how
	// the historical anchored exclude list behaved for these names.
	if p.static[slashpath.Base(rel)] {
		return true
	}
	if p.isFinal {
		return false
	}

	if p.latestCycle != "" && fi.IsDir() &&
		slashpath.Base(rel) == p.latestCycle && isCyclePath(rel) {
		return true
	}

	if !fi.IsDir() && !p.recentBefore.IsZero() &&
		fi.ModTime().After(p.recentBefore) {
		return true
	}
	return false
}

// `latestCycleDir()` returns the highest version-sorted cycle directory name
// across all lanes, or empty.
func latestCycleDir(sourceRoot string) string {
	lanes, err := filepath.Glob(
		filepath.Join(sourceRoot, filepath.FromSlash(baseCallsGlob)),
	)
	if err != nil {
		return ""
	}
	latest := ""
	for _, lane := range lanes {
		entries, err := os.ReadDir(lane)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !cycleRgx.MatchString(e.Name()) {
				continue
			}
			if latest == "" || vsort.Less(latest, e.Name()) {
				latest = e.Name()
			}
		}
	}
	return latest
}

// `isCyclePath()` confirms that `rel` sits directly under a lane directory.
func isCyclePath(rel string) bool {
	dir := slashpath.Dir(rel)
	if !strings.HasPrefix(slashpath.Base(dir), "L") {
		return false
	}
	return slashpath.Dir(dir) == "Data/Intensities/BaseCalls"
}
