// Package pathresolver expands user path patterns into a concrete,
// existing file list per worker (spec §4.A).
package pathresolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/CESNET/fdistdump/internal/nlog"
	"github.com/CESNET/fdistdump/internal/xerr"
)

// Warning is a non-fatal issue encountered while resolving one
// pattern (spec §4.A: "errors on individual entries are warnings,
// never fatal").
type Warning struct {
	Pattern string
	Reason  string
}

// Resolver expands path patterns for one worker (identified by Rank)
// against a time range, per spec §4.A's grammar and expansion rules.
type Resolver struct {
	Rank     int
	Hostname string
}

// sidecarPrefix is the well-known prefix used to name Bloom sidecar
// files (spec §6); directory walks must skip them when listing.
const sidecarPrefix = "bfi."

// defaultRotationInterval is used by Resolve, which has no Task
// descriptor to read S from; callers that do have one should use
// ResolveWithInterval instead.
const defaultRotationInterval = 300 * time.Second

// TimeRange mirrors task.TimeRange without importing the task package
// (keeps pathresolver a leaf dependency, consistent with the teacher's
// fs package never importing cluster-level types).
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

func (r TimeRange) Zero() bool { return !r.End.After(r.Begin) }

// Resolve expands one pattern into an ordered, deterministic list of
// existing paths, plus any non-fatal warnings. Invariants (spec
// §4.A): every returned path exists at resolution time; order is
// deterministic per pattern.
func (r *Resolver) Resolve(pattern string, tr TimeRange) ([]string, []Warning, error) {
	return r.ResolveWithInterval(pattern, tr, defaultRotationInterval)
}

// ResolveWithInterval is Resolve but with an explicit rotation
// interval S (spec §6), used by callers that have a Task descriptor.
func (r *Resolver) ResolveWithInterval(pattern string, tr TimeRange, interval time.Duration) ([]string, []Warning, error) {
	pattern, skip, err := r.stripRankPrefix(pattern)
	if err != nil {
		return nil, nil, err
	}
	if skip {
		return nil, nil, nil
	}
	expanded, hasTemplate, err := r.expandDirectives(pattern)
	if err != nil {
		return nil, nil, err
	}

	if hasTemplate {
		return r.expandTemplate(expanded, tr, interval)
	}

	info, statErr := os.Stat(expanded)
	switch {
	case statErr == nil && info.Mode().IsRegular():
		return []string{expanded}, nil, nil
	case statErr == nil && info.IsDir():
		if !tr.Zero() {
			// canonical template appended onto the directory, using
			// the directory's own base name as <prefix> (spec §4.A),
			// since the pattern gives no explicit prefix.
			prefix := filepath.Base(expanded)
			tmpl := filepath.Join(expanded, "%Y/%m/%d", prefix+".%Y%m%d%H%M%S")
			return r.expandTemplate(tmpl, tr, interval)
		}
		return r.walkDir(expanded)
	default:
		// neither a regular file nor a directory currently on disk:
		// a single warning, never fatal (spec §4.A).
		return nil, []Warning{{Pattern: pattern, Reason: fmt.Sprintf("path does not exist: %s", expanded)}}, nil
	}
}

// stripRankPrefix implements the `%N:<rest>` directive (spec §4.A):
// pattern is ignored on workers whose rank != N. A `%h:<rest>` prefix
// names the local host, so it is stripped on every worker.
func (r *Resolver) stripRankPrefix(pattern string) (rest string, skip bool, err error) {
	if !strings.HasPrefix(pattern, "%") {
		return pattern, false, nil
	}
	if strings.HasPrefix(pattern, "%h:") {
		return pattern[len("%h:"):], false, nil
	}
	idx := strings.IndexByte(pattern, ':')
	if idx < 0 {
		return pattern, false, nil
	}
	numPart := pattern[1:idx]
	if numPart == "" {
		return pattern, false, nil
	}
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return pattern, false, nil
		}
	}
	rank, convErr := strconv.Atoi(numPart)
	if convErr != nil {
		return pattern, false, nil
	}
	return pattern[idx+1:], rank != r.Rank, nil
}

// expandDirectives replaces `%h` with the local hostname and reports
// whether any %Y/%m/%d/%H/%M/%S time-template directive remains (left
// untouched here; expanded per-boundary by expandTemplate). Any other
// `%` directive is rejected with a warning and the pattern skipped
// (spec §4.A).
func (r *Resolver) expandDirectives(pattern string) (result string, hasTemplate bool, err error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(pattern) {
			return "", false, xerr.New(xerr.KindPath, "pattern %q ends in a bare '%%'", pattern)
		}
		switch pattern[i+1] {
		case 'h':
			b.WriteString(r.Hostname)
			i++
		case 'Y', 'm', 'd', 'H', 'M', 'S':
			hasTemplate = true
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
		default:
			nlog.Warningf("unsupported path directive %%%c in pattern %q, skipping", pattern[i+1], pattern)
			return "", false, xerr.New(xerr.KindPath, "unsupported directive %%%c", pattern[i+1])
		}
	}
	return b.String(), hasTemplate, nil
}

// rotationBoundaries returns every multiple-of-S instant in
// [begin,end); a zero-length range yields the single aligned instant
// at begin (spec §8: "time range of zero length ... run on exactly
// one file per matching pattern, the point file").
func rotationBoundaries(tr TimeRange, s time.Duration) []time.Time {
	if s <= 0 {
		return nil
	}
	if tr.Zero() {
		return []time.Time{tr.Begin.Truncate(s)}
	}
	var out []time.Time
	for t := tr.Begin.Truncate(s); t.Before(tr.End); t = t.Add(s) {
		out = append(out, t)
	}
	return out
}

// expandTemplate substitutes %Y%m%d%H%M%S-style directives in tmpl
// for each rotation boundary and keeps the ones that exist on disk.
func (r *Resolver) expandTemplate(tmpl string, tr TimeRange, interval time.Duration) ([]string, []Warning, error) {
	var (
		paths    []string
		warnings []Warning
	)
	for _, t := range rotationBoundaries(tr, interval) {
		full := substituteTime(tmpl, t.UTC())
		if _, err := os.Stat(full); err == nil {
			paths = append(paths, full)
		} else {
			warnings = append(warnings, Warning{Pattern: full, Reason: "boundary file does not exist"})
		}
	}
	return paths, warnings, nil
}

func substituteTime(tmpl string, t time.Time) string {
	r := strings.NewReplacer(
		"%Y", fmt.Sprintf("%04d", t.Year()),
		"%m", fmt.Sprintf("%02d", t.Month()),
		"%d", fmt.Sprintf("%02d", t.Day()),
		"%H", fmt.Sprintf("%02d", t.Hour()),
		"%M", fmt.Sprintf("%02d", t.Minute()),
		"%S", fmt.Sprintf("%02d", t.Second()),
	)
	return r.Replace(tmpl)
}

// walkDir recursively walks dir, skipping dotfiles and Bloom sidecar
// files (spec §4.A/§6), using godirwalk for low-allocation traversal
// over potentially very large rotated-capture trees.
func (r *Resolver) walkDir(dir string) ([]string, []Warning, error) {
	var paths []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			base := filepath.Base(path)
			if strings.HasPrefix(base, ".") {
				if de.IsDir() && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(base, sidecarPrefix) {
				return nil
			}
			if de.IsDir() {
				return nil
			}
			paths = append(paths, path)
			return nil
		},
	})
	if err != nil {
		return nil, nil, xerr.Wrap(xerr.KindPath, err, "walking %s", dir)
	}
	return paths, nil, nil
}
