// Package lfs wraps invocations of the lfs(1) command for quota queries and
// HSM state transitions (spec.md §4.H). No other package in this tree
// imports it. Not a general Lustre client: only quota, hsm_state,
// hsm_restore, and hsm_release are implemented, matching the command subset
// original_source/alpenhorn/io/lfs.py wraps.
//
// Library: github.com/pkg/errors for subprocess-error wrapping, the same
// direct teacher dependency used for command-failure context in
// ext/dsort's subprocess-facing code.
package lfs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// HSMState is a file's Hierarchical Storage Management state (spec.md §4.H).
type HSMState int

const (
	HSMMissing    HSMState = iota // not present on disk or in external storage
	HSMUnarchived                 // on disk, not yet archived
	HSMRestored                   // on disk and archived
	HSMReleased                   // archived, not on disk
)

func (s HSMState) String() string {
	switch s {
	case HSMMissing:
		return "missing"
	case HSMUnarchived:
		return "unarchived"
	case HSMRestored:
		return "restored"
	case HSMReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ErrCommandFailed is returned when lfs(1) exits non-zero.
var ErrCommandFailed = errors.New("lfs: command failed")

// ErrCommandTimedOut is returned when an lfs(1) invocation exceeds its timeout.
var ErrCommandTimedOut = errors.New("lfs: command timed out")

// ErrDefaultQuotaInUse is returned by QuotaRemaining when "lfs quota" reports
// the group is using the default block quota (which an unprivileged caller
// cannot query) and no FixedQuotaKiB override was configured.
var ErrDefaultQuotaInUse = errors.New("lfs: default block quota in use and no fixed quota configured")

const (
	quotaTimeout   = 60 * time.Second
	restoreTimeout = 60 * time.Second
)

// LFS wraps the lfs(1) binary for a single quota group.
type LFS struct {
	bin          string
	quotaGroup   string
	fixedQuotaKiB *int64
}

// New locates the lfs(1) binary on PATH (or bin, if non-empty) and returns a
// wrapper scoped to quotaGroup. fixedQuotaKiB, if non-nil, overrides the
// block-quota limit reported by "lfs quota" for callers on filesystems where
// the default quota can't be queried without root.
func New(quotaGroup string, fixedQuotaKiB *int64, bin string) (*LFS, error) {
	if bin == "" {
		bin = "lfs"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "lfs: command not found")
	}
	return &LFS{bin: path, quotaGroup: quotaGroup, fixedQuotaKiB: fixedQuotaKiB}, nil
}

// run runs `lfs <args...>`, bounded by timeout (0 means no bound), and
// returns stdout. Non-zero exit and timeout are distinguishable via errors.Is.
func (l *LFS) run(timeout time.Duration, args ...string) (string, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, l.bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", pkgerrors.Wrapf(ErrCommandTimedOut, "lfs %s", strings.Join(args, " "))
	}
	if err != nil {
		return "", pkgerrors.Wrapf(ErrCommandFailed, "lfs %s: %s (stderr: %s)", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// QuotaRemaining returns the remaining block quota, in bytes, for path's
// group. Parses both the wrapped form (path printed alone on the first line
// when it's 16 characters or longer, per spec.md §4.H) and the unwrapped
// form, and honours a trailing '*' over-quota marker.
func (l *LFS) QuotaRemaining(path string) (int64, error) {
	out, err := l.run(quotaTimeout, "quota", "-q", "-g", l.quotaGroup, path)
	if err != nil {
		return 0, err
	}
	return parseQuotaRemaining(out, path, l.fixedQuotaKiB)
}

// parseQuotaRemaining implements the wrapped/unwrapped quota-output parsing
// of original_source/alpenhorn/io/lfs.py's quota_remaining, split out from
// QuotaRemaining so it can be exercised without invoking lfs(1).
func parseQuotaRemaining(out, path string, fixedQuotaKiB *int64) (int64, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 1 {
		return 0, pkgerrors.Errorf("lfs: error parsing quota output: %q", out)
	}

	switch {
	case lines[0] == path:
		lines = lines[1:]
		if len(lines) < 1 {
			return 0, pkgerrors.Errorf("lfs: error parsing quota output: %q", out)
		}
	case strings.HasPrefix(out, path):
		lines[0] = lines[0][len(path):]
	default:
		return 0, pkgerrors.Errorf("lfs: error parsing quota output: %q", out)
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 8 {
		return 0, pkgerrors.Errorf("lfs: error parsing quota output: %q", out)
	}

	for _, line := range lines[1:] {
		if strings.Contains(line, "using default block quota setting") {
			if fixedQuotaKiB == nil {
				return 0, ErrDefaultQuotaInUse
			}
		}
	}

	var limitKiB int64
	var err error
	if fixedQuotaKiB != nil {
		limitKiB = *fixedQuotaKiB
	} else {
		limitKiB, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, pkgerrors.Wrapf(err, "lfs: parsing quota limit %q", fields[1])
		}
	}

	usedKiB, err := strconv.ParseInt(strings.TrimSuffix(fields[0], "*"), 10, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "lfs: parsing quota used %q", fields[0])
	}

	return (limitKiB - usedKiB) * 1024, nil
}

// HSMStateOf returns path's HSM state, or HSMMissing if it has no disk
// presence at all.
func (l *LFS) HSMStateOf(path string) (HSMState, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return HSMMissing, nil
		}
		return 0, err
	}

	out, err := l.run(quotaTimeout, "hsm_state", path)
	if err != nil {
		return 0, err
	}
	return parseHSMState(out, path)
}

// parseHSMState implements original_source/alpenhorn/io/lfs.py's hsm_state
// output parsing, split out from HSMStateOf so it can be exercised without
// invoking lfs(1).
func parseHSMState(out, path string) (HSMState, error) {
	prefix := path + ":"
	if !strings.HasPrefix(out, prefix) {
		return 0, pkgerrors.Errorf("lfs: error parsing hsm_state output: %q", out)
	}
	rest := out[len(prefix):]

	if !strings.Contains(rest, "archived") {
		return HSMUnarchived, nil
	}
	if strings.Contains(rest, "released") {
		return HSMReleased, nil
	}
	return HSMRestored, nil
}

// HSMRestore requests RELEASED -> RESTORED for path. A no-op returning nil
// if path is already restored or unarchived; an error if path is missing.
func (l *LFS) HSMRestore(path string) error {
	state, err := l.HSMStateOf(path)
	if err != nil {
		return err
	}
	if state == HSMMissing {
		return pkgerrors.Errorf("lfs: cannot restore non-existent file: %s", path)
	}
	if state == HSMRestored || state == HSMUnarchived {
		return nil
	}
	_, err = l.run(restoreTimeout, "hsm_restore", path)
	return err
}

// HSMRelease requests RESTORED -> RELEASED for path. A no-op returning nil
// if path is already released.
func (l *LFS) HSMRelease(path string) error {
	state, err := l.HSMStateOf(path)
	if err != nil {
		return err
	}
	if state == HSMReleased {
		return nil
	}
	if state != HSMRestored {
		return pkgerrors.Errorf("lfs: cannot release file in state %s: %s", state, path)
	}
	_, err = l.run(restoreTimeout, "hsm_release", path)
	return err
}
