// Package pullutil applies the outcome of a completed (or failed) pull
// attempt to the data index (spec.md §4.G): the four-way branch on
// success/MD5-match that either marks the source suspect or upserts the
// destination copy, plus the Prometheus counters and autosync/autoclean
// trigger that follow a successful pull.
//
// Grounded on original_source/alpenhorn/daemon/pullutil.py's
// copy_request_done: the size-as-callable and md5ok-as-bool-or-string
// parameters are carried over as the Size/MD5Check option types below,
// since Go has no duck-typed union parameter.
package pullutil

import (
	"context"
	"time"

	"github.com/radiocosmology/alpenhorn/autoimport"
	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/model"
)

// Result-label constants recorded against the "transfers" metric.
const (
	ResultFailure   = "failure"
	ResultCheckSrc  = "check_src"
	ResultIntegrity = "integrity"
	ResultSuccess   = "success"
)

// Size supplies the destination copy's size_b, either as a value already in
// hand or as a callback computed only when the transfer actually succeeds
// (avoiding a stat() on the failure path).
type Size struct {
	fixed   *int64
	compute func(ctx context.Context) (int64, error)
}

func FixedSize(n int64) Size { return Size{fixed: &n} }

func ComputedSize(f func(ctx context.Context) (int64, error)) Size {
	return Size{compute: f}
}

func (s Size) resolve(ctx context.Context) (int64, error) {
	if s.fixed != nil {
		return *s.fixed, nil
	}
	if s.compute != nil {
		return s.compute(ctx)
	}
	return 0, nil
}

// MD5Check is either a precomputed verdict or a digest to compare against
// the File's stored MD5.
type MD5Check struct {
	ok  *bool
	sum string
}

func MD5OK(ok bool) MD5Check   { return MD5Check{ok: &ok} }
func MD5Sum(sum string) MD5Check { return MD5Check{sum: sum} }

func (m MD5Check) matches(fileMD5 string) bool {
	if m.ok != nil {
		return *m.ok
	}
	return m.sum == fileMD5
}

// Outcome is the result of CompletePull.
type Outcome struct {
	Success bool
	Result  string
}

// CompletePull implements spec.md §4.G's finalisation branches. req.File and
// req.NodeFrom must already be preloaded (model.Repository.OpenCopyRequestsTo
// does this). groupToName is the display name of req.GroupTo, passed
// separately since FileCopyRequest doesn't preload it. im, if non-nil, runs
// the post-success autosync/autoclean pass with nodeTo as the new origin.
func CompletePull(
	ctx context.Context,
	repo *model.Repository,
	im *autoimport.Importer,
	ms *metrics.Set,
	req *model.FileCopyRequest,
	nodeTo *model.StorageNode,
	groupToName string,
	transferOK bool,
	md5 MD5Check,
	size Size,
	checkSrc bool,
	started, completed time.Time,
) (Outcome, error) {
	nodeFromName := req.NodeFrom.Name

	if !transferOK {
		result := ResultFailure
		if checkSrc {
			if err := repo.MarkSuspect(req.FileID, req.NodeFromID); err != nil {
				return Outcome{}, err
			}
			result = ResultCheckSrc
		}
		countTransfer(ms, result, nodeFromName, groupToName)
		return Outcome{Success: false, Result: result}, nil
	}

	if !md5.matches(req.File.MD5) {
		if err := repo.MarkSuspect(req.FileID, req.NodeFromID); err != nil {
			return Outcome{}, err
		}
		countTransfer(ms, ResultIntegrity, nodeFromName, groupToName)
		return Outcome{Success: false, Result: ResultIntegrity}, nil
	}

	sizeB, err := size.resolve(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := repo.UpsertFileCopy(req.FileID, nodeTo.ID, model.HasFileYes, model.WantsFileYes, true, &sizeB); err != nil {
		return Outcome{}, err
	}
	if err := repo.CompleteCopyRequest(req.ID, started, completed); err != nil {
		return Outcome{}, err
	}

	if ms != nil {
		ms.RequestsCompleted.WithLabelValues("copy", ResultSuccess, nodeFromName, groupToName).Inc()
		ms.PulledBytes.WithLabelValues(nodeFromName, groupToName).Add(float64(sizeB))
	}
	countTransfer(ms, ResultSuccess, nodeFromName, groupToName)

	if im != nil {
		if err := im.RunAutoactions(nodeTo, &req.File); err != nil {
			return Outcome{}, err
		}
	}

	return Outcome{Success: true, Result: ResultSuccess}, nil
}

func countTransfer(ms *metrics.Set, result, nodeFrom, groupTo string) {
	if ms == nil {
		return
	}
	ms.Transfers.WithLabelValues(result, nodeFrom, groupTo).Inc()
}
