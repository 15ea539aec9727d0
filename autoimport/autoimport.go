// Package autoimport implements alpenhorn's novel-file import algorithm
// (spec.md §4.F): the per-file steps run by both the filesystem watcher
// callback and the FileImportRequest handler.
//
// Grounded on original_source/alpenhorn/daemon/auto_import.py's _import_file
// (outcome labels, acq/file/copy upsert ordering, detector-chain dispatch,
// autosync/autoclean trigger) — translated from peewee's get/create-with-
// IntegrityError-retry race handling into GORM's FirstOrCreate (see
// model.Repository.ResolveOrCreateAcquisitionFile), and from the Python
// generator's `yield 600` suspension into an explicit ErrSuspend sentinel
// the task layer interprets as a deferred requeue.
package autoimport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/radiocosmology/alpenhorn/cmn/cos"
	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/extensions"
	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/nodeio"
)

// Outcome labels recorded against a completed/aborted import, per spec.md §9.
const (
	OutcomeInvalid     = "invalid"
	OutcomeBadName     = "bad_name"
	OutcomeNoDetection = "no_detection"
	OutcomeUnregistered = "unregistered"
	OutcomeDuplicate   = "duplicate"
	OutcomeSuccess     = "success"
	OutcomeBadAcq      = "bad_acq"
	OutcomeIgnored     = "ignored"
)

// ReadyWait is how long a suspended import waits before retrying
// (spec.md §4.F step 2).
const ReadyWait = 600 * time.Second

// ErrSuspend signals the caller to requeue the import after Delay rather
// than treat it as failed.
type ErrSuspend struct{ Delay time.Duration }

func (e *ErrSuspend) Error() string { return fmt.Sprintf("autoimport: not ready, retry in %s", e.Delay) }

// ErrLocked signals the caller to drop the task without completing any
// associated request — it will be retried on a later pass (spec.md §4.F
// step 3).
var ErrLocked = errors.New("autoimport: path is locked")

// Result is the outcome of a single Import call.
type Result struct {
	Outcome string
	Copy    *model.FileCopy
}

// Importer runs the per-file import algorithm against a node's repository
// view and its registered detectors.
type Importer struct {
	repo *model.Repository
	reg  *extensions.Registry
	ms   *metrics.Set
}

func New(repo *model.Repository, reg *extensions.Registry, ms *metrics.Set) *Importer {
	return &Importer{repo: repo, reg: reg, ms: ms}
}

// Import considers relPath (already normalised relative to the node root)
// for import onto node, per spec.md §4.F steps 1-10. register controls
// whether a previously-unknown acquisition/file may be created (true for
// the watcher; taken from the FileImportRequest for direct requests and for
// the recursive scans they start).
func (im *Importer) Import(ctx context.Context, io nodeio.NodeIO, node *model.StorageNode, relPath string, register bool) (Result, error) {
	relPath = path.Clean(filepathToSlash(relPath))

	if relPath == "." || relPath == model.NodeInitSentinel {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if reason := cos.InvalidImportPath(relPath); reason != "" {
		return Result{Outcome: OutcomeInvalid}, nil
	}
	if strings.HasPrefix(path.Base(relPath), ".") {
		return Result{Outcome: OutcomeBadName}, nil
	}

	ready, err := io.ReadyPath(ctx, relPath)
	if err != nil {
		return Result{}, err
	}
	if !ready {
		return Result{}, &ErrSuspend{Delay: ReadyWait}
	}

	if io.Locked(relPath) {
		return Result{}, ErrLocked
	}

	acqName, callback, ok := im.reg.RunDetectors(relPath, node)
	if !ok {
		return Result{Outcome: OutcomeNoDetection}, nil
	}
	if reason := cos.InvalidImportPath(acqName); reason != "" {
		return Result{Outcome: OutcomeBadAcq}, nil
	}
	fileName := strings.TrimPrefix(relPath, acqName+"/")
	if fileName == relPath {
		return Result{Outcome: OutcomeBadAcq}, nil
	}

	var file *model.File
	if register {
		md5sum, err := io.MD5(ctx, relPath)
		if err != nil {
			return Result{}, err
		}
		sizeB, err := io.Filesize(ctx, relPath, true)
		if err != nil {
			return Result{}, err
		}
		file, err = im.repo.ResolveOrCreateAcquisitionFile(acqName, fileName, sizeB, md5sum)
		if err != nil {
			return Result{}, err
		}
	} else {
		f, found, err := im.repo.FindFile(acqName, fileName)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{Outcome: OutcomeUnregistered}, nil
		}
		file = f
	}

	tracked, err := im.repo.CopyTracked(file.ID, node.ID)
	if err != nil {
		return Result{}, err
	}
	if tracked {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	copy, err := im.repo.AcquireOrCreateCopy(file.ID, node.ID)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateTracked) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{}, err
	}

	if callback != nil {
		if err := callback(file); err != nil {
			return Result{}, err
		}
	}

	if err := im.RunAutoactions(node, file); err != nil {
		return Result{}, err
	}

	return Result{Outcome: OutcomeSuccess, Copy: copy}, nil
}

// RunAutoactions runs spec.md §4.F step 10: autosync (create a pull request
// into every outbound-edge target group lacking a good copy already) and
// autoclean (mark the corresponding source copy unwanted for every inbound
// edge with autoclean=true). Self-loops are excluded by the repository
// queries themselves.
func (im *Importer) RunAutoactions(node *model.StorageNode, file *model.File) error {
	actions, err := im.repo.TransferActionsFrom(node.ID)
	if err != nil {
		return err
	}
	for _, action := range actions {
		if !action.Autosync {
			continue
		}
		good, err := im.repo.GroupHasGoodCopy(file.ID, action.GroupToID)
		if err != nil {
			return err
		}
		if good {
			continue
		}
		if _, err := im.repo.CreateCopyRequest(file.ID, node.ID, action.GroupToID); err != nil {
			return err
		}
	}

	inbound, err := im.repo.InboundAutoclean(node.ID)
	if err != nil {
		return err
	}
	for _, action := range inbound {
		fc, found, err := im.repo.FileCopyByFileNode(file.ID, action.NodeID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := im.repo.SetWantsFile(fc.ID, model.WantsFileNo); err != nil {
			return err
		}
	}
	return nil
}

// CompleteRequest completes req and records the requests_completed metric
// on the transition, mirroring import_request_done's update-returns-
// rowcount idiom (only the caller that actually flips completed=false->true
// records the metric).
func (im *Importer) CompleteRequest(req *model.FileImportRequest, node *model.StorageNode, group string, outcome string) error {
	completed, err := im.repo.CompleteImportRequest(req.ID)
	if err != nil || !completed {
		return err
	}
	if im.ms != nil {
		im.ms.RequestsCompleted.WithLabelValues("import", outcome, node.Name, group).Inc()
	}
	return nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
