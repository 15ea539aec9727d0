// Package update implements alpenhorn's per-host update loop (spec.md §4.E):
// the single iteration that refreshes the node/group wrappers, queries free
// space, dispatches per-node and per-group tasks onto the worker queue, and
// runs the idle-only auto-verify pass.
//
// Grounded on original_source/alpenhorn/daemon/update.py's UpdateableNode /
// UpdateableGroup reconciliation loop, translated into an explicit Loop
// struct holding the two name/id-indexed maps the original keeps as module
// state, since Go has no bare-module-level-dict idiom for long-lived daemon
// state.
package update

import (
	"context"
	"errors"
	"time"

	"github.com/radiocosmology/alpenhorn/autoimport"
	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/cmn/nlog"
	"github.com/radiocosmology/alpenhorn/extensions"
	"github.com/radiocosmology/alpenhorn/groupio"
	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/nodeio"
	"github.com/radiocosmology/alpenhorn/queue"
	"github.com/radiocosmology/alpenhorn/task"
)

// deleteBatchSize is how many FileCopy deletions are dispatched to I/O per
// I/O call, per spec.md §4.E step 4b.
const deleteBatchSize = 10

// NodeState is the update loop's reconciled view of one StorageNode.
type NodeState struct {
	Node *model.StorageNode
	IO   nodeio.NodeIO
	Idle bool

	// lastWroteCheckedAt and skewCount back the update-skew guard (spec.md
	// §5): lastWroteCheckedAt is the avail_gb_last_checked value this loop
	// itself wrote on its last UpdateFreeSpace pass; skewCount counts
	// consecutive passes where the row's value on refresh doesn't match it,
	// meaning some other process wrote it in between.
	lastWroteCheckedAt *time.Time
	skewCount          int
}

// GroupState is the update loop's reconciled view of one StorageGroup.
type GroupState struct {
	Group   *model.StorageGroup
	IO      groupio.GroupIO
	Members []*NodeState
	Idle    bool
}

// Loop holds the per-host update loop's state across iterations: the
// reconciled node/group wrapper maps, and the collaborators each iteration
// dispatches work to.
type Loop struct {
	Repo *model.Repository
	Reg  *extensions.Registry
	Q    *queue.Queue
	Im   *autoimport.Importer
	MS   *metrics.Set
	Host string

	AutoVerifyMinDays float64

	// UpdateSkewThreshold is the number of consecutive loops tolerated
	// before ErrUpdateSkew fires for a node (spec.md §5); 0 disables the
	// guard entirely.
	UpdateSkewThreshold int

	nodes  map[uint]*NodeState
	groups map[uint]*GroupState
}

func NewLoop(repo *model.Repository, reg *extensions.Registry, q *queue.Queue, im *autoimport.Importer, ms *metrics.Set, host string) *Loop {
	return &Loop{
		Repo: repo, Reg: reg, Q: q, Im: im, MS: ms, Host: host,
		AutoVerifyMinDays:   7,
		UpdateSkewThreshold: 4,
		nodes:               map[uint]*NodeState{},
		groups:              map[uint]*GroupState{},
	}
}

// ErrUpdateSkew is returned by RunOnce when some other process has been
// observed writing a node's avail_gb_last_checked field on
// UpdateSkewThreshold consecutive loops — the "two daemons managing the
// same node" misconfiguration spec.md §5 guards against.
type ErrUpdateSkew struct {
	Node string
}

func (e *ErrUpdateSkew) Error() string {
	return "update: detected concurrent writer to node " + e.Node + "'s avail_gb_last_checked"
}

// Nodes returns the currently reconciled node set, for tests and housekeeping.
func (l *Loop) Nodes() map[uint]*NodeState { return l.nodes }

// Groups returns the currently reconciled group set.
func (l *Loop) Groups() map[uint]*GroupState { return l.groups }

// RefreshNodes implements spec.md §4.E step 1.
func (l *Loop) RefreshNodes(ctx context.Context) error {
	fresh, err := l.Repo.ActiveNodesOnHost(l.Host)
	if err != nil {
		return err
	}

	seen := make(map[uint]bool, len(fresh))
	for i := range fresh {
		n := fresh[i]
		seen[n.ID] = true

		ns, exists := l.nodes[n.ID]
		switch {
		case !exists:
			io, err := nodeio.New(&n)
			if err != nil {
				nlog.Warningf("update: node %s: %v", n.Name, err)
				continue
			}
			ns = &NodeState{Node: &n, IO: io}
			l.nodes[n.ID] = ns
		case nodeio.NeedsReinstantiation(ns.Node, &n):
			io, err := nodeio.New(&n)
			if err != nil {
				nlog.Warningf("update: node %s: %v", n.Name, err)
				delete(l.nodes, n.ID)
				continue
			}
			ns.IO, ns.Node = io, &n
		default:
			ns.IO.SetStorage(&n)
			ns.Node = &n
		}
		l.checkSkew(ns)

		initialised, err := ns.IO.CheckInit(ctx)
		if err != nil {
			return err
		}
		if initialised {
			continue
		}

		req, found, err := l.Repo.PendingInitRequest(n.ID)
		if err != nil {
			return err
		}
		if found {
			l.enqueueInit(ns, req)
		}
		// Either way, this node isn't usable this pass.
		delete(l.nodes, n.ID)
		seen[n.ID] = false
	}

	for id := range l.nodes {
		if !seen[id] {
			delete(l.nodes, id)
		}
	}
	return nil
}

func (l *Loop) enqueueInit(ns *NodeState, req *model.FileImportRequest) {
	step := func(t *task.Task) (bool, time.Duration, error) {
		if err := ns.IO.Init(context.Background()); err != nil {
			return false, 0, err
		}
		if _, err := l.Repo.CompleteImportRequest(req.ID); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}
	task.New("init node "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), true, false)
}

// RefreshGroups implements spec.md §4.E step 2: partition the reconciled
// nodes by group, reinstantiate group wrappers as needed, and drop any
// group whose SetNodes rejects the current member set.
func (l *Loop) RefreshGroups(ctx context.Context) error {
	byGroup := map[uint][]*NodeState{}
	groupRows := map[uint]*model.StorageGroup{}
	for _, ns := range l.nodes {
		g := ns.Node.Group
		groupRows[g.ID] = &g
		byGroup[g.ID] = append(byGroup[g.ID], ns)
	}

	seen := make(map[uint]bool, len(groupRows))
	for id, g := range groupRows {
		seen[id] = true
		gs, exists := l.groups[id]
		if !exists || groupio.NeedsReinstantiation(gs.Group, g) {
			io, err := groupio.New(g)
			if err != nil {
				nlog.Warningf("update: group %s: %v", g.Name, err)
				delete(l.groups, id)
				continue
			}
			gs = &GroupState{Group: g, IO: io}
			l.groups[id] = gs
		} else {
			gs.Group = g
		}

		gs.Members = byGroup[id]
		idle := true
		for _, ns := range gs.Members {
			if !ns.Idle {
				idle = false
			}
		}
		gs.Idle = idle

		if !gs.IO.SetNodes(nodesOf(gs.Members)) {
			delete(l.groups, id)
		}
	}
	for id := range l.groups {
		if !seen[id] {
			delete(l.groups, id)
		}
	}
	return nil
}

// checkSkew updates ns.skewCount per spec.md §5's update-skew guard: if
// avail_gb_last_checked differs from the value this loop itself last wrote,
// some other process touched it in between.
func (l *Loop) checkSkew(ns *NodeState) {
	if l.UpdateSkewThreshold <= 0 {
		return
	}
	want := ns.lastWroteCheckedAt
	if want == nil {
		return
	}
	got := ns.Node.AvailGBLastChecked
	if got == nil || !got.Equal(*want) {
		ns.skewCount++
	} else {
		ns.skewCount = 0
	}
}

// skewViolation returns the first node whose skewCount has reached
// UpdateSkewThreshold, or nil if none has.
func (l *Loop) skewViolation() *ErrUpdateSkew {
	if l.UpdateSkewThreshold <= 0 {
		return nil
	}
	for _, ns := range l.nodes {
		if ns.skewCount >= l.UpdateSkewThreshold {
			return &ErrUpdateSkew{Node: ns.Node.Name}
		}
	}
	return nil
}

func nodesOf(states []*NodeState) []*model.StorageNode {
	out := make([]*model.StorageNode, len(states))
	for i, ns := range states {
		out[i] = ns.Node
	}
	return out
}

// UpdateFreeSpace implements spec.md §4.E step 3.
func (l *Loop) UpdateFreeSpace(ctx context.Context) error {
	for _, ns := range l.nodes {
		avail, err := ns.IO.BytesAvail(ctx, false)
		if err != nil {
			nlog.Warningf("update: bytes_avail on %s: %v", ns.Node.Name, err)
			continue
		}
		availGB := float64(avail) / (1 << 30)
		ns.Node.AvailGB = &availGB
		checkedAt := time.Now().UTC()
		if err := l.Repo.UpdateNodeAvail(ns.Node.ID, availGB, checkedAt); err != nil {
			return err
		}
		ns.Node.AvailGBLastChecked = &checkedAt
		ns.lastWroteCheckedAt = &checkedAt
		if l.MS != nil {
			l.MS.NodeAvailable.WithLabelValues(ns.Node.Name).Set(availGB)
		}
	}
	return nil
}

// UpdateNode implements spec.md §4.E step 4 for one node: integrity checks,
// deletion, imports, and pull readiness. It only does anything if the node
// was idle at the start of the loop and its BeforeUpdate gate returns true.
func (l *Loop) UpdateNode(ctx context.Context, ns *NodeState) error {
	if !ns.Idle {
		return nil
	}
	proceed, err := ns.IO.BeforeUpdate(ctx, ns.Idle)
	if err != nil || !proceed {
		return err
	}

	if err := l.integrityChecks(ns); err != nil {
		return err
	}
	if err := l.deletions(ns); err != nil {
		return err
	}
	if err := l.imports(ns); err != nil {
		return err
	}
	return l.pullReadiness(ns)
}

func (l *Loop) integrityChecks(ns *NodeState) error {
	copies, err := l.Repo.NeedsCheck(ns.Node.ID)
	if err != nil {
		return err
	}
	for i := range copies {
		fc := copies[i]
		step := func(t *task.Task) (bool, time.Duration, error) {
			ref := nodeio.CopyRef{CopyID: fc.ID, RelPath: fc.File.Name, MD5: fc.File.MD5}
			if fc.SizeB != nil {
				ref.SizeB = *fc.SizeB
			}
			res, err := ns.IO.Check(context.Background(), ref)
			if err != nil {
				return false, 0, err
			}
			if res.Good {
				_, err := l.Repo.UpsertFileCopy(fc.FileID, fc.NodeID, model.HasFileYes, fc.WantsFile, true, fc.SizeB)
				return true, 0, err
			}
			if res.Missing {
				return true, 0, l.Repo.MarkDeleted(fc.ID)
			}
			return true, 0, l.Repo.MarkCorrupt(fc.ID)
		}
		task.New("check copy on "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), false, false)
	}
	return nil
}

func (l *Loop) deletions(ns *NodeState) error {
	forced := ns.Node.UnderMin() && !ns.Node.Archive()
	candidates, err := l.Repo.DeletionCandidates(ns.Node.ID, forced)
	if err != nil {
		return err
	}
	for start := 0; start < len(candidates); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		step := func(t *task.Task) (bool, time.Duration, error) {
			refs := make([]nodeio.CopyRef, len(batch))
			for i, fc := range batch {
				refs[i] = nodeio.CopyRef{CopyID: fc.ID, RelPath: fc.File.Name}
			}
			if err := ns.IO.Delete(context.Background(), refs); err != nil {
				return false, 0, err
			}
			for _, fc := range batch {
				if err := l.Repo.MarkDeleted(fc.ID); err != nil {
					return false, 0, err
				}
			}
			return true, 0, nil
		}
		task.New("delete batch on "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), false, false)
	}
	return nil
}

func (l *Loop) imports(ns *NodeState) error {
	reqs, err := l.Repo.PendingImportRequests(ns.Node.ID)
	if err != nil {
		return err
	}
	for i := range reqs {
		req := reqs[i]

		if len(req.Path) > 0 && req.Path[0] == '/' {
			if err := l.Im.CompleteRequest(&req, ns.Node, ns.Node.Group.Name, autoimport.OutcomeInvalid); err != nil {
				return err
			}
			continue
		}

		if req.Recurse {
			l.enqueueScan(ns, req)
			continue
		}
		l.enqueueImport(ns, &req, req.Path, req.Register)
	}
	return nil
}

// enqueueImport queues one file's import. req is non-nil for a direct
// (non-scan) import request, whose completion/outcome metric is recorded;
// files discovered by a subtree scan pass req=nil, matching the original's
// "no request to complete for scan-discovered files" behaviour.
func (l *Loop) enqueueImport(ns *NodeState, req *model.FileImportRequest, path string, register bool) {
	step := func(t *task.Task) (bool, time.Duration, error) {
		res, err := l.Im.Import(context.Background(), ns.IO, ns.Node, path, register)
		if err != nil {
			if suspend, ok := err.(*autoimport.ErrSuspend); ok {
				return false, suspend.Delay, nil
			}
			if errors.Is(err, autoimport.ErrLocked) {
				return true, 0, nil
			}
			return false, 0, err
		}
		if req == nil {
			return true, 0, nil
		}
		return true, 0, l.Im.CompleteRequest(req, ns.Node, ns.Node.Group.Name, res.Outcome)
	}
	task.New("import "+path+" on "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), false, true)
}

// NotifyWatch queues an import for a single file reported by a fswatch
// watcher on nodeID, the bridge between the daemon's filesystem-watch
// boundary and the update loop's single-threaded task dispatch (spec.md
// §4.F). It is a no-op if nodeID isn't currently reconciled (the watcher
// outran RefreshNodes, or the node has since been dropped).
func (l *Loop) NotifyWatch(nodeID uint, relPath string) {
	ns, ok := l.nodes[nodeID]
	if !ok {
		return
	}
	l.enqueueImport(ns, nil, relPath, true)
}

// enqueueScan implements spec.md §4.F's scan mode: recurse req.Path,
// fetching the node's already-tracked relative paths once and skipping
// them, importing everything else.
func (l *Loop) enqueueScan(ns *NodeState, req model.FileImportRequest) {
	step := func(t *task.Task) (bool, time.Duration, error) {
		ctx := context.Background()
		tracked, err := l.Repo.TrackedRelPaths(ns.Node.ID)
		if err != nil {
			return false, 0, err
		}
		paths, err := ns.IO.Walk(ctx, req.Path)
		if err != nil {
			return false, 0, err
		}
		for _, p := range paths {
			if tracked[p] {
				continue
			}
			l.enqueueImport(ns, nil, p, req.Register)
		}
		return true, 0, l.Im.CompleteRequest(&req, ns.Node, ns.Node.Group.Name, autoimport.OutcomeSuccess)
	}
	task.New("scan "+req.Path+" on "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), false, true)
}

func (l *Loop) pullReadiness(ns *NodeState) error {
	reqs, err := l.Repo.OpenCopyRequestsFrom(ns.Node.ID)
	if err != nil {
		return err
	}
	for i := range reqs {
		req := reqs[i]
		state, found, err := l.Repo.CopyState(req.FileID, ns.Node.ID)
		if err != nil {
			return err
		}
		if !found || state != model.HasFileYes {
			continue
		}
		step := func(t *task.Task) (bool, time.Duration, error) {
			ready, err := ns.IO.ReadyPull(context.Background(), nodeio.PullRequest{
				RequestID: req.ID, RelPath: req.File.Name, SizeB: req.File.SizeB, MD5: req.File.MD5,
			})
			if err != nil {
				return false, 0, err
			}
			return ready, 0, nil
		}
		task.New("ready_pull "+req.File.Name+" from "+ns.Node.Name, step, l.Q, ns.IO.FIFO(), false, false)
	}
	return nil
}

// UpdateGroup implements spec.md §4.E step 5: dispatch pending copy
// requests targeting an idle group, deduplicating by file so two requests
// for the same file never race each other.
func (l *Loop) UpdateGroup(ctx context.Context, gs *GroupState) error {
	if !gs.Idle {
		return nil
	}
	proceed, err := gs.IO.BeforeUpdate(ctx, gs.Idle)
	if err != nil || !proceed {
		return err
	}

	reqs, err := l.Repo.OpenCopyRequestsTo(gs.Group.ID)
	if err != nil {
		return err
	}

	seenFile := map[uint]bool{}
	for i := range reqs {
		req := reqs[i]
		if seenFile[req.FileID] {
			continue
		}
		seenFile[req.FileID] = true

		good, err := l.Repo.GroupHasGoodCopy(req.FileID, gs.Group.ID)
		if err != nil {
			return err
		}
		if good {
			if err := l.Repo.CancelCopyRequest(req.ID); err != nil {
				return err
			}
			continue
		}

		srcState, found, err := l.Repo.CopyState(req.FileID, req.NodeFromID)
		if err != nil {
			return err
		}
		if !req.NodeFrom.Active || !found || srcState == model.HasFileNo {
			if err := l.Repo.CancelCopyRequest(req.ID); err != nil {
				return err
			}
			continue
		}
		if srcState == model.HasFileMaybe {
			continue
		}

		ready, err := readyPull(ctx, l.nodes, req)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}

		force := srcState == model.HasFileCorrupt
		l.dispatchPull(gs, req, force)
	}
	return nil
}

func readyPull(ctx context.Context, nodes map[uint]*NodeState, req model.FileCopyRequest) (bool, error) {
	src, ok := nodes[req.NodeFromID]
	if !ok {
		return false, nil
	}
	return src.IO.ReadyPull(ctx, nodeio.PullRequest{
		RequestID: req.ID, RelPath: req.File.Name, SizeB: req.File.SizeB, MD5: req.File.MD5,
	})
}

func (l *Loop) dispatchPull(gs *GroupState, req model.FileCopyRequest, force bool) {
	step := func(t *task.Task) (bool, time.Duration, error) {
		preq := nodeio.PullRequest{RequestID: req.ID, RelPath: req.File.Name, SizeB: req.File.SizeB, MD5: req.File.MD5}
		var err error
		if force {
			_, err = gs.IO.PullForce(context.Background(), preq)
		} else {
			_, err = gs.IO.Pull(context.Background(), preq)
		}
		return true, 0, err
	}
	task.New("pull "+req.File.Name+" into "+gs.Group.Name, step, l.Q, gs.IO.FIFO(), false, false)
}

// IdlePass implements spec.md §4.E step 6 for one node: idle_update plus
// auto-verify.
func (l *Loop) IdlePass(ctx context.Context, ns *NodeState, firstIdle bool) error {
	if err := ns.IO.IdleUpdate(ctx, firstIdle); err != nil {
		return err
	}
	if ns.Node.AutoVerify <= 0 {
		return nil
	}
	walker, err := l.Repo.NewQueryWalker(ns.Node.ID, model.AutoVerifyFilter)
	if errors.Is(err, model.ErrNoMatch) {
		return nil
	}
	if err != nil {
		return err
	}
	items, err := walker.Get(ns.Node.AutoVerify)
	if errors.Is(err, model.ErrNoMatch) {
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, fc := range items {
		age := now.Sub(fc.LastUpdate)
		if age.Hours() >= l.AutoVerifyMinDays*24 {
			if err := l.Repo.MarkSuspect(fc.FileID, fc.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshIdleness snapshots each reconciled node's idleness (no queued or
// in-progress work on its FIFO) before this pass's own dispatches run,
// matching the original's "idle at loop start" gate (spec.md §4.E step 4).
func (l *Loop) refreshIdleness() {
	for _, ns := range l.nodes {
		ns.Idle = l.Q.FifoSize(ns.IO.FIFO()) == 0
	}
}

// RunOnce runs a single pass of the update loop, spec.md §4.E steps 1-6 in
// order. Step 7 (housekeeping: worker respawn, serial I/O drain, interval
// sleep) is the caller's responsibility, since it depends on the worker
// pool and configured interval that this package doesn't own.
func (l *Loop) RunOnce(ctx context.Context) error {
	if err := l.RefreshNodes(ctx); err != nil {
		return err
	}
	if skew := l.skewViolation(); skew != nil {
		return skew
	}
	l.refreshIdleness()
	if err := l.RefreshGroups(ctx); err != nil {
		return err
	}
	if err := l.UpdateFreeSpace(ctx); err != nil {
		return err
	}
	for _, ns := range l.nodes {
		wasIdle := ns.Idle
		if err := l.UpdateNode(ctx, ns); err != nil {
			return err
		}
		if wasIdle {
			if err := l.IdlePass(ctx, ns, true); err != nil {
				return err
			}
		}
		if err := ns.IO.AfterUpdate(ctx); err != nil {
			return err
		}
	}
	for _, gs := range l.groups {
		if err := l.UpdateGroup(ctx, gs); err != nil {
			return err
		}
		if gs.Idle {
			if err := gs.IO.IdleUpdate(ctx); err != nil {
				return err
			}
		}
		if err := gs.IO.AfterUpdate(ctx); err != nil {
			return err
		}
	}
	return nil
}
