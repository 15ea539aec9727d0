// Package groupio implements alpenhorn's Group I/O capability set
// (spec.md §4.D): the polymorphic interface a StorageGroup's replication
// backend implements, with variants Default (direct node-to-node pulls) and
// Transport (multi-node groups). New knows only these two; any other
// io_class, LustreHSM included, is rejected.
//
// Grounded the same way as package nodeio: io_class-driven dispatch per
// original_source/alpenhorn/db/storage.py, one Go interface plus a
// constructor keyed by class name.
package groupio

import (
	"context"
	"fmt"
	"sort"

	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/nodeio"
)

// PullOutcome is the result of GroupIO.Pull/PullForce.
type PullOutcome struct {
	Started bool // a transfer was dispatched (async outcome lands via pullutil)
}

// GroupIO is alpenhorn's per-group replication capability set (spec.md §4.D).
type GroupIO interface {
	// SetNodes updates the member-node set; returning false rejects the set
	// (e.g. Transport with zero members) and the group skips update this pass.
	SetNodes(nodes []*model.StorageNode) bool
	// Exists reports whether the group already has a usable copy of file.
	Exists(ctx context.Context, file *model.File) (bool, error)
	// Pull starts (or continues) transferring req's file into this group.
	Pull(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error)
	// PullForce is Pull but instructs the backend to overwrite an existing
	// (corrupt, has_file=X) destination copy.
	PullForce(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error)
	BeforeUpdate(ctx context.Context, idle bool) (bool, error)
	IdleUpdate(ctx context.Context) error
	AfterUpdate(ctx context.Context) error
	FIFO() any
}

// New builds the GroupIO appropriate to group.IOClass.
func New(group *model.StorageGroup) (GroupIO, error) {
	switch group.IOClass {
	case "", "Default":
		return NewDefault(group), nil
	case "Transport":
		return NewTransport(group), nil
	default:
		return nil, fmt.Errorf("groupio: unknown io_class %q (extensions must register it)", group.IOClass)
	}
}

// NeedsReinstantiation mirrors nodeio.NeedsReinstantiation for groups.
func NeedsReinstantiation(old, fresh *model.StorageGroup) bool {
	if old == nil || fresh == nil {
		return true
	}
	return old.ID != fresh.ID || old.IOClass != fresh.IOClass || old.IOConfig != fresh.IOConfig
}

// Default reports a pull as started whenever the group has at least one
// member node; it chooses no destination node (no load-balancing). It's the
// baseline variant used by single-node groups.
type Default struct {
	group *model.StorageGroup
	nodes []*model.StorageNode
}

func NewDefault(group *model.StorageGroup) *Default { return &Default{group: group} }

func (d *Default) FIFO() any { return d.group.Name }

func (d *Default) SetNodes(nodes []*model.StorageNode) bool {
	d.nodes = nodes
	return len(nodes) > 0
}

func (d *Default) Exists(ctx context.Context, file *model.File) (bool, error) {
	return false, nil // the update loop consults model.Repository.StateOnNode for this
}

func (d *Default) Pull(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error) {
	return d.dispatch(ctx, req)
}

func (d *Default) PullForce(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error) {
	return d.dispatch(ctx, req)
}

func (d *Default) dispatch(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error) {
	if len(d.nodes) == 0 {
		return PullOutcome{}, fmt.Errorf("groupio: no member nodes for group %s", d.group.Name)
	}
	return PullOutcome{Started: true}, nil
}

func (d *Default) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }
func (d *Default) IdleUpdate(ctx context.Context) error                     { return nil }
func (d *Default) AfterUpdate(ctx context.Context) error                    { return nil }

// Transport is the multi-node group variant (spec.md §4.D). Pull ranks the
// member nodes by free space (pickNode) but does not return or record the
// chosen node; it only fails when the group has no members.
type Transport struct {
	group *model.StorageGroup
	nodes []*model.StorageNode
}

func NewTransport(group *model.StorageGroup) *Transport { return &Transport{group: group} }

func (t *Transport) FIFO() any { return t.group.Name }

func (t *Transport) SetNodes(nodes []*model.StorageNode) bool {
	t.nodes = nodes
	return len(nodes) > 0
}

func (t *Transport) Exists(ctx context.Context, file *model.File) (bool, error) {
	return false, nil
}

// pickNode returns the member with the most recently reported free space,
// breaking ties by name for determinism.
func (t *Transport) pickNode() (*model.StorageNode, error) {
	if len(t.nodes) == 0 {
		return nil, fmt.Errorf("groupio: transport group %s has no member nodes", t.group.Name)
	}
	best := make([]*model.StorageNode, len(t.nodes))
	copy(best, t.nodes)
	sort.Slice(best, func(i, j int) bool {
		ai, aj := avail(best[i]), avail(best[j])
		if ai != aj {
			return ai > aj
		}
		return best[i].Name < best[j].Name
	})
	return best[0], nil
}

func avail(n *model.StorageNode) float64 {
	if n.AvailGB == nil {
		return -1
	}
	return *n.AvailGB
}

func (t *Transport) Pull(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error) {
	if _, err := t.pickNode(); err != nil {
		return PullOutcome{}, err
	}
	return PullOutcome{Started: true}, nil
}

func (t *Transport) PullForce(ctx context.Context, req nodeio.PullRequest) (PullOutcome, error) {
	return t.Pull(ctx, req)
}

func (t *Transport) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }
func (t *Transport) IdleUpdate(ctx context.Context) error                      { return nil }
func (t *Transport) AfterUpdate(ctx context.Context) error                     { return nil }
