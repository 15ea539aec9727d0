package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the query surface the update loop, auto-import, and
// pull-finalisation packages use — grounded on original_source/alpenhorn/db's
// module-level query helpers (acquisition.py/archive.py/storage.py), each
// translated into a method here instead of a free function, since Go has no
// ORM-model-as-namespace idiom.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository { return &Repository{db: db} }

// GroupState is the (state, node) pair returned by StateOnNode: the highest
// priority has_file value across a File's copies within a group, and which
// node holds it (the lowest-id node at that priority, for determinism).
type GroupState struct {
	State HasFile
	Node  *StorageNode
}

// StateOnNode computes spec.md §3/§8's group-state derivation: priority
// Y > M > X > N across every FileCopy of fileID within groupID.
func (r *Repository) StateOnNode(fileID, groupID uint) (GroupState, error) {
	var copies []FileCopy
	err := r.db.
		Joins("JOIN storage_nodes ON storage_nodes.id = file_copies.node_id").
		Where("file_copies.file_id = ? AND storage_nodes.group_id = ?", fileID, groupID).
		Order("file_copies.node_id ASC").
		Preload("Node").
		Find(&copies).Error
	if err != nil {
		return GroupState{}, err
	}
	for _, want := range []HasFile{HasFileYes, HasFileMaybe, HasFileCorrupt} {
		for i := range copies {
			if copies[i].HasFile == want {
				node := copies[i].Node
				return GroupState{State: want, Node: &node}, nil
			}
		}
	}
	return GroupState{State: HasFileNo, Node: nil}, nil
}

// UpsertFileCopy implements the lazy-create/persist-after-delete lifecycle
// (spec.md §3): create the row if absent, else update in place. Never
// deletes the row itself — deletion only ever sets has_file=N (see
// MarkDeleted).
func (r *Repository) UpsertFileCopy(fileID, nodeID uint, has HasFile, wants WantsFile, ready bool, sizeB *int64) (*FileCopy, error) {
	var fc FileCopy
	err := r.db.Where(FileCopy{FileID: fileID, NodeID: nodeID}).
		Attrs(FileCopy{HasFile: HasFileNo, WantsFile: WantsFileYes}).
		FirstOrCreate(&fc).Error
	if err != nil {
		return nil, err
	}
	fc.HasFile = has
	fc.WantsFile = wants
	fc.Ready = ready
	fc.SizeB = sizeB
	fc.LastUpdate = time.Now().UTC()
	if err := r.db.Save(&fc).Error; err != nil {
		return nil, err
	}
	return &fc, nil
}

// MarkDeleted records a deletion: has_file=N, preserving the row for history
// (spec.md §3's "persists with has_file=N after deletion").
func (r *Repository) MarkDeleted(copyID uint) error {
	return r.db.Model(&FileCopy{}).Where("id = ?", copyID).
		Updates(map[string]any{"has_file": HasFileNo, "last_update": time.Now().UTC()}).Error
}

// MarkCorrupt records a failed integrity check: has_file=X, preserving the
// row (spec.md §7 scenario S4 — an MD5 mismatch on a present file, distinct
// from MarkDeleted's has_file=N for a file that's simply gone).
func (r *Repository) MarkCorrupt(copyID uint) error {
	return r.db.Model(&FileCopy{}).Where("id = ?", copyID).
		Updates(map[string]any{"has_file": HasFileCorrupt, "last_update": time.Now().UTC()}).Error
}

// HasOpenRequestAsSource reports whether nodeID is the source (node_from) of
// any non-completed, non-cancelled FileCopyRequest for fileID — the delete-safety guard
// of spec.md §4.E step "Deletion" / Testable Property S5.
func (r *Repository) HasOpenRequestAsSource(nodeID, fileID uint) (bool, error) {
	var n int64
	err := r.db.Model(&FileCopyRequest{}).
		Where("node_from_id = ? AND file_id = ? AND completed = ? AND cancelled = ?", nodeID, fileID, false, false).
		Count(&n).Error
	return n > 0, err
}

// DeletionCandidates returns FileCopy rows eligible for deletion on nodeID,
// per spec.md §4.E step "Deletion": if forced (node is under_min and not
// archive), candidates are wants_file in {M, N}; otherwise only wants_file=N.
// Rows that are the source of an open FileCopyRequest are excluded. Ordered
// by id, ascending, matching the original's FIFO-ish eviction order.
func (r *Repository) DeletionCandidates(nodeID uint, forced bool) ([]FileCopy, error) {
	q := r.db.Preload("File").Where("node_id = ?", nodeID).Order("id ASC")
	if forced {
		q = q.Where("wants_file IN ?", []WantsFile{WantsFileMaybe, WantsFileNo})
	} else {
		q = q.Where("wants_file = ?", WantsFileNo)
	}
	var all []FileCopy
	if err := q.Find(&all).Error; err != nil {
		return nil, err
	}
	out := all[:0]
	for _, fc := range all {
		open, err := r.HasOpenRequestAsSource(fc.NodeID, fc.FileID)
		if err != nil {
			return nil, err
		}
		if !open {
			out = append(out, fc)
		}
	}
	return out, nil
}

// NeedsCheck returns FileCopy rows on nodeID with has_file=M, wants_file != N
// — spec.md §4.E step "Integrity checks".
func (r *Repository) NeedsCheck(nodeID uint) ([]FileCopy, error) {
	var copies []FileCopy
	err := r.db.Preload("File").Where("node_id = ? AND has_file = ? AND wants_file != ?", nodeID, HasFileMaybe, WantsFileNo).
		Find(&copies).Error
	return copies, err
}

// ErrDuplicateTracked is returned by AcquireOrCreateCopy when a copy is
// already tracked with has_file != N, signalling the caller (auto-import) to
// mark the request duplicate and stop (spec.md §4.F step 6).
var ErrDuplicateTracked = errors.New("model: file copy already tracked")

// AcquireOrCreateCopy implements spec.md §4.F steps 6-8: the novel-import
// upsert, including the "resurrect a missing-but-wanted copy as suspect"
// special case.
func (r *Repository) AcquireOrCreateCopy(fileID, nodeID uint) (*FileCopy, error) {
	var fc FileCopy
	res := r.db.Where(FileCopy{FileID: fileID, NodeID: nodeID}).
		Attrs(FileCopy{HasFile: HasFileNo, WantsFile: WantsFileYes}).
		FirstOrCreate(&fc)
	if res.Error != nil {
		return nil, res.Error
	}
	created := res.RowsAffected > 0 // FirstOrCreate reports 0 rows when it found an existing row
	if fc.HasFile != HasFileNo {
		return &fc, ErrDuplicateTracked
	}
	if !created && fc.WantsFile == WantsFileYes {
		fc.HasFile = HasFileMaybe // resurrect as suspect; a check will confirm
	} else {
		fc.HasFile = HasFileYes
		fc.WantsFile = WantsFileYes
	}
	fc.Ready = fc.HasFile == HasFileYes
	fc.LastUpdate = time.Now().UTC()
	if err := r.db.Save(&fc).Error; err != nil {
		return nil, err
	}
	return &fc, nil
}

// TransferActionsFrom returns the outbound StorageTransferAction edges of
// nodeID, excluding self-loops (edges whose GroupToID equals the node's own
// group), per spec.md §4.F step 10.
func (r *Repository) TransferActionsFrom(nodeID uint) ([]StorageTransferAction, error) {
	var node StorageNode
	if err := r.db.First(&node, nodeID).Error; err != nil {
		return nil, err
	}
	var actions []StorageTransferAction
	err := r.db.Where("node_id = ? AND group_to_id != ?", nodeID, node.GroupID).Find(&actions).Error
	return actions, err
}

// GroupHasGoodCopy reports whether any node in groupID already has a good
// (has_file=Y) copy of fileID — used to decide whether an autosync edge
// needs a new FileCopyRequest.
func (r *Repository) GroupHasGoodCopy(fileID, groupID uint) (bool, error) {
	state, err := r.StateOnNode(fileID, groupID)
	if err != nil {
		return false, err
	}
	return state.State == HasFileYes, nil
}

// CreateCopyRequest creates a new, open FileCopyRequest.
func (r *Repository) CreateCopyRequest(fileID, nodeFromID, groupToID uint) (*FileCopyRequest, error) {
	req := &FileCopyRequest{
		FileID: fileID, NodeFromID: nodeFromID, GroupToID: groupToID,
		Timestamp: time.Now().UTC(),
	}
	if err := r.db.Create(req).Error; err != nil {
		return nil, err
	}
	return req, nil
}

// OpenCopyRequestsTo returns the open FileCopyRequests targeting groupID.
func (r *Repository) OpenCopyRequestsTo(groupID uint) ([]FileCopyRequest, error) {
	var reqs []FileCopyRequest
	err := r.db.Where("group_to_id = ? AND completed = ? AND cancelled = ?", groupID, false, false).
		Preload("File").Preload("NodeFrom").
		Find(&reqs).Error
	return reqs, err
}

// CompleteCopyRequest marks a request completed and stamps transfer times.
func (r *Repository) CompleteCopyRequest(reqID uint, started, completed time.Time) error {
	return r.db.Model(&FileCopyRequest{}).Where("id = ?", reqID).
		Updates(map[string]any{
			"completed":          true,
			"transfer_started":   started,
			"transfer_completed": completed,
		}).Error
}

// InboundAutoclean returns the inbound StorageTransferAction edges of nodeID
// (edges where this node is the group_to's member) with autoclean=true,
// excluding self-loops (edges from a node of this node's own group) — the
// other half of spec.md §4.F step 10.
func (r *Repository) InboundAutoclean(nodeID uint) ([]StorageTransferAction, error) {
	var node StorageNode
	if err := r.db.First(&node, nodeID).Error; err != nil {
		return nil, err
	}
	var actions []StorageTransferAction
	err := r.db.Where("group_to_id = ? AND autoclean = ?", node.GroupID, true).
		Where("node_id NOT IN (?)", r.db.Model(&StorageNode{}).Select("id").Where("group_id = ?", node.GroupID)).
		Find(&actions).Error
	return actions, err
}

// ResolveOrCreateAcquisitionFile finds or creates the (Acquisition, File)
// pair named by acqName/fileName, as spec.md §4.F step 6's "Import
// registration" testable property requires: exactly one Acq row, one File
// row, created atomically under a transaction.
func (r *Repository) ResolveOrCreateAcquisitionFile(acqName, fileName string, sizeB int64, md5 string) (*File, error) {
	var file File
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var acq Acquisition
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Where(Acquisition{Name: acqName}).FirstOrCreate(&acq, Acquisition{Name: acqName}).Error; err != nil {
			return err
		}
		return tx.Where(File{AcqID: acq.ID, Name: fileName}).
			Attrs(File{SizeB: sizeB, MD5: md5, CreatedAt: time.Now().UTC()}).
			FirstOrCreate(&file).Error
	})
	return &file, err
}

// FindFile looks up the (acquisition, file) pair by name without creating
// either — used by a non-registering import request (spec.md §4.F steps
// 7-8's "register=false" path, which must not add unregistered acqs/files).
func (r *Repository) FindFile(acqName, fileName string) (*File, bool, error) {
	var file File
	err := r.db.Joins("JOIN acquisitions ON acquisitions.id = files.acq_id").
		Where("acquisitions.name = ? AND files.name = ?", acqName, fileName).
		First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &file, true, nil
}

// CopyTracked reports whether fileID already has a FileCopy on nodeID with
// has_file != N — spec.md §4.F step 6's duplicate-import guard.
func (r *Repository) CopyTracked(fileID, nodeID uint) (bool, error) {
	var n int64
	err := r.db.Model(&FileCopy{}).
		Where("file_id = ? AND node_id = ? AND has_file != ?", fileID, nodeID, HasFileNo).
		Count(&n).Error
	return n > 0, err
}

// CompleteImportRequest marks reqID completed exactly once, returning
// whether this call was the one that completed it (so the caller only
// records the outcome metric on the transition), per the original's
// import_request_done update-returns-rowcount idiom.
func (r *Repository) CompleteImportRequest(reqID uint) (bool, error) {
	res := r.db.Model(&FileImportRequest{}).
		Where("id = ? AND completed = ?", reqID, false).
		Update("completed", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetWantsFile updates only the wants_file column of a FileCopy — used by
// autoclean (spec.md §4.F step 10) to mark a source copy unwanted without
// disturbing its has_file/ready bookkeeping.
func (r *Repository) SetWantsFile(copyID uint, wants WantsFile) error {
	return r.db.Model(&FileCopy{}).Where("id = ?", copyID).Update("wants_file", wants).Error
}

// ActiveNodesOnHost returns every active StorageNode whose host matches
// host — the update loop's per-iteration node set (spec.md §4.E step 1).
func (r *Repository) ActiveNodesOnHost(host string) ([]StorageNode, error) {
	var nodes []StorageNode
	err := r.db.Preload("Group").Where("active = ? AND host = ?", true, host).Find(&nodes).Error
	return nodes, err
}

// PendingInitRequest looks up an open path=ALPENHORN_NODE FileImportRequest
// for nodeID (spec.md §4.E step 1's node-initialisation path).
func (r *Repository) PendingInitRequest(nodeID uint) (*FileImportRequest, bool, error) {
	var req FileImportRequest
	err := r.db.Where("node_id = ? AND path = ? AND completed = ?", nodeID, NodeInitSentinel, false).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

// PendingImportRequests returns every non-completed FileImportRequest
// targeting nodeID, excluding the node-init sentinel (spec.md §4.E step 4c).
func (r *Repository) PendingImportRequests(nodeID uint) ([]FileImportRequest, error) {
	var reqs []FileImportRequest
	err := r.db.Where("node_id = ? AND completed = ? AND path != ?", nodeID, false, NodeInitSentinel).
		Find(&reqs).Error
	return reqs, err
}

// OpenCopyRequestsFrom returns open FileCopyRequests sourced from nodeID
// (spec.md §4.E step 4d's pull-readiness pass).
func (r *Repository) OpenCopyRequestsFrom(nodeID uint) ([]FileCopyRequest, error) {
	var reqs []FileCopyRequest
	err := r.db.Where("node_from_id = ? AND completed = ? AND cancelled = ?", nodeID, false, false).
		Preload("File").Preload("GroupTo").
		Find(&reqs).Error
	return reqs, err
}

// UpdateNodeAvail writes back a node's cached free-space reading (spec.md
// §4.E step 3).
func (r *Repository) UpdateNodeAvail(nodeID uint, availGB float64, checkedAt time.Time) error {
	return r.db.Model(&StorageNode{}).Where("id = ?", nodeID).
		Updates(map[string]any{"avail_gb": availGB, "avail_gb_last_checked": checkedAt}).Error
}

// CopyState returns the has_file value of the FileCopy for (fileID, nodeID),
// if a row exists — used by the group-update pass to inspect a request's
// source copy (spec.md §4.E step 5).
func (r *Repository) CopyState(fileID, nodeID uint) (HasFile, bool, error) {
	var fc FileCopy
	err := r.db.Where("file_id = ? AND node_id = ?", fileID, nodeID).First(&fc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fc.HasFile, true, nil
}

// CancelCopyRequest marks a FileCopyRequest cancelled without running it.
func (r *Repository) CancelCopyRequest(reqID uint) error {
	return r.db.Model(&FileCopyRequest{}).Where("id = ?", reqID).Update("cancelled", true).Error
}

// NewQueryWalker builds a QueryWalker over nodeID's FileCopy rows, applying
// filter in addition to the node scope — used by the auto-verify pass
// (spec.md §4.E) to walk has_file != N copies.
func (r *Repository) NewQueryWalker(nodeID uint, filter func(*gorm.DB) *gorm.DB) (*QueryWalker, error) {
	return NewQueryWalker(r.db, nodeID, filter)
}

// AutoVerifyFilter is the has_file != N predicate auto-verify walks.
func AutoVerifyFilter(q *gorm.DB) *gorm.DB {
	return q.Where("has_file != ?", HasFileNo)
}

// TrackedRelPaths returns the set of "acq_name/file_name" relative paths
// already tracked on nodeID with has_file in {Y, X, M} — fetched once per
// scan and used to skip already-tracked files (spec.md §4.F "scan mode").
func (r *Repository) TrackedRelPaths(nodeID uint) (map[string]bool, error) {
	type row struct {
		AcqName  string
		FileName string
	}
	var rows []row
	err := r.db.Table("file_copies").
		Select("acquisitions.name as acq_name, files.name as file_name").
		Joins("JOIN files ON files.id = file_copies.file_id").
		Joins("JOIN acquisitions ON acquisitions.id = files.acq_id").
		Where("file_copies.node_id = ? AND file_copies.has_file IN ?", nodeID,
			[]HasFile{HasFileYes, HasFileCorrupt, HasFileMaybe}).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.AcqName+"/"+r.FileName] = true
	}
	return out, nil
}

// MarkSuspect sets has_file=M on the FileCopy for (fileID, nodeID), if one
// exists — used when a pull fails or its destination MD5 mismatches, to
// schedule the source copy for re-verification (spec.md §4.G).
func (r *Repository) MarkSuspect(fileID, nodeID uint) error {
	return r.db.Model(&FileCopy{}).
		Where("file_id = ? AND node_id = ?", fileID, nodeID).
		Updates(map[string]any{"has_file": HasFileMaybe, "last_update": time.Now().UTC()}).Error
}

// FileCopyByFileNode looks up the FileCopy row for (fileID, nodeID), if any.
func (r *Repository) FileCopyByFileNode(fileID, nodeID uint) (*FileCopy, bool, error) {
	var fc FileCopy
	err := r.db.Where("file_id = ? AND node_id = ?", fileID, nodeID).First(&fc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &fc, true, nil
}
