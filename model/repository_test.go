package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/radiocosmology/alpenhorn/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

func seedNode(t *testing.T, db *gorm.DB, groupName, nodeName string, storageType model.StorageType) model.StorageNode {
	t.Helper()
	group := model.StorageGroup{Name: groupName}
	require.NoError(t, db.Create(&group).Error)
	node := model.StorageNode{Name: nodeName, GroupID: group.ID, Host: "h", Root: "/data", StorageType: storageType}
	require.NoError(t, db.Create(&node).Error)
	return node
}

func seedFile(t *testing.T, db *gorm.DB) model.File {
	t.Helper()
	acq := model.Acquisition{Name: "acq1"}
	require.NoError(t, db.Create(&acq).Error)
	f := model.File{AcqID: acq.ID, Name: "f.dat", SizeB: 100, MD5: "abc"}
	require.NoError(t, db.Create(&f).Error)
	return f
}

// Testable Property 8: group state priority Y > M > X > N.
func TestStateOnNodePriority(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node1 := seedNode(t, db, "grp", "n1", model.StorageField)
	group := node1.GroupID

	// add a second node in the same group
	node2 := model.StorageNode{Name: "n2", GroupID: group, Host: "h", Root: "/data"}
	require.NoError(t, db.Create(&node2).Error)

	require.NoError(t, db.Create(&model.FileCopy{FileID: file.ID, NodeID: node1.ID, HasFile: model.HasFileMaybe, LastUpdate: time.Now()}).Error)
	require.NoError(t, db.Create(&model.FileCopy{FileID: file.ID, NodeID: node2.ID, HasFile: model.HasFileYes, LastUpdate: time.Now()}).Error)

	state, err := repo.StateOnNode(file.ID, group)
	require.NoError(t, err)
	require.Equal(t, model.HasFileYes, state.State)
}

func TestStateOnNodeNoCopies(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "n1", model.StorageField)

	state, err := repo.StateOnNode(file.ID, node.GroupID)
	require.NoError(t, err)
	require.Equal(t, model.HasFileNo, state.State)
	require.Nil(t, state.Node)
}

// Testable Property S5: pending transfer blocks deletion.
func TestDeletionCandidatesExcludesOpenSource(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "n1", model.StorageField)
	group2 := model.StorageGroup{Name: "other"}
	require.NoError(t, db.Create(&group2).Error)

	fc := model.FileCopy{FileID: file.ID, NodeID: node.ID, HasFile: model.HasFileYes, WantsFile: model.WantsFileNo, LastUpdate: time.Now()}
	require.NoError(t, db.Create(&fc).Error)
	require.NoError(t, db.Create(&model.FileCopyRequest{
		FileID: file.ID, NodeFromID: node.ID, GroupToID: group2.ID, Timestamp: time.Now(),
	}).Error)

	candidates, err := repo.DeletionCandidates(node.ID, false)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestDeletionCandidatesForced(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "n1", model.StorageField)

	fc := model.FileCopy{FileID: file.ID, NodeID: node.ID, HasFile: model.HasFileYes, WantsFile: model.WantsFileMaybe, LastUpdate: time.Now()}
	require.NoError(t, db.Create(&fc).Error)

	unforced, err := repo.DeletionCandidates(node.ID, false)
	require.NoError(t, err)
	require.Empty(t, unforced)

	forced, err := repo.DeletionCandidates(node.ID, true)
	require.NoError(t, err)
	require.Len(t, forced, 1)
	require.Equal(t, file.Name, forced[0].File.Name)
}

// Testable Property 6/7: the resurrect-as-suspect branch of import
// registration is exercised at the AcquireOrCreateCopy level here; the full
// auto-import flow is covered in package autoimport.
func TestAcquireOrCreateCopyResurrectsSuspect(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "n1", model.StorageField)

	// simulate a copy we thought was missing but still wanted
	require.NoError(t, db.Create(&model.FileCopy{
		FileID: file.ID, NodeID: node.ID, HasFile: model.HasFileNo, WantsFile: model.WantsFileYes, LastUpdate: time.Now(),
	}).Error)

	fc, err := repo.AcquireOrCreateCopy(file.ID, node.ID)
	require.NoError(t, err)
	require.Equal(t, model.HasFileMaybe, fc.HasFile)
}

func TestAcquireOrCreateCopyDuplicate(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "n1", model.StorageField)

	require.NoError(t, db.Create(&model.FileCopy{
		FileID: file.ID, NodeID: node.ID, HasFile: model.HasFileYes, WantsFile: model.WantsFileYes, LastUpdate: time.Now(),
	}).Error)

	_, err := repo.AcquireOrCreateCopy(file.ID, node.ID)
	require.ErrorIs(t, err, model.ErrDuplicateTracked)
}

func TestArchiveNeverForcesDiscretionaryDelete(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	file := seedFile(t, db)
	node := seedNode(t, db, "grp", "archive1", model.StorageArchive)
	require.True(t, node.Archive())

	require.NoError(t, db.Create(&model.FileCopy{
		FileID: file.ID, NodeID: node.ID, HasFile: model.HasFileYes, WantsFile: model.WantsFileMaybe, LastUpdate: time.Now(),
	}).Error)

	// the update loop itself is responsible for never calling
	// DeletionCandidates(forced=true) against an archive node; here we only
	// confirm the node-level predicate it relies on.
	require.False(t, node.UnderMin())
	candidates, err := repo.DeletionCandidates(node.ID, false)
	require.NoError(t, err)
	require.Empty(t, candidates)
}
