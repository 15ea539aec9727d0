package pullutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/pullutil"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

type fixture struct {
	db       *gorm.DB
	repo     *model.Repository
	file     model.File
	nodeFrom model.StorageNode
	nodeTo   model.StorageNode
	req      model.FileCopyRequest
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := model.NewRepository(db)

	gFrom := model.StorageGroup{Name: "from-group"}
	require.NoError(t, db.Create(&gFrom).Error)
	gTo := model.StorageGroup{Name: "to-group"}
	require.NoError(t, db.Create(&gTo).Error)

	nodeFrom := model.StorageNode{Name: "src", GroupID: gFrom.ID, Host: "h1", Root: "/a"}
	require.NoError(t, db.Create(&nodeFrom).Error)
	nodeTo := model.StorageNode{Name: "dst", GroupID: gTo.ID, Host: "h2", Root: "/b"}
	require.NoError(t, db.Create(&nodeTo).Error)

	acq := model.Acquisition{Name: "acq1"}
	require.NoError(t, db.Create(&acq).Error)
	file := model.File{AcqID: acq.ID, Name: "f.dat", SizeB: 1000, MD5: "goodmd5"}
	require.NoError(t, db.Create(&file).Error)

	srcCopy := model.FileCopy{FileID: file.ID, NodeID: nodeFrom.ID, HasFile: model.HasFileYes, WantsFile: model.WantsFileYes, LastUpdate: time.Now().UTC()}
	require.NoError(t, db.Create(&srcCopy).Error)

	req := model.FileCopyRequest{FileID: file.ID, NodeFromID: nodeFrom.ID, GroupToID: gTo.ID, Timestamp: time.Now().UTC()}
	require.NoError(t, db.Create(&req).Error)
	require.NoError(t, db.Preload("File").Preload("NodeFrom").First(&req, req.ID).Error)

	return &fixture{db: db, repo: repo, file: file, nodeFrom: nodeFrom, nodeTo: nodeTo, req: req}
}

func TestCompletePullFailureWithCheckSrcMarksSourceSuspect(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()

	out, err := pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", false, pullutil.MD5OK(false), pullutil.FixedSize(0), true, now, now)
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, pullutil.ResultCheckSrc, out.Result)

	var copy model.FileCopy
	require.NoError(t, f.db.Where("file_id = ? AND node_id = ?", f.file.ID, f.nodeFrom.ID).First(&copy).Error)
	require.Equal(t, model.HasFileMaybe, copy.HasFile)
}

func TestCompletePullFailureWithoutCheckSrcLeavesSourceAlone(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()

	out, err := pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", false, pullutil.MD5OK(false), pullutil.FixedSize(0), false, now, now)
	require.NoError(t, err)
	require.Equal(t, pullutil.ResultFailure, out.Result)

	var copy model.FileCopy
	require.NoError(t, f.db.Where("file_id = ? AND node_id = ?", f.file.ID, f.nodeFrom.ID).First(&copy).Error)
	require.Equal(t, model.HasFileYes, copy.HasFile)
}

func TestCompletePullIntegrityMismatchMarksSourceSuspect(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()

	out, err := pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", true, pullutil.MD5Sum("wrongmd5"), pullutil.FixedSize(1000), true, now, now)
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, pullutil.ResultIntegrity, out.Result)

	var reqAfter model.FileCopyRequest
	require.NoError(t, f.db.First(&reqAfter, f.req.ID).Error)
	require.False(t, reqAfter.Completed)
}

func TestCompletePullSuccessUpsertsDestinationAndCompletes(t *testing.T) {
	f := setup(t)
	started := time.Now().UTC()
	completed := started.Add(time.Second)

	out, err := pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", true, pullutil.MD5Sum("goodmd5"), pullutil.FixedSize(1000), true, started, completed)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, pullutil.ResultSuccess, out.Result)

	var destCopy model.FileCopy
	require.NoError(t, f.db.Where("file_id = ? AND node_id = ?", f.file.ID, f.nodeTo.ID).First(&destCopy).Error)
	require.Equal(t, model.HasFileYes, destCopy.HasFile)
	require.Equal(t, model.WantsFileYes, destCopy.WantsFile)
	require.True(t, destCopy.Ready)
	require.NotNil(t, destCopy.SizeB)
	require.EqualValues(t, 1000, *destCopy.SizeB)

	var reqAfter model.FileCopyRequest
	require.NoError(t, f.db.First(&reqAfter, f.req.ID).Error)
	require.True(t, reqAfter.Completed)
	require.NotNil(t, reqAfter.TransferStarted)
	require.NotNil(t, reqAfter.TransferCompleted)
}

func TestComputedSizeOnlyCalledOnSuccess(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	called := false
	size := pullutil.ComputedSize(func(ctx context.Context) (int64, error) {
		called = true
		return 42, nil
	})

	_, err := pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", false, pullutil.MD5OK(false), size, true, now, now)
	require.NoError(t, err)
	require.False(t, called)

	_, err = pullutil.CompletePull(context.Background(), f.repo, nil, nil, &f.req, &f.nodeTo, "to-group", true, pullutil.MD5OK(true), size, true, now, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, called)
}
