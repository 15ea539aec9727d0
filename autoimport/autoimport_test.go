package autoimport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/radiocosmology/alpenhorn/autoimport"
	"github.com/radiocosmology/alpenhorn/extensions"
	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/nodeio"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

// fakeIO is a minimal nodeio.NodeIO stand-in whose paths are ready and
// locked as its fields say, returning canned md5/size values.
type fakeIO struct {
	ready  bool
	locked bool
}

func (f *fakeIO) CheckInit(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeIO) Init(ctx context.Context) error              { return nil }
func (f *fakeIO) BytesAvail(ctx context.Context, fast bool) (int64, error) { return 0, nil }
func (f *fakeIO) Filesize(ctx context.Context, relPath string, actual bool) (int64, error) {
	return 42, nil
}
func (f *fakeIO) MD5(ctx context.Context, relPath string) (string, error) { return "deadbeef", nil }
func (f *fakeIO) ReadyPath(ctx context.Context, relPath string) (bool, error) {
	return f.ready, nil
}
func (f *fakeIO) Walk(ctx context.Context, relDir string) ([]string, error) { return nil, nil }
func (f *fakeIO) Locked(relPath string) bool { return f.locked }
func (f *fakeIO) Check(ctx context.Context, copy nodeio.CopyRef) (nodeio.CheckResult, error) {
	return nodeio.CheckResult{Good: true}, nil
}
func (f *fakeIO) Delete(ctx context.Context, copies []nodeio.CopyRef) error { return nil }
func (f *fakeIO) ReadyPull(ctx context.Context, req nodeio.PullRequest) (bool, error) {
	return true, nil
}
func (f *fakeIO) IdleUpdate(ctx context.Context, first bool) error            { return nil }
func (f *fakeIO) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }
func (f *fakeIO) AfterUpdate(ctx context.Context) error                     { return nil }
func (f *fakeIO) SetStorage(node *model.StorageNode)                        {}
func (f *fakeIO) FIFO() any                                                  { return "n1" }

func acqDetector(path string, node *model.StorageNode) (string, extensions.ImportCallback, bool) {
	// Treat everything before the last '/' as the acquisition name, like a
	// typical filename-pattern detector.
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], nil, true
		}
	}
	return "", nil, false
}

func newRegistry(t *testing.T) *extensions.Registry {
	t.Helper()
	reg, err := extensions.Load([]extensions.Extension{
		{Name: "test", Register: func() (extensions.Capabilities, error) {
			return extensions.Capabilities{
				ImportDetectors: map[string]extensions.ImportDetector{"acq": acqDetector},
			}, nil
		}},
	})
	require.NoError(t, err)
	return reg
}

func seedNode(t *testing.T, db *gorm.DB) *model.StorageNode {
	t.Helper()
	group := model.StorageGroup{Name: "g1"}
	require.NoError(t, db.Create(&group).Error)
	node := model.StorageNode{Name: "n1", GroupID: group.ID, Host: "h", Root: "/data"}
	require.NoError(t, db.Create(&node).Error)
	return &node
}

func TestImportSuccessRegistersNewFile(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	res, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/data.h5", true)
	require.NoError(t, err)
	require.Equal(t, autoimport.OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Copy)
	require.Equal(t, model.HasFileYes, res.Copy.HasFile)

	var count int64
	require.NoError(t, db.Model(&model.File{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestImportSuspendsWhenNotReady(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	_, err := im.Import(context.Background(), &fakeIO{ready: false}, node, "acq1/data.h5", true)
	require.Error(t, err)
	var suspend *autoimport.ErrSuspend
	require.ErrorAs(t, err, &suspend)
}

func TestImportDropsWhenLocked(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	_, err := im.Import(context.Background(), &fakeIO{ready: true, locked: true}, node, "acq1/data.h5", true)
	require.ErrorIs(t, err, autoimport.ErrLocked)
}

func TestImportNoDetectionForUnmatchedPath(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	res, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "bare-file", true)
	require.NoError(t, err)
	require.Equal(t, autoimport.OutcomeNoDetection, res.Outcome)
}

func TestImportBadNameForDotfile(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	res, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/.hidden", true)
	require.NoError(t, err)
	require.Equal(t, autoimport.OutcomeBadName, res.Outcome)
}

func TestImportUnregisteredWhenRegisterFalseAndFileUnknown(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	res, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/data.h5", false)
	require.NoError(t, err)
	require.Equal(t, autoimport.OutcomeUnregistered, res.Outcome)
}

func TestImportDuplicateWhenAlreadyTracked(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)
	im := autoimport.New(repo, reg, nil)

	_, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/data.h5", true)
	require.NoError(t, err)

	res, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/data.h5", true)
	require.NoError(t, err)
	require.Equal(t, autoimport.OutcomeDuplicate, res.Outcome)
}

func TestImportAutosyncCreatesCopyRequest(t *testing.T) {
	db := openTestDB(t)
	repo := model.NewRepository(db)
	reg := newRegistry(t)
	node := seedNode(t, db)

	destGroup := model.StorageGroup{Name: "dest"}
	require.NoError(t, db.Create(&destGroup).Error)
	require.NoError(t, db.Create(&model.StorageTransferAction{
		NodeID: node.ID, GroupToID: destGroup.ID, Autosync: true,
	}).Error)

	im := autoimport.New(repo, reg, nil)
	_, err := im.Import(context.Background(), &fakeIO{ready: true}, node, "acq1/data.h5", true)
	require.NoError(t, err)

	var reqs []model.FileCopyRequest
	require.NoError(t, db.Where("group_to_id = ?", destGroup.ID).Find(&reqs).Error)
	require.Len(t, reqs, 1)
}
