package model_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/radiocosmology/alpenhorn/model"
)

func seedCopies(t *testing.T, db *gorm.DB, node model.StorageNode, file model.File, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		// one File per copy: (file, node) is unique among FileCopy rows
		f := model.File{AcqID: file.AcqID, Name: fmt.Sprintf("%s.%d", file.Name, i), SizeB: file.SizeB, MD5: file.MD5}
		require.NoError(t, db.Create(&f).Error)
		require.NoError(t, db.Create(&model.FileCopy{
			FileID: f.ID, NodeID: node.ID, HasFile: model.HasFileYes, LastUpdate: time.Now(),
		}).Error)
	}
}

func TestQueryWalkerWrapsAround(t *testing.T) {
	db := openTestDB(t)
	node := seedNode(t, db, "grp", "n1", model.StorageField)
	file := seedFile(t, db)
	seedCopies(t, db, node, file, 5)

	w, err := model.NewQueryWalker(db, node.ID, func(q *gorm.DB) *gorm.DB {
		return q.Where("has_file != ?", model.HasFileNo)
	})
	require.NoError(t, err)

	seen := map[uint]int{}
	for i := 0; i < 12; i++ {
		items, err := w.Get(1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		seen[items[0].ID]++
	}
	// 12 draws over 5 rows walking monotonically must visit every row at
	// least twice.
	require.Len(t, seen, 5)
	for id, count := range seen {
		require.GreaterOrEqualf(t, count, 2, "row %d under-visited", id)
	}
}

func TestQueryWalkerNoMatch(t *testing.T) {
	db := openTestDB(t)
	node := seedNode(t, db, "grp", "n1", model.StorageField)

	_, err := model.NewQueryWalker(db, node.ID, nil)
	require.ErrorIs(t, err, model.ErrNoMatch)
}

func TestQueryWalkerBatchLargerThanSet(t *testing.T) {
	db := openTestDB(t)
	node := seedNode(t, db, "grp", "n1", model.StorageField)
	file := seedFile(t, db)
	seedCopies(t, db, node, file, 3)

	w, err := model.NewQueryWalker(db, node.ID, nil)
	require.NoError(t, err)

	items, err := w.Get(7)
	require.NoError(t, err)
	require.Len(t, items, 7)
}
