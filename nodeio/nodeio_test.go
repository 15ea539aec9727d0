package nodeio_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/nodeio"
)

func newNode(t *testing.T, name string) (*model.StorageNode, string) {
	t.Helper()
	dir := t.TempDir()
	return &model.StorageNode{ID: 1, Name: name, Root: dir}, dir
}

func TestCheckInitAndInit(t *testing.T) {
	node, _ := newNode(t, "n1")
	d := nodeio.NewDefault(node)
	ctx := context.Background()

	ok, err := d.CheckInit(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Init(ctx))

	ok, err = d.CheckInit(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMD5MatchesFileContent(t *testing.T) {
	node, dir := newNode(t, "n1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.dat"), []byte("hello"), 0o644))
	d := nodeio.NewDefault(node)

	got, err := d.MD5(context.Background(), "f.dat")
	require.NoError(t, err)
	want := md5.Sum([]byte("hello"))
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestLockedDetectsLockfile(t *testing.T) {
	node, dir := newNode(t, "n1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.dat"), []byte("x"), 0o644))
	d := nodeio.NewDefault(node)
	require.False(t, d.Locked("f.dat"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".f.dat.lock"), nil, 0o644))
	require.True(t, d.Locked("f.dat"))
}

func TestDeleteRemovesFiles(t *testing.T) {
	node, dir := newNode(t, "n1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.dat"), []byte("x"), 0o644))
	d := nodeio.NewDefault(node)

	err := d.Delete(context.Background(), []nodeio.CopyRef{{RelPath: "f.dat"}})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "f.dat"))
	require.True(t, os.IsNotExist(err))
}

func TestNeedsReinstantiation(t *testing.T) {
	a := &model.StorageNode{ID: 1, IOClass: "Default", IOConfig: "{}"}
	b := &model.StorageNode{ID: 1, IOClass: "Default", IOConfig: "{}"}
	require.False(t, nodeio.NeedsReinstantiation(a, b))

	c := &model.StorageNode{ID: 1, IOClass: "LustreHSM", IOConfig: "{}"}
	require.True(t, nodeio.NeedsReinstantiation(a, c))
}
