package vexfs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexfs"
)

func TestXattrSetGetList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vexfs.img")
	fsys, err := vexfs.Format(path, 4096, 4096, "xattrtest")
	require.NoError(t, err)
	defer func() { _ = fsys.Close() }()

	require.NoError(t, fsys.SetXattr(vexfs.RootInode, "user.a", []byte("1")))
	require.NoError(t, fsys.SetXattr(vexfs.RootInode, "user.b", []byte("2")))

	v, err := fsys.GetXattr(vexfs.RootInode, "user.a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	names := fsys.ListXattr(vexfs.RootInode)
	require.ElementsMatch(t, []string{"user.a", "user.b"}, names)
}

func TestXattrGetMissingReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vexfs.img")
	fsys, err := vexfs.Format(path, 4096, 4096, "xattrtest")
	require.NoError(t, err)
	defer func() { _ = fsys.Close() }()

	_, err = fsys.GetXattr(vexfs.RootInode, "user.missing")
	require.Error(t, err)
	require.ErrorIs(t, err, vexfs.ErrNotFound)
}

func TestXattrRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vexfs.img")
	fsys, err := vexfs.Format(path, 4096, 4096, "xattrtest")
	require.NoError(t, err)
	defer func() { _ = fsys.Close() }()

	require.NoError(t, fsys.SetXattr(vexfs.RootInode, "user.a", []byte("1")))
	require.NoError(t, fsys.RemoveXattr(vexfs.RootInode, "user.a"))
	require.Empty(t, fsys.ListXattr(vexfs.RootInode))

	err = fsys.RemoveXattr(vexfs.RootInode, "user.a")
	require.ErrorIs(t, err, vexfs.ErrNotFound)
}

func TestXattrIsolatedPerInode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vexfs.img")
	fsys, err := vexfs.Format(path, 4096, 4096, "xattrtest")
	require.NoError(t, err)
	defer func() { _ = fsys.Close() }()

	octx := fsys.NewOperationContext(vexfs.Identity{UID: 0, GID: 0}, 0)
	attr, err := fsys.Create(octx, vexfs.RootInode, "f.txt", 0o644)
	require.NoError(t, err)

	require.NoError(t, fsys.SetXattr(vexfs.RootInode, "user.root-only", []byte("x")))
	require.Empty(t, fsys.ListXattr(attr.Inode))
}
