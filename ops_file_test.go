package vexfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFileCreatesWhenMissingWithOFlagCreate(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)

	f, attr, err := fsys.OpenFile(octx, RootInode, "new.txt", OFlagCreate|OFlagRead|OFlagWrite, 0o644)
	require.NoError(t, err)
	require.NotZero(t, attr.Inode)
	require.NoError(t, fsys.CloseFile(f))
}

func TestOpenFileWithoutCreateOnMissingNameFails(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, _, err := fsys.OpenFile(octx, RootInode, "missing.txt", OFlagRead, 0)
	require.Error(t, err)
}

func TestOpenFileTruncatesExistingContent(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, f := createTestFile(t, fsys, octx, "trunc.bin")
	require.NoError(t, fsys.withTxn(func(tid TxnID) error {
		_, err := f.WriteAt(tid, []byte("hello world"), 0)
		return err
	}))

	f2, _, err := fsys.OpenFile(octx, RootInode, "trunc.bin", OFlagRead|OFlagWrite|OFlagTruncate, 0)
	require.NoError(t, err)

	got, err := fsys.inodes.readInode(ino.Number)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.Size)
	_ = f2
}

func TestWriteFileThenReadFileRoundTrip(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, f := createTestFile(t, fsys, octx, "rw.bin")

	payload := []byte("vexfs operation-surface round trip")
	n, err := fsys.WriteFile(octx, f, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = fsys.ReadFile(octx, f, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestSeekFileRepositionsCursor(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, f := createTestFile(t, fsys, octx, "seek.bin")
	_, err := fsys.WriteFile(octx, f, []byte("0123456789"), 0)
	require.NoError(t, err)

	pos, err := fsys.SeekFile(f, 3, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(3), pos)
}

func TestTruncateFilePersistsNewSize(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, f := createTestFile(t, fsys, octx, "shrink.bin")
	_, err := fsys.WriteFile(octx, f, make([]byte, 8192), 0)
	require.NoError(t, err)

	require.NoError(t, fsys.TruncateFile(octx, f, 100))

	got, err := fsys.inodes.readInode(ino.Number)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Size)
}

func TestFallocateFileExtendsSizeAndAllocatesBlocks(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, f := createTestFile(t, fsys, octx, "prealloc.bin")

	blockSize := int64(fsys.sb.BlockSize)
	require.NoError(t, fsys.FallocateFile(octx, f, 0, 3*blockSize))

	got, err := fsys.inodes.readInode(ino.Number)
	require.NoError(t, err)
	require.Equal(t, uint64(3*blockSize), got.Size)
	require.NotZero(t, got.Direct[0])
	require.NotZero(t, got.Direct[2])
}

func TestFallocateFileRejectsNonPositiveLength(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, f := createTestFile(t, fsys, octx, "badlen.bin")
	err := fsys.FallocateFile(octx, f, 0, 0)
	require.ErrorIs(t, err, ErrArgument)
}

func TestCloseFileRejectsNilHandle(t *testing.T) {
	fsys, _ := mountFreshVolumeInternal(t)
	err := fsys.CloseFile(nil)
	require.ErrorIs(t, err, ErrArgument)
}

func TestReadFileByInodeReadsWholeFile(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, f := createTestFile(t, fsys, octx, "byino.bin")
	payload := []byte("by inode")
	_, err := fsys.WriteFile(octx, f, payload, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := fsys.ReadFileByInode(ino.Number, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestReadFileByInodeRejectsDirectory(t *testing.T) {
	fsys, _ := mountFreshVolumeInternal(t)
	_, err := fsys.ReadFileByInode(RootInode, make([]byte, 16))
	require.Error(t, err)
}

func TestFsyncFlushesMetadataAndDevice(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "sync.bin")
	require.NoError(t, fsys.Fsync(octx, ino.Number))
}
