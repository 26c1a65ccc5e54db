package vexfs

import (
	"errors"
	"fmt"
	"io"
)

// OpenFile resolves flags against the
// target inode's permission bits and, for OFlagCreate, creates the
// inode first (sharing Create's directory-lock path).
func (fs *FileSystem) OpenFile(octx *OperationContext, parentIno uint32, name string, flags int, mode uint32) (*File, Attr, error) {
	const op = "open"
	if err := octx.checkDeadline(op); err != nil {
		return nil, Attr{}, err
	}

	fs.locks.lockDir()
	parent, err := fs.inodes.readInode(parentIno)
	var entry *dirEntry
	var lookupErr error
	if err != nil {
		lookupErr = err
	} else {
		entry, _, _, lookupErr = fs.lookupInDir(parent, name)
	}
	fs.locks.unlockDir()

	var ino uint32
	switch {
	case lookupErr == nil:
		ino = entry.Inode
	case flags&OFlagCreate != 0:
		attr, err := fs.Create(octx, parentIno, name, mode)
		if err != nil {
			return nil, Attr{}, err
		}
		ino = attr.Inode
	default:
		return nil, Attr{}, lookupErr
	}

	i, err := fs.inodes.readInode(ino)
	if err != nil {
		return nil, Attr{}, err
	}
	want := uint32(0)
	if flags&OFlagRead != 0 {
		want |= PermRead
	}
	if flags&OFlagWrite != 0 {
		want |= PermWrite
	}
	if want != 0 {
		if err := i.checkPermission(octx.User.UID, octx.User.GID, want); err != nil {
			return nil, Attr{}, err
		}
	}

	f, err := fs.openFile(i, flags)
	if err != nil {
		return nil, Attr{}, err
	}
	if flags&OFlagTruncate != 0 {
		// openFile already truncated in-core; persist it in its own txn.
		if err := fs.withTxn(func(tid TxnID) error {
			return fs.writeInodeTxn(tid, f.ino)
		}); err != nil {
			return nil, Attr{}, err
		}
	}
	return f, attrOf(f.ino), nil
}

// ReadFileByInode reads a regular file's full contents by inode number
// directly, without a parent-relative OpenFile lookup -- the shape a
// caller that already resolved the inode (e.g. sync.VerifyTree, walking
// ReadDir results) needs.
func (fs *FileSystem) ReadFileByInode(ino uint32, buf []byte) (int, error) {
	i, err := fs.inodes.readInode(ino)
	if err != nil {
		return 0, err
	}
	if !i.IsRegular() {
		return 0, newErr("read", KindInvalidOperation, ErrInvalidOperation)
	}
	f, err := fs.openFile(i, OFlagRead)
	if err != nil {
		return 0, err
	}
	fs.locks.lockInodeRead(i.Number)
	defer fs.locks.unlockInodeRead(i.Number)
	n, err := f.ReadAt(buf, 0)
	return n, ignoreEOF(err)
}

// ReadFile reads into p at offset off, holding the inode read lock for
// the duration of the copy.
func (fs *FileSystem) ReadFile(octx *OperationContext, f *File, p []byte, off int64) (int, error) {
	const op = "read"
	if err := octx.checkDeadline(op); err != nil {
		return 0, err
	}
	start := fs.now()

	fs.locks.lockInodeRead(f.ino.Number)
	n, err := f.ReadAt(p, off)
	fs.locks.unlockInodeRead(f.ino.Number)

	fs.metrics.observe(op, start, 1, ignoreEOF(err))
	return n, err
}

// ignoreEOF keeps io.EOF (an expected end-of-stream signal, not a failure)
// out of the metrics failure tally.
func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// WriteFile writes p at offset off: the data blocks and the
// updated inode are journaled as one transaction, so a crash mid-write
// never leaves a partially-extended file durable.
func (fs *FileSystem) WriteFile(octx *OperationContext, f *File, p []byte, off int64) (int, error) {
	const op = "write"
	if err := octx.checkDeadline(op); err != nil {
		return 0, err
	}
	start := fs.now()

	fs.locks.lockInodeWrite(f.ino.Number)
	defer fs.locks.unlockInodeWrite(f.ino.Number)

	var n int
	blocksTouched := 0
	err := fs.withTxn(func(tid TxnID) error {
		var werr error
		n, werr = f.WriteAt(tid, p, off)
		if werr != nil {
			return werr
		}
		blocksTouched = (len(p) + int(fs.sb.BlockSize) - 1) / int(fs.sb.BlockSize)
		f.ino.touchMTime(fs.now())
		return fs.writeInodeTxn(tid, f.ino)
	})
	fs.metrics.observe(op, start, blocksTouched, err)
	return n, err
}

// SeekFile repositions f's cursor per POSIX lseek(2) whence semantics.
func (fs *FileSystem) SeekFile(f *File, offset int64, whence int) (int64, error) {
	return f.Seek(offset, whence)
}

// TruncateFile resizes f to size against an already-open
// handle.
func (fs *FileSystem) TruncateFile(octx *OperationContext, f *File, size uint64) error {
	const op = "truncate"
	if err := octx.checkDeadline(op); err != nil {
		return err
	}
	start := fs.now()

	fs.locks.lockInodeWrite(f.ino.Number)
	defer fs.locks.unlockInodeWrite(f.ino.Number)

	err := fs.withTxn(func(tid TxnID) error {
		if err := fs.truncate(f.ino, size); err != nil {
			return err
		}
		f.ino.touchMTime(fs.now())
		return fs.writeInodeTxn(tid, f.ino)
	})
	fs.metrics.observe(op, start, 1, err)
	return err
}

// FallocateFile preallocates blocks for the byte range [offset, offset+len)
// without writing data, extending the inode's size if the range falls
// past the current end -- the way a bulk writer reserves space up front
// so later sequential writes never hit ErrNoSpace mid-stream.
func (fs *FileSystem) FallocateFile(octx *OperationContext, f *File, offset, length int64) error {
	const op = "fallocate"
	if err := octx.checkDeadline(op); err != nil {
		return err
	}
	if offset < 0 || length <= 0 {
		return newErr(op, KindArgument, fmt.Errorf("%w: offset/length must be non-negative, length > 0", ErrArgument))
	}
	start := fs.now()

	fs.locks.lockInodeWrite(f.ino.Number)
	defer fs.locks.unlockInodeWrite(f.ino.Number)

	blockSize := int64(fs.sb.BlockSize)
	firstBlock := int(offset / blockSize)
	lastBlock := int((offset + length - 1) / blockSize)
	hint := hintForInode(f.ino.Number, len(fs.alloc.groups), HintData)

	blocksTouched := 0
	err := fs.withTxn(func(tid TxnID) error {
		for logical := firstBlock; logical <= lastBlock; logical++ {
			if _, err := fs.blockForOffset(f.ino, logical, true, hint); err != nil {
				return err
			}
			blocksTouched++
		}
		end := uint64(offset + length)
		if end > f.ino.Size {
			f.ino.Size = end
		}
		f.ino.touchMTime(fs.now())
		f.ino.dirty = true
		return fs.writeInodeTxn(tid, f.ino)
	})
	fs.metrics.observe(op, start, blocksTouched, err)
	return err
}

// CloseFile closes f: the handle carries no
// unflushed state (every write already committed its own transaction),
// so closing is just releasing the Go value; the inode's updated atime
// is persisted opportunistically rather than forced onto the caller's
// critical path.
func (fs *FileSystem) CloseFile(f *File) error {
	if f == nil {
		return fmt.Errorf("%w: close on nil handle", ErrArgument)
	}
	return nil
}

// Fsync flushes durable state: every committed transaction is
// already durable on the backing device by the time commitTxn returns,
// so fsync's only remaining duty is flushing the superblock/bitmap
// summary state that flushMetadata maintains out-of-band.
func (fs *FileSystem) Fsync(octx *OperationContext, ino uint32) error {
	const op = "fsync"
	if err := octx.checkDeadline(op); err != nil {
		return err
	}
	start := fs.now()
	err := fs.flushMetadata()
	if err == nil {
		err = fs.dev.sync()
	}
	fs.metrics.observe(op, start, 0, err)
	return err
}
