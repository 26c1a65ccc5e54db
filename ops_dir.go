package vexfs

import (
	"fmt"
)

// Attr is the subset of inode metadata getattr/setattr expose.
type Attr struct {
	Inode      uint32
	Mode       uint32
	UID        uint32
	GID        uint32
	Size       uint64
	LinksCount uint16
	ATime      int64
	MTime      int64
	CTime      int64
}

func attrOf(i *Inode) Attr {
	return Attr{
		Inode:      i.Number,
		Mode:       i.Mode,
		UID:        i.UID,
		GID:        i.GID,
		Size:       i.Size,
		LinksCount: i.LinksCount,
		ATime:      i.ATime.Unix(),
		MTime:      i.MTime.Unix(),
		CTime:      i.CTime.Unix(),
	}
}

// Create: allocate an inode, add a
// directory entry for it, all inside one transaction (directory lock
// held for the whole operation hierarchy).
func (fs *FileSystem) Create(octx *OperationContext, parentIno uint32, name string, mode uint32) (Attr, error) {
	const op = "create"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return Attr{}, err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if !parent.IsDir() {
		fs.metrics.observe(op, start, 0, ErrNotDirectory)
		return Attr{}, newErr(op, KindInvalidOperation, ErrNotDirectory)
	}
	if err := parent.checkPermission(octx.User.UID, octx.User.GID, PermWrite); err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if _, _, _, err := fs.lookupInDir(parent, name); err == nil {
		fs.metrics.observe(op, start, 0, ErrAlreadyExists)
		return Attr{}, newErr(op, KindAlreadyExists, fmt.Errorf("%q", name))
	}

	child, err := fs.inodes.createInode(ModeRegular|(mode&0o7777), octx.User.UID, octx.User.GID)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.addDirEntry(octx, tid, parent, name, child.Number, FileTypeRegular); err != nil {
			return err
		}
		blocksTouched++
		parent.touchMTime(fs.now())
		if err := fs.writeInodeTxn(tid, parent); err != nil {
			return err
		}
		blocksTouched++
		if err := fs.writeInodeTxn(tid, child); err != nil {
			return err
		}
		blocksTouched++
		return nil
	})
	if err != nil {
		_ = fs.inodes.freeInode(child.Number)
		fs.metrics.observe(op, start, blocksTouched, err)
		return Attr{}, err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return attrOf(child), nil
}

// Mkdir: create a directory inode, write
// its "."/".." block, link it into the parent, bump the parent's link
// count (the new ".." entry), all as one transaction.
func (fs *FileSystem) Mkdir(octx *OperationContext, parentIno uint32, name string, mode uint32) (Attr, error) {
	const op = "mkdir"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return Attr{}, err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if !parent.IsDir() {
		fs.metrics.observe(op, start, 0, ErrNotDirectory)
		return Attr{}, newErr(op, KindInvalidOperation, ErrNotDirectory)
	}
	if err := parent.checkPermission(octx.User.UID, octx.User.GID, PermWrite); err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if _, _, _, err := fs.lookupInDir(parent, name); err == nil {
		fs.metrics.observe(op, start, 0, ErrAlreadyExists)
		return Attr{}, newErr(op, KindAlreadyExists, fmt.Errorf("%q", name))
	}

	child, err := fs.inodes.createInode(ModeDir|(mode&0o7777), octx.User.UID, octx.User.GID)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	child.LinksCount = 2

	hint := hintForInode(child.Number, len(fs.allocGroups), HintMetadata)
	res, err := fs.alloc.allocateBlocks(1, hint)
	if err != nil {
		_ = fs.inodes.freeInode(child.Number)
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	child.Direct[0] = res.Start
	child.Size = uint64(fs.sb.BlockSize)
	child.dirty = true

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.initDirBlock(tid, res.Start, child.Number, parent.Number); err != nil {
			return err
		}
		blocksTouched++
		if err := fs.addDirEntry(octx, tid, parent, name, child.Number, FileTypeDirectory); err != nil {
			return err
		}
		blocksTouched++
		parent.LinksCount++ // the new subdirectory's ".." entry
		parent.touchMTime(fs.now())
		if err := fs.writeInodeTxn(tid, parent); err != nil {
			return err
		}
		blocksTouched++
		if err := fs.writeInodeTxn(tid, child); err != nil {
			return err
		}
		blocksTouched++
		return nil
	})
	if err != nil {
		fs.alloc.freeBlocks(res.Start, 1)
		_ = fs.inodes.freeInode(child.Number)
		fs.metrics.observe(op, start, blocksTouched, err)
		return Attr{}, err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return attrOf(child), nil
}

// Rmdir: refuses a non-empty directory.
func (fs *FileSystem) Rmdir(octx *OperationContext, parentIno uint32, name string) error {
	const op = "rmdir"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	entry, _, _, err := fs.lookupInDir(parent, name)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	child, err := fs.inodes.readInode(entry.Inode)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	if !child.IsDir() {
		fs.metrics.observe(op, start, 0, ErrNotDirectory)
		return newErr(op, KindInvalidOperation, ErrNotDirectory)
	}
	empty, err := fs.isDirEmpty(child)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	if !empty {
		fs.metrics.observe(op, start, 0, ErrNotEmpty)
		return newErr(op, KindInvalidOperation, ErrNotEmpty)
	}

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.removeDirEntry(tid, parent, name); err != nil {
			return err
		}
		blocksTouched++
		parent.LinksCount--
		parent.touchMTime(fs.now())
		return fs.writeInodeTxn(tid, parent)
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return err
	}
	for _, b := range child.Direct {
		if b != 0 {
			_ = fs.alloc.freeBlocks(b, 1)
		}
	}
	if err := fs.inodes.freeInode(child.Number); err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return nil
}

// Unlink: removes the directory entry and
// decrements the link count, freeing the inode and its blocks once it
// reaches zero.
func (fs *FileSystem) Unlink(octx *OperationContext, parentIno uint32, name string) error {
	const op = "unlink"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	entry, _, _, err := fs.lookupInDir(parent, name)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	target, err := fs.inodes.readInode(entry.Inode)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	if target.IsDir() {
		fs.metrics.observe(op, start, 0, ErrInvalidOperation)
		return newErr(op, KindInvalidOperation, fmt.Errorf("%q is a directory, use rmdir", name))
	}

	fs.locks.lockInodeWrite(target.Number)
	defer fs.locks.unlockInodeWrite(target.Number)

	blocksTouched := 0
	target.LinksCount--
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.removeDirEntry(tid, parent, name); err != nil {
			return err
		}
		blocksTouched++
		parent.touchMTime(fs.now())
		if err := fs.writeInodeTxn(tid, parent); err != nil {
			return err
		}
		blocksTouched++
		if target.LinksCount > 0 {
			target.touchCTime(fs.now())
			return fs.writeInodeTxn(tid, target)
		}
		return nil
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return err
	}

	if target.LinksCount == 0 {
		for _, id := range fs.vectors.getFileVectors(target.Number) {
			_ = fs.vectors.deleteVector(id)
		}
		if err := fs.truncate(target, 0); err != nil {
			fs.metrics.observe(op, start, blocksTouched, err)
			return err
		}
		if err := fs.inodes.freeInode(target.Number); err != nil {
			fs.metrics.observe(op, start, blocksTouched, err)
			return err
		}
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return nil
}

// Link: adds a new name for an existing
// regular-file inode.
func (fs *FileSystem) Link(octx *OperationContext, parentIno, targetIno uint32, name string) error {
	const op = "link"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	target, err := fs.inodes.readInode(targetIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	if target.IsDir() {
		fs.metrics.observe(op, start, 0, ErrInvalidOperation)
		return newErr(op, KindInvalidOperation, fmt.Errorf("cannot hard-link a directory"))
	}
	if _, _, _, err := fs.lookupInDir(parent, name); err == nil {
		fs.metrics.observe(op, start, 0, ErrAlreadyExists)
		return newErr(op, KindAlreadyExists, fmt.Errorf("%q", name))
	}

	target.LinksCount++
	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.addDirEntry(octx, tid, parent, name, target.Number, FileTypeRegular); err != nil {
			return err
		}
		blocksTouched++
		target.touchCTime(fs.now())
		return fs.writeInodeTxn(tid, target)
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return nil
}

// Symlink: the target path is stored
// inline in the inode when it fits (see Inode.LinkTarget), otherwise in
// the first data block (not yet needed at the 32-byte inline limit most
// paths satisfy; this implementation simply rejects longer targets).
func (fs *FileSystem) Symlink(octx *OperationContext, parentIno uint32, name, target string) (Attr, error) {
	const op = "symlink"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return Attr{}, err
	}
	if len(target) > 32 {
		fs.metrics.observe(op, start, 0, ErrArgument)
		return Attr{}, newErr(op, KindArgument, fmt.Errorf("symlink target longer than 32 bytes"))
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	parent, err := fs.inodes.readInode(parentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if _, _, _, err := fs.lookupInDir(parent, name); err == nil {
		fs.metrics.observe(op, start, 0, ErrAlreadyExists)
		return Attr{}, newErr(op, KindAlreadyExists, fmt.Errorf("%q", name))
	}

	child, err := fs.inodes.createInode(ModeSymlink|0o777, octx.User.UID, octx.User.GID)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	child.LinkTarget = target
	child.Size = uint64(len(target))

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		if err := fs.addDirEntry(octx, tid, parent, name, child.Number, FileTypeSymlink); err != nil {
			return err
		}
		blocksTouched++
		parent.touchMTime(fs.now())
		if err := fs.writeInodeTxn(tid, parent); err != nil {
			return err
		}
		blocksTouched++
		return fs.writeInodeTxn(tid, child)
	})
	if err != nil {
		_ = fs.inodes.freeInode(child.Number)
		fs.metrics.observe(op, start, blocksTouched, err)
		return Attr{}, err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return attrOf(child), nil
}

// DirEntry is one listed child, for ReadDir.
type DirEntry struct {
	Name     string
	Inode    uint32
	FileType FileType
}

// ReadDir: the directory's entries in
// on-disk order, "."/".." included, matching isDirEmpty's block walk.
func (fs *FileSystem) ReadDir(ino uint32) ([]DirEntry, error) {
	i, err := fs.inodes.readInode(ino)
	if err != nil {
		return nil, err
	}
	if !i.IsDir() {
		return nil, newErr("readdir", KindInvalidOperation, ErrNotDirectory)
	}
	nBlocks := int((i.Size + uint64(fs.sb.BlockSize) - 1) / uint64(fs.sb.BlockSize))
	var out []DirEntry
	for bi := 0; bi < nBlocks && bi < DirectBlocks; bi++ {
		blockNum := i.Direct[bi]
		if blockNum == 0 {
			continue
		}
		block, err := fs.dev.readBlock(blockNum)
		if err != nil {
			return nil, err
		}
		entries, err := decodeDirBlock(block)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Inode == 0 {
				continue
			}
			out = append(out, DirEntry{Name: e.Name, Inode: e.Inode, FileType: e.FileType})
		}
	}
	return out, nil
}

// Readlink.
func (fs *FileSystem) Readlink(ino uint32) (string, error) {
	i, err := fs.inodes.readInode(ino)
	if err != nil {
		return "", err
	}
	if !i.IsSymlink() {
		return "", newErr("readlink", KindInvalidOperation, ErrInvalidOperation)
	}
	return i.LinkTarget, nil
}

// Rename moves an entry between directories. A destination name that
// already exists is rejected rather than atomically replaced: VexFS does
// not implement POSIX atomic-rename-over-existing semantics.
func (fs *FileSystem) Rename(octx *OperationContext, oldParentIno uint32, oldName string, newParentIno uint32, newName string) error {
	const op = "rename"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return err
	}

	fs.locks.lockDir()
	defer fs.locks.unlockDir()

	oldParent, err := fs.inodes.readInode(oldParentIno)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	newParent := oldParent
	if newParentIno != oldParentIno {
		newParent, err = fs.inodes.readInode(newParentIno)
		if err != nil {
			fs.metrics.observe(op, start, 0, err)
			return err
		}
	}

	entry, _, _, err := fs.lookupInDir(oldParent, oldName)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}
	if _, _, _, err := fs.lookupInDir(newParent, newName); err == nil {
		fs.metrics.observe(op, start, 0, ErrAlreadyExists)
		return newErr(op, KindAlreadyExists, fmt.Errorf("destination %q already exists", newName))
	}

	moved, err := fs.inodes.readInode(entry.Inode)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return err
	}

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		ft := FileTypeRegular
		switch {
		case moved.IsDir():
			ft = FileTypeDirectory
		case moved.IsSymlink():
			ft = FileTypeSymlink
		}
		if err := fs.addDirEntry(octx, tid, newParent, newName, moved.Number, ft); err != nil {
			return err
		}
		blocksTouched++
		if err := fs.removeDirEntry(tid, oldParent, oldName); err != nil {
			return err
		}
		blocksTouched++

		now := fs.now()
		newParent.touchMTime(now)
		if err := fs.writeInodeTxn(tid, newParent); err != nil {
			return err
		}
		blocksTouched++
		if newParentIno != oldParentIno {
			oldParent.touchMTime(now)
			if err := fs.writeInodeTxn(tid, oldParent); err != nil {
				return err
			}
			blocksTouched++
			if moved.IsDir() {
				// re-point the moved directory's ".." entry
				if moved.Direct[0] != 0 {
					block, err := fs.dev.readBlock(moved.Direct[0])
					if err != nil {
						return err
					}
					entries, err := decodeDirBlock(block)
					if err != nil {
						return err
					}
					for _, e := range entries {
						if e.Name == ".." {
							e.Inode = newParent.Number
						}
					}
					newBlock := encodeDirBlock(entries, fs.sb.BlockSize)
					if err := fs.journalBlockWrite(tid, moved.Direct[0], newBlock); err != nil {
						return err
					}
					blocksTouched++
					oldParent.LinksCount--
					newParent.LinksCount++
					if err := fs.writeInodeTxn(tid, oldParent); err != nil {
						return err
					}
					if err := fs.writeInodeTxn(tid, newParent); err != nil {
						return err
					}
					blocksTouched += 2
				}
			}
		}
		return nil
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return nil
}

// GetAttr.
func (fs *FileSystem) GetAttr(ino uint32) (Attr, error) {
	i, err := fs.inodes.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(i), nil
}

// SetAttr: nil fields are left unchanged.
func (fs *FileSystem) SetAttr(octx *OperationContext, ino uint32, mode, uid, gid *uint32, size *uint64) (Attr, error) {
	const op = "setattr"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return Attr{}, err
	}

	fs.locks.lockInodeWrite(ino)
	defer fs.locks.unlockInodeWrite(ino)

	i, err := fs.inodes.readInode(ino)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return Attr{}, err
	}
	if octx.User.UID != 0 && octx.User.UID != i.UID {
		fs.metrics.observe(op, start, 0, ErrPermission)
		return Attr{}, newErr(op, KindPermission, fmt.Errorf("only the owner or root may change attributes"))
	}

	if mode != nil {
		i.Mode = (i.Mode &^ 0o7777) | (*mode & 0o7777)
		i.dirty = true
	}
	if uid != nil {
		i.UID = *uid
		i.dirty = true
	}
	if gid != nil {
		i.GID = *gid
		i.dirty = true
	}
	if size != nil && *size != i.Size {
		if err := fs.truncate(i, *size); err != nil {
			fs.metrics.observe(op, start, 0, err)
			return Attr{}, err
		}
	}
	i.touchCTime(fs.now())

	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		blocksTouched++
		return fs.writeInodeTxn(tid, i)
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return Attr{}, err
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return attrOf(i), nil
}
