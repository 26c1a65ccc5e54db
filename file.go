package vexfs

import (
	"fmt"
	"io"
)

// blockIndexSize is the number of BlockNumber entries an indirect block
// holds, given the device's block size.
func (fs *FileSystem) blockIndexSize() int {
	return int(fs.sb.BlockSize) / 8
}

// blockForOffset maps a logical block index to a physical block number,
// resolving through the single indirect block when the index exceeds the
// direct pointers: only direct + single indirect are populated,
// bounding file size to DirectBlocks + blockIndexSize blocks at the
// current block size.
func (fs *FileSystem) blockForOffset(ino *Inode, logical int, allocate bool, hint *AllocHint) (BlockNumber, error) {
	if logical < DirectBlocks {
		if ino.Direct[logical] == 0 && allocate {
			res, err := fs.alloc.allocateBlocks(1, hint)
			if err != nil {
				return 0, err
			}
			ino.Direct[logical] = res.Start
			ino.dirty = true
		}
		return ino.Direct[logical], nil
	}

	idx := logical - DirectBlocks
	perBlock := fs.blockIndexSize()
	if idx >= perBlock {
		return 0, fmt.Errorf("%w: logical block %d exceeds single-indirect capacity", ErrFileTooLarge, logical)
	}

	if ino.Indirect == 0 {
		if !allocate {
			return 0, nil
		}
		res, err := fs.alloc.allocateBlocks(1, hint)
		if err != nil {
			return 0, err
		}
		ino.Indirect = res.Start
		ino.dirty = true
		zero := make([]byte, fs.sb.BlockSize)
		if err := fs.dev.writeBlock(ino.Indirect, zero); err != nil {
			return 0, err
		}
	}

	indBlock, err := fs.dev.readBlock(ino.Indirect)
	if err != nil {
		return 0, err
	}
	off := idx * 8
	ptr := BlockNumber(leUint64(indBlock[off : off+8]))
	if ptr == 0 && allocate {
		res, err := fs.alloc.allocateBlocks(1, hint)
		if err != nil {
			return 0, err
		}
		ptr = res.Start
		putLeUint64(indBlock[off:off+8], uint64(ptr))
		if err := fs.dev.writeBlock(ino.Indirect, indBlock); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// maxFileBlocks is the number of logical blocks this implementation
// can address: DirectBlocks direct pointers plus one full single
// indirect block's worth of pointers.
func (fs *FileSystem) maxFileBlocks() int {
	return DirectBlocks + fs.blockIndexSize()
}

// File is an open file handle.
type File struct {
	fs     *FileSystem
	ino    *Inode
	offset int64
	flags  int
}

// OpenFlags mirror the subset of POSIX open(2) flags VexFS supports.
const (
	OFlagRead = 1 << iota
	OFlagWrite
	OFlagAppend
	OFlagTruncate
	OFlagCreate
)

// openFile opens an already-resolved inode as a file handle with the
// given flags, truncating first if OFlagTruncate is set.
func (fs *FileSystem) openFile(ino *Inode, flags int) (*File, error) {
	if !ino.IsRegular() {
		return nil, fmt.Errorf("%w: inode %d is not a regular file", ErrInvalidOperation, ino.Number)
	}
	f := &File{fs: fs, ino: ino, flags: flags}
	if flags&OFlagAppend != 0 {
		f.offset = int64(ino.Size)
	}
	if flags&OFlagTruncate != 0 {
		if err := fs.truncate(ino, 0); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ReadAt reads into p at off, never reading past Size and
// zero-filling a hole.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.flags&OFlagRead == 0 {
		return 0, fmt.Errorf("%w: file not opened for read", ErrPermission)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrArgument)
	}
	if uint64(off) >= f.ino.Size {
		return 0, io.EOF
	}
	remaining := int64(f.ino.Size) - off
	short := false
	if int64(len(p)) > remaining {
		p = p[:remaining]
		short = true
	}
	blockSize := int64(f.fs.sb.BlockSize)
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		logical := int(cur / blockSize)
		within := cur % blockSize
		phys, err := f.fs.blockForOffset(f.ino, logical, false, nil)
		if err != nil {
			return total, err
		}
		n := int(blockSize - within)
		if n > len(p)-total {
			n = len(p) - total
		}
		if phys == 0 {
			for i := 0; i < n; i++ {
				p[total+i] = 0
			}
		} else {
			block, err := f.fs.dev.readBlock(phys)
			if err != nil {
				return total, err
			}
			copy(p[total:total+n], block[within:within+int64(n)])
		}
		total += n
	}
	var err error
	if short {
		err = io.EOF
	}
	return len(p), err
}

// WriteAt writes p at off, allocating blocks as needed
// and journaling each modified block.
func (f *File) WriteAt(tid TxnID, p []byte, off int64) (int, error) {
	if f.flags&OFlagWrite == 0 {
		return 0, fmt.Errorf("%w: file not opened for write", ErrPermission)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrArgument)
	}
	blockSize := int64(f.fs.sb.BlockSize)
	if int((off+int64(len(p))+blockSize-1)/blockSize) > f.fs.maxFileBlocks() {
		return 0, fmt.Errorf("%w: write would exceed addressable file size", ErrFileTooLarge)
	}
	hint := hintForInode(f.ino.Number, len(f.fs.allocGroups), HintData)

	total := 0
	for total < len(p) {
		cur := off + int64(total)
		logical := int(cur / blockSize)
		within := cur % blockSize
		phys, err := f.fs.blockForOffset(f.ino, logical, true, hint)
		if err != nil {
			return total, err
		}
		n := int(blockSize - within)
		if n > len(p)-total {
			n = len(p) - total
		}
		block, err := f.fs.dev.readBlock(phys)
		if err != nil {
			return total, err
		}
		copy(block[within:within+int64(n)], p[total:total+n])
		if err := f.fs.journalBlockWrite(tid, phys, block); err != nil {
			return total, err
		}
		total += n
	}
	if newSize := uint64(off) + uint64(total); newSize > f.ino.Size {
		f.ino.Size = newSize
	}
	f.ino.dirty = true
	return total, nil
}

// Seek repositions the handle's cursor per POSIX lseek(2) whence semantics.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = int64(f.ino.Size)
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrArgument, whence)
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, fmt.Errorf("%w: resulting offset negative", ErrArgument)
	}
	f.offset = newOff
	return newOff, nil
}

// Read/Write use and advance the handle's cursor.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) Write(tid TxnID, p []byte) (int, error) {
	n, err := f.WriteAt(tid, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// truncate resizes a file: shrinking frees trailing
// blocks, growing leaves holes to be zero-filled on read.
func (fs *FileSystem) truncate(ino *Inode, size uint64) error {
	blockSize := uint64(fs.sb.BlockSize)
	oldBlocks := int((ino.Size + blockSize - 1) / blockSize)
	newBlocks := int((size + blockSize - 1) / blockSize)
	if newBlocks > fs.maxFileBlocks() {
		return fmt.Errorf("%w: size %d exceeds addressable file size", ErrFileTooLarge, size)
	}

	for logical := newBlocks; logical < oldBlocks; logical++ {
		phys, err := fs.blockForOffset(ino, logical, false, nil)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		if err := fs.alloc.freeBlocks(phys, 1); err != nil {
			return err
		}
		if logical < DirectBlocks {
			ino.Direct[logical] = 0
		}
	}
	if newBlocks <= DirectBlocks && ino.Indirect != 0 {
		if err := fs.alloc.freeBlocks(ino.Indirect, 1); err != nil {
			return err
		}
		ino.Indirect = 0
	}
	ino.Size = size
	ino.dirty = true
	return nil
}
