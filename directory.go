package vexfs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FileType byte values stored in a directory entry.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
)

const (
	dirEntryMinSize = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)
	maxNameLen      = 255
)

// dirEntry is a variable-length, 4-byte-aligned directory record.
type dirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType FileType
	Name     string
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

func entrySize(nameLen int) int { return alignUp4(dirEntryMinSize + nameLen) }

func encodeDirEntry(e *dirEntry) []byte {
	size := int(e.RecLen)
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:4], e.Inode)
	binary.LittleEndian.PutUint16(b[4:6], e.RecLen)
	b[6] = e.NameLen
	b[7] = byte(e.FileType)
	copy(b[8:8+len(e.Name)], e.Name)
	return b
}

func decodeDirEntry(b []byte) (*dirEntry, error) {
	if len(b) < dirEntryMinSize {
		return nil, fmt.Errorf("%w: directory record too short", ErrInvalidData)
	}
	e := &dirEntry{
		Inode:    binary.LittleEndian.Uint32(b[0:4]),
		RecLen:   binary.LittleEndian.Uint16(b[4:6]),
		NameLen:  b[6],
		FileType: FileType(b[7]),
	}
	if int(e.RecLen) > len(b) || int(e.RecLen) < dirEntryMinSize {
		return nil, fmt.Errorf("%w: directory record length %d invalid", ErrInvalidData, e.RecLen)
	}
	if dirEntryMinSize+int(e.NameLen) > int(e.RecLen) {
		return nil, fmt.Errorf("%w: directory record name overruns rec_len", ErrInvalidData)
	}
	e.Name = string(b[8 : 8+int(e.NameLen)])
	return e, nil
}

// decodeDirBlock parses a full directory block into its sequence of
// records; the last record's rec_len absorbs any trailing space in the
// block.
func decodeDirBlock(block []byte) ([]*dirEntry, error) {
	var entries []*dirEntry
	pos := 0
	for pos < len(block) {
		e, err := decodeDirEntry(block[pos:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		pos += int(e.RecLen)
	}
	return entries, nil
}

func encodeDirBlock(entries []*dirEntry, blockSize uint32) []byte {
	out := make([]byte, 0, blockSize)
	for _, e := range entries {
		out = append(out, encodeDirEntry(e)...)
	}
	for uint32(len(out)) < blockSize {
		out = append(out, 0)
	}
	return out
}

// validateName rejects empty names, ".", "..", names over maxNameLen, and
// names containing '/' or NUL.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, maxNameLen)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: name contains '/' or NUL", ErrInvalidName)
	}
	return nil
}

// dirReader/dirWriter operate against a directory inode's allocated data
// blocks via the filesystem's block device; they are methods on
// *FileSystem (defined in vexfs.go) so they can allocate new blocks
// through the shared allocator and journal the writes.

// lookupInDir scans dirIno's directory blocks for name.
func (fs *FileSystem) lookupInDir(dirIno *Inode, name string) (*dirEntry, int, int, error) {
	if !dirIno.IsDir() {
		return nil, 0, 0, ErrNotDirectory
	}
	nBlocks := int((dirIno.Size + uint64(fs.sb.BlockSize) - 1) / uint64(fs.sb.BlockSize))
	for bi := 0; bi < nBlocks && bi < DirectBlocks; bi++ {
		blockNum := dirIno.Direct[bi]
		if blockNum == 0 {
			continue
		}
		block, err := fs.dev.readBlock(blockNum)
		if err != nil {
			return nil, 0, 0, err
		}
		entries, err := decodeDirBlock(block)
		if err != nil {
			return nil, 0, 0, err
		}
		for _, e := range entries {
			if e.Inode != 0 && int(e.NameLen) == len(name) && e.Name == name {
				return e, bi, 0, nil
			}
		}
	}
	return nil, 0, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// addDirEntry inserts a new name/inode pair into dirIno, splitting a
// slack-holding record or allocating a new block if none has room.
func (fs *FileSystem) addDirEntry(octx *OperationContext, tid TxnID, dirIno *Inode, name string, ino uint32, ft FileType) error {
	if err := validateName(name); err != nil {
		return err
	}
	need := entrySize(len(name))
	nBlocks := int((dirIno.Size + uint64(fs.sb.BlockSize) - 1) / uint64(fs.sb.BlockSize))

	for bi := 0; bi < nBlocks && bi < DirectBlocks; bi++ {
		blockNum := dirIno.Direct[bi]
		if blockNum == 0 {
			continue
		}
		block, err := fs.dev.readBlock(blockNum)
		if err != nil {
			return err
		}
		entries, err := decodeDirBlock(block)
		if err != nil {
			return err
		}
		for idx, e := range entries {
			used := entrySize(int(e.NameLen))
			slack := int(e.RecLen) - used
			if e.Inode != 0 && slack < need {
				continue
			}
			if e.Inode == 0 && int(e.RecLen) < need {
				continue
			}
			if e.Inode != 0 {
				// split this record
				newEntry := &dirEntry{Inode: ino, RecLen: uint16(int(e.RecLen) - used), NameLen: uint8(len(name)), FileType: ft, Name: name}
				e.RecLen = uint16(used)
				entries = append(entries[:idx+1], append([]*dirEntry{newEntry}, entries[idx+1:]...)...)
			} else {
				e.Inode = ino
				e.NameLen = uint8(len(name))
				e.FileType = ft
				e.Name = name
				// e.RecLen unchanged: it absorbs any remaining slack
			}
			newBlock := encodeDirBlock(entries, fs.sb.BlockSize)
			if err := fs.journalBlockWrite(tid, blockNum, newBlock); err != nil {
				return err
			}
			return nil
		}
	}

	// no slack anywhere: allocate a new block
	hint := hintForInode(dirIno.Number, len(fs.allocGroups), HintMetadata)
	res, err := fs.alloc.allocateBlocks(1, hint)
	if err != nil {
		return err
	}
	if nBlocks >= DirectBlocks {
		fs.alloc.freeBlocks(res.Start, 1)
		return fmt.Errorf("%w: directory exceeds %d direct blocks (indirect directory blocks unimplemented)", ErrNoSpace, DirectBlocks)
	}
	entry := &dirEntry{Inode: ino, RecLen: uint16(fs.sb.BlockSize), NameLen: uint8(len(name)), FileType: ft, Name: name}
	newBlock := encodeDirBlock([]*dirEntry{entry}, fs.sb.BlockSize)
	if err := fs.journalBlockWrite(tid, res.Start, newBlock); err != nil {
		return err
	}
	dirIno.Direct[nBlocks] = res.Start
	dirIno.Size += uint64(fs.sb.BlockSize)
	dirIno.dirty = true
	return nil
}

// removeDirEntry removes a directory entry: extends the
// predecessor's rec_len over the removed record.
func (fs *FileSystem) removeDirEntry(tid TxnID, dirIno *Inode, name string) error {
	nBlocks := int((dirIno.Size + uint64(fs.sb.BlockSize) - 1) / uint64(fs.sb.BlockSize))
	for bi := 0; bi < nBlocks && bi < DirectBlocks; bi++ {
		blockNum := dirIno.Direct[bi]
		if blockNum == 0 {
			continue
		}
		block, err := fs.dev.readBlock(blockNum)
		if err != nil {
			return err
		}
		entries, err := decodeDirBlock(block)
		if err != nil {
			return err
		}
		for idx, e := range entries {
			if e.Inode == 0 || e.Name != name {
				continue
			}
			if idx == 0 {
				e.Inode = 0
				e.Name = ""
				e.NameLen = 0
				e.FileType = FileTypeUnknown
			} else {
				prev := entries[idx-1]
				prev.RecLen += e.RecLen
				entries = append(entries[:idx], entries[idx+1:]...)
			}
			newBlock := encodeDirBlock(entries, fs.sb.BlockSize)
			return fs.journalBlockWrite(tid, blockNum, newBlock)
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// isDirEmpty reports whether a directory has any entries beyond "." and "..".
func (fs *FileSystem) isDirEmpty(dirIno *Inode) (bool, error) {
	nBlocks := int((dirIno.Size + uint64(fs.sb.BlockSize) - 1) / uint64(fs.sb.BlockSize))
	count := 0
	for bi := 0; bi < nBlocks && bi < DirectBlocks; bi++ {
		blockNum := dirIno.Direct[bi]
		if blockNum == 0 {
			continue
		}
		block, err := fs.dev.readBlock(blockNum)
		if err != nil {
			return false, err
		}
		entries, err := decodeDirBlock(block)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Inode != 0 && e.Name != "." && e.Name != ".." {
				count++
			}
		}
	}
	return count == 0, nil
}

// initDirBlock writes the first directory block containing "." and "..".
func (fs *FileSystem) initDirBlock(tid TxnID, blockNum BlockNumber, selfIno, parentIno uint32) error {
	dot := &dirEntry{Inode: selfIno, NameLen: 1, FileType: FileTypeDirectory, Name: "."}
	dotdot := &dirEntry{Inode: parentIno, NameLen: 2, FileType: FileTypeDirectory, Name: ".."}
	dot.RecLen = uint16(entrySize(1))
	dotdot.RecLen = uint16(int(fs.sb.BlockSize) - entrySize(1))
	block := encodeDirBlock([]*dirEntry{dot, dotdot}, fs.sb.BlockSize)
	return fs.journalBlockWrite(tid, blockNum, block)
}
