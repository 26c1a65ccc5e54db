package sync

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"

	"github.com/vexfs/vexfs"
)

// VerifyTree compares a host fs.FS tree against the VexFS subtree rooted
// at rootIno, walking both sides and reporting the first mismatch --
// retargeted from CompareFS (two fs.FS values) since the
// destination side here is a VexFS directory, not a generic fs.FS.
func VerifyTree(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, rootIno uint32) error {
	seen := make(map[string]struct{})
	if err := verifyDir(octx, fsys, src, ".", rootIno, seen); err != nil {
		return err
	}
	return checkNoExtra(fsys, rootIno, ".", seen)
}

func verifyDir(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, dir string, destIno uint32, seen map[string]struct{}) error {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	children, err := fsys.ReadDir(destIno)
	if err != nil {
		return fmt.Errorf("readdir inode %d: %w", destIno, err)
	}
	byName := make(map[string]vexfs.DirEntry, len(children))
	for _, c := range children {
		if c.Name == "." || c.Name == ".." {
			continue
		}
		byName[c.Name] = c
	}

	for _, entry := range entries {
		if excludedPaths[entry.Name()] {
			continue
		}
		p := entry.Name()
		if dir != "." {
			p = path.Join(dir, entry.Name())
		}
		seen[p] = struct{}{}

		de, ok := byName[entry.Name()]
		if !ok {
			return fmt.Errorf("path %q missing in VexFS tree", p)
		}
		attr, err := fsys.GetAttr(de.Inode)
		if err != nil {
			return fmt.Errorf("getattr %q: %w", p, err)
		}

		switch {
		case entry.IsDir():
			if de.FileType != vexfs.FileTypeDirectory {
				return fmt.Errorf("type mismatch at %q: expected directory", p)
			}
			if err := verifyDir(octx, fsys, src, p, de.Inode, seen); err != nil {
				return err
			}
		default:
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if uint64(info.Size()) != attr.Size {
				return fmt.Errorf("size mismatch at %q: host %d, vexfs %d", p, info.Size(), attr.Size)
			}
			if err := compareFileContents(fsys, src, p, de.Inode); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkNoExtra mirrors second WalkDir pass: every name
// present under destIno must have been seen on the host side.
func checkNoExtra(fsys *vexfs.FileSystem, destIno uint32, dir string, seen map[string]struct{}) error {
	children, err := fsys.ReadDir(destIno)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Name == "." || c.Name == ".." {
			continue
		}
		p := c.Name
		if dir != "." {
			p = path.Join(dir, c.Name)
		}
		if _, ok := seen[p]; !ok {
			return fmt.Errorf("extra path %q in VexFS tree", p)
		}
		if c.FileType == vexfs.FileTypeDirectory {
			if err := checkNoExtra(fsys, c.Inode, p, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func compareFileContents(fsys *vexfs.FileSystem, src fs.FS, p string, destIno uint32) error {
	hostData, err := fs.ReadFile(src, p)
	if err != nil {
		return fmt.Errorf("read host file %q: %w", p, err)
	}

	vexData := make([]byte, len(hostData)+1)
	n, err := fsys.ReadFileByInode(destIno, vexData)
	if err != nil {
		return fmt.Errorf("read vexfs file (inode %d): %w", destIno, err)
	}
	vexData = vexData[:n]

	if !bytes.Equal(hostData, vexData) {
		return fmt.Errorf("content mismatch at %q", path.Clean(p))
	}
	return nil
}
