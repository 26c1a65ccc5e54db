// Package sync copies a host directory tree into a mounted VexFS
// filesystem and verifies the result, grounded on diskfs's
// fs.FS-to-filesystem.FileSystem tree copier but retargeted at
// *vexfs.FileSystem's own operation surface instead of the generic
// diskfs filesystem.FileSystem interface.
package sync

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"

	"github.com/pkg/xattr"

	"github.com/vexfs/vexfs"
)

// birthTimeXattr is the extended attribute ImportTree uses to carry a
// host file's birth time across the copy, since it has no home in
// VexFS's inode layout (ATime/MTime/CTime only, like traditional ext*).
const birthTimeXattr = "user.vexfs.birthtime"

// excludedPaths are never copied in, matching ignore list.
var excludedPaths = map[string]bool{
	"lost+found":                true,
	".DS_Store":                 true,
	"System Volume Information": true,
}

// Stats tallies what ImportTree moved, for the cmd/vexfs "import"
// command to report.
type Stats struct {
	Dirs    int
	Files   int
	Symlink int
	Bytes   int64
}

// ImportTree walks src and recreates it under destParentIno in fsys.
// Regular file contents and symlink targets are always preserved; where
// the host filesystem exposes them (an os.DirFS source), extended
// attributes are copied too via importXattrs.
func ImportTree(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, destParentIno uint32) (Stats, error) {
	var st Stats
	err := importDir(octx, fsys, src, ".", destParentIno, &st)
	return st, err
}

func importDir(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, dir string, destIno uint32, st *Stats) error {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if excludedPaths[name] {
			continue
		}
		p := name
		if dir != "." {
			p = path.Join(dir, name)
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if err := importSymlink(octx, fsys, src, p, destIno, name, st); err != nil {
				return fmt.Errorf("symlink %s: %w", p, err)
			}
		case entry.IsDir():
			attr, err := fsys.Mkdir(octx, destIno, name, uint32(info.Mode().Perm()))
			if err != nil {
				return fmt.Errorf("mkdir %s: %w", p, err)
			}
			st.Dirs++
			if err := importXattrs(fsys, src, p, attr.Inode); err != nil {
				return fmt.Errorf("xattrs %s: %w", p, err)
			}
			if err := importDir(octx, fsys, src, p, attr.Inode, st); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := importFile(octx, fsys, src, p, destIno, name, info, st); err != nil {
				return fmt.Errorf("copy file %s: %w", p, err)
			}
		default:
			// devices, sockets, FIFOs: not part of VexFS's inode model.
			continue
		}
	}
	return nil
}

func importFile(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, p string, destIno uint32, name string, info fs.FileInfo, st *Stats) error {
	in, err := src.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	attr, err := fsys.Create(octx, destIno, name, uint32(info.Mode().Perm()))
	if err != nil {
		return err
	}
	f, _, err := fsys.OpenFile(octx, destIno, name, vexfs.OFlagWrite, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fsys.CloseFile(f) }()

	buf := make([]byte, 256*1024)
	var off int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := fsys.WriteFile(octx, f, buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
			st.Bytes += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	st.Files++
	if err := importXattrs(fsys, src, p, attr.Inode); err != nil {
		return err
	}
	return importBirthTime(fsys, src, p, attr.Inode)
}

// importBirthTime stashes a host regular file's creation time (read via
// times.v1, since os.FileInfo itself has no portable birth-time field)
// as an xattr on the imported inode.
func importBirthTime(fsys *vexfs.FileSystem, src fs.FS, p string, destIno uint32) error {
	type hostPather interface {
		HostPath(string) (string, bool)
	}
	hp, ok := src.(hostPather)
	if !ok {
		return nil
	}
	hostPath, ok := hp.HostPath(p)
	if !ok {
		return nil
	}
	bt, ok := birthTime(hostPath)
	if !ok {
		return nil
	}
	return fsys.SetXattr(destIno, birthTimeXattr, []byte(strconv.FormatInt(bt, 10)))
}

func importSymlink(octx *vexfs.OperationContext, fsys *vexfs.FileSystem, src fs.FS, p string, destIno uint32, name string, st *Stats) error {
	type readlinker interface {
		ReadLink(string) (string, error)
	}
	rl, ok := src.(readlinker)
	if !ok {
		return fmt.Errorf("source filesystem does not support reading symlinks for %s", p)
	}
	target, err := rl.ReadLink(p)
	if err != nil {
		return err
	}
	if _, err := fsys.Symlink(octx, destIno, name, target); err != nil {
		return err
	}
	st.Symlink++
	return nil
}

// importXattrs copies the host file's extended attributes (read via
// pkg/xattr, which needs a real path on disk) onto the freshly created
// VexFS inode. A source fs.FS that cannot expose a host path -- e.g. an
// in-memory fstest.MapFS -- simply carries no xattrs across; that is not
// an error.
func importXattrs(fsys *vexfs.FileSystem, src fs.FS, p string, destIno uint32) error {
	type hostPather interface {
		HostPath(string) (string, bool)
	}
	hp, ok := src.(hostPather)
	if !ok {
		return nil
	}
	hostPath, ok := hp.HostPath(p)
	if !ok {
		return nil
	}
	names, err := xattr.List(hostPath)
	if err != nil {
		// Best-effort: a host filesystem without xattr support (e.g. some
		// network mounts) should not fail the whole import.
		return nil
	}
	for _, name := range names {
		val, err := xattr.Get(hostPath, name)
		if err != nil {
			continue
		}
		if err := fsys.SetXattr(destIno, name, val); err != nil {
			return err
		}
	}
	return nil
}
