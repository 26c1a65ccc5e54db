package sync

import (
	"io/fs"
	"os"
	"path/filepath"

	times "gopkg.in/djherbis/times.v1"
)

// DirFS wraps os.DirFS with the two capabilities ImportTree needs beyond
// plain fs.FS: symlink target reading and a real host path per entry (so
// importXattrs and importFile can reach pkg/xattr and times.v1, neither
// of which operates on an fs.FS abstraction).
type DirFS struct {
	root string
	fs.FS
}

// NewDirFS roots a DirFS at dir.
func NewDirFS(dir string) DirFS {
	return DirFS{root: dir, FS: os.DirFS(dir)}
}

// HostPath implements the hostPather interface importXattrs and
// importFile's birth-time lookup use.
func (d DirFS) HostPath(name string) (string, bool) {
	return filepath.Join(d.root, filepath.FromSlash(name)), true
}

// ReadLink implements the readlinker interface importSymlink uses.
func (d DirFS) ReadLink(name string) (string, error) {
	return os.Readlink(filepath.Join(d.root, filepath.FromSlash(name)))
}

// birthTime reads a host file's creation time via times.v1, when the
// platform exposes one. Returns the zero time if not.
func birthTime(hostPath string) (int64, bool) {
	t, err := times.Stat(hostPath)
	if err != nil || !t.HasBirthTime() {
		return 0, false
	}
	return t.BirthTime().Unix(), true
}
