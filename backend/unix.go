//go:build linux

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes a Storage's data (and only as much metadata as needed
// to retrieve it) to the backing device, used by the journal's commit path
// and by the fsync entry point . Grounded on disk/disk_unix.go's
// use of golang.org/x/sys/unix for ioctl calls against the backend's raw fd.
func Fdatasync(s Storage) error {
	f, err := s.Sys()
	if err != nil {
		// not a real OS file (e.g. an in-memory backend in tests): a plain
		// Sync() is the best available durability signal.
		wf, werr := s.Writable()
		if werr != nil {
			return werr
		}
		if syncer, ok := wf.(interface{ Sync() error }); ok {
			return syncer.Sync()
		}
		return nil
	}
	return unix.Fdatasync(int(f.Fd()))
}

// FlockExclusive takes a non-blocking advisory exclusive lock on f's fd,
// used by the file backend to refuse a second read-write mount of the same
// image: a block-backed filesystem corrupts its own metadata if two
// processes journal against it concurrently, and an OS-level image file
// carries no mount-table VexFS could otherwise consult.
func FlockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
