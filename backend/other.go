//go:build !linux

package backend

import "os"

// Fdatasync flushes a Storage to the backing device on platforms without a
// dedicated fdatasync syscall, falling back to a full Sync().
func Fdatasync(s Storage) error {
	wf, err := s.Writable()
	if err != nil {
		return err
	}
	if syncer, ok := wf.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// FlockExclusive is a no-op outside Linux: platforms without flock(2) rely
// on the caller's own single-writer discipline instead.
func FlockExclusive(f *os.File) error {
	return nil
}
