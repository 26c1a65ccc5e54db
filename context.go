package vexfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is the caller identity carried by an OperationContext.
type Identity struct {
	UID uint32
	GID uint32
	PID uint32
}

// OperationContext is the per-request carrier of identity, transaction id,
// timeout, and observability hooks. It is created at an entry point, owned
// by the request, and destroyed on reply.
type OperationContext struct {
	TraceID       uuid.UUID
	User          Identity
	TransactionID TxnID
	HasTxn        bool
	Timeout       time.Duration
	Priority      int

	start time.Time
	fs    *FileSystem
}

// NewOperationContext constructs the context every public entry point
// opens with.
func (fs *FileSystem) NewOperationContext(user Identity, timeout time.Duration) *OperationContext {
	return &OperationContext{
		TraceID: uuid.New(),
		User:    user,
		Timeout: timeout,
		start:   fs.now(),
		fs:      fs,
	}
}

// Elapsed returns how long this context has been alive.
func (c *OperationContext) Elapsed() time.Duration {
	return c.fs.now().Sub(c.start)
}

// checkDeadline implements cooperative cancellation: the
// caller rechecks at natural boundaries (per-block, per-layer, per-group);
// on a miss, the next journal-log or allocator call must fail with Timeout.
func (c *OperationContext) checkDeadline(op string) error {
	if c.Timeout <= 0 {
		return nil
	}
	if c.Elapsed() > c.Timeout {
		return newErr(op, KindTimeout, fmt.Errorf("deadline of %s exceeded", c.Timeout))
	}
	return nil
}

// lockManager enforces the filesystem's locking hierarchy:
//  1. directory lock (filesystem-global)
//  2. per-inode write lock
//  3. per-inode read lock
//
// Acquire in this order, release in reverse. Callers needing two inode
// locks (e.g. rename) acquire the lower-numbered inode first, avoiding
// deadlock without needing a true lock-ordering detector.
type lockManager struct {
	dirMu   sync.Mutex
	inoMu   sync.Map // ino uint32 -> *sync.RWMutex
}

func newLockManager() *lockManager {
	return &lockManager{}
}

func (l *lockManager) inodeLock(ino uint32) *sync.RWMutex {
	v, _ := l.inoMu.LoadOrStore(ino, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

func (l *lockManager) lockDir()    { l.dirMu.Lock() }
func (l *lockManager) unlockDir()  { l.dirMu.Unlock() }

func (l *lockManager) lockInodeWrite(ino uint32)   { l.inodeLock(ino).Lock() }
func (l *lockManager) unlockInodeWrite(ino uint32) { l.inodeLock(ino).Unlock() }
func (l *lockManager) lockInodeRead(ino uint32)     { l.inodeLock(ino).RLock() }
func (l *lockManager) unlockInodeRead(ino uint32)   { l.inodeLock(ino).RUnlock() }

// lockTwoInodesWrite acquires write locks on two inodes in ascending
// numeric order rule, and returns an
// unlock func that releases them in reverse order.
func (l *lockManager) lockTwoInodesWrite(a, b uint32) func() {
	first, second := a, b
	if first > second {
		first, second = second, first
	}
	if first == second {
		l.lockInodeWrite(first)
		return func() { l.unlockInodeWrite(first) }
	}
	l.lockInodeWrite(first)
	l.lockInodeWrite(second)
	return func() {
		l.unlockInodeWrite(second)
		l.unlockInodeWrite(first)
	}
}
