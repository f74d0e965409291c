package settlement

import (
	"context"
	"sync"
)

// =============================================================================
// LOCKER - Per-driver single-writer scope
// =============================================================================

// Locker serializes reconciliations per driver. TryLock never blocks: it
// returns ErrLockContended when another holder has the driver, and the
// engine retries with backoff. Different drivers never contend.
type Locker interface {
	TryLock(ctx context.Context, driverID DriverID) (release func(), err error)
}

// LocalLocker is an in-process Locker. Use lock/redislock when several
// processes write the same store.
type LocalLocker struct {
	mu   sync.Mutex
	held map[DriverID]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[DriverID]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, driverID DriverID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[driverID]; ok {
		return nil, ErrLockContended
	}
	l.held[driverID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, driverID)
			l.mu.Unlock()
		})
	}, nil
}
