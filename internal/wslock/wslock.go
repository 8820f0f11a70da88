// Package wslock serializes gateway lifecycle operations per workspace with
// an advisory exclusive file lock. Holding the lock for the whole
// discovery/mutation cycle is what makes ensure/stop safe against a second
// CLI racing on the same record.
package wslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned when the lock could not be acquired within the
// timeout because another process holds it.
var ErrLockBusy = errors.New("workspace lock busy")

// DefaultTimeout bounds how long callers wait on a contended lock.
const DefaultTimeout = 5 * time.Second

const retryInterval = 100 * time.Millisecond

// WithLock acquires the lock at lockPath, runs op, and releases the lock on
// every exit path, including panics inside op.
func WithLock(ctx context.Context, lockPath string, timeout time.Duration, op func() error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockBusy, lockPath)
		}
		return fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockBusy, lockPath)
	}
	defer func() { _ = fl.Unlock() }()

	return op()
}
