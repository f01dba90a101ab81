package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
)

// LockTimeout bounds the wait for the cross-process report lock.
const LockTimeout = 10 * time.Second

const lockRetryDelay = 50 * time.Millisecond

// NamedLock is an OS-visible mutual-exclusion lock shared by every process
// and thread writing the same report file. It is a deliberate external
// coordination boundary: multiple instrumented processes may flush into one
// report.
type NamedLock struct {
	fl *flock.Flock
}

// NewNamedLock builds the lock guarding the given report path.
func NewNamedLock(reportPath string) *NamedLock {
	return &NamedLock{fl: flock.New(reportPath + ".lock")}
}

// Acquire waits up to LockTimeout for the lock. When the wait times out the
// merge proceeds anyway; that mirrors the long-observed behavior of this
// tool and is flagged as a contention risk rather than silently changed.
// The returned release function is safe to call regardless.
func (l *NamedLock) Acquire() (release func(), err error) {
	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	locked, err := l.fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil && ctx.Err() == nil {
		return func() {}, err
	}

	if !locked {
		slog.Warn("report lock wait timed out, merging without it",
			"lock", l.fl.Path(),
			"timeout", LockTimeout,
		)

		return func() {}, nil
	}

	return func() {
		if err := l.fl.Unlock(); err != nil {
			slog.Error("failed to release report lock", "lock", l.fl.Path(), "error", err)
		}
	}, nil
}
