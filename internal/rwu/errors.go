package rwu

import (
	"errors"
	"fmt"
)

// ErrForbiddenUpgrade is returned when a context already holding the read
// level attempts to acquire the update or write level directly. Spec.md
// §4.4: "upgrade from read to update/write is forbidden; the caller must
// release and reacquire at the outer scope."
var ErrForbiddenUpgrade = errors.New("rwu: cannot upgrade a read-held context to update or write; release and reacquire at update/write instead")

// ErrIllegalMonitorState is returned by an Unlock* call that does not match
// a held lock level for the calling context.
var ErrIllegalMonitorState = errors.New("rwu: unlock call does not match a held lock level")

// ErrInterrupted is returned when a caller-supplied context.Context is
// cancelled while a lock acquisition is blocked.
var ErrInterrupted = errors.New("rwu: lock acquisition interrupted")

// ErrTimeout is returned by a bounded (TryLock-with-timeout) acquisition
// that could not succeed before its deadline.
var ErrTimeout = errors.New("rwu: lock acquisition timed out")

// HeaderSnapshot is a diagnostic, racy point-in-time view of a Header's
// packed counters, used only for deadlock reporting and inspection tools —
// never for correctness decisions.
type HeaderSnapshot struct {
	Read, Update, Write, Waiters uint32
}

// DeadlockError is raised when a lock acquisition exhausts its bounded
// spin+park budget (spinBudget rounds of exponential backoff) without
// success. It carries the header's last-observed counters so the caller
// (typically pkg/sharedmap, which also knows the process-wide context
// registry) can build a richer diagnostic.
type DeadlockError struct {
	Snapshot HeaderSnapshot
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("rwu: deadlock suspected (read=%d update=%d write=%d waiters=%d)",
		e.Snapshot.Read, e.Snapshot.Update, e.Snapshot.Write, e.Snapshot.Waiters)
}

// ErrDeadLockDetected is a sentinel usable with errors.Is against any
// *DeadlockError returned by this package.
var ErrDeadLockDetected = errors.New("rwu: deadlock detected")

func (e *DeadlockError) Is(target error) bool { return target == ErrDeadLockDetected }
func (e *DeadlockError) Unwrap() error         { return ErrDeadLockDetected }
