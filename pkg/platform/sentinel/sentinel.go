package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, lockers and queues return
// these (optionally wrapped) so services can translate them into coded
// domain errors:
//   - ErrNotFound: entity does not exist in store
//   - ErrConflict: uniqueness violated (e.g. duplicate membership row)
//   - ErrStaleVersion: optimistic concurrency token no longer matches
//   - ErrLockNotAcquired: named lock still held after the blocking timeout
//   - ErrLockLost: lease expired or was taken over before release
//   - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrStaleVersion    = errors.New("stale version")
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockLost        = errors.New("lock lost")
	ErrUnavailable     = errors.New("unavailable")
)
