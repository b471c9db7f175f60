package store

import "errors"

// ErrNotFound is returned when a requested work unit or payload does not
// exist.
var ErrNotFound = errors.New("store: not found")

// ErrRetryable wraps a storage-layer transient failure: a serialization
// conflict or a deadlock detected by the database. The dispatcher retries
// its lease-taking and lease-confirming transactions on this error after a
// randomized backoff (withStorageRetry); every other transaction,
// including the dispatcher's outcome-recording ones, returns it to its
// caller without a retry.
//
// Backend implementations wrap driver-specific error codes in ErrRetryable
// (Postgres SQLSTATE 40001 serialization_failure and 40P01 deadlock_detected,
// MySQL error 1213 ER_LOCK_DEADLOCK and 1205 ER_LOCK_WAIT_TIMEOUT) so that
// callers can test with a single errors.Is(err, store.ErrRetryable) check
// regardless of backend.
var ErrRetryable = errors.New("store: transient storage failure, safe to retry")
