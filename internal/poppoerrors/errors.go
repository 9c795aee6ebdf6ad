// Package poppoerrors declares the sentinel error kinds of the remediation
// pipeline's error taxonomy (spec §7). Components wrap these with
// fmt.Errorf("...: %w", ...) and callers match with errors.Is, following the
// teacher's own idiom (no typed-error package; see internal/procutil and
// internal/attractor/runstate in the reference tree) rather than a third
// party error-wrapping library.
package poppoerrors

import "errors"

var (
	// ErrConfig marks malformed or missing required configuration. Fatal at
	// start.
	ErrConfig = errors.New("config error")

	// ErrAcquireTimeout is returned by the lock manager when a waiter's
	// deadline elapses before the key is granted.
	ErrAcquireTimeout = errors.New("lock acquire timeout")

	// ErrDeadlockAbort is returned to the waiter the deadlock detector
	// chooses to abort when it finds a wait cycle.
	ErrDeadlockAbort = errors.New("aborted to break deadlock")

	// ErrNotRepairable is the repair engine's admission-time rejection.
	ErrNotRepairable = errors.New("not repairable")

	// ErrBusy is the repair engine's translation of ErrAcquireTimeout /
	// ErrDeadlockAbort at the lock step.
	ErrBusy = errors.New("resource busy")

	// ErrValidationFailure means the repair ran but its validator rejected
	// the result; triggers rollback.
	ErrValidationFailure = errors.New("repair validation failed")

	// ErrIntegrity marks a backup whose blob checksum no longer matches its
	// sidecar metadata.
	ErrIntegrity = errors.New("backup integrity check failed")

	// ErrCorruptBackup is returned by restore when the stored checksum does
	// not match the blob being restored.
	ErrCorruptBackup = errors.New("corrupt backup")

	// ErrParse marks a malformed state file or message; state files are
	// treated as empty, messages are left as dead-letters.
	ErrParse = errors.New("parse error")

	// ErrDeliveryReplay marks a message id observed more than once; the
	// recipient must ignore it silently rather than treat it as an error.
	ErrDeliveryReplay = errors.New("duplicate delivery")

	// ErrAlreadyRunning is returned by the single-instance startup guard
	// when a live process already owns the state directory.
	ErrAlreadyRunning = errors.New("another instance already owns this state directory")
)
