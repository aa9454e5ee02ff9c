package cache

import (
	"errors"
	"fmt"

	"mockcode/internal/artifact"
	"mockcode/internal/fingerprint"
)

// ConflictError reports a commit whose bundle differs from the one
// already published under the same fingerprint. The first commit is
// authoritative; this error means a supposedly deterministic program
// produced divergent results for identical inputs.
type ConflictError struct {
	Fingerprint    fingerprint.Fingerprint
	ExistingDigest string
	OfferedDigest  string
	Diff           artifact.Diff
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("cache conflict for %s: existing entry %s, offered %s",
		e.Fingerprint.Short(), shortDigest(e.ExistingDigest), shortDigest(e.OfferedDigest))
	if !e.Diff.Empty() {
		msg += " (" + e.Diff.String() + ")"
	}
	return msg
}

// CommitError wraps a storage failure during commit. The result that
// could not be cached is still valid; callers may use it and retry
// caching on a later run.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("cache commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsCommitFailure reports whether err is a CommitError.
func IsCommitFailure(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}
