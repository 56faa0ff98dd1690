package syncengine

import (
	"errors"

	"github.com/mschirtzinger/diary/internal/auth"
	"github.com/mschirtzinger/diary/internal/codec"
	"github.com/mschirtzinger/diary/internal/dualstore"
	"github.com/mschirtzinger/diary/internal/remote"
)

// ErrCorruptSnapshot is returned when the remote snapshot decrypts but is
// not a valid entry collection.
var ErrCorruptSnapshot = errors.New("remote snapshot is corrupt")

// FailureKind classifies why a cycle failed.
type FailureKind int

const (
	// FailureNone means the cycle did not fail.
	FailureNone FailureKind = iota
	// FailureAuth means the credential is missing or was rejected.
	FailureAuth
	// FailureRemote means the remote store could not be reached or erred.
	FailureRemote
	// FailureStorage means a local backend failed.
	FailureStorage
	// FailureDecryption means the remote snapshot could not be decoded.
	FailureDecryption
	// FailureUnknown covers everything else, including recovered panics.
	FailureUnknown
)

// String returns a human-readable representation of the kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureAuth:
		return "auth"
	case FailureRemote:
		return "remote"
	case FailureStorage:
		return "storage"
	case FailureDecryption:
		return "decryption"
	default:
		return "unknown"
	}
}

// Classify maps a cycle error to its FailureKind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, auth.ErrAuth), remote.IsUnauthorized(err):
		return FailureAuth
	case errors.Is(err, dualstore.ErrStorageUnavailable):
		return FailureStorage
	case errors.Is(err, codec.ErrDecryption), errors.Is(err, codec.ErrNoKey), errors.Is(err, ErrCorruptSnapshot):
		return FailureDecryption
	}

	var rerr *remote.Error
	if errors.As(err, &rerr) {
		return FailureRemote
	}
	return FailureUnknown
}

// IsRetryable returns true if a failed cycle should be retried after the
// retry delay. Transient remote failures and unknown errors are retried;
// auth, storage and decryption failures need something to change first.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case FailureRemote, FailureUnknown:
		return true
	default:
		return false
	}
}

// UserMessage returns the actionable message shown for a terminal failure.
func UserMessage(kind FailureKind) string {
	switch kind {
	case FailureAuth:
		return "Cloud authorization expired; re-authorize with `diary auth`"
	case FailureRemote:
		return "Sync failed; check your network connection"
	case FailureStorage:
		return "Local storage is unavailable; run `diary recover`"
	case FailureDecryption:
		return "Remote data could not be decrypted with this device's key"
	default:
		return "Sync failed"
	}
}
