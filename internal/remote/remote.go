// Package remote defines the contract the sync engine uses to talk to the
// third-party object store holding the encrypted snapshot.
//
// Implementations live in subpackages:
//
//	remote/dropbox  Dropbox HTTP API v2
//	remote/folder   a directory on any afero filesystem (mounted cloud folder)
//
// All operations may fail. Callers distinguish three outcomes with the
// helpers below: the object is absent (IsNotFound), the credential was
// rejected (IsUnauthorized), or anything else (a *Error).
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WriteMode selects how Upload treats an existing object.
type WriteMode int

const (
	// ModeOverwrite replaces an existing object.
	ModeOverwrite WriteMode = iota
	// ModeAdd fails if the object already exists.
	ModeAdd
)

// String returns a human-readable representation of the mode.
func (m WriteMode) String() string {
	switch m {
	case ModeOverwrite:
		return "overwrite"
	case ModeAdd:
		return "add"
	default:
		return "unknown"
	}
}

// FileInfo describes one child returned by ListFolder.
type FileInfo struct {
	Name       string
	PathLower  string
	ModifiedAt time.Time
	Size       int64
	IsFile     bool
}

// Store is the object store contract.
type Store interface {
	// Upload writes contents at path.
	Upload(ctx context.Context, path string, contents []byte, mode WriteMode) error

	// Download returns the object at path, or an error matching ErrNotFound.
	Download(ctx context.Context, path string) ([]byte, error)

	// ListFolder lists the direct children of path.
	ListFolder(ctx context.Context, path string) ([]FileInfo, error)

	// CreateFolder creates path. An existing folder is not an error.
	CreateFolder(ctx context.Context, path string) error

	// VerifyIdentity checks that the current credential is accepted.
	// It returns an error matching ErrUnauthorized when it is not.
	VerifyIdentity(ctx context.Context) error
}

var (
	// ErrNotFound is returned by Download when the path does not exist.
	ErrNotFound = errors.New("remote object not found")

	// ErrUnauthorized is returned when the store rejects the credential.
	ErrUnauthorized = errors.New("remote store rejected credential")

	// ErrExists is returned by Upload in ModeAdd when the object exists.
	ErrExists = errors.New("remote object already exists")
)

// Error is a failed remote call: network trouble, a service error, or an
// open circuit.
type Error struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "remote " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
