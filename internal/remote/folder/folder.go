// Package folder implements remote.Store on a directory of an afero
// filesystem, typically a locally mounted cloud drive folder.
//
// Remote paths ("/diary-data.enc", "/backups/...") are resolved below the
// root directory. There is no credential: VerifyIdentity only checks that
// the root is reachable.
package folder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/diary/internal/remote"
)

// Store is a remote.Store backed by a directory.
type Store struct {
	fs   afero.Fs
	root string
}

var _ remote.Store = (*Store)(nil)

// New returns a Store rooted at root on fsys. Use afero.NewOsFs() for a
// real directory.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// resolve maps a remote path below the root. Cleaning an absolute path
// removes any leading "..", so the result never escapes the root.
func (s *Store) resolve(p string) string {
	clean := path.Clean("/" + strings.TrimPrefix(p, "/"))
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *Store) wrap(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, p, remote.ErrNotFound)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s %s: %w", op, p, remote.ErrUnauthorized)
	}
	return &remote.Error{Op: op, Path: p, Err: err}
}

// Upload writes contents at p. ModeAdd fails with remote.ErrExists if the
// object exists. Writes go through a temp file and rename.
func (s *Store) Upload(ctx context.Context, p string, contents []byte, mode remote.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return &remote.Error{Op: "upload", Path: p, Err: err}
	}
	full := s.resolve(p)

	if mode == remote.ModeAdd {
		if _, err := s.fs.Stat(full); err == nil {
			return fmt.Errorf("upload %s: %w", p, remote.ErrExists)
		}
	}

	if err := s.fs.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return s.wrap("upload", p, err)
	}

	tmp := full + ".partial"
	if err := afero.WriteFile(s.fs, tmp, contents, 0600); err != nil {
		return s.wrap("upload", p, err)
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		_ = s.fs.Remove(tmp)
		return s.wrap("upload", p, err)
	}
	return nil
}

// Download returns the object at p.
func (s *Store) Download(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.Error{Op: "download", Path: p, Err: err}
	}
	full := s.resolve(p)
	data, err := afero.ReadFile(s.fs, full)
	if err != nil {
		return nil, s.wrap("download", p, err)
	}
	return data, nil
}

// ListFolder lists the direct children of p.
func (s *Store) ListFolder(ctx context.Context, p string) ([]remote.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.Error{Op: "list_folder", Path: p, Err: err}
	}
	full := s.resolve(p)

	infos, err := afero.ReadDir(s.fs, full)
	if err != nil {
		return nil, s.wrap("list_folder", p, err)
	}

	out := make([]remote.FileInfo, 0, len(infos))
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name(), ".partial") {
			continue
		}
		out = append(out, remote.FileInfo{
			Name:       fi.Name(),
			PathLower:  strings.ToLower(path.Join("/", strings.TrimPrefix(p, "/"), fi.Name())),
			ModifiedAt: fi.ModTime(),
			Size:       fi.Size(),
			IsFile:     !fi.IsDir(),
		})
	}
	return out, nil
}

// CreateFolder creates p. An existing folder is success.
func (s *Store) CreateFolder(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return &remote.Error{Op: "create_folder", Path: p, Err: err}
	}
	full := s.resolve(p)
	if err := s.fs.MkdirAll(full, 0700); err != nil {
		return s.wrap("create_folder", p, err)
	}
	return nil
}

// VerifyIdentity checks that the root directory exists.
func (s *Store) VerifyIdentity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &remote.Error{Op: "verify", Err: err}
	}
	fi, err := s.fs.Stat(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &remote.Error{Op: "verify", Path: s.root, Err: fmt.Errorf("folder not mounted: %w", err)}
		}
		return s.wrap("verify", s.root, err)
	}
	if !fi.IsDir() {
		return &remote.Error{Op: "verify", Path: s.root, Err: errors.New("not a directory")}
	}
	return nil
}
