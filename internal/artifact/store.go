// Package artifact owns the on-disk lifecycle of pipeline byte blobs.
// Callers hold opaque handles; the store is the only component that
// maps a handle to a filesystem path.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound reports that a handle no longer resolves to stored bytes,
// usually because the artifact was released.
var ErrNotFound = errors.New("artifact not found")

// Handle is an opaque reference to one stored artifact.
type Handle struct {
	id     string
	suffix string
	path   string
	size   int64
}

// ID returns the unique artifact identifier.
func (h *Handle) ID() string { return h.id }

// Suffix returns the file suffix the artifact was stored with.
func (h *Handle) Suffix() string { return h.suffix }

// Size returns the artifact size in bytes at store time.
func (h *Handle) Size() int64 { return h.size }

// Store keeps artifacts as individual files under a single root
// directory. Names are random, so concurrent writers never collide.
type Store struct {
	root    string
	ownRoot bool
	logger  *slog.Logger
}

// NewStore opens a store rooted at dir, creating it if needed. An empty
// dir selects a fresh temporary directory that Close removes entirely.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ownRoot := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "lectern-store-*")
		if err != nil {
			return nil, fmt.Errorf("create store root: %w", err)
		}
		dir = tmp
		ownRoot = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:    dir,
		ownRoot: ownRoot,
		logger:  logger.With(slog.String("component", "artifact")),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Put persists data under a fresh handle. The suffix becomes the file
// extension, which downstream tools use to sniff the container format.
func (s *Store) Put(data []byte, suffix string) (*Handle, error) {
	suffix, err := normalizeSuffix(suffix)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	path := filepath.Join(s.root, id+suffix)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	s.logger.Debug("artifact stored",
		slog.String("artifact_id", id),
		slog.Int("bytes", len(data)))
	return &Handle{id: id, suffix: suffix, path: path, size: int64(len(data))}, nil
}

// Adopt moves an existing file into the store, preferring a rename so
// large stage outputs are not copied. It falls back to a copy when the
// source lives on another filesystem.
func (s *Store) Adopt(srcPath, suffix string) (*Handle, error) {
	suffix, err := normalizeSuffix(suffix)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	path := filepath.Join(s.root, id+suffix)
	if err := os.Rename(srcPath, path); err != nil {
		if cpErr := copyFile(srcPath, path); cpErr != nil {
			return nil, fmt.Errorf("adopt artifact: %w", errors.Join(err, cpErr))
		}
		_ = os.Remove(srcPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat adopted artifact: %w", err)
	}
	s.logger.Debug("artifact adopted",
		slog.String("artifact_id", id),
		slog.Int64("bytes", info.Size()))
	return &Handle{id: id, suffix: suffix, path: path, size: info.Size()}, nil
}

// Read returns the artifact's bytes. Released handles yield ErrNotFound.
func (s *Store) Read(h *Handle) ([]byte, error) {
	if h == nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", h.id, ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact %s: %w", h.id, err)
	}
	return data, nil
}

// Path resolves the handle to a filesystem path for handing to external
// tools. Released handles yield ErrNotFound.
func (s *Store) Path(h *Handle) (string, error) {
	if h == nil {
		return "", ErrNotFound
	}
	if _, err := os.Stat(h.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("artifact %s: %w", h.id, ErrNotFound)
		}
		return "", fmt.Errorf("stat artifact %s: %w", h.id, err)
	}
	return h.path, nil
}

// Release deletes the artifact's bytes. Releasing a nil or already
// released handle is a no-op, so callers can release unconditionally.
func (s *Store) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := os.Remove(h.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release artifact %s: %w", h.id, err)
	}
	s.logger.Debug("artifact released", slog.String("artifact_id", h.id))
	return nil
}

// ReleaseAll releases every handle, continuing past failures and
// returning them joined.
func (s *Store) ReleaseAll(handles ...*Handle) error {
	var errs []error
	for _, h := range handles {
		if err := s.Release(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close tears the store down. A store that owns its root removes the
// directory and anything still in it.
func (s *Store) Close() error {
	if !s.ownRoot {
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove store root: %w", err)
	}
	return nil
}

func normalizeSuffix(suffix string) (string, error) {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix == "" {
		return ".bin", nil
	}
	if strings.ContainsAny(suffix, `/\`) {
		return "", fmt.Errorf("invalid artifact suffix %q", suffix)
	}
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return suffix, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
