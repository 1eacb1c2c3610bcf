package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/sanitize"
)

const defaultMaxFileSize = 1 << 20 // 1MB

// LocalFileStore implements FileStore over the configured workspace
// roots. Concurrent writers to the same path are serialized by a
// per-path lock.
type LocalFileStore struct {
	roots   []string
	maxSize int64
	audit   *Audit

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalFileStore validates the roots and returns a store. Every root
// must be an absolute path.
func NewLocalFileStore(roots []string, audit *Audit) (*LocalFileStore, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no workspace roots configured")
	}
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("workspace root %q is not absolute", r)
		}
	}
	return &LocalFileStore{
		roots:   roots,
		maxSize: defaultMaxFileSize,
		audit:   audit,
		locks:   map[string]*sync.Mutex{},
	}, nil
}

func (fs *LocalFileStore) pathLock(abs string) *sync.Mutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	l, ok := fs.locks[abs]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[abs] = l
	}
	return l
}

// Read returns the contents of path resolved under the first matching
// root.
func (fs *LocalFileStore) Read(ctx context.Context, path string) ([]byte, error) {
	abs, err := sanitize.ResolveUnderRoots(path, fs.roots)
	if err != nil {
		fs.audit.Record(ctx, "filestore", "read", err, zap.String("path", path))
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			fs.audit.Record(ctx, "filestore", "read", ErrNotFound, zap.String("path", path))
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > fs.maxSize {
		fs.audit.Record(ctx, "filestore", "read", ErrTooLarge, zap.String("path", path))
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(abs)
	fs.audit.Record(ctx, "filestore", "read", err,
		zap.String("path", path), zap.Int("bytes", len(data)))
	return data, err
}

// Write stores data at path under the first root, creating parent
// directories as needed.
func (fs *LocalFileStore) Write(ctx context.Context, path string, data []byte) error {
	if int64(len(data)) > fs.maxSize {
		fs.audit.Record(ctx, "filestore", "write", ErrTooLarge, zap.String("path", path))
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if err := sanitize.ValidatePath(path, fs.roots[0]); err != nil {
		fs.audit.Record(ctx, "filestore", "write", err, zap.String("path", path))
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	abs := filepath.Join(fs.roots[0], path)

	lock := fs.pathLock(abs)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	err := os.WriteFile(abs, data, 0o600)
	fs.audit.Record(ctx, "filestore", "write", err,
		zap.String("path", path), zap.Int("bytes", len(data)))
	return err
}

// List returns the relative paths of files under dir in the first root.
func (fs *LocalFileStore) List(ctx context.Context, dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := sanitize.ResolveUnderRoots(dir, fs.roots)
	if err != nil {
		fs.audit.Record(ctx, "filestore", "list", err, zap.String("dir", dir))
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	var paths []string
	root := fs.rootFor(abs)
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, err
	}
	fs.audit.Record(ctx, "filestore", "list", nil,
		zap.String("dir", dir), zap.Int("count", len(paths)))
	return paths, nil
}

func (fs *LocalFileStore) rootFor(abs string) string {
	for _, r := range fs.roots {
		if rel, err := filepath.Rel(r, abs); err == nil && !filepath.IsAbs(rel) &&
			rel != ".." && !isOutside(rel) {
			return r
		}
	}
	return fs.roots[0]
}

func isOutside(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
