// Package storage provides object storage backends for the file list
// catalog. The catalog only depends on the small ObjectStore surface in
// the catalog package; this package supplies a filesystem-backed
// implementation that serves both production nodes (osfs) and tests
// (memfs).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get for objects that do not exist.
var ErrNotFound = errors.New("object not found")

// Local stores objects on a billy filesystem rooted at the store
// directory. Object keys are slash-separated paths. Writes are atomic:
// data lands in a temp file that is renamed into place, so readers never
// observe a partially written object.
type Local struct {
	fs     billy.Filesystem
	logger zerolog.Logger

	// Serializes renames into the same key. Concurrent Puts of distinct
	// keys do not contend.
	mu sync.Mutex
}

// NewLocal creates a filesystem-backed object store.
func NewLocal(fs billy.Filesystem, logger zerolog.Logger) *Local {
	return &Local{
		fs:     fs,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// Put durably stores an object under key, overwriting any existing one.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := path.Dir(key)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create object dir %s: %w", dir, err)
	}

	tmp, err := l.fs.TempFile(dir, ".put-")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = l.fs.Remove(tmpName)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = l.fs.Remove(tmpName)
		return fmt.Errorf("close object %s: %w", key, err)
	}

	l.mu.Lock()
	err = l.fs.Rename(tmpName, key)
	l.mu.Unlock()
	if err != nil {
		_ = l.fs.Remove(tmpName)
		return fmt.Errorf("finalize object %s: %w", key, err)
	}

	return nil
}

// Get fetches the full contents of an object. Missing objects return
// ErrNotFound.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := l.fs.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the given objects. Deleting an object that does not
// exist is not an error; partial failures return the first error after
// attempting every key.
func (l *Local) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var firstErr error
	for _, key := range keys {
		err := l.fs.Remove(key)
		if err != nil && !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete object")
			if firstErr == nil {
				firstErr = fmt.Errorf("delete object %s: %w", key, err)
			}
		}
	}
	return firstErr
}

// List returns the keys of all objects under the given prefix, sorted
// lexically. A prefix whose directory does not exist yields an empty
// listing.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := strings.TrimSuffix(prefix, "/")
	if _, err := l.fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat prefix %s: %w", root, err)
	}

	var keys []string
	if err := l.walk(root, prefix, &keys); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) walk(dir, prefix string, keys *[]string) error {
	entries, err := l.fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, fi := range entries {
		name := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := l.walk(name, prefix, keys); err != nil {
				return err
			}
			continue
		}
		// Temp files from in-flight Puts are not objects yet.
		if strings.HasPrefix(fi.Name(), ".put-") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			*keys = append(*keys, name)
		}
	}
	return nil
}
