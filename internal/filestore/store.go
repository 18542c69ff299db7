// Package filestore keeps uploaded files on local disk for a bounded time.
//
// Each file is written as two artifacts inside the store directory:
//
//	<id>.data   raw upload bytes
//	<id>.json   StoredFile metadata
//
// Any process sharing the directory (API server, worker) sees the same files.
// A file is never returned after its expiry time, even while its bytes remain
// on disk; expired entries are deleted lazily on read and by [Store.Sweep].
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
)

const (
	dataSuffix = ".data"
	metaSuffix = ".json"
	lockName   = ".sweep.lock"
)

// StoredFile describes one upload held by the store.
type StoredFile struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Extension returns the lower-cased extension of the original file name.
func (f StoredFile) Extension() string {
	return strings.ToLower(filepath.Ext(f.OriginalName))
}

// Expired reports whether f is past its expiry at now.
func (f StoredFile) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Options configures a Store.
type Options struct {
	Dir               string
	MaxFileSize       int64
	AllowedExtensions []string
	TTL               time.Duration
	Logger            *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store is a TTL-governed blob store on the local filesystem.
type Store struct {
	dir        string
	maxSize    int64
	extensions []string
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates the store directory if needed and returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	exts := make([]string, 0, len(opts.AllowedExtensions))
	for _, e := range opts.AllowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &Store{
		dir:        opts.Dir,
		maxSize:    opts.MaxFileSize,
		extensions: exts,
		ttl:        opts.TTL,
		logger:     opts.Logger.With("component", "filestore"),
		now:        opts.Now,
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Store validates and persists data under a new identifier.
func (s *Store) Store(ctx context.Context, data []byte, originalName, mimeType string) (StoredFile, error) {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return StoredFile{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", core.ErrFileTooLarge, len(data), s.maxSize)
	}
	return s.write(ctx, bytes.NewReader(data), int64(len(data)), originalName, mimeType)
}

// StoreReader is Store for a stream. At most MaxFileSize+1 bytes are read.
func (s *Store) StoreReader(ctx context.Context, r io.Reader, originalName, mimeType string) (StoredFile, error) {
	if err := s.checkExtension(originalName); err != nil {
		return StoredFile{}, err
	}
	limit := s.maxSize
	if limit <= 0 {
		limit = 1 << 40
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return StoredFile{}, fmt.Errorf("read upload: %w", err)
	}
	return s.Store(ctx, data, originalName, mimeType)
}

func (s *Store) checkExtension(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !slices.Contains(s.extensions, ext) {
		return fmt.Errorf("%w: %q (allowed: %s)", core.ErrInvalidExtension, ext, strings.Join(s.extensions, ", "))
	}
	return nil
}

func (s *Store) write(ctx context.Context, r io.Reader, size int64, originalName, mimeType string) (StoredFile, error) {
	if err := s.checkExtension(originalName); err != nil {
		return StoredFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}

	now := s.now().UTC()
	f := StoredFile{
		ID:           uuid.NewString(),
		OriginalName: filepath.Base(originalName),
		Size:         size,
		MimeType:     mimeType,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	f.Path = s.dataPath(f.ID)

	if err := writeAtomic(f.Path, r); err != nil {
		return StoredFile{}, fmt.Errorf("write file data: %w", err)
	}
	meta, err := json.Marshal(f)
	if err != nil {
		s.remove(f.ID)
		return StoredFile{}, fmt.Errorf("encode file metadata: %w", err)
	}
	if err := writeAtomic(s.metaPath(f.ID), bytes.NewReader(meta)); err != nil {
		s.remove(f.ID)
		return StoredFile{}, fmt.Errorf("write file metadata: %w", err)
	}

	metrics.FilesStored.Inc()
	s.logger.Debug("file stored", "file_id", f.ID, "name", f.OriginalName, "size", f.Size)
	return f, nil
}

// Get returns the file if it exists and has not expired. Expired entries
// are deleted before returning false.
func (s *Store) Get(ctx context.Context, id string) (StoredFile, bool) {
	if !validID(id) {
		return StoredFile{}, false
	}
	f, err := s.readMeta(id)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("unreadable file metadata", "file_id", id, "error", err)
		}
		return StoredFile{}, false
	}
	if f.Expired(s.now()) {
		s.remove(id)
		metrics.FilesExpired.WithLabelValues("read").Inc()
		return StoredFile{}, false
	}
	if _, err := os.Stat(f.Path); err != nil {
		return StoredFile{}, false
	}
	return f, true
}

// Open returns a reader over the file contents.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, StoredFile, error) {
	f, ok := s.Get(ctx, id)
	if !ok {
		return nil, StoredFile{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	rc, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, StoredFile{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}
		return nil, StoredFile{}, fmt.Errorf("open file: %w", err)
	}
	return rc, f, nil
}

// ReadAll returns the file contents.
func (s *Store) ReadAll(ctx context.Context, id string) ([]byte, StoredFile, error) {
	rc, f, err := s.Open(ctx, id)
	if err != nil {
		return nil, StoredFile{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, StoredFile{}, fmt.Errorf("read file: %w", err)
	}
	return data, f, nil
}

// Delete removes the file. It reports whether anything was removed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	if !validID(id) {
		return false
	}
	return s.remove(id)
}

// remove deletes both artifacts. Failures are logged, never returned.
func (s *Store) remove(id string) bool {
	removed := false
	for _, p := range []string{s.dataPath(id), s.metaPath(id)} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, os.ErrNotExist):
		default:
			s.logger.Warn("failed to remove file artifact", "file_id", id, "path", p, "error", err)
		}
	}
	return removed
}

func (s *Store) readMeta(id string) (StoredFile, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return StoredFile{}, err
	}
	var f StoredFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return StoredFile{}, err
	}
	return f, nil
}

func (s *Store) dataPath(id string) string { return filepath.Join(s.dir, id+dataSuffix) }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+metaSuffix) }

// validID rejects anything that is not a UUID, which also keeps ids from
// escaping the store directory.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, `/\.`)
}

// writeAtomic writes to a temp file in the same directory and renames it.
func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
