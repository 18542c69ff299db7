package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := New(Options{
		Dir:               t.TempDir(),
		MaxFileSize:       64,
		AllowedExtensions: []string{".csv", "xlsx", ".XLS"},
		TTL:               time.Hour,
		Logger:            logging.Discard(),
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, clock
}

func TestStore_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		data    string
		file    string
		wantErr error
	}{
		{"csv accepted", "a,b\n1,2\n", "rooms.csv", nil},
		{"allow-list entry without dot", "x", "ROOMS.XLSX", nil},
		{"upper-case allow-list entry", "x", "old.xls", nil},
		{"bad extension", "x", "rooms.txt", core.ErrInvalidExtension},
		{"no extension", "x", "rooms", core.ErrInvalidExtension},
		{"too large", strings.Repeat("x", 65), "big.csv", core.ErrFileTooLarge},
		{"exactly at limit", strings.Repeat("x", 64), "edge.csv", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := s.Store(ctx, []byte(tt.data), tt.file, "text/csv")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Store() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && f.Size != int64(len(tt.data)) {
				t.Errorf("Size = %d, want %d", f.Size, len(tt.data))
			}
		})
	}
}

func TestStore_GetAndOpen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	f, err := s.Store(ctx, []byte("name\nHall A\n"), "venues.csv", "text/csv")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, ok := s.Get(ctx, f.ID)
	if !ok {
		t.Fatal("Get() = false, want stored file")
	}
	if got.OriginalName != "venues.csv" || got.MimeType != "text/csv" {
		t.Errorf("Get() = %+v", got)
	}

	rc, _, err := s.Open(ctx, f.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "name\nHall A\n" {
		t.Errorf("content = %q", data)
	}
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc/passwd", "not-a-uuid", "6f1c1f9e-98d4-4bb0-9d6c-1d1f6f7e3c10"} {
		if _, ok := s.Get(ctx, id); ok {
			t.Errorf("Get(%q) = true, want false", id)
		}
		if _, _, err := s.Open(ctx, id); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("Open(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestStore_ExpiryIsLazy(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	f, err := s.Store(ctx, []byte("a"), "a.csv", "text/csv")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, ok := s.Get(ctx, f.ID); !ok {
		t.Fatal("file should be readable before expiry")
	}

	clock.Advance(time.Minute)
	if _, ok := s.Get(ctx, f.ID); ok {
		t.Fatal("file should not be readable at expiry")
	}
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Errorf("expired data should be deleted on read, stat error = %v", err)
	}
}

func TestStore_MissingArtifact(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	f, _ := s.Store(ctx, []byte("a"), "a.csv", "text/csv")
	if err := os.Remove(f.Path); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, f.ID); ok {
		t.Error("Get() = true with missing data artifact, want false")
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	f, _ := s.Store(ctx, []byte("a"), "a.csv", "text/csv")
	if !s.Delete(ctx, f.ID) {
		t.Error("Delete() = false, want true")
	}
	if s.Delete(ctx, f.ID) {
		t.Error("second Delete() = true, want false")
	}
	if _, ok := s.Get(ctx, f.ID); ok {
		t.Error("deleted file still readable")
	}
}

func TestStore_StoreReaderLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreReader(ctx, strings.NewReader(strings.Repeat("y", 1000)), "a.csv", "text/csv")
	if !errors.Is(err, core.ErrFileTooLarge) {
		t.Errorf("StoreReader() error = %v, want ErrFileTooLarge", err)
	}
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	old, _ := s.Store(ctx, []byte("old"), "old.csv", "text/csv")
	clock.Advance(30 * time.Minute)
	fresh, _ := s.Store(ctx, []byte("new"), "new.csv", "text/csv")
	clock.Advance(31 * time.Minute)

	if n := s.Sweep(ctx); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Error("expired file should be removed by sweep")
	}
	if _, ok := s.Get(ctx, fresh.ID); !ok {
		t.Error("unexpired file should survive sweep")
	}
}

func TestSweep_SkipsWhenLocked(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, []byte("old"), "old.csv", "text/csv")
	clock.Advance(2 * time.Hour)

	other := flock.New(filepath.Join(s.Dir(), lockName))
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock() = %v, %v", locked, err)
	}
	defer other.Unlock()

	if n := s.Sweep(ctx); n != 0 {
		t.Errorf("Sweep() while locked = %d, want 0", n)
	}
}
