package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore opens a fresh file-backed store in a temp dir
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	store, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	store, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.BlockDomain(ctx, "ads.test"); err != nil {
		t.Fatalf("BlockDomain() error = %v", err)
	}
	// a second pooled connection would see an empty database
	if _, found, err := store.MatchBlockedDomain(ctx, "x.ads.test"); err != nil || !found {
		t.Errorf("MatchBlockedDomain() = %v, %v; want found", found, err)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Open(empty) error = %v, want ErrInvalidConfig", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "persist.db")

	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.BlockCountry(ctx, "ru"); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	store, err = Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = store.Close() }()

	blocked, err := store.IsCountryBlocked(ctx, "RU")
	if err != nil || !blocked {
		t.Errorf("IsCountryBlocked(RU) after reopen = %v, %v", blocked, err)
	}
}

func TestClosedStore(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ctx := context.Background()
	if _, _, err := store.MatchBlockedDomain(ctx, "example.com"); !errors.Is(err, ErrClosed) {
		t.Errorf("MatchBlockedDomain after close = %v, want ErrClosed", err)
	}
	if err := store.RecordQuery(ctx, &LogEntry{Domain: "example.com"}); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordQuery after close = %v, want ErrClosed", err)
	}
}

func TestParseSQLiteTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 15, 500, time.UTC)
	if got := parseSQLiteTime(formatTime(now)); !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	if got := parseSQLiteTime("2026-03-01 12:30:15"); got.Hour() != 12 {
		t.Errorf("sqlite layout parsed as %v", got)
	}
	if got := parseSQLiteTime("garbage"); !got.IsZero() {
		t.Errorf("garbage parsed as %v", got)
	}
}

func TestFormatTime_SortsAsText(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
	}
	for i := 1; i < len(times); i++ {
		prev, cur := formatTime(times[i-1]), formatTime(times[i])
		if len(prev) != len(cur) {
			t.Errorf("width differs: %q vs %q", prev, cur)
		}
		if prev >= cur {
			t.Errorf("%q does not sort before %q", prev, cur)
		}
	}
	local := time.Date(2026, 3, 1, 14, 30, 5, 0, time.FixedZone("UTC+2", 2*3600))
	if got := formatTime(local); got != "2026-03-01T12:30:05.000000000Z" {
		t.Errorf("formatTime(local) = %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("placeholders(3) = %q", got)
	}
	if got := placeholders(0); got != "" {
		t.Errorf("placeholders(0) = %q", got)
	}
}
