package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/popguard-go/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSuppressionsUnknownDomainIsZero(t *testing.T) {
	s := setupTestStore(t)

	n, err := s.Suppressions(context.Background(), "nowhere.example")
	if err != nil {
		t.Fatalf("Suppressions() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Suppressions() = %d, want 0", n)
	}
}

func TestIncrementSuppression(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementSuppression(ctx, "example.com")
		if err != nil {
			t.Fatalf("IncrementSuppression() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementSuppression() = %d, want %d", got, want)
		}
	}

	if n, _ := s.Suppressions(ctx, "other.com"); n != 0 {
		t.Errorf("other domain should be untouched, got %d", n)
	}
}

func TestIncrementSuppressionConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.IncrementSuppression(ctx, "busy.example"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent increment failed: %v", err)
	}

	n, err := s.Suppressions(ctx, "busy.example")
	if err != nil {
		t.Fatal(err)
	}
	if n != workers*perWorker {
		t.Errorf("Suppressions() = %d, want %d (lost updates)", n, workers*perWorker)
	}
}

func TestWhitelistSetSemantics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	added, err := s.AddWhitelist(ctx, "example.com", at)
	if err != nil || !added {
		t.Fatalf("AddWhitelist() = %v, %v; want true, nil", added, err)
	}
	added, err = s.AddWhitelist(ctx, "example.com", at.Add(time.Hour))
	if err != nil || added {
		t.Fatalf("duplicate AddWhitelist() = %v, %v; want false, nil", added, err)
	}

	entries, err := s.Whitelist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Whitelist() returned %d entries, want 1", len(entries))
	}
	if !entries[0].AddedAt.Equal(at) {
		t.Errorf("AddedAt = %v, want first insertion time %v", entries[0].AddedAt, at)
	}

	ok, _ := s.Whitelisted(ctx, "example.com")
	if !ok {
		t.Error("Whitelisted() = false after add")
	}

	removed, err := s.RemoveWhitelist(ctx, "example.com")
	if err != nil || !removed {
		t.Fatalf("RemoveWhitelist() = %v, %v; want true, nil", removed, err)
	}
	removed, _ = s.RemoveWhitelist(ctx, "example.com")
	if removed {
		t.Error("second RemoveWhitelist() should report false")
	}
	if ok, _ := s.Whitelisted(ctx, "example.com"); ok {
		t.Error("Whitelisted() = true after remove")
	}
}

func TestEnabledSetting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	enabled, err := s.Enabled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Error("fresh store should report guard disabled")
	}

	if err := s.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if enabled, _ := s.Enabled(ctx); !enabled {
		t.Error("Enabled() = false after SetEnabled(true)")
	}
	if err := s.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if enabled, _ := s.Enabled(ctx); enabled {
		t.Error("Enabled() = true after SetEnabled(false)")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.IncrementSuppression(ctx, "example.com")
	s.SetEnabled(ctx, true)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if n, _ := s.Suppressions(ctx, "example.com"); n != 1 {
		t.Errorf("Suppressions() after reopen = %d, want 1", n)
	}
	if enabled, _ := s.Enabled(ctx); !enabled {
		t.Error("enabled flag lost across reopen")
	}
}

func TestClosedStoreReturnsStorageError(t *testing.T) {
	s := setupTestStore(t)
	s.Close()

	_, err := s.IncrementSuppression(context.Background(), "example.com")
	var se *types.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *types.StorageError", err)
	}
	if !errors.Is(err, types.ErrStorageClosed) {
		t.Errorf("error should wrap ErrStorageClosed, got %v", err)
	}
}
