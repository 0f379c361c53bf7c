package counter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/storage"
	"github.com/Rorqualx/popguard-go/internal/types"
)

func newTestCounter(t *testing.T) (*Counter, *stats.Manager) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "counter.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	st := stats.NewManager()
	t.Cleanup(func() {
		st.Close()
		store.Close()
	})
	return New(store, st), st
}

func TestReadUnknownDomain(t *testing.T) {
	c, _ := newTestCounter(t)

	n, err := c.Read(context.Background(), "never.example")
	if err != nil || n != 0 {
		t.Errorf("Read() = %d, %v; want 0, nil", n, err)
	}
}

func TestIncrementNormalizesDomain(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	c.Increment(ctx, "Example.COM", KindOpen)
	c.Increment(ctx, "example.com.", KindAlert)

	n, err := c.Read(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Read() = %d, want 2", n)
	}

	b := c.Breakdown("EXAMPLE.com")
	if b.ByKind[KindOpen] != 1 || b.ByKind[KindAlert] != 1 {
		t.Errorf("Breakdown ByKind = %v", b.ByKind)
	}
}

func TestIncrementEmptyDomain(t *testing.T) {
	c, _ := newTestCounter(t)

	if _, err := c.Increment(context.Background(), "", KindOpen); !errors.Is(err, types.ErrInvalidDomain) {
		t.Errorf("Increment(\"\") error = %v, want ErrInvalidDomain", err)
	}
}

func TestRecordOverlay(t *testing.T) {
	c, _ := newTestCounter(t)

	n, err := c.RecordOverlay(context.Background(), "example.com", "keyword")
	if err != nil || n != 1 {
		t.Fatalf("RecordOverlay() = %d, %v", n, err)
	}
	b := c.Breakdown("example.com")
	if b.ByKind[KindOverlay] != 1 || b.OverlaysByRule["keyword"] != 1 {
		t.Errorf("Breakdown = %+v", b)
	}
}

// Interceptor and monitor reports can land in the same instant; the count
// must stay monotonic and lose nothing.
func TestIncrementMonotonicUnderConcurrency(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()

	const sources = 6
	const events = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	for i := 0; i < sources; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := KindOpen
			if i%2 == 0 {
				kind = KindOverlay
			}
			for j := 0; j < events; j++ {
				n, err := c.Increment(ctx, "race.example", kind)
				if err != nil {
					t.Errorf("Increment() error = %v", err)
					return
				}
				mu.Lock()
				if seen[n] {
					t.Errorf("value %d returned twice", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	n, _ := c.Read(ctx, "race.example")
	if n != sources*events {
		t.Errorf("Read() = %d, want %d", n, sources*events)
	}
}

type failingStore struct{}

func (failingStore) IncrementSuppression(context.Context, string) (int64, error) {
	return 0, types.NewStorageError("increment", "x", errors.New("disk full"))
}

func (failingStore) Suppressions(context.Context, string) (int64, error) {
	return 0, types.NewStorageError("read", "x", errors.New("disk full"))
}

func TestStorageFailureSurfaces(t *testing.T) {
	st := stats.NewManager()
	defer st.Close()
	c := New(failingStore{}, st)

	_, err := c.Increment(context.Background(), "example.com", KindOpen)
	var se *types.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Increment() error = %v, want *types.StorageError", err)
	}
	if st.Get("example.com") != nil {
		t.Error("failed increments must not appear in the breakdown")
	}
}

func TestValidKind(t *testing.T) {
	for _, k := range []string{KindOpen, KindAlert, KindConfirm, KindPrompt, KindClick, KindPopup, KindOverlay} {
		if !ValidKind(k) {
			t.Errorf("ValidKind(%q) = false", k)
		}
	}
	if ValidKind("beforeunload") {
		t.Error("ValidKind accepted an unknown kind")
	}
}
