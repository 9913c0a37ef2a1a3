package memo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matzehuels/distwatch/pkg/cache"
)

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewTTL[string, int](time.Minute)
	m.now = func() time.Time { return now }

	m.Set("a", 1)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get = %d, %v; want 1, true", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := m.Get("a"); ok {
		t.Error("entry should expire at ttl")
	}
	if m.Len() != 0 {
		t.Error("expired entry should be dropped on access")
	}
}

func TestTTLClear(t *testing.T) {
	m := NewTTL[string, int](0)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Error("Delete should remove entry")
	}
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len after Clear = %d", m.Len())
	}
}

func TestGroupCoalesces(t *testing.T) {
	var g Group[int]
	var calls int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, _ := g.Do("k", func() (int, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return 42, nil
			})
			results[i] = v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	for _, v := range results {
		if v != 42 {
			t.Errorf("result = %d, want 42", v)
		}
	}
}

type payload struct {
	Name string `json:"name"`
}

func TestMemoCachesInMemory(t *testing.T) {
	ctx := context.Background()
	store, _ := cache.NewFileCache(t.TempDir())
	m := New[payload]("test", time.Minute, store, time.Hour)

	var loads int
	load := func(context.Context) (payload, error) {
		loads++
		return payload{Name: "widget"}, nil
	}

	for range 3 {
		v, err := m.Do(ctx, "k", load)
		if err != nil || v.Name != "widget" {
			t.Fatalf("Do = %+v, %v", v, err)
		}
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
}

func TestMemoPrefersLiveLoadOverStore(t *testing.T) {
	ctx := context.Background()
	store, _ := cache.NewFileCache(t.TempDir())

	first := New[payload]("test", time.Minute, store, time.Hour)
	first.Do(ctx, "k", func(context.Context) (payload, error) { return payload{Name: "old"}, nil })

	// A fresh memo over the same store still loads; the persisted copy is
	// older than whatever the source says now.
	second := New[payload]("test", time.Minute, store, time.Hour)
	v, err := second.Do(ctx, "k", func(context.Context) (payload, error) { return payload{Name: "new"}, nil })
	if err != nil || v.Name != "new" {
		t.Fatalf("Do = %+v, %v; want live value", v, err)
	}
}

func TestMemoServesStoreWhenLoadFails(t *testing.T) {
	ctx := context.Background()
	store, _ := cache.NewFileCache(t.TempDir())

	first := New[payload]("test", time.Minute, store, time.Hour)
	first.Do(ctx, "k", func(context.Context) (payload, error) { return payload{Name: "widget"}, nil })

	second := New[payload]("test", time.Minute, store, time.Hour)
	boom := errors.New("registry down")
	v, err := second.Do(ctx, "k", func(context.Context) (payload, error) { return payload{}, boom })
	if err != nil || v.Name != "widget" {
		t.Fatalf("Do = %+v, %v; want persisted value", v, err)
	}

	// The persisted copy is not promoted to memory; the next call loads again.
	v, err = second.Do(ctx, "k", func(context.Context) (payload, error) { return payload{Name: "fresh"}, nil })
	if err != nil || v.Name != "fresh" {
		t.Errorf("Do after recovery = %+v, %v; want fresh", v, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	empty := New[payload]("test", time.Minute, store, time.Hour)
	if _, err := empty.Do(cancelled, "k", func(ctx context.Context) (payload, error) { return payload{}, ctx.Err() }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMemoErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	m := New[int]("test", time.Minute, nil, 0)

	boom := errors.New("boom")
	if _, err := m.Do(ctx, "k", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	v, err := m.Do(ctx, "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Do after failure = %d, %v; want 7, nil", v, err)
	}
}

func TestMemoFlush(t *testing.T) {
	ctx := context.Background()
	store, _ := cache.NewFileCache(t.TempDir())
	m := New[int]("test", time.Minute, store, time.Hour)

	m.Do(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, hit, _ := store.Get(ctx, "k"); hit {
		t.Error("Flush should delete persisted keys")
	}

	v, _ := m.Do(ctx, "k", func(context.Context) (int, error) { return 2, nil })
	if v != 2 {
		t.Errorf("Do after Flush = %d, want reload", v)
	}
}

func TestMemoClearKeepsStore(t *testing.T) {
	ctx := context.Background()
	store, _ := cache.NewFileCache(t.TempDir())
	m := New[int]("test", time.Minute, store, time.Hour)

	m.Do(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	m.Clear()
	v, err := m.Do(ctx, "k", func(context.Context) (int, error) { return 0, errors.New("down") })
	if err != nil || v != 1 {
		t.Errorf("Clear should only drop memory, got %d, %v", v, err)
	}
}
