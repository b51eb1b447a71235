package memory

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"guardian/internal/storage"
)

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	defer s.Close()

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected missing key")
		}
	})

	t.Run("set then get", func(t *testing.T) {
		if err := s.Set(ctx, "flag:blocked:1.2.3.4", "1", time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		val, ok, err := s.Get(ctx, "flag:blocked:1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok || val != "1" {
			t.Fatalf("got (%q, %v), want (\"1\", true)", val, ok)
		}
	})

	t.Run("expired key is missing", func(t *testing.T) {
		if err := s.Set(ctx, "short", "x", time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)

		_, ok, _ := s.Get(ctx, "short")
		if ok {
			t.Fatal("expected expired key to be missing")
		}
	})

	t.Run("delete", func(t *testing.T) {
		s.Set(ctx, "gone", "x", 0)
		if err := s.Delete(ctx, "gone"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "gone"); ok {
			t.Fatal("expected deleted key to be missing")
		}
	})
}

func TestStore_Increment(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	defer s.Close()

	t.Run("counts from one", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := s.Increment(ctx, "counter", time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Fatalf("Increment() = %d, want %d", got, want)
			}
		}
	})

	t.Run("restarts after expiry", func(t *testing.T) {
		if _, err := s.Increment(ctx, "window", 5*time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(10 * time.Millisecond)

		got, err := s.Increment(ctx, "window", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 1 {
			t.Fatalf("Increment() after expiry = %d, want 1", got)
		}
	})

	t.Run("atomic under concurrency", func(t *testing.T) {
		const workers = 50
		const perWorker = 20

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					if _, err := s.Increment(ctx, "race", time.Minute); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		wg.Wait()

		val, ok, _ := s.Get(ctx, "race")
		if !ok {
			t.Fatal("expected counter to exist")
		}
		n, _ := strconv.ParseInt(val, 10, 64)
		if n != workers*perWorker {
			t.Fatalf("counter = %d, want %d (atomic contract violated)", n, workers*perWorker)
		}
	})
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	defer s.Close()

	s.Set(ctx, "ttl", "v", time.Minute)

	remaining, err := s.TTL(ctx, "ttl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining <= 50*time.Second || remaining > time.Minute {
		t.Fatalf("TTL() = %v, want close to 1m", remaining)
	}

	remaining, _ = s.TTL(ctx, "missing")
	if remaining != 0 {
		t.Fatalf("TTL(missing) = %v, want 0", remaining)
	}
}

func TestStore_RollingSets(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	defer s.Close()

	now := time.Now()
	s.AddToSet(ctx, "ips:user1", "10.0.0.1", now.Add(-2*time.Hour), time.Hour)
	s.AddToSet(ctx, "ips:user1", "10.0.0.2", now.Add(-30*time.Minute), time.Hour)
	s.AddToSet(ctx, "ips:user1", "10.0.0.3", now, time.Hour)

	t.Run("range filters by score", func(t *testing.T) {
		got, err := s.RangeSet(ctx, "ips:user1", now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("RangeSet() returned %d members, want 2: %v", len(got), got)
		}
		if got[0] != "10.0.0.2" || got[1] != "10.0.0.3" {
			t.Fatalf("RangeSet() = %v, want oldest first", got)
		}
	})

	t.Run("trim drops old members", func(t *testing.T) {
		if err := s.TrimSetBefore(ctx, "ips:user1", now.Add(-time.Hour)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := s.RangeSet(ctx, "ips:user1", time.Time{})
		if len(got) != 2 {
			t.Fatalf("after trim got %d members, want 2: %v", len(got), got)
		}
	})
}

func TestStore_Eviction(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&storage.Config{MaxEntries: 3})
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Set(ctx, "k"+strconv.Itoa(i), "v", time.Duration(i+1)*time.Minute)
	}

	count := 0
	for i := 0; i < 5; i++ {
		if _, ok, _ := s.Get(ctx, "k"+strconv.Itoa(i)); ok {
			count++
		}
	}
	if count > 3 {
		t.Fatalf("store holds %d entries, want at most 3", count)
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	s := NewStore(nil)
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}
