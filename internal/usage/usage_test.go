package usage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "usage.db"), BackendConfig{
		BatchSize:     10,
		FlushInterval: time.Hour, // flush manually in tests
	})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	now := time.Now().UTC()

	b.Enqueue(Record{Model: "DeepSeek-R1", RequestedAt: now, TotalTokens: 10, PromptTokens: 4, CompletionTokens: 6})
	b.Enqueue(Record{Model: "DeepSeek-R1", RequestedAt: now, Failed: true})
	b.Enqueue(Record{Model: "Meta-Llama-3.3-70B-Instruct", RequestedAt: now, TotalTokens: 5, PromptTokens: 2, CompletionTokens: 3, Stream: true})

	ctx := context.Background()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats, err := b.QueryGlobalStats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	if stats.TotalRequests != 3 || stats.SuccessCount != 2 || stats.FailureCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", stats.TotalTokens)
	}

	models, err := b.QueryModelStats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("model stats: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Model != "DeepSeek-R1" || models[0].Requests != 2 {
		t.Errorf("top model = %+v", models[0])
	}

	daily, err := b.QueryDailyStats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if len(daily) != 1 || daily[0].Requests != 3 {
		t.Fatalf("daily = %+v", daily)
	}
	if want := now.Format("2006-01-02"); daily[0].Day != want {
		t.Errorf("day bucket = %q, want %q", daily[0].Day, want)
	}
}

func TestSQLiteDailyStatsBucketsByDay(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	b.Enqueue(Record{Model: "m", RequestedAt: yesterday, TotalTokens: 1})
	b.Enqueue(Record{Model: "m", RequestedAt: now, TotalTokens: 2})
	b.Enqueue(Record{Model: "m", RequestedAt: now, TotalTokens: 3})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	daily, err := b.QueryDailyStats(ctx, yesterday.Add(-time.Minute))
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("daily = %+v, want 2 buckets", daily)
	}
	if daily[0].Day != yesterday.Format("2006-01-02") || daily[0].Requests != 1 {
		t.Errorf("first bucket = %+v", daily[0])
	}
	if daily[1].Day != now.Format("2006-01-02") || daily[1].Requests != 2 || daily[1].Tokens != 5 {
		t.Errorf("second bucket = %+v", daily[1])
	}
}

func TestSQLiteBackendCleanup(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -60)
	b.Enqueue(Record{Model: "m", RequestedAt: old})
	b.Enqueue(Record{Model: "m", RequestedAt: time.Now().UTC()})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deleted, err := b.Cleanup(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestCountersConcurrentRecord(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record(i%5 == 0, i%2 == 0, 10)
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.TotalRequests != 50 {
		t.Errorf("total = %d, want 50", snap.TotalRequests)
	}
	if snap.FailureCount != 10 {
		t.Errorf("failures = %d, want 10", snap.FailureCount)
	}
	if snap.StreamCount != 25 {
		t.Errorf("streams = %d, want 25", snap.StreamCount)
	}
	if snap.TotalTokens != 500 {
		t.Errorf("tokens = %d, want 500", snap.TotalTokens)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Record(Record{Model: "x"})
	if snap := tr.Snapshot(); snap.TotalRequests != 0 {
		t.Errorf("nil tracker snapshot = %+v", snap)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("nil tracker close: %v", err)
	}
}

func TestTrackerRecordsToBackend(t *testing.T) {
	b := newTestBackend(t)
	tr := NewTracker(b)

	tr.Record(Record{Model: "DeepSeek-R1", TotalTokens: 7})
	tr.Record(Record{Failed: true})

	snap := tr.Snapshot()
	if snap.TotalRequests != 2 || snap.SuccessCount != 1 || snap.FailureCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stats, err := b.QueryGlobalStats(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("persisted requests = %d, want 2", stats.TotalRequests)
	}
}
