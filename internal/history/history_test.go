package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/identity"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var fields = []string{"full_name", "national_id", "phone", "date_of_birth"}

func newService(t *testing.T) (*Service, *repository.SQLRepository, *cache.LRUCache) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "history-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	return NewService(repo, lru, Options{IdentityFields: fields, StatsTTL: time.Minute}), repo, lru
}

// timed builds a submission whose items span d.
func timed(id, form string, at time.Time, d time.Duration) *domain.Submission {
	start, end := at.Add(-d), at
	return &domain.Submission{
		ID:           id,
		EnumeratorID: "enum-001",
		FormID:       form,
		SubmittedAt:  at,
		Answers: []domain.Answer{
			{ItemID: "q1", Type: domain.ItemText, Text: "a", AnsweredAt: &start},
			{ItemID: "q2", Type: domain.ItemText, Text: "b", AnsweredAt: &end},
		},
	}
}

func TestHistoryService(t *testing.T) {
	svc, _, lru := newService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	t.Run("EmptyDatabase", func(t *testing.T) {
		stats, err := svc.FormDurations(ctx, "form-empty")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.N != 0 {
			t.Errorf("expected N 0 for empty database, got %d", stats.N)
		}
	})

	t.Run("FormDurations", func(t *testing.T) {
		for i, mins := range []int{10, 12, 8, 20, 11} {
			sub := timed(fmt.Sprintf("sub-%d", i), "form-001", base.Add(time.Duration(i)*time.Minute), time.Duration(mins)*time.Minute)
			if err := svc.Record(ctx, sub); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		stats, err := svc.FormDurations(ctx, "form-001")
		if err != nil {
			t.Fatalf("FormDurations failed: %v", err)
		}
		if stats.N != 5 {
			t.Errorf("expected N 5, got %d", stats.N)
		}
		if stats.Median != 660 {
			t.Errorf("expected median 660s, got %.1f", stats.Median)
		}

		if data, _ := lru.Get(ctx, domain.CacheKeyFormDurations+"form-001"); data == nil {
			t.Error("expected form durations to be cached")
		}
	})

	t.Run("CachedUntilRefresh", func(t *testing.T) {
		if err := svc.Record(ctx, timed("sub-late", "form-001", base.Add(time.Hour), time.Minute)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		cached, _ := svc.FormDurations(ctx, "form-001")
		if cached.N != 5 {
			t.Errorf("expected cached N 5, got %d", cached.N)
		}

		fresh, err := svc.Refresh(ctx, "form-001")
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if fresh.N != 6 {
			t.Errorf("expected refreshed N 6, got %d", fresh.N)
		}
	})

	t.Run("RecentByEnumerator", func(t *testing.T) {
		subs, err := svc.RecentByEnumerator(ctx, "enum-001", base, base.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("RecentByEnumerator failed: %v", err)
		}
		if len(subs) != 3 {
			t.Errorf("expected 3 submissions, got %d", len(subs))
		}
	})
}

func TestRespondentIndexing(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	first := timed("sub-a", "form-001", base, time.Minute)
	first.RespondentID = "r-1"
	first.Identity = map[string]string{"full_name": "Ada Obi", "phone": "+234 800"}
	if err := svc.Record(ctx, first); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	second := timed("sub-b", "form-001", base.Add(time.Hour), time.Minute)
	second.RespondentID = "r-2"
	second.Identity = map[string]string{"full_name": "ADA  OBI", "phone": "+234 800"}

	norm := identity.Fields(second.Identity, fields)
	ids, err := svc.ExactMatches(ctx, identity.Hash(norm), base.Add(-24*time.Hour), second.SubmittedAt)
	if err != nil {
		t.Fatalf("ExactMatches failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r-1" {
		t.Errorf("expected normalized exact match on r-1, got %v", ids)
	}

	matches, err := svc.FieldMatches(ctx, map[string]string{"full_name": "ada obi", "phone": "+234 999"}, time.Time{}, second.SubmittedAt)
	if err != nil {
		t.Fatalf("FieldMatches failed: %v", err)
	}
	if len(matches) != 1 || len(matches[0].MatchedFields) != 1 {
		t.Errorf("expected one partial match on full_name, got %+v", matches)
	}

	// A respondent without identity fields is stored but not indexed.
	anon := timed("sub-c", "form-001", base.Add(2*time.Hour), time.Minute)
	anon.RespondentID = "r-3"
	if err := svc.Record(ctx, anon); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	s := Summarize("f", []float64{30, 10, 20, 40}, now)
	if s.Median != 25 || s.N != 4 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.Samples[0] != 10 {
		t.Errorf("expected sorted samples, got %v", s.Samples)
	}
	if empty := Summarize("f", nil, now); empty.N != 0 || empty.Median != 0 {
		t.Errorf("unexpected empty summary %+v", empty)
	}
}

func TestRunRefresherStops(t *testing.T) {
	svc, _, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.RunRefresher(ctx, 10*time.Millisecond)
		close(done)
	}()

	if _, err := svc.FormDurations(context.Background(), "form-001"); err != nil {
		t.Fatalf("FormDurations failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}
