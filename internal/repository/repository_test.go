package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSubmission", func(t *testing.T) {
		start, end := base.Add(-5*time.Minute), base.Add(-time.Minute)
		sub := &domain.Submission{
			ID:           "sub-001",
			RespondentID: "resp-001",
			EnumeratorID: "enum-001",
			FormID:       "form-001",
			SubmittedAt:  base,
			Answers: []domain.Answer{
				{ItemID: "q1", Type: domain.ItemLikert, Value: ptr(3.0), ScaleMin: 1, ScaleMax: 5, AnsweredAt: &start},
				{ItemID: "q2", Type: domain.ItemText, Text: "ok", AnsweredAt: &end},
			},
			Fixes: []domain.GPSFix{{Lat: 6.5, Lon: 3.4, CapturedAt: start}},
		}

		if err := repo.SaveSubmission(ctx, sub); err != nil {
			t.Fatalf("SaveSubmission failed: %v", err)
		}

		got, err := repo.GetSubmission(ctx, sub.ID)
		if err != nil {
			t.Fatalf("GetSubmission failed: %v", err)
		}
		if got.EnumeratorID != sub.EnumeratorID || len(got.Answers) != 2 || len(got.Fixes) != 1 {
			t.Errorf("unexpected submission %+v", got)
		}
		if float64(got.Fixes[0].Lat) != 6.5 {
			t.Errorf("expected lat 6.5, got %v", got.Fixes[0].Lat)
		}

		durations, err := repo.ListFormDurations(ctx, "form-001", 10)
		if err != nil {
			t.Fatalf("ListFormDurations failed: %v", err)
		}
		if len(durations) != 1 || durations[0] != 240 {
			t.Errorf("expected [240], got %v", durations)
		}
	})

	t.Run("GetSubmissionNotFound", func(t *testing.T) {
		_, err := repo.GetSubmission(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvalidSubmission", func(t *testing.T) {
		err := repo.SaveSubmission(ctx, &domain.Submission{ID: "bad"})
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Errorf("expected ErrMalformedInput, got %v", err)
		}
	})

	t.Run("ListSubmissionsByEnumerator", func(t *testing.T) {
		for i, offset := range []time.Duration{-3 * time.Hour, -2 * time.Hour, -30 * time.Minute, 0} {
			sub := &domain.Submission{
				ID:           "win-" + string(rune('a'+i)),
				EnumeratorID: "enum-window",
				FormID:       "form-002",
				SubmittedAt:  base.Add(offset),
			}
			if err := repo.SaveSubmission(ctx, sub); err != nil {
				t.Fatalf("SaveSubmission failed: %v", err)
			}
		}

		subs, err := repo.ListSubmissionsByEnumerator(ctx, "enum-window", base.Add(-150*time.Minute), base)
		if err != nil {
			t.Fatalf("ListSubmissionsByEnumerator failed: %v", err)
		}
		if len(subs) != 2 {
			t.Fatalf("expected 2 submissions in window, got %d", len(subs))
		}
		if subs[0].ID != "win-c" || subs[1].ID != "win-b" {
			t.Errorf("expected newest first [win-c win-b], got [%s %s]", subs[0].ID, subs[1].ID)
		}
	})

	t.Run("ListSubmissionsByOthers", func(t *testing.T) {
		subs, err := repo.ListSubmissionsByOthers(ctx, "enum-window", base.Add(-150*time.Minute), base.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListSubmissionsByOthers failed: %v", err)
		}
		if len(subs) != 1 || subs[0].ID != "sub-001" {
			t.Errorf("expected only sub-001 from another enumerator, got %d submissions", len(subs))
		}

		subs, err = repo.ListSubmissionsByOthers(ctx, "enum-001", base.Add(-150*time.Minute), base, 1)
		if err != nil {
			t.Fatalf("ListSubmissionsByOthers failed: %v", err)
		}
		if len(subs) != 1 || subs[0].ID != "win-c" {
			t.Errorf("expected the limit to keep the newest (win-c), got %d submissions", len(subs))
		}
	})
}

func TestThresholdVersioning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	v1 := &domain.ThresholdConfig{
		ID:             "th-1",
		RuleKey:        "gps_cluster_radius_m",
		Category:       domain.CategoryGPS,
		DisplayName:    "GPS cluster radius",
		ThresholdValue: 50,
		IsActive:       true,
		EffectiveFrom:  t0,
		Version:        1,
		CreatedBy:      "seed",
		CreatedAt:      t0,
	}
	if err := repo.InsertThreshold(ctx, v1); err != nil {
		t.Fatalf("InsertThreshold failed: %v", err)
	}
	if err := repo.InsertThreshold(ctx, v1); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on duplicate insert, got %v", err)
	}

	t1 := t0.Add(time.Hour)
	high := domain.SeverityHigh
	v2 := *v1
	v2.ID = "th-2"
	v2.ThresholdValue = 75
	v2.Version = 2
	v2.EffectiveFrom = t1
	v2.CreatedAt = t1
	v2.Weight = ptr(30.0)
	v2.SeverityFloor = &high
	v2.CreatedBy = "admin"
	v2.Notes = "wider radius"

	if err := repo.AppendThresholdVersion(ctx, v1, &v2); err != nil {
		t.Fatalf("AppendThresholdVersion failed: %v", err)
	}

	current, err := repo.ListCurrentThresholds(ctx)
	if err != nil {
		t.Fatalf("ListCurrentThresholds failed: %v", err)
	}
	if len(current) != 1 || current[0].Version != 2 {
		t.Fatalf("expected only v2 current, got %+v", current)
	}
	got := current[0]
	if got.ThresholdValue != 75 || got.Weight == nil || *got.Weight != 30 {
		t.Errorf("unexpected v2 values %+v", got)
	}
	if got.SeverityFloor == nil || *got.SeverityFloor != domain.SeverityHigh {
		t.Errorf("expected severity floor high, got %v", got.SeverityFloor)
	}
	if got.EffectiveUntil != nil {
		t.Errorf("expected v2 open, got until %v", got.EffectiveUntil)
	}

	history, err := repo.ListThresholdHistory(ctx, "gps_cluster_radius_m")
	if err != nil {
		t.Fatalf("ListThresholdHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].EffectiveUntil == nil || !history[0].EffectiveUntil.Equal(t1) {
		t.Errorf("expected v1 closed at %v, got %v", t1, history[0].EffectiveUntil)
	}

	old, err := repo.GetThresholdVersion(ctx, "gps_cluster_radius_m", 1)
	if err != nil {
		t.Fatalf("GetThresholdVersion failed: %v", err)
	}
	if old.ThresholdValue != 50 {
		t.Errorf("expected v1 value 50, got %v", old.ThresholdValue)
	}
	if _, err := repo.GetThresholdVersion(ctx, "gps_cluster_radius_m", 9); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Closing v1 again must fail: it is no longer current.
	stale := v2
	stale.ID = "th-3"
	if err := repo.AppendThresholdVersion(ctx, v1, &stale); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for stale append, got %v", err)
	}
}

func TestRespondentIndex(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	err := repo.SaveRespondent(ctx, "r-1", "hash-a", map[string]string{
		"full_name": "ada obi",
		"phone":     "+2348000000000",
	}, t0)
	if err != nil {
		t.Fatalf("SaveRespondent failed: %v", err)
	}
	err = repo.SaveRespondent(ctx, "r-2", "hash-b", map[string]string{
		"full_name": "ada obi",
		"phone":     "+2348111111111",
	}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("SaveRespondent failed: %v", err)
	}
	// Re-indexing keeps the first sighting.
	if err := repo.SaveRespondent(ctx, "r-1", "hash-z", map[string]string{"full_name": "x"}, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("SaveRespondent (repeat) failed: %v", err)
	}

	ids, err := repo.FindRespondentsByHash(ctx, "hash-a", time.Time{}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("FindRespondentsByHash failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r-1" {
		t.Errorf("expected [r-1], got %v", ids)
	}
	ids, _ = repo.FindRespondentsByHash(ctx, "hash-a", time.Time{}, t0)
	if len(ids) != 0 {
		t.Errorf("expected no respondents strictly before creation, got %v", ids)
	}
	ids, _ = repo.FindRespondentsByHash(ctx, "hash-a", t0.Add(time.Second), t0.Add(time.Hour))
	if len(ids) != 0 {
		t.Errorf("expected respondents before the lookback start to be skipped, got %v", ids)
	}

	matches, err := repo.FindRespondentsByFields(ctx, map[string]string{
		"full_name": "ada obi",
		"phone":     "+2348000000000",
	}, time.Time{}, t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FindRespondentsByFields failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", matches)
	}
	if matches[0].RespondentID != "r-1" || len(matches[0].MatchedFields) != 2 {
		t.Errorf("expected r-1 to match both fields, got %+v", matches[0])
	}
	if matches[1].RespondentID != "r-2" || len(matches[1].MatchedFields) != 1 || matches[1].MatchedFields[0] != "full_name" {
		t.Errorf("expected r-2 to match full_name only, got %+v", matches[1])
	}

	matches, err = repo.FindRespondentsByFields(ctx, map[string]string{"full_name": "ada obi"}, t0.Add(30*time.Minute), t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FindRespondentsByFields (windowed) failed: %v", err)
	}
	if len(matches) != 1 || matches[0].RespondentID != "r-2" {
		t.Errorf("expected only r-2 inside the lookback window, got %+v", matches)
	}
}

func TestAssessments(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	severities := []domain.Severity{domain.SeverityClean, domain.SeverityHigh, domain.SeverityCritical}
	for i, sev := range severities {
		a := &domain.FraudAssessment{
			ID:             "as-" + string(rune('a'+i)),
			SubmissionID:   "sub-001",
			EnumeratorID:   "enum-001",
			CompositeScore: float64(i) * 40,
			ScoreSeverity:  sev,
			Severity:       sev,
			ContributingRules: []domain.ContributingRule{
				{RuleKey: domain.DetectorGPS, Category: domain.CategoryGPS, SubScore: 50, Weight: 25, Triggered: true},
			},
			ThresholdVersionsUsed: map[string]int{"gps_weight": 1},
			Detections: []domain.DetectionResult{
				domain.Applicable(domain.DetectorGPS, domain.CategoryGPS, 50, true, map[string]any{"ratio": 0.2}),
			},
			ComputedAt: t0.Add(time.Duration(i) * time.Minute),
			Metadata:   domain.AssessmentMetadata{EngineVersion: domain.EngineVersion},
		}
		if err := repo.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	got, err := repo.GetAssessment(ctx, "as-b")
	if err != nil {
		t.Fatalf("GetAssessment failed: %v", err)
	}
	if got.Severity != domain.SeverityHigh || got.ThresholdVersionsUsed["gps_weight"] != 1 {
		t.Errorf("unexpected assessment %+v", got)
	}
	if len(got.Detections) != 1 || got.Detections[0].Outcome != domain.OutcomeApplicable {
		t.Errorf("unexpected detections %+v", got.Detections)
	}

	list, err := repo.ListAssessmentsBySubmission(ctx, "sub-001")
	if err != nil {
		t.Fatalf("ListAssessmentsBySubmission failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != "as-a" {
		t.Errorf("expected 3 assessments oldest first, got %d", len(list))
	}

	counts, err := repo.CountAssessmentsBySeverity(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("CountAssessmentsBySeverity failed: %v", err)
	}
	if counts.Total != 2 || counts.Flagged != 2 || counts.BySeverity[domain.SeverityCritical] != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}

	if _, err := repo.GetAssessment(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind %q", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("unexpected sqlite rebind %q", got)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{})
	for _, want := range []string{"host=localhost", "port=5432", "dbname=kestrel", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in default DSN %q", want, dsn)
		}
	}
	if strings.Contains(dsn, "password=") {
		t.Errorf("expected no password in %q", dsn)
	}

	dsn = postgresDSN(domain.RepositoryConfig{
		PostgresHost:     "db.internal",
		PostgresPort:     6432,
		PostgresUser:     "kestrel",
		PostgresPassword: `it's secret`,
		PostgresSSLMode:  "require",
	})
	for _, want := range []string{"host=db.internal", "port=6432", "user=kestrel", `password='it\'s secret'`, "sslmode=require"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in DSN %q", want, dsn)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("")
	if !strings.HasPrefix(dsn, "file:"+defaultSQLitePath+"?") {
		t.Errorf("expected default path, got %q", dsn)
	}
	if !strings.Contains(dsn, "_txlock=immediate") {
		t.Errorf("expected immediate tx lock in %q", dsn)
	}
}
