package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-actuarial/heron/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "heron-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	portfolioID := "study-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListSegments", func(t *testing.T) {
		segs := []*domain.SegmentDefinition{
			{
				ID: "COV_003", Family: domain.FamilyCoverage, Label: "Attained age 80+",
				Rule: "Attained_Age >= 80", Exposure: 61234, AERatio: 1.02,
				RelativeRisk: 5.9, Enabled: true,
			},
			{
				ID: "SPOT_SMK", Family: domain.FamilySpotlight, Label: "Elderly smokers",
				Rule: "Attained_Age >= 85 AND Smoker_Status = S", Exposure: 15000,
				AERatio: 1.31, RelativeRisk: 1.31, Enabled: true,
			},
			{
				ID: "COV_OLD", Family: domain.FamilyCoverage, Label: "Retired",
				Rule: "Attained_Age >= 90", Exposure: 100, AERatio: 1.0,
				RelativeRisk: 1.0, Enabled: false,
			},
		}
		for _, seg := range segs {
			if err := repo.SaveSegment(ctx, portfolioID, seg); err != nil {
				t.Fatalf("SaveSegment failed: %v", err)
			}
		}

		listed, err := repo.ListSegments(ctx, portfolioID)
		if err != nil {
			t.Fatalf("ListSegments failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 enabled segments, got %d", len(listed))
		}
		if listed[0].ID != "COV_003" {
			t.Errorf("expected COV_003 first, got %s", listed[0].ID)
		}
		if listed[0].Rule != "Attained_Age >= 80" {
			t.Errorf("rule round-trip failed: %q", listed[0].Rule)
		}
		if listed[0].Exposure != 61234 {
			t.Errorf("exposure = %d, want 61234", listed[0].Exposure)
		}
	})

	t.Run("SegmentUpsert", func(t *testing.T) {
		seg := &domain.SegmentDefinition{
			ID: "COV_003", Family: domain.FamilyCoverage, Label: "Attained age 80 and up",
			Rule: "Attained_Age >= 80", Exposure: 70000, AERatio: 1.03,
			RelativeRisk: 6.0, Enabled: true,
		}
		if err := repo.SaveSegment(ctx, portfolioID, seg); err != nil {
			t.Fatalf("SaveSegment failed: %v", err)
		}

		listed, err := repo.ListSegments(ctx, portfolioID)
		if err != nil {
			t.Fatalf("ListSegments failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("upsert created a duplicate: %d segments", len(listed))
		}
		if listed[0].Exposure != 70000 {
			t.Errorf("exposure = %d, want updated 70000", listed[0].Exposure)
		}
	})

	t.Run("SaveAndGetCalibration", func(t *testing.T) {
		snap := &domain.CalibrationSnapshot{
			Version:     "cal-v1",
			OverallAE:   0.9989,
			OverallRate: 0.0098,
			DataPeriod:  "2009-2019",
			Yearly: map[int]domain.YearCalibration{
				2018: {AERatio: 1.001, YearFactor: 1.0},
			},
			Segments: map[string]domain.SegmentCalibration{
				"COV_003": {AERatio: 1.02, Exposure: 61234},
			},
		}
		if err := repo.SaveCalibration(ctx, portfolioID, snap); err != nil {
			t.Fatalf("SaveCalibration failed: %v", err)
		}

		got, err := repo.GetCalibration(ctx, portfolioID)
		if err != nil {
			t.Fatalf("GetCalibration failed: %v", err)
		}
		if got.Version != "cal-v1" {
			t.Errorf("version = %s", got.Version)
		}
		if got.OverallRate != 0.0098 {
			t.Errorf("overall rate = %v", got.OverallRate)
		}
		if got.Yearly[2018].AERatio != 1.001 {
			t.Errorf("yearly round-trip failed: %+v", got.Yearly)
		}
		if got.Segments["COV_003"].Exposure != 61234 {
			t.Errorf("segment round-trip failed: %+v", got.Segments)
		}
	})

	t.Run("CalibrationReplace", func(t *testing.T) {
		snap := &domain.CalibrationSnapshot{
			Version: "cal-v2", OverallAE: 1.001, OverallRate: 0.0101,
		}
		if err := repo.SaveCalibration(ctx, portfolioID, snap); err != nil {
			t.Fatalf("SaveCalibration failed: %v", err)
		}
		got, err := repo.GetCalibration(ctx, portfolioID)
		if err != nil {
			t.Fatalf("GetCalibration failed: %v", err)
		}
		if got.Version != "cal-v2" {
			t.Errorf("expected replaced snapshot, got %s", got.Version)
		}
	})

	t.Run("SaveAndListKnowledgeItems", func(t *testing.T) {
		item := &domain.KnowledgeItem{
			ID:      "KI_COVID",
			Title:   "Pandemic-period excess mortality",
			Source:  "industry-study-2021",
			Body:    "Observed mortality in 2020 and 2021 ran above the modeled baseline.",
			Scope:   domain.KnowledgeScope{Years: []int{2020, 2021}},
			Enabled: true,
		}
		if err := repo.SaveKnowledgeItem(ctx, portfolioID, item); err != nil {
			t.Fatalf("SaveKnowledgeItem failed: %v", err)
		}

		items, err := repo.ListKnowledgeItems(ctx, portfolioID)
		if err != nil {
			t.Fatalf("ListKnowledgeItems failed: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("expected 1 item, got %d", len(items))
		}
		if len(items[0].Scope.Years) != 2 || items[0].Scope.Years[0] != 2020 {
			t.Errorf("scope years round-trip failed: %+v", items[0].Scope)
		}
	})

	t.Run("SaveAndListComplianceRules", func(t *testing.T) {
		rule := &domain.ComplianceRule{
			ID:         "banned.will-die",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `will die`,
			Severity:   domain.SeverityError,
			Suggestion: "expected deaths",
			Enabled:    true,
		}
		if err := repo.SaveComplianceRule(ctx, portfolioID, rule); err != nil {
			t.Fatalf("SaveComplianceRule failed: %v", err)
		}

		rules, err := repo.ListComplianceRules(ctx, portfolioID)
		if err != nil {
			t.Fatalf("ListComplianceRules failed: %v", err)
		}
		if len(rules) != 1 {
			t.Fatalf("expected 1 rule, got %d", len(rules))
		}
		if rules[0].Kind != domain.RuleBannedTerm {
			t.Errorf("kind = %s", rules[0].Kind)
		}
	})

	t.Run("SaveAndListFeatureSummaries", func(t *testing.T) {
		sum := &domain.FeatureSummary{
			Feature: "Attained_Age",
			Kind:    domain.KindNumeric,
			Mean:    61.2,
			Std:     14.8,
			Quantiles: []domain.QuantilePoint{
				{Percentile: 50, Value: 62},
				{Percentile: 95, Value: 88},
			},
		}
		if err := repo.SaveFeatureSummary(ctx, portfolioID, sum); err != nil {
			t.Fatalf("SaveFeatureSummary failed: %v", err)
		}

		sums, err := repo.ListFeatureSummaries(ctx, portfolioID)
		if err != nil {
			t.Fatalf("ListFeatureSummaries failed: %v", err)
		}
		if len(sums) != 1 {
			t.Fatalf("expected 1 summary, got %d", len(sums))
		}
		if len(sums[0].Quantiles) != 2 || sums[0].Quantiles[1].Value != 88 {
			t.Errorf("quantiles round-trip failed: %+v", sums[0].Quantiles)
		}
	})

	t.Run("SaveAndGetExplanation", func(t *testing.T) {
		exp := &domain.Explanation{
			ID:          "exp-001",
			PortfolioID: portfolioID,
			State:       domain.StateDelivered,
			Timestamp:   time.Now().UTC(),
			Bundle: &domain.EvidenceBundle{
				ID:           "bundle-001",
				RelativeRisk: 6.08,
			},
			Compliance: domain.ComplianceResult{Pass: true},
			Metadata:   domain.ExplanationMetadata{TraceID: "trace-001", TotalMs: 4},
		}
		if err := repo.SaveExplanation(ctx, portfolioID, exp); err != nil {
			t.Fatalf("SaveExplanation failed: %v", err)
		}

		got, err := repo.GetExplanation(ctx, portfolioID, "exp-001")
		if err != nil {
			t.Fatalf("GetExplanation failed: %v", err)
		}
		if got.State != domain.StateDelivered {
			t.Errorf("state = %s", got.State)
		}
		if got.Bundle == nil || got.Bundle.RelativeRisk != 6.08 {
			t.Errorf("bundle round-trip failed: %+v", got.Bundle)
		}
		if got.Metadata.TraceID != "trace-001" {
			t.Errorf("metadata round-trip failed: %+v", got.Metadata)
		}
	})

	t.Run("PortfolioIsolation", func(t *testing.T) {
		other := "study-002"

		segs, err := repo.ListSegments(ctx, other)
		if err != nil {
			t.Fatalf("ListSegments failed: %v", err)
		}
		if len(segs) != 0 {
			t.Errorf("expected no segments for other portfolio, got %d", len(segs))
		}

		if _, err := repo.GetCalibration(ctx, other); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other portfolio, got: %v", err)
		}
		if _, err := repo.GetExplanation(ctx, other, "exp-001"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other portfolio, got: %v", err)
		}
	})

	t.Run("RequiresPortfolioID", func(t *testing.T) {
		if err := repo.SaveSegment(ctx, "", &domain.SegmentDefinition{ID: "x"}); err == nil {
			t.Error("expected error for empty portfolioID")
		}
		if _, err := repo.ListSegments(ctx, ""); err == nil {
			t.Error("expected error for empty portfolioID")
		}
		if _, err := repo.GetExplanation(ctx, "", "exp-001"); err == nil {
			t.Error("expected error for empty portfolioID")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetExplanation(ctx, portfolioID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
