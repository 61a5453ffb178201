package popstats

import (
	"context"
	"testing"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// summaryRepo is a minimal repository stub for summary lookups.
type summaryRepo struct {
	domain.Repository
	sums  []*domain.FeatureSummary
	calls int
}

func (r *summaryRepo) ListFeatureSummaries(ctx context.Context, portfolioID string) ([]*domain.FeatureSummary, error) {
	r.calls++
	return r.sums, nil
}

func ageSummary() *domain.FeatureSummary {
	return &domain.FeatureSummary{
		Feature: "Attained_Age",
		Kind:    domain.KindNumeric,
		Quantiles: []domain.QuantilePoint{
			{Percentile: 5, Value: 30},
			{Percentile: 25, Value: 45},
			{Percentile: 50, Value: 58},
			{Percentile: 75, Value: 70},
			{Percentile: 95, Value: 84},
		},
	}
}

func smokerSummary() *domain.FeatureSummary {
	return &domain.FeatureSummary{
		Feature: "Smoker_Status",
		Kind:    domain.KindCategorical,
		ValueShares: map[string]float64{
			"S":  0.12,
			"NS": 0.88,
		},
	}
}

func TestContextPercentiles(t *testing.T) {
	repo := &summaryRepo{sums: []*domain.FeatureSummary{ageSummary(), smokerSummary()}}
	svc := NewService(repo, nil)

	fv := domain.FeatureVector{
		"Attained_Age":  domain.Numeric(88),
		"Smoker_Status": domain.Categorical("S"),
	}

	percentiles, categories, err := svc.Context(context.Background(), "*", fv)
	if err != nil {
		t.Fatalf("context failed: %v", err)
	}

	if len(percentiles) != 1 {
		t.Fatalf("expected 1 percentile, got %d", len(percentiles))
	}
	// 88 is above the p95 cut point: clamped to the top of the table.
	if percentiles[0].Percentile != 95 {
		t.Errorf("expected 95th percentile, got %d", percentiles[0].Percentile)
	}

	if len(categories) != 1 || categories[0].Share != 0.12 {
		t.Errorf("unexpected category context: %+v", categories)
	}
}

func TestContextInterpolates(t *testing.T) {
	repo := &summaryRepo{sums: []*domain.FeatureSummary{ageSummary()}}
	svc := NewService(repo, nil)

	fv := domain.FeatureVector{"Attained_Age": domain.Numeric(64)}
	percentiles, _, err := svc.Context(context.Background(), "*", fv)
	if err != nil {
		t.Fatalf("context failed: %v", err)
	}
	if len(percentiles) != 1 {
		t.Fatalf("expected 1 percentile, got %d", len(percentiles))
	}
	// 64 lies midway between p50 (58) and p75 (70).
	got := percentiles[0].Percentile
	if got < 60 || got > 65 {
		t.Errorf("expected interpolated percentile near 62, got %d", got)
	}
}

// Missing summaries mean absent context, not an error.
func TestContextSkipsUnknownFeatures(t *testing.T) {
	repo := &summaryRepo{}
	svc := NewService(repo, nil)

	fv := domain.FeatureVector{"Attained_Age": domain.Numeric(50)}
	percentiles, categories, err := svc.Context(context.Background(), "*", fv)
	if err != nil {
		t.Fatalf("context failed: %v", err)
	}
	if len(percentiles) != 0 || len(categories) != 0 {
		t.Errorf("expected empty context, got %v %v", percentiles, categories)
	}
}

func TestPercentileEdges(t *testing.T) {
	qs := ageSummary().Quantiles

	cases := []struct {
		value float64
		want  int
	}{
		{10, 5},  // below the table
		{30, 5},  // at the bottom cut
		{84, 95}, // at the top cut
		{99, 95}, // above the table
		{58, 50}, // exactly on a cut point
	}
	for _, tc := range cases {
		got, ok := percentileOf(tc.value, qs)
		if !ok {
			t.Errorf("value %g: no percentile", tc.value)
			continue
		}
		if got != tc.want {
			t.Errorf("value %g: got %d, want %d", tc.value, got, tc.want)
		}
	}

	if _, ok := percentileOf(50, nil); ok {
		t.Error("expected no percentile from empty quantile table")
	}
}
