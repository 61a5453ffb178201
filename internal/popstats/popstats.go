// Package popstats provides population-distribution context for records:
// percentile placement for numeric features and population share for
// categorical values, from stored feature summaries.
package popstats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// Service answers percentile/share lookups against the feature summaries
// persisted in the repository, with a cache in front.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
}

// NewService creates a new population-statistics service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: 5 * time.Minute,
	}
}

// Context returns the population context for a record. Features without a
// stored summary are silently absent from the result; missing context for
// one feature never fails the request.
func (s *Service) Context(ctx context.Context, portfolioID string, fv domain.FeatureVector) ([]domain.FeaturePercentile, []domain.CategoryContext, error) {
	sums, err := s.summaries(ctx, portfolioID)
	if err != nil {
		return nil, nil, fmt.Errorf("load feature summaries: %w", err)
	}

	byFeature := make(map[string]*domain.FeatureSummary, len(sums))
	for _, sum := range sums {
		byFeature[sum.Feature] = sum
	}

	// Deterministic output order regardless of map iteration.
	names := make([]string, 0, len(fv))
	for name := range fv {
		names = append(names, name)
	}
	sort.Strings(names)

	var percentiles []domain.FeaturePercentile
	var categories []domain.CategoryContext

	for _, name := range names {
		val := fv[name]
		sum, ok := byFeature[name]
		if !ok || sum.Kind != val.Kind {
			continue
		}

		switch val.Kind {
		case domain.KindNumeric:
			p, ok := percentileOf(val.Num, sum.Quantiles)
			if !ok {
				continue
			}
			percentiles = append(percentiles, domain.FeaturePercentile{
				Feature:    name,
				Value:      val.Num,
				Percentile: p,
			})
		case domain.KindCategorical:
			share, ok := sum.ValueShares[val.Cat]
			if !ok {
				continue
			}
			categories = append(categories, domain.CategoryContext{
				Feature: name,
				Value:   val.Cat,
				Share:   share,
			})
		}
	}

	return percentiles, categories, nil
}

// summaries loads feature summaries through the cache.
func (s *Service) summaries(ctx context.Context, portfolioID string) ([]*domain.FeatureSummary, error) {
	if s.cache != nil {
		if sums, err := s.cache.GetSummaries(ctx, portfolioID); err == nil && sums != nil {
			return sums, nil
		}
	}

	sums, err := s.repo.ListFeatureSummaries(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && len(sums) > 0 {
		if err := s.cache.SetSummaries(ctx, portfolioID, sums, s.cacheTTL); err != nil {
			slog.Debug("failed to cache feature summaries", "error", err)
		}
	}
	return sums, nil
}

// percentileOf places a value among the quantile cut points by linear
// interpolation, clamped to [1, 99]. Returns false when the summary has
// no usable cut points.
func percentileOf(value float64, quantiles []domain.QuantilePoint) (int, bool) {
	if len(quantiles) == 0 {
		return 0, false
	}

	qs := make([]domain.QuantilePoint, len(quantiles))
	copy(qs, quantiles)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Percentile < qs[j].Percentile })

	if value <= qs[0].Value {
		return clampPercentile(qs[0].Percentile), true
	}
	last := qs[len(qs)-1]
	if value >= last.Value {
		return clampPercentile(last.Percentile), true
	}

	for i := 1; i < len(qs); i++ {
		lo, hi := qs[i-1], qs[i]
		if value > hi.Value {
			continue
		}
		span := hi.Value - lo.Value
		if span <= 0 {
			return clampPercentile(lo.Percentile), true
		}
		frac := (value - lo.Value) / span
		p := float64(lo.Percentile) + frac*float64(hi.Percentile-lo.Percentile)
		return clampPercentile(int(math.Round(p))), true
	}

	return clampPercentile(last.Percentile), true
}

func clampPercentile(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
