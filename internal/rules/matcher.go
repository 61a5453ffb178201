package rules

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// MatcherConfig holds the spotlight firing thresholds.
type MatcherConfig struct {
	// RRDeviation is the minimum |RR-1| for a spotlight segment to fire.
	RRDeviation float64

	// MinCredibility is the minimum credibility tier for a spotlight
	// segment to fire.
	MinCredibility domain.CredibilityTier
}

// DefaultMatcherConfig returns the observed production thresholds.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		RRDeviation:    0.15,
		MinCredibility: domain.CredibilityMedium,
	}
}

// Matcher classifies feature vectors against the registry. Classification
// is a pure, synchronous computation over the snapshot captured at entry:
// O(segments) per record, O(terms) per predicate, no locking per term.
type Matcher struct {
	registry *Registry
	cfg      MatcherConfig
}

// NewMatcher creates a matcher over the registry.
func NewMatcher(registry *Registry, cfg MatcherConfig) *Matcher {
	if cfg.RRDeviation <= 0 {
		cfg.RRDeviation = 0.15
	}
	if cfg.MinCredibility == "" {
		cfg.MinCredibility = domain.CredibilityMedium
	}
	return &Matcher{registry: registry, cfg: cfg}
}

// Classify evaluates every coverage and spotlight predicate against the
// vector and returns the match result.
//
// Coverage: exactly one match is expected. Zero matches is a rule-set gap
// and fails the request. Multiple matches is a registry defect; to remain
// serviceable the matcher degrades to the first match in registry order
// and flags the ambiguity, logging it at warning level.
//
// Spotlight: only segments at or above the minimum credibility tier whose
// |RR-1| exceeds the configured deviation fire; results are ordered by
// descending |RR-1|, then descending exposure, then segment id.
func (m *Matcher) Classify(fv domain.FeatureVector) (domain.SegmentMatchResult, error) {
	snap := m.registry.Snapshot()

	result := domain.SegmentMatchResult{RegistryVersion: snap.Version}

	var matched []*CompiledSegment
	for _, cs := range snap.Coverage {
		ok, err := cs.Pred.Eval(fv)
		if err != nil {
			return result, fmt.Errorf("coverage segment %s: %w", cs.Def.ID, err)
		}
		if ok {
			matched = append(matched, cs)
		}
	}

	switch len(matched) {
	case 0:
		return result, fmt.Errorf("%w (registry version %s)", domain.ErrNoCoverageMatch, snap.Version)
	case 1:
		result.Coverage = matched[0].Def
	default:
		// Degraded-but-served: first-in-order wins, ambiguity surfaced.
		result.Coverage = matched[0].Def
		result.Ambiguous = true
		for _, cs := range matched {
			result.AmbiguousIDs = append(result.AmbiguousIDs, cs.Def.ID)
		}
		slog.Warn("ambiguous coverage classification",
			"registry_version", snap.Version,
			"matched_segments", result.AmbiguousIDs,
			"served_segment", result.Coverage.ID,
		)
	}

	for _, cs := range snap.Spotlight {
		ok, err := cs.Pred.Eval(fv)
		if err != nil {
			return result, fmt.Errorf("spotlight segment %s: %w", cs.Def.ID, err)
		}
		if !ok {
			continue
		}
		if !cs.Def.Credibility().AtLeast(m.cfg.MinCredibility) {
			continue
		}
		if cs.Def.RRDeviation() <= m.cfg.RRDeviation {
			continue
		}
		result.Spotlights = append(result.Spotlights, cs.Def)
	}

	sortSpotlights(result.Spotlights)

	return result, nil
}

// sortSpotlights orders matches by descending |RR-1|, ties broken by
// descending exposure, then segment id, so repeated classification of the
// same record is byte-identical.
func sortSpotlights(segs []*domain.SegmentDefinition) {
	sort.SliceStable(segs, func(i, j int) bool {
		di, dj := segs[i].RRDeviation(), segs[j].RRDeviation()
		if di != dj {
			return di > dj
		}
		if segs[i].Exposure != segs[j].Exposure {
			return segs[i].Exposure > segs[j].Exposure
		}
		return segs[i].ID < segs[j].ID
	})
}
