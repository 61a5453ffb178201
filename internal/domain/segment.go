package domain

// SegmentFamily partitions segment definitions into the two rule families.
type SegmentFamily string

const (
	// FamilyCoverage segments jointly exhaust and partition the population:
	// every valid record falls into exactly one.
	FamilyCoverage SegmentFamily = "coverage"

	// FamilySpotlight segments are anomaly detectors: zero, one, or many
	// may match the same record.
	FamilySpotlight SegmentFamily = "spotlight"
)

// CredibilityTier classifies the confidence backing a segment's statistics,
// derived from its exposure.
type CredibilityTier string

const (
	CredibilityHigh   CredibilityTier = "high"
	CredibilityMedium CredibilityTier = "medium"
	CredibilityLow    CredibilityTier = "low"
)

// Exposure thresholds for credibility tiers.
const (
	HighCredibilityExposure   = 50000
	MediumCredibilityExposure = 10000
)

// CredibilityForExposure derives the tier from a segment's exposure.
func CredibilityForExposure(exposure int64) CredibilityTier {
	switch {
	case exposure >= HighCredibilityExposure:
		return CredibilityHigh
	case exposure >= MediumCredibilityExposure:
		return CredibilityMedium
	default:
		return CredibilityLow
	}
}

// rank orders tiers for minimum-credibility filtering.
func (t CredibilityTier) rank() int {
	switch t {
	case CredibilityHigh:
		return 3
	case CredibilityMedium:
		return 2
	case CredibilityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether t meets the given minimum tier.
func (t CredibilityTier) AtLeast(min CredibilityTier) bool {
	return t.rank() >= min.rank()
}

// RiskLevel labels how far a segment's relative risk deviates from baseline.
type RiskLevel string

const (
	RiskSevere   RiskLevel = "severe"
	RiskElevated RiskLevel = "elevated"
	RiskReduced  RiskLevel = "reduced"
	RiskBaseline RiskLevel = "baseline"
)

// RiskLevelForRR derives the label the spotlight detail records carry.
func RiskLevelForRR(rr float64) RiskLevel {
	switch {
	case rr >= 2.0:
		return RiskSevere
	case rr > 1.15:
		return RiskElevated
	case rr < 0.85:
		return RiskReduced
	default:
		return RiskBaseline
	}
}

// SegmentDefinition is one predefined population segment. Definitions are
// created at registry load time and are immutable for the registry's
// lifetime; a reload replaces the whole collection, never a single entry.
type SegmentDefinition struct {
	ID          string        `json:"id"`
	PortfolioID string        `json:"portfolioId,omitempty"`
	Family      SegmentFamily `json:"family"`
	Label       string        `json:"label"`

	// Rule is the predicate source text: conjoined comparisons over the
	// canonical schema ("Attained_Age >= 80 AND Smoker_Status = S").
	Rule string `json:"rule"`

	// Segment statistics from the experience study.
	Exposure     int64   `json:"exposure"`
	AERatio      float64 `json:"aeRatio"`
	RelativeRisk float64 `json:"relativeRisk"`

	Enabled bool `json:"enabled"`
}

// Credibility returns the tier derived from the segment's exposure.
func (s *SegmentDefinition) Credibility() CredibilityTier {
	return CredibilityForExposure(s.Exposure)
}

// RRDeviation is |RR - 1|, the spotlight anomaly magnitude.
func (s *SegmentDefinition) RRDeviation() float64 {
	d := s.RelativeRisk - 1.0
	if d < 0 {
		return -d
	}
	return d
}

// SegmentMatchResult is the outcome of classifying one record: exactly one
// coverage segment plus zero or more spotlight segments ordered by
// descending |RR-1|, ties broken by descending exposure, then segment id.
type SegmentMatchResult struct {
	Coverage   *SegmentDefinition   `json:"coverage"`
	Spotlights []*SegmentDefinition `json:"spotlights,omitempty"`

	// Ambiguous is set when more than one coverage predicate matched and
	// the matcher degraded to first-in-order. AmbiguousIDs lists every
	// coverage segment that matched, in registry order.
	Ambiguous    bool     `json:"ambiguous,omitempty"`
	AmbiguousIDs []string `json:"ambiguousIds,omitempty"`

	// RegistryVersion identifies the snapshot the classification ran against.
	RegistryVersion string `json:"registryVersion"`
}
