// Package evidence composes prediction output, population context,
// segment matches, calibration, and knowledge into one evidence bundle.
package evidence

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-actuarial/heron/internal/domain"
)

// Input holds everything the assembler composes. The coverage segment and
// the global calibration excerpt are mandatory; prediction rate must be
// present; everything else is optional and represented as absent.
type Input struct {
	PortfolioID     string
	Record          domain.FeatureVector
	ObservationYear int
	Prediction      domain.Prediction
	Percentiles     []domain.FeaturePercentile
	Categories      []domain.CategoryContext
	Match           domain.SegmentMatchResult
	Calibration     domain.CalibrationExcerpt
	Knowledge       []domain.KnowledgeItem
}

// Assembler builds evidence bundles. Pure composition: the only computed
// value is the bundle relative risk.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble validates the mandatory inputs and builds the bundle. Every
// field carries a provenance tag naming its producing component; no field
// may be present without one.
func (a *Assembler) Assemble(in Input) (*domain.EvidenceBundle, error) {
	if in.Match.Coverage == nil {
		return nil, fmt.Errorf("%w: coverage segment missing", domain.ErrIncompleteBundle)
	}
	if in.Calibration.OverallAE <= 0 || in.Calibration.OverallRate <= 0 {
		return nil, fmt.Errorf("%w: global calibration excerpt missing", domain.ErrIncompleteBundle)
	}
	if in.Prediction.Rate <= 0 {
		return nil, fmt.Errorf("%w: prediction rate missing", domain.ErrIncompleteBundle)
	}

	bundle := &domain.EvidenceBundle{
		ID:              uuid.New().String(),
		PortfolioID:     in.PortfolioID,
		CreatedAt:       time.Now().UTC(),
		Record:          in.Record,
		ObservationYear: in.ObservationYear,
		Prediction:      in.Prediction,
		RelativeRisk:    round2(in.Prediction.Rate / in.Calibration.OverallRate),
		Percentiles:     in.Percentiles,
		Categories:      in.Categories,
		Match:           in.Match,
		Calibration:     in.Calibration,
		Knowledge:       in.Knowledge,
	}

	bundle.AttributionRanking = rankAttributions(in.Prediction.Contributions)

	if len(in.Match.Spotlights) > 0 {
		levels := make(map[string]domain.RiskLevel, len(in.Match.Spotlights))
		for _, s := range in.Match.Spotlights {
			levels[s.ID] = domain.RiskLevelForRR(s.RelativeRisk)
		}
		bundle.SpotlightLevels = levels
	}

	prov := map[string]string{
		"record":          domain.ProvenanceAssembler,
		"observationYear": domain.ProvenanceAssembler,
		"prediction":      domain.ProvenanceModel,
		"relativeRisk":    domain.ProvenanceAssembler,
		"match":           domain.ProvenanceMatcher,
		"calibration":     domain.ProvenanceCalibration,
	}
	if len(bundle.AttributionRanking) > 0 {
		prov["attributionRanking"] = domain.ProvenanceModel
	}
	if len(in.Percentiles) > 0 {
		prov["percentiles"] = domain.ProvenancePopStats
	}
	if len(in.Categories) > 0 {
		prov["categories"] = domain.ProvenancePopStats
	}
	if len(in.Knowledge) > 0 {
		prov["knowledge"] = domain.ProvenanceKnowledge
	}
	if len(bundle.SpotlightLevels) > 0 {
		prov["spotlightLevels"] = domain.ProvenanceAssembler
	}
	bundle.Provenance = prov

	return bundle, nil
}

// rankAttributions orders contributions by descending |value|, stably, so
// identical predictions always rank identically. The input slice is not
// mutated.
func rankAttributions(contribs []domain.Attribution) []domain.Attribution {
	if len(contribs) == 0 {
		return nil
	}
	ranked := make([]domain.Attribution, len(contribs))
	copy(ranked, contribs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Value) > math.Abs(ranked[j].Value)
	})
	return ranked
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
