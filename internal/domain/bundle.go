package domain

import "time"

// Attribution is one feature's signed contribution to a prediction,
// supplied by the external mortality model.
type Attribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// Prediction is the opaque mortality model's output for one record.
type Prediction struct {
	Rate          float64       `json:"rate"`
	Contributions []Attribution `json:"contributions,omitempty"`
}

// FeaturePercentile locates a numeric feature value within the population
// distribution.
type FeaturePercentile struct {
	Feature    string  `json:"feature"`
	Value      float64 `json:"value"`
	Percentile int     `json:"percentile"`
}

// CategoryContext gives the population share of a categorical value.
type CategoryContext struct {
	Feature string  `json:"feature"`
	Value   string  `json:"value"`
	Share   float64 `json:"share"`
}

// Component names used as provenance tags. Every bundle field is traceable
// to the component that produced it.
const (
	ProvenanceModel       = "mortality-model"
	ProvenancePopStats    = "population-statistics"
	ProvenanceMatcher     = "segment-matcher"
	ProvenanceCalibration = "calibration-lookup"
	ProvenanceKnowledge   = "knowledge-retriever"
	ProvenanceAssembler   = "evidence-assembler"
)

// EvidenceBundle is the assembled evidence object a downstream narrative
// generator consumes. Built fresh per request and never mutated after
// construction.
type EvidenceBundle struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolioId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	Record          FeatureVector `json:"record"`
	ObservationYear int           `json:"observationYear"`

	Prediction Prediction `json:"prediction"`

	// AttributionRanking is the model's contributions ordered by
	// descending |value|.
	AttributionRanking []Attribution `json:"attributionRanking,omitempty"`

	// RelativeRisk is the prediction rate over the overall population
	// rate, rounded to two decimals.
	RelativeRisk float64 `json:"relativeRisk"`

	Percentiles []FeaturePercentile `json:"percentiles,omitempty"`
	Categories  []CategoryContext   `json:"categories,omitempty"`

	Match       SegmentMatchResult `json:"match"`
	Calibration CalibrationExcerpt `json:"calibration"`
	Knowledge   []KnowledgeItem    `json:"knowledge,omitempty"`

	// SpotlightLevels labels each matched spotlight segment by how far
	// its relative risk deviates from baseline.
	SpotlightLevels map[string]RiskLevel `json:"spotlightLevels,omitempty"`

	// Provenance maps bundle field names to the component that produced
	// them. No field may appear without a provenance tag.
	Provenance map[string]string `json:"provenance"`
}

// Pipeline states for one explanation request. No step may be skipped;
// Rejected is terminal and a retry starts over from classification.
const (
	StateClassified        = "CLASSIFIED"
	StateCalibrated        = "CALIBRATED"
	StateKnowledgeFiltered = "KNOWLEDGE_FILTERED"
	StateAssembled         = "ASSEMBLED"
	StateGuarded           = "GUARDED"
	StateDelivered         = "DELIVERED"
	StateRejected          = "REJECTED"
)

// ExplanationMetadata carries per-request processing information.
type ExplanationMetadata struct {
	TraceID       string `json:"traceId"`
	ClassifyMs    int64  `json:"classifyMs"`
	CalibrateMs   int64  `json:"calibrateMs"`
	RetrieveMs    int64  `json:"retrieveMs"`
	AssembleMs    int64  `json:"assembleMs"`
	GuardMs       int64  `json:"guardMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// Explanation is the persisted result of one pipeline run: the bundle, the
// compliance verdict, and where the request ended up.
type Explanation struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolioId"`
	State       string    `json:"state"`
	Timestamp   time.Time `json:"timestamp"`

	Bundle     *EvidenceBundle     `json:"bundle,omitempty"`
	Compliance ComplianceResult    `json:"compliance"`
	Metadata   ExplanationMetadata `json:"metadata"`
}
