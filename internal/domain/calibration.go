package domain

// YearCalibration is the historical accuracy for one observation year.
type YearCalibration struct {
	AERatio    float64 `json:"aeRatio"`
	YearFactor float64 `json:"yearFactor"`
}

// SegmentCalibration is the historical accuracy for one segment.
type SegmentCalibration struct {
	AERatio  float64 `json:"aeRatio"`
	Exposure int64   `json:"exposure"`
}

// CalibrationSnapshot is the full calibration store contents: read-only
// reference data, replaced wholesale on explicit reload.
type CalibrationSnapshot struct {
	Version     string  `json:"version"`
	PortfolioID string  `json:"portfolioId,omitempty"`
	OverallAE   float64 `json:"overallAe"`

	// OverallRate is the overall population mortality rate, the
	// denominator of every relative-risk figure.
	OverallRate float64 `json:"overallRate"`

	// DataPeriod documents the experience window, e.g. "2009-2019".
	DataPeriod string `json:"dataPeriod,omitempty"`

	Yearly   map[int]YearCalibration       `json:"yearly,omitempty"`
	Segments map[string]SegmentCalibration `json:"segments,omitempty"`
}

// CalibrationExcerpt is the slice of the snapshot relevant to one match.
// Global context (overall A/E, rate, year table) is always attached.
// Per-segment calibration is attached when available; matched segments
// with no calibration record are listed in MissingSegments rather than
// being given a fabricated neutral A/E.
type CalibrationExcerpt struct {
	Version     string  `json:"version"`
	OverallAE   float64 `json:"overallAe"`
	OverallRate float64 `json:"overallRate"`
	DataPeriod  string  `json:"dataPeriod,omitempty"`

	Yearly map[int]YearCalibration `json:"yearly,omitempty"`

	Coverage  *SegmentCalibration           `json:"coverage,omitempty"`
	Spotlight map[string]SegmentCalibration `json:"spotlight,omitempty"`

	MissingSegments []string `json:"missingSegments,omitempty"`
}
