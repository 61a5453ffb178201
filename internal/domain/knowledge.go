package domain

// KnowledgeScope declares when a knowledge item is relevant. An item with
// neither years nor a cohort rule has no scope and is never retrieved:
// external context is only used when directly relevant.
type KnowledgeScope struct {
	// Years the item applies to (e.g. pandemic-period commentary).
	Years []int `json:"years,omitempty"`

	// Cohort is a predicate in the segment rule grammar; the item applies
	// only to records the predicate accepts.
	Cohort string `json:"cohort,omitempty"`
}

// Declared reports whether the item declares any scope at all.
func (s KnowledgeScope) Declared() bool {
	return len(s.Years) > 0 || s.Cohort != ""
}

// CoversYear reports whether the scope's year list admits the given year.
// An empty year list means the year dimension is unconstrained.
func (s KnowledgeScope) CoversYear(year int) bool {
	if len(s.Years) == 0 {
		return true
	}
	for _, y := range s.Years {
		if y == year {
			return true
		}
	}
	return false
}

// KnowledgeItem is a piece of external actuarial context (industry
// studies, pandemic commentary, preferred-class guidance). Matching is by
// declared scope only, never by text similarity.
type KnowledgeItem struct {
	ID          string         `json:"id"`
	PortfolioID string         `json:"portfolioId,omitempty"`
	Title       string         `json:"title"`
	Source      string         `json:"source,omitempty"`
	Body        string         `json:"body"`
	Scope       KnowledgeScope `json:"scope"`
	Enabled     bool           `json:"enabled"`
}
