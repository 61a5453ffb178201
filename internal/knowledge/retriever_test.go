package knowledge

import (
	"testing"

	"github.com/opensource-actuarial/heron/internal/domain"
)

func testVector() domain.FeatureVector {
	return domain.FeatureVector{
		"Attained_Age":  domain.Numeric(88),
		"Issue_Age":     domain.Numeric(56),
		"Smoker_Status": domain.Categorical("S"),
	}
}

func item(id string, scope domain.KnowledgeScope) *domain.KnowledgeItem {
	return &domain.KnowledgeItem{
		ID:      id,
		Title:   id,
		Body:    "body of " + id,
		Scope:   scope,
		Enabled: true,
	}
}

func loadedStore(t *testing.T, items ...*domain.KnowledgeItem) *Store {
	t.Helper()
	store := NewStore(domain.DefaultSchema())
	store.Load("kb-v1", items)
	return store
}

func TestRetrieveByYearScope(t *testing.T) {
	store := loadedStore(t,
		item("pandemic-note", domain.KnowledgeScope{Years: []int{2020, 2021}}),
	)

	// Excluded when the observation year is outside the scope.
	if got := store.Retrieve(testVector(), 2019); len(got) != 0 {
		t.Errorf("2019: expected no items, got %d", len(got))
	}

	// Included when inside.
	got := store.Retrieve(testVector(), 2020)
	if len(got) != 1 || got[0].ID != "pandemic-note" {
		t.Errorf("2020: expected pandemic-note, got %+v", got)
	}
}

func TestRetrieveByCohortScope(t *testing.T) {
	store := loadedStore(t,
		item("elderly-smoker", domain.KnowledgeScope{Cohort: "Attained_Age >= 80 AND Smoker_Status = S"}),
		item("young-cohort", domain.KnowledgeScope{Cohort: "Attained_Age < 40"}),
	)

	got := store.Retrieve(testVector(), 2018)
	if len(got) != 1 || got[0].ID != "elderly-smoker" {
		t.Errorf("expected only elderly-smoker, got %+v", got)
	}
}

func TestRetrieveCombinedScope(t *testing.T) {
	store := loadedStore(t,
		item("both", domain.KnowledgeScope{
			Years:  []int{2018},
			Cohort: "Smoker_Status = S",
		}),
	)

	// Both declared dimensions must hold.
	if got := store.Retrieve(testVector(), 2018); len(got) != 1 {
		t.Errorf("matching year+cohort: expected 1 item, got %d", len(got))
	}
	if got := store.Retrieve(testVector(), 2017); len(got) != 0 {
		t.Errorf("wrong year: expected 0 items, got %d", len(got))
	}
}

// Items with no declared scope are never included: absence of scope means
// "not directly relevant" by design policy.
func TestRetrieveExcludesUnscopedItems(t *testing.T) {
	store := loadedStore(t,
		item("unscoped", domain.KnowledgeScope{}),
	)
	if got := store.Retrieve(testVector(), 2018); len(got) != 0 {
		t.Errorf("expected unscoped item excluded, got %+v", got)
	}
}

// A cohort rule that cannot be evaluated against this record excludes the
// item instead of failing the request.
func TestRetrieveAbsorbsCohortEvalErrors(t *testing.T) {
	store := loadedStore(t,
		item("needs-preferred", domain.KnowledgeScope{Cohort: "Preferred_Class = Standard"}),
		item("year-only", domain.KnowledgeScope{Years: []int{2018}}),
	)

	// testVector has no Preferred_Class: the first item's cohort rule is
	// not evaluable for this record.
	got := store.Retrieve(testVector(), 2018)
	if len(got) != 1 || got[0].ID != "year-only" {
		t.Errorf("expected only year-only, got %+v", got)
	}
}

func TestLoadSkipsMalformedCohort(t *testing.T) {
	store := loadedStore(t,
		item("bad", domain.KnowledgeScope{Cohort: "Nonsense_Field = 1"}),
		item("good", domain.KnowledgeScope{Years: []int{2018}}),
	)
	if store.ItemCount() != 1 {
		t.Errorf("expected 1 loaded item, got %d", store.ItemCount())
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	store := NewStore(domain.DefaultSchema())
	if got := store.Retrieve(testVector(), 2018); len(got) != 0 {
		t.Errorf("expected empty result, got %+v", got)
	}
}
