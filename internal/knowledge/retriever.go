// Package knowledge filters external contextual items down to those whose
// declared validity scope covers a record. Relevance is decided purely by
// scope — year overlap and cohort predicates — never by text similarity.
package knowledge

import (
	"log/slog"
	"sync"

	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/rules"
)

// compiledItem pairs an item with its parsed cohort predicate (nil when
// the item declares no cohort condition).
type compiledItem struct {
	item   *domain.KnowledgeItem
	cohort *rules.Predicate
}

type snapshot struct {
	version string
	items   []compiledItem
}

// Store holds the knowledge items and answers retrieval queries.
// Reload publishes a new snapshot atomically.
type Store struct {
	mu     sync.RWMutex
	snap   *snapshot
	schema domain.FeatureSchema
}

// NewStore creates an empty knowledge store over the given schema.
func NewStore(schema domain.FeatureSchema) *Store {
	return &Store{schema: schema, snap: &snapshot{version: "empty"}}
}

// Load compiles cohort predicates and atomically publishes the new item
// set. Items with malformed cohort rules are skipped and logged, fatal
// for the item but not for the store.
func (s *Store) Load(version string, items []*domain.KnowledgeItem) {
	snap := &snapshot{version: version}

	for _, item := range items {
		if !item.Enabled {
			continue
		}
		ci := compiledItem{item: item}
		if item.Scope.Cohort != "" {
			pred, err := rules.Parse(item.Scope.Cohort, s.schema)
			if err != nil {
				slog.Warn("skipping knowledge item with malformed cohort rule",
					"item_id", item.ID,
					"error", err,
				)
				continue
			}
			ci.cohort = pred
		}
		snap.items = append(snap.items, ci)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	slog.Info("knowledge store loaded",
		"version", version,
		"item_count", len(snap.items),
	)
}

// Version returns the current snapshot's version token.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.version
}

// ItemCount returns the number of loaded items.
func (s *Store) ItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.items)
}

// Items returns the currently loaded items.
func (s *Store) Items() []*domain.KnowledgeItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.KnowledgeItem, 0, len(s.snap.items))
	for _, ci := range s.snap.items {
		out = append(out, ci.item)
	}
	return out
}

// Retrieve returns the items whose declared scope covers the record and
// observation year, in store order. An item with no declared scope is
// never included: absent scope means "not directly relevant" by policy.
// An empty result is a normal, common outcome, not an error.
//
// A cohort rule that cannot be evaluated against this particular record
// is a defect local to one item's relevance, absorbed by excluding the
// item rather than failing the request.
func (s *Store) Retrieve(fv domain.FeatureVector, observationYear int) []domain.KnowledgeItem {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()

	var out []domain.KnowledgeItem
	for _, ci := range snap.items {
		if !ci.item.Scope.Declared() {
			continue
		}
		if !ci.item.Scope.CoversYear(observationYear) {
			continue
		}
		if ci.cohort != nil {
			ok, err := ci.cohort.Eval(fv)
			if err != nil {
				slog.Debug("knowledge cohort rule not evaluable for record",
					"item_id", ci.item.ID,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
		}
		out = append(out, *ci.item)
	}
	return out
}
