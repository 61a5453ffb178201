package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-actuarial/heron/internal/domain"
)

// CompiledSegment pairs a segment definition with its parsed predicate.
type CompiledSegment struct {
	Def  *domain.SegmentDefinition
	Pred *Predicate
}

// Snapshot is one immutable, versioned registry generation. In-flight
// classifications keep the snapshot they captured; a reload publishes a
// new one and never mutates a published snapshot.
type Snapshot struct {
	Version   string
	LoadedAt  time.Time
	Coverage  []*CompiledSegment
	Spotlight []*CompiledSegment

	// Skipped lists definitions whose rule text failed to parse at load
	// time, fatal for the definition but not for the registry.
	Skipped []string
}

// Registry holds the current segment snapshot. Single writer, many
// readers; readers never see a torn generation.
type Registry struct {
	mu     sync.RWMutex
	snap   *Snapshot
	schema domain.FeatureSchema
}

// NewRegistry creates an empty registry over the given schema.
func NewRegistry(schema domain.FeatureSchema) *Registry {
	return &Registry{
		schema: schema,
		snap:   &Snapshot{Version: "empty", LoadedAt: time.Now().UTC()},
	}
}

// Load compiles the definitions and atomically publishes a new snapshot.
// Definitions with malformed rule text are skipped and logged; a registry
// whose coverage family compiled to nothing is refused outright, since it
// could never classify a single record.
func (r *Registry) Load(version string, defs []*domain.SegmentDefinition) (*Snapshot, error) {
	if version == "" {
		version = uuid.New().String()
	}

	snap := &Snapshot{Version: version, LoadedAt: time.Now().UTC()}

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		pred, err := Parse(def.Rule, r.schema)
		if err != nil {
			slog.Warn("skipping segment with malformed rule",
				"segment_id", def.ID,
				"family", def.Family,
				"error", err,
			)
			snap.Skipped = append(snap.Skipped, def.ID)
			continue
		}

		cs := &CompiledSegment{Def: def, Pred: pred}
		switch def.Family {
		case domain.FamilyCoverage:
			snap.Coverage = append(snap.Coverage, cs)
		case domain.FamilySpotlight:
			snap.Spotlight = append(snap.Spotlight, cs)
		default:
			slog.Warn("skipping segment with unknown family",
				"segment_id", def.ID,
				"family", def.Family,
			)
			snap.Skipped = append(snap.Skipped, def.ID)
		}
	}

	if len(snap.Coverage) == 0 {
		return nil, fmt.Errorf("registry version %s: no usable coverage segments", version)
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	slog.Info("segment registry loaded",
		"version", snap.Version,
		"coverage_count", len(snap.Coverage),
		"spotlight_count", len(snap.Spotlight),
		"skipped_count", len(snap.Skipped),
	)
	return snap, nil
}

// Snapshot returns the current registry generation.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Version returns the current snapshot's version token.
func (r *Registry) Version() string {
	return r.Snapshot().Version
}

// CoverageSegments returns the current coverage definitions in registry order.
func (r *Registry) CoverageSegments() []*domain.SegmentDefinition {
	snap := r.Snapshot()
	out := make([]*domain.SegmentDefinition, 0, len(snap.Coverage))
	for _, cs := range snap.Coverage {
		out = append(out, cs.Def)
	}
	return out
}

// SpotlightSegments returns the current spotlight definitions in registry order.
func (r *Registry) SpotlightSegments() []*domain.SegmentDefinition {
	snap := r.Snapshot()
	out := make([]*domain.SegmentDefinition, 0, len(snap.Spotlight))
	for _, cs := range snap.Spotlight {
		out = append(out, cs.Def)
	}
	return out
}
