// Package calibration resolves historical accuracy context for matched
// segments from an immutable calibration snapshot.
package calibration

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// Store holds the current calibration snapshot. Reload publishes a new
// snapshot atomically; in-flight lookups keep the one they captured.
type Store struct {
	mu   sync.RWMutex
	snap *domain.CalibrationSnapshot
}

// NewStore creates an empty calibration store. Resolve fails until a
// snapshot with a global overall record is loaded.
func NewStore() *Store {
	return &Store{}
}

// Load validates and atomically publishes a snapshot. The global overall
// record is a hard dependency of every downstream bundle, so a snapshot
// without it is refused at load time rather than at request time.
func (s *Store) Load(snap *domain.CalibrationSnapshot) error {
	if snap == nil || snap.OverallAE <= 0 || snap.OverallRate <= 0 {
		return fmt.Errorf("%w: snapshot missing overall A/E or overall rate", domain.ErrCalibrationUnavailable)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	slog.Info("calibration snapshot loaded",
		"version", snap.Version,
		"overall_ae", snap.OverallAE,
		"years", len(snap.Yearly),
		"segments", len(snap.Segments),
	)
	return nil
}

// Snapshot returns the current snapshot, or nil before the first load.
func (s *Store) Snapshot() *domain.CalibrationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Version returns the current snapshot's version token, or "" before load.
func (s *Store) Version() string {
	if snap := s.Snapshot(); snap != nil {
		return snap.Version
	}
	return ""
}

// Resolve returns the calibration excerpt for a segment match. Global
// context (overall A/E, overall rate, year-factor table) is always
// attached. Per-segment A/E is attached when the store has it; matched
// segments without a calibration record are listed in MissingSegments —
// absence is reported, never papered over with a neutral 1.0.
func (s *Store) Resolve(match domain.SegmentMatchResult) (domain.CalibrationExcerpt, error) {
	snap := s.Snapshot()
	if snap == nil {
		return domain.CalibrationExcerpt{}, domain.ErrCalibrationUnavailable
	}

	excerpt := domain.CalibrationExcerpt{
		Version:     snap.Version,
		OverallAE:   snap.OverallAE,
		OverallRate: snap.OverallRate,
		DataPeriod:  snap.DataPeriod,
	}

	if len(snap.Yearly) > 0 {
		excerpt.Yearly = make(map[int]domain.YearCalibration, len(snap.Yearly))
		for year, yc := range snap.Yearly {
			excerpt.Yearly[year] = yc
		}
	}

	if match.Coverage != nil {
		if sc, ok := snap.Segments[match.Coverage.ID]; ok {
			excerpt.Coverage = &sc
		} else {
			excerpt.MissingSegments = append(excerpt.MissingSegments, match.Coverage.ID)
		}
	}

	for _, spot := range match.Spotlights {
		if sc, ok := snap.Segments[spot.ID]; ok {
			if excerpt.Spotlight == nil {
				excerpt.Spotlight = make(map[string]domain.SegmentCalibration)
			}
			excerpt.Spotlight[spot.ID] = sc
		} else {
			excerpt.MissingSegments = append(excerpt.MissingSegments, spot.ID)
		}
	}

	return excerpt, nil
}
