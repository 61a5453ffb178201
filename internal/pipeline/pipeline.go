// Package pipeline runs the explanation state machine: classify,
// calibrate, retrieve knowledge, assemble evidence, guard.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/evidence"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/popstats"
	"github.com/opensource-actuarial/heron/internal/rules"
)

// EngineVersion identifies this build in explanation metadata.
const EngineVersion = "heron-1.0"

// Processor drives one record through every pipeline stage in order. No
// stage may be skipped; a failed stage aborts the run with a typed error,
// and a compliance rejection is a verdict, not an error.
type Processor struct {
	schema      domain.FeatureSchema
	matcher     *rules.Matcher
	calibration *calibration.Store
	knowledge   *knowledge.Store
	assembler   *evidence.Assembler
	guard       *compliance.Guard

	// popStats and bus are optional; when absent, bundles simply carry no
	// population context and no events are published.
	popStats *popstats.Service
	bus      domain.EventBus
}

// NewProcessor wires the pipeline stages together.
func NewProcessor(
	schema domain.FeatureSchema,
	matcher *rules.Matcher,
	cal *calibration.Store,
	kn *knowledge.Store,
	guard *compliance.Guard,
) *Processor {
	return &Processor{
		schema:      schema,
		matcher:     matcher,
		calibration: cal,
		knowledge:   kn,
		assembler:   evidence.NewAssembler(),
		guard:       guard,
	}
}

// WithPopStats attaches the population-statistics service.
func (p *Processor) WithPopStats(svc *popstats.Service) *Processor {
	p.popStats = svc
	return p
}

// WithBus attaches an event bus for stage notifications.
func (p *Processor) WithBus(bus domain.EventBus) *Processor {
	p.bus = bus
	return p
}

// Request is one explanation request.
type Request struct {
	PortfolioID     string
	TraceID         string
	Record          domain.FeatureVector
	ObservationYear int

	// Prediction is the opaque mortality model's output, supplied by the
	// caller. The pipeline never runs the model itself.
	Prediction domain.Prediction

	// Narrative is optional generated text to check against the language
	// contract. Empty means only structural checks run.
	Narrative string
}

// Process runs the full state machine for one record. Stage failures
// return the stage's typed error (SchemaError, ErrNoCoverageMatch,
// ErrCalibrationUnavailable, ErrIncompleteBundle); a guard rejection
// returns a REJECTED explanation and a nil error.
func (p *Processor) Process(ctx context.Context, req *Request) (*domain.Explanation, error) {
	start := time.Now()

	if err := req.Record.Validate(p.schema); err != nil {
		return nil, err
	}

	meta := domain.ExplanationMetadata{
		TraceID:       req.TraceID,
		EngineVersion: EngineVersion,
	}

	// Classify.
	t := time.Now()
	match, err := p.matcher.Classify(req.Record)
	if err != nil {
		return nil, err
	}
	meta.ClassifyMs = time.Since(t).Milliseconds()
	p.stage(req, domain.StateClassified)

	// Calibrate.
	t = time.Now()
	excerpt, err := p.calibration.Resolve(match)
	if err != nil {
		return nil, err
	}
	meta.CalibrateMs = time.Since(t).Milliseconds()
	p.stage(req, domain.StateCalibrated)

	// Retrieve scoped knowledge. An empty result is a normal outcome.
	t = time.Now()
	items := p.knowledge.Retrieve(req.Record, req.ObservationYear)
	meta.RetrieveMs = time.Since(t).Milliseconds()
	p.stage(req, domain.StateKnowledgeFiltered)

	// Population context is additive; losing it degrades the bundle, not
	// the request.
	var percentiles []domain.FeaturePercentile
	var categories []domain.CategoryContext
	if p.popStats != nil {
		percentiles, categories, err = p.popStats.Context(ctx, req.PortfolioID, req.Record)
		if err != nil {
			slog.Warn("population context unavailable",
				"portfolioId", req.PortfolioID, "error", err)
			percentiles, categories = nil, nil
		}
	}

	// Assemble.
	t = time.Now()
	bundle, err := p.assembler.Assemble(evidence.Input{
		PortfolioID:     req.PortfolioID,
		Record:          req.Record,
		ObservationYear: req.ObservationYear,
		Prediction:      req.Prediction,
		Percentiles:     percentiles,
		Categories:      categories,
		Match:           match,
		Calibration:     excerpt,
		Knowledge:       items,
	})
	if err != nil {
		return nil, err
	}
	meta.AssembleMs = time.Since(t).Milliseconds()
	p.stage(req, domain.StateAssembled)
	p.publish(ctx, req.PortfolioID, domain.TopicBundleAssembled, bundle)

	// Guard.
	t = time.Now()
	verdict := p.guard.Check(bundle, req.Narrative)
	meta.GuardMs = time.Since(t).Milliseconds()
	p.stage(req, domain.StateGuarded)
	meta.TotalMs = time.Since(start).Milliseconds()

	expl := &domain.Explanation{
		ID:          uuid.New().String(),
		PortfolioID: req.PortfolioID,
		Timestamp:   time.Now().UTC(),
		Bundle:      bundle,
		Compliance:  verdict,
		Metadata:    meta,
	}

	if verdict.Pass {
		expl.State = domain.StateDelivered
		p.publish(ctx, req.PortfolioID, domain.TopicBundleDelivered, expl)
	} else {
		expl.State = domain.StateRejected
		slog.Info("bundle rejected by compliance guard",
			"portfolioId", req.PortfolioID,
			"bundleId", bundle.ID,
			"violations", len(verdict.Violations))
		p.publish(ctx, req.PortfolioID, domain.TopicComplianceRejected, expl)
	}

	return expl, nil
}

func (p *Processor) stage(req *Request, state string) {
	slog.Debug("pipeline stage complete",
		"state", state, "portfolioId", req.PortfolioID, "traceId", req.TraceID)
}

// publish sends a stage event. Delivery problems are logged, never
// propagated: the explanation result does not depend on the bus.
func (p *Processor) publish(ctx context.Context, portfolioID, topic string, payload any) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode event payload", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, portfolioID, topic, data); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
