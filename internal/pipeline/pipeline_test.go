package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/rules"
)

// captureBus records published topics.
type captureBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *captureBus) Publish(_ context.Context, _ string, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *captureBus) Subscribe(context.Context, string, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *captureBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (b *captureBus) Ping(context.Context) error { return nil }
func (b *captureBus) Close() error               { return nil }

func (b *captureBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

func testProcessor(t *testing.T) (*Processor, *captureBus) {
	t.Helper()
	schema := domain.DefaultSchema()

	registry := rules.NewRegistry(schema)
	_, err := registry.Load("reg-v1", []*domain.SegmentDefinition{
		{
			ID: "COV_001", Family: domain.FamilyCoverage, Label: "Attained age under 80",
			Rule: "Attained_Age < 80", Exposure: 180000, AERatio: 0.99, RelativeRisk: 0.8,
			Enabled: true,
		},
		{
			ID: "COV_003", Family: domain.FamilyCoverage, Label: "Attained age 80+",
			Rule: "Attained_Age >= 80", Exposure: 61234, AERatio: 1.02, RelativeRisk: 5.9,
			Enabled: true,
		},
		{
			ID: "SPOT_SMK", Family: domain.FamilySpotlight, Label: "Smokers at high attained age",
			Rule: "Attained_Age >= 85 AND Smoker_Status = S", Exposure: 15000,
			AERatio: 1.31, RelativeRisk: 1.31, Enabled: true,
		},
	})
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	matcher := rules.NewMatcher(registry, rules.DefaultMatcherConfig())

	cal := calibration.NewStore()
	if err := cal.Load(&domain.CalibrationSnapshot{
		Version:     "cal-v1",
		OverallAE:   0.9989,
		OverallRate: 0.0098,
		DataPeriod:  "2009-2019",
		Yearly: map[int]domain.YearCalibration{
			2018: {AERatio: 1.001, YearFactor: 1.0},
		},
		Segments: map[string]domain.SegmentCalibration{
			"COV_003": {AERatio: 1.02, Exposure: 61234},
		},
	}); err != nil {
		t.Fatalf("calibration load: %v", err)
	}

	kn := knowledge.NewStore(schema)
	kn.Load("kn-v1", []*domain.KnowledgeItem{
		{
			ID: "KI_SMOKER", Title: "Smoker mortality differentials",
			Source:  "experience-study-2019",
			Body:    "Smoker mortality remains elevated at high attained ages.",
			Scope:   domain.KnowledgeScope{Cohort: "Smoker_Status = S"},
			Enabled: true,
		},
	})

	guard, err := compliance.NewGuard(domain.EngineConfig{
		SpotlightRRDeviation:    0.15,
		SpotlightMinCredibility: domain.CredibilityMedium,
		TrainingStart:           2009,
		TrainingEnd:             2019,
	})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := guard.LoadRules(compliance.DefaultRules()); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	bus := &captureBus{}
	proc := NewProcessor(schema, matcher, cal, kn, guard).WithBus(bus)
	return proc, bus
}

func testRequest() *Request {
	return &Request{
		PortfolioID:     "*",
		TraceID:         "trace-1",
		ObservationYear: 2018,
		Record: domain.FeatureVector{
			"Attained_Age":  domain.Numeric(88),
			"Sex":           domain.Categorical("M"),
			"Smoker_Status": domain.Categorical("S"),
		},
		Prediction: domain.Prediction{
			Rate: 0.059626,
			Contributions: []domain.Attribution{
				{Feature: "Attained_Age", Value: 0.041},
				{Feature: "Smoker_Status", Value: 0.012},
			},
		},
	}
}

func TestProcessDelivered(t *testing.T) {
	proc, bus := testProcessor(t)

	expl, err := proc.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if expl.State != domain.StateDelivered {
		t.Fatalf("state = %s, want %s (violations %+v)",
			expl.State, domain.StateDelivered, expl.Compliance.Violations)
	}
	if !expl.Compliance.Pass {
		t.Error("expected compliance pass")
	}

	bundle := expl.Bundle
	if bundle.RelativeRisk != 6.08 {
		t.Errorf("relative risk = %v, want 6.08", bundle.RelativeRisk)
	}
	if bundle.Match.Coverage.ID != "COV_003" {
		t.Errorf("coverage = %s, want COV_003", bundle.Match.Coverage.ID)
	}
	if len(bundle.Match.Spotlights) != 1 || bundle.Match.Spotlights[0].ID != "SPOT_SMK" {
		t.Errorf("spotlights = %+v, want [SPOT_SMK]", bundle.Match.Spotlights)
	}
	if len(bundle.Knowledge) != 1 || bundle.Knowledge[0].ID != "KI_SMOKER" {
		t.Errorf("knowledge = %+v, want [KI_SMOKER]", bundle.Knowledge)
	}
	if bundle.Calibration.Coverage == nil {
		t.Error("expected coverage calibration attached")
	}

	meta := expl.Metadata
	if meta.TraceID != "trace-1" {
		t.Errorf("trace id = %s", meta.TraceID)
	}
	if meta.EngineVersion != EngineVersion {
		t.Errorf("engine version = %s", meta.EngineVersion)
	}

	topics := bus.published()
	want := []string{domain.TopicBundleAssembled, domain.TopicBundleDelivered}
	if len(topics) != len(want) || topics[0] != want[0] || topics[1] != want[1] {
		t.Errorf("published topics = %v, want %v", topics, want)
	}
}

func TestProcessRejectedNarrative(t *testing.T) {
	proc, bus := testProcessor(t)

	req := testRequest()
	req.Narrative = "This insured will die within the year."

	expl, err := proc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if expl.State != domain.StateRejected {
		t.Fatalf("state = %s, want %s", expl.State, domain.StateRejected)
	}
	if expl.Compliance.Pass || len(expl.Compliance.Violations) == 0 {
		t.Fatal("expected compliance violations")
	}

	topics := bus.published()
	if len(topics) != 2 || topics[1] != domain.TopicComplianceRejected {
		t.Errorf("published topics = %v, want rejection event", topics)
	}
}

func TestProcessCompliantNarrative(t *testing.T) {
	proc, _ := testProcessor(t)

	req := testRequest()
	req.Narrative = "The estimated mortality rate is 6.08 times the population baseline."

	expl, err := proc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if expl.State != domain.StateDelivered {
		t.Fatalf("state = %s, want delivered (violations %+v)",
			expl.State, expl.Compliance.Violations)
	}
}

func TestProcessNoCoverageMatch(t *testing.T) {
	proc, bus := testProcessor(t)

	// A registry whose coverage rules do not exhaust the population.
	schema := domain.DefaultSchema()
	registry := rules.NewRegistry(schema)
	if _, err := registry.Load("reg-v2", []*domain.SegmentDefinition{
		{
			ID: "COV_TERM", Family: domain.FamilyCoverage, Label: "Term plans",
			Rule: "Insurance_Plan = Term", Exposure: 90000, AERatio: 1.0,
			RelativeRisk: 1.0, Enabled: true,
		},
	}); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	proc.matcher = rules.NewMatcher(registry, rules.DefaultMatcherConfig())

	req := testRequest()
	req.Record["Insurance_Plan"] = domain.Categorical("UL")

	_, err := proc.Process(context.Background(), req)
	if !errors.Is(err, domain.ErrNoCoverageMatch) {
		t.Fatalf("expected ErrNoCoverageMatch, got %v", err)
	}
	if len(bus.published()) != 0 {
		t.Errorf("no events expected, got %v", bus.published())
	}
}

func TestProcessCalibrationUnavailable(t *testing.T) {
	proc, _ := testProcessor(t)
	proc.calibration = calibration.NewStore()

	_, err := proc.Process(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrCalibrationUnavailable) {
		t.Fatalf("expected ErrCalibrationUnavailable, got %v", err)
	}
}

func TestProcessInvalidRecord(t *testing.T) {
	proc, _ := testProcessor(t)

	req := testRequest()
	req.Record["Credit_Score"] = domain.Numeric(700)

	_, err := proc.Process(context.Background(), req)
	if !domain.IsSchemaError(err) {
		t.Fatalf("expected schema error for unknown field, got %v", err)
	}
}

func TestProcessIncompleteBundle(t *testing.T) {
	proc, _ := testProcessor(t)

	req := testRequest()
	req.Prediction = domain.Prediction{}

	_, err := proc.Process(context.Background(), req)
	if !errors.Is(err, domain.ErrIncompleteBundle) {
		t.Fatalf("expected ErrIncompleteBundle, got %v", err)
	}
}

func TestProcessWithoutBus(t *testing.T) {
	proc, _ := testProcessor(t)
	proc.bus = nil

	expl, err := proc.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if expl.State != domain.StateDelivered {
		t.Fatalf("state = %s, want delivered", expl.State)
	}
}
