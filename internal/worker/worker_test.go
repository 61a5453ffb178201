package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-actuarial/heron/internal/bus"
	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/pipeline"
	"github.com/opensource-actuarial/heron/internal/rules"
)

func testPipeline(t *testing.T, eventBus domain.EventBus) *pipeline.Processor {
	t.Helper()
	schema := domain.DefaultSchema()

	registry := rules.NewRegistry(schema)
	if _, err := registry.Load("reg-v1", []*domain.SegmentDefinition{
		{
			ID: "COV_UNDER_80", Family: domain.FamilyCoverage, Label: "Attained age under 80",
			Rule: "Attained_Age < 80", Exposure: 180000, AERatio: 0.99,
			RelativeRisk: 0.8, Enabled: true,
		},
		{
			ID: "COV_80_PLUS", Family: domain.FamilyCoverage, Label: "Attained age 80+",
			Rule: "Attained_Age >= 80", Exposure: 61234, AERatio: 1.02,
			RelativeRisk: 5.9, Enabled: true,
		},
	}); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	matcher := rules.NewMatcher(registry, rules.DefaultMatcherConfig())

	cal := calibration.NewStore()
	if err := cal.Load(&domain.CalibrationSnapshot{
		Version: "cal-v1", OverallAE: 0.9989, OverallRate: 0.0098,
	}); err != nil {
		t.Fatalf("calibration load: %v", err)
	}

	kn := knowledge.NewStore(schema)

	guard, err := compliance.NewGuard(domain.EngineConfig{
		TrainingStart: 2009, TrainingEnd: 2019,
	})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := guard.LoadRules(compliance.DefaultRules()); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	return pipeline.NewProcessor(schema, matcher, cal, kn, guard).WithBus(eventBus)
}

func testRecordMessage(portfolioID string) RecordMessage {
	return RecordMessage{
		PortfolioID: portfolioID,
		TraceID:     "trace-001",
		Record: domain.FeatureVector{
			"Attained_Age": domain.Numeric(88),
			"Sex":          domain.Categorical("M"),
		},
		ObservationYear: 2018,
		Prediction:      domain.Prediction{Rate: 0.059626},
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	processor := testPipeline(t, eventBus)

	worker := NewWorker(eventBus, nil, processor)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			PortfolioIDs: []string{"study-001"},
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRecord", func(t *testing.T) {
		w := NewWorker(eventBus, nil, processor)

		cfg := Config{
			PortfolioIDs: []string{"study-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track delivered bundles
		var delivered atomic.Bool
		var deliveredPayload []byte

		eventBus.Subscribe(context.Background(), "study-test", domain.TopicBundleDelivered, func(ctx context.Context, msg *domain.Message) error {
			deliveredPayload = msg.Payload
			delivered.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(testRecordMessage("study-test"))
		err := eventBus.Publish(context.Background(), "study-test", domain.TopicRecordIngested, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(100 * time.Millisecond)

		if !delivered.Load() {
			t.Fatal("expected delivered bundle to be published")
		}

		var expl domain.Explanation
		if err := json.Unmarshal(deliveredPayload, &expl); err != nil {
			t.Fatalf("failed to parse explanation: %v", err)
		}

		if expl.State != domain.StateDelivered {
			t.Errorf("expected state DELIVERED, got '%s'", expl.State)
		}
		if expl.Bundle.RelativeRisk != 6.08 {
			t.Errorf("expected relative risk 6.08, got %v", expl.Bundle.RelativeRisk)
		}
		if expl.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", expl.Metadata.TraceID)
		}
	})

	t.Run("RejectionPublished", func(t *testing.T) {
		w := NewWorker(eventBus, nil, processor)

		cfg := Config{
			PortfolioIDs: []string{"study-reject"},
		}
		w.Start(cfg)
		defer w.Stop()

		var rejected atomic.Bool

		eventBus.Subscribe(context.Background(), "study-reject", domain.TopicComplianceRejected, func(ctx context.Context, msg *domain.Message) error {
			rejected.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		// A narrative with a banned term fails the guard.
		recMsg := testRecordMessage("study-reject")
		recMsg.Narrative = "This insured will die earlier than average."

		payload, _ := json.Marshal(recMsg)
		eventBus.Publish(context.Background(), "study-reject", domain.TopicRecordIngested, payload)

		time.Sleep(100 * time.Millisecond)

		if !rejected.Load() {
			t.Error("expected rejection event for non-compliant narrative")
		}
	})

	t.Run("MultiPortfolio", func(t *testing.T) {
		w := NewWorker(eventBus, nil, processor)

		cfg := Config{
			PortfolioIDs: []string{"study-a", "study-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 portfolios, got %d", stats.SubscriptionCount)
		}
	})
}

func TestRecordMessageParsing(t *testing.T) {
	msg := RecordMessage{
		PortfolioID: "study-001",
		TraceID:     "trace-456",
		Record: domain.FeatureVector{
			"Attained_Age":  domain.Numeric(72),
			"Smoker_Status": domain.Categorical("NS"),
		},
		ObservationYear: 2019,
		Prediction: domain.Prediction{
			Rate: 0.0123,
			Contributions: []domain.Attribution{
				{Feature: "Attained_Age", Value: 0.008},
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed RecordMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.PortfolioID != msg.PortfolioID {
		t.Errorf("expected PortfolioID '%s', got '%s'", msg.PortfolioID, parsed.PortfolioID)
	}
	if parsed.Record["Attained_Age"].Num != 72 {
		t.Errorf("record round-trip failed: %+v", parsed.Record)
	}
	if parsed.Prediction.Rate != msg.Prediction.Rate {
		t.Errorf("expected rate %v, got %v", msg.Prediction.Rate, parsed.Prediction.Rate)
	}
}
