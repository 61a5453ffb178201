// Package worker provides async explanation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/pipeline"
)

// Worker processes ingested records asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	processor *pipeline.Processor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// PortfolioIDs is the list of portfolios to process (empty = all via
	// the global subscription)
	PortfolioIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, processor *pipeline.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given portfolios.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.PortfolioIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, portfolioID := range cfg.PortfolioIDs {
		if err := w.startPortfolioWorker(portfolioID); err != nil {
			slog.Error("failed to start worker for portfolio",
				"portfolio_id", portfolioID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"portfolio_count", len(cfg.PortfolioIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all portfolios.
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" portfolio ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicRecordIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startPortfolioWorker starts workers for a specific portfolio.
func (w *Worker) startPortfolioWorker(portfolioID string) error {
	sub, err := w.bus.Subscribe(w.ctx, portfolioID, domain.TopicRecordIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRecord(ctx, portfolioID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("portfolio worker started",
		"portfolio_id", portfolioID,
		"topic", domain.TopicRecordIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRecord(ctx, msg.PortfolioID, msg)
}

// RecordMessage is the message payload for asynchronous explanation runs.
type RecordMessage struct {
	PortfolioID     string               `json:"portfolioId"`
	TraceID         string               `json:"traceId"`
	Record          domain.FeatureVector `json:"record"`
	ObservationYear int                  `json:"observationYear"`
	Prediction      domain.Prediction    `json:"prediction"`
	Narrative       string               `json:"narrative,omitempty"`
}

// processRecord runs one record through the explanation pipeline.
func (w *Worker) processRecord(ctx context.Context, portfolioID string, msg *domain.Message) error {
	start := time.Now()

	var recMsg RecordMessage
	if err := json.Unmarshal(msg.Payload, &recMsg); err != nil {
		slog.Error("failed to parse record message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message portfolio if provided
	if recMsg.PortfolioID != "" {
		portfolioID = recMsg.PortfolioID
	}

	traceID := recMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing record",
		"portfolio_id", portfolioID,
		"trace_id", traceID,
		"observation_year", recMsg.ObservationYear,
	)

	expl, err := w.processor.Process(ctx, &pipeline.Request{
		PortfolioID:     portfolioID,
		TraceID:         traceID,
		Record:          recMsg.Record,
		ObservationYear: recMsg.ObservationYear,
		Prediction:      recMsg.Prediction,
		Narrative:       recMsg.Narrative,
	})
	if err != nil {
		slog.Error("explanation pipeline failed",
			"portfolio_id", portfolioID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveExplanation(ctx, portfolioID, expl); err != nil {
			slog.Error("failed to save explanation",
				"explanation_id", expl.ID,
				"error", err,
			)
		}
	}

	slog.Info("record processed",
		"portfolio_id", portfolioID,
		"explanation_id", expl.ID,
		"state", expl.State,
		"relative_risk", expl.Bundle.RelativeRisk,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
