package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/pipeline"
	"github.com/opensource-actuarial/heron/internal/rules"
)

// GlobalPortfolioID is used for reference data that applies to all
// portfolios.
const GlobalPortfolioID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	schema      domain.FeatureSchema
	registry    *rules.Registry
	calibration *calibration.Store
	knowledge   *knowledge.Store
	guard       *compliance.Guard
	processor   *pipeline.Processor
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, schema domain.FeatureSchema, registry *rules.Registry, cal *calibration.Store, kn *knowledge.Store, guard *compliance.Guard, processor *pipeline.Processor, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		bus:         bus,
		schema:      schema,
		registry:    registry,
		calibration: cal,
		knowledge:   kn,
		guard:       guard,
		processor:   processor,
		version:     version,
	}
}

// ExplainRequest is the request body for POST /explain.
type ExplainRequest struct {
	Record          domain.FeatureVector `json:"record"`
	ObservationYear int                  `json:"observationYear"`
	Prediction      domain.Prediction    `json:"prediction"`
	Narrative       string               `json:"narrative,omitempty"`
}

// ExplainResponse is the response for POST /explain.
type ExplainResponse struct {
	ExplanationID string                  `json:"explanationId"`
	State         string                  `json:"state"`
	Compliance    domain.ComplianceResult `json:"compliance"`
	Bundle        *domain.EvidenceBundle  `json:"bundle,omitempty"`
	Metadata      struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Explain handles POST /explain requests: one policy record plus its
// model prediction in, one compliance-checked evidence bundle out.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	portfolioID := GetPortfolioID(ctx)
	traceID := GetTraceID(ctx)

	var req ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Record) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "record is required",
		})
		return
	}
	if req.ObservationYear <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "observationYear is required",
		})
		return
	}

	exp, err := h.processor.Process(ctx, &pipeline.Request{
		PortfolioID:     portfolioID,
		TraceID:         traceID,
		Record:          req.Record,
		ObservationYear: req.ObservationYear,
		Prediction:      req.Prediction,
		Narrative:       req.Narrative,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveExplanation(ctx, portfolioID, exp); err != nil {
			slog.Error("failed to save explanation", "id", exp.ID, "error", err)
		}
	}

	resp := ExplainResponse{
		ExplanationID: exp.ID,
		State:         exp.State,
		Compliance:    exp.Compliance,
		Bundle:        exp.Bundle,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// writeError maps pipeline stage failures to HTTP statuses. A compliance
// rejection is not an error and never reaches this path.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsSchemaError(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNoCoverageMatch):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrIncompleteBundle):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrCalibrationUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		slog.Error("explanation pipeline failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "explanation failed"})
	}
}

// GetExplanation retrieves a persisted explanation by ID.
func (h *Handler) GetExplanation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	portfolioID := GetPortfolioID(ctx)
	expID := chi.URLParam(r, "id")

	if expID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "explanation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	exp, err := h.repo.GetExplanation(ctx, portfolioID, expID)
	if err != nil {
		slog.Error("failed to get explanation", "id", expID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "explanation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, exp)
}

// NarrativeCheckRequest is the request body for POST /narrative/check.
type NarrativeCheckRequest struct {
	Narrative string                 `json:"narrative"`
	Bundle    *domain.EvidenceBundle `json:"bundle"`
}

// NarrativeCheck runs the language guard over a narrative against an
// already-assembled bundle, without re-running the pipeline. A failing
// narrative is still a 200: the verdict is the payload.
func (h *Handler) NarrativeCheck(w http.ResponseWriter, r *http.Request) {
	var req NarrativeCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Narrative == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "narrative is required",
		})
		return
	}
	if req.Bundle == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bundle is required: figures are only checkable against evidence",
		})
		return
	}

	result := h.guard.Check(req.Bundle, req.Narrative)
	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// pipeline cannot classify without segments or resolve without a
// calibration snapshot, so both gate readiness.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.registry.Version() == "" || h.calibration.Snapshot() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListSegments returns the segment definitions currently loaded in the
// registry. Definitions are loaded from the database at startup and can
// be reloaded via POST /segments/reload.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	coverage := h.registry.CoverageSegments()
	spotlight := h.registry.SpotlightSegments()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   h.registry.Version(),
		"coverage":  coverage,
		"spotlight": spotlight,
		"count":     len(coverage) + len(spotlight),
		"source":    "database",
	})
}

// GetSegment retrieves a loaded segment definition by ID.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	segID := chi.URLParam(r, "id")

	if segID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "segment id is required",
		})
		return
	}

	for _, seg := range h.registry.CoverageSegments() {
		if seg.ID == segID {
			writeJSON(w, http.StatusOK, seg)
			return
		}
	}
	for _, seg := range h.registry.SpotlightSegments() {
		if seg.ID == segID {
			writeJSON(w, http.StatusOK, seg)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "segment not found",
	})
}

// CreateSegmentRequest is the request body for creating a segment
// definition.
type CreateSegmentRequest struct {
	ID           string               `json:"id"`
	Family       domain.SegmentFamily `json:"family"`
	Label        string               `json:"label"`
	Rule         string               `json:"rule"`
	Exposure     int64                `json:"exposure"`
	AERatio      float64              `json:"aeRatio"`
	RelativeRisk float64              `json:"relativeRisk"`
	Enabled      bool                 `json:"enabled"`
}

// CreateSegment validates and persists a segment definition. Definitions
// are saved globally (portfolio_id = "*") so they apply to all
// portfolios. After saving, call POST /segments/reload to hot-reload.
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Label == "" || req.Rule == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, label, and rule are required",
		})
		return
	}
	if req.Family != domain.FamilyCoverage && req.Family != domain.FamilySpotlight {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "family must be coverage or spotlight",
		})
		return
	}

	// Reject unparsable rules before they reach the database.
	if _, err := rules.Parse(req.Rule, h.schema); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	seg := &domain.SegmentDefinition{
		ID:           req.ID,
		PortfolioID:  GlobalPortfolioID,
		Family:       req.Family,
		Label:        req.Label,
		Rule:         req.Rule,
		Exposure:     req.Exposure,
		AERatio:      req.AERatio,
		RelativeRisk: req.RelativeRisk,
		Enabled:      req.Enabled,
	}

	if h.repo != nil {
		if err := h.repo.SaveSegment(ctx, GlobalPortfolioID, seg); err != nil {
			slog.Error("failed to save segment", "id", seg.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save segment",
			})
			return
		}
	}

	slog.Info("segment created", "id", seg.ID, "family", seg.Family)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"segment": seg,
		"message": "Segment created. Call POST /segments/reload to apply changes.",
	})
}

// ReloadSegments reloads all segment definitions from the database into
// the registry. This enables hot-reloading without server restart.
func (h *Handler) ReloadSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	defs, err := h.repo.ListSegments(ctx, GlobalPortfolioID)
	if err != nil {
		slog.Error("failed to list segments from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load segments from database",
		})
		return
	}

	version := "segments-" + time.Now().UTC().Format("20060102T150405Z")
	snap, err := h.registry.Load(version, defs)
	if err != nil {
		slog.Error("failed to reload segment registry", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload segments: " + err.Error(),
		})
		return
	}

	h.notify(ctx, domain.TopicRegistryReloaded, map[string]interface{}{
		"version": snap.Version,
		"count":   len(defs),
	})

	slog.Info("segments reloaded from database", "version", snap.Version, "count", len(defs))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "segments reloaded successfully",
		"version": snap.Version,
		"count":   len(defs),
	})
}

// GetCalibration returns the calibration snapshot currently loaded.
func (h *Handler) GetCalibration(w http.ResponseWriter, r *http.Request) {
	snap := h.calibration.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no calibration snapshot loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PutCalibration persists a calibration snapshot as the current global
// snapshot. Call POST /calibration/reload to make it live.
func (h *Handler) PutCalibration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var snap domain.CalibrationSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if snap.Version == "" || snap.OverallRate <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version and a positive overallRate are required",
		})
		return
	}

	snap.PortfolioID = GlobalPortfolioID
	if h.repo != nil {
		if err := h.repo.SaveCalibration(ctx, GlobalPortfolioID, &snap); err != nil {
			slog.Error("failed to save calibration", "version", snap.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save calibration",
			})
			return
		}
	}

	slog.Info("calibration saved", "version", snap.Version)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"version": snap.Version,
		"message": "Calibration saved. Call POST /calibration/reload to apply changes.",
	})
}

// ReloadCalibration reloads the calibration snapshot from the database.
func (h *Handler) ReloadCalibration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	snap, err := h.repo.GetCalibration(ctx, GlobalPortfolioID)
	if err != nil {
		slog.Error("failed to get calibration from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load calibration from database",
		})
		return
	}

	if err := h.calibration.Load(snap); err != nil {
		slog.Error("failed to load calibration snapshot", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload calibration: " + err.Error(),
		})
		return
	}

	h.notify(ctx, domain.TopicCalibrationReloaded, map[string]interface{}{
		"version": snap.Version,
	})

	slog.Info("calibration reloaded from database", "version", snap.Version)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "calibration reloaded successfully",
		"version": snap.Version,
	})
}

// ListKnowledge returns the knowledge items currently loaded.
func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	items := h.knowledge.Items()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.knowledge.Version(),
		"items":   items,
		"count":   len(items),
		"source":  "database",
	})
}

// CreateKnowledgeRequest is the request body for creating a knowledge
// item.
type CreateKnowledgeRequest struct {
	ID      string                `json:"id"`
	Title   string                `json:"title"`
	Source  string                `json:"source,omitempty"`
	Body    string                `json:"body"`
	Scope   domain.KnowledgeScope `json:"scope"`
	Enabled bool                  `json:"enabled"`
}

// CreateKnowledge validates and persists a knowledge item. Items with no
// declared scope are rejected: an unscoped item would never be retrieved.
func (h *Handler) CreateKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateKnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Title == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, title, and body are required",
		})
		return
	}
	if !req.Scope.Declared() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scope must declare years, a cohort rule, or both",
		})
		return
	}
	if req.Scope.Cohort != "" {
		if _, err := rules.Parse(req.Scope.Cohort, h.schema); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid cohort rule: " + err.Error(),
			})
			return
		}
	}

	item := &domain.KnowledgeItem{
		ID:          req.ID,
		PortfolioID: GlobalPortfolioID,
		Title:       req.Title,
		Source:      req.Source,
		Body:        req.Body,
		Scope:       req.Scope,
		Enabled:     req.Enabled,
	}

	if h.repo != nil {
		if err := h.repo.SaveKnowledgeItem(ctx, GlobalPortfolioID, item); err != nil {
			slog.Error("failed to save knowledge item", "id", item.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save knowledge item",
			})
			return
		}
	}

	slog.Info("knowledge item created", "id", item.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"item":    item,
		"message": "Knowledge item created. Call POST /knowledge/reload to apply changes.",
	})
}

// ReloadKnowledge reloads all knowledge items from the database.
func (h *Handler) ReloadKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	items, err := h.repo.ListKnowledgeItems(ctx, GlobalPortfolioID)
	if err != nil {
		slog.Error("failed to list knowledge items from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load knowledge items from database",
		})
		return
	}

	version := "knowledge-" + time.Now().UTC().Format("20060102T150405Z")
	h.knowledge.Load(version, items)

	slog.Info("knowledge items reloaded from database", "version", version, "count", len(items))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "knowledge items reloaded successfully",
		"version": version,
		"count":   len(items),
	})
}

// ListComplianceRules returns the compliance rules currently loaded in
// the guard.
func (h *Handler) ListComplianceRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.guard.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// CreateComplianceRule validates and persists a compliance rule. The
// pattern and trigger are compiled before saving so a broken rule can
// never poison a reload.
func (h *Handler) CreateComplianceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.ComplianceRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" || rule.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and pattern are required",
		})
		return
	}
	if rule.Kind != domain.RuleBannedTerm && rule.Kind != domain.RuleRequiredDisclaimer {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind must be banned_term or required_disclaimer",
		})
		return
	}

	if err := h.guard.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	rule.PortfolioID = GlobalPortfolioID
	if h.repo != nil {
		if err := h.repo.SaveComplianceRule(ctx, GlobalPortfolioID, &rule); err != nil {
			slog.Error("failed to save compliance rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save compliance rule",
			})
			return
		}
	}

	slog.Info("compliance rule created", "id", rule.ID, "kind", rule.Kind)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Compliance rule created. Call POST /compliance/rules/reload to apply changes.",
	})
}

// ReloadComplianceRules reloads all compliance rules from the database
// into the guard.
func (h *Handler) ReloadComplianceRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListComplianceRules(ctx, GlobalPortfolioID)
	if err != nil {
		slog.Error("failed to list compliance rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load compliance rules from database",
		})
		return
	}

	if err := h.guard.LoadRules(dbRules); err != nil {
		slog.Error("failed to reload compliance rules into guard", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload compliance rules: " + err.Error(),
		})
		return
	}

	slog.Info("compliance rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "compliance rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// notify publishes a reload event; reference-data reloads are global.
func (h *Handler) notify(ctx context.Context, topic string, payload interface{}) {
	if h.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, GlobalPortfolioID, topic, data); err != nil {
		slog.Warn("failed to publish reload event", "topic", topic, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
