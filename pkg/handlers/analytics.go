package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	"github.com/tessella-ai/tessella-engine/pkg/services"
)

// IngestSheetRequest is the payload for registering a sheet's data.
type IngestSheetRequest struct {
	SheetName string           `json:"sheet_name"`
	Columns   []IngestedColumn `json:"columns"`
	Rows      [][]any          `json:"rows"`
}

// IngestedColumn is one column header in an ingestion request. Type is
// optional; the registry infers it from values when omitted.
type IngestedColumn struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// AnalyzeRequest asks a question of a document's tabular data.
type AnalyzeRequest struct {
	Question  string `json:"question"`
	SheetName string `json:"sheet_name,omitempty"`
}

// SetDefaultSheetRequest selects the sheet unqualified questions target.
type SetDefaultSheetRequest struct {
	SheetName string `json:"sheet_name"`
}

// AnalyticsHandler exposes the ingestion registry and the question pipeline.
type AnalyticsHandler struct {
	registry  services.SchemaRegistry
	analytics services.AnalyticsService
	logger    *zap.Logger
}

// NewAnalyticsHandler creates a new AnalyticsHandler.
func NewAnalyticsHandler(registry services.SchemaRegistry, analytics services.AnalyticsService, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{registry: registry, analytics: analytics, logger: logger}
}

// RegisterRoutes registers the analytics routes on the given mux.
func (h *AnalyticsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents/{document_id}/sheets", h.IngestSheet)
	mux.HandleFunc("GET /api/documents/{document_id}/sheets", h.ListSheets)
	mux.HandleFunc("PUT /api/documents/{document_id}/default-sheet", h.SetDefaultSheet)
	mux.HandleFunc("DELETE /api/documents/{document_id}", h.DeleteDocument)
	mux.HandleFunc("POST /api/documents/{document_id}/analyze", h.Analyze)
}

// IngestSheet handles POST /api/documents/{document_id}/sheets.
func (h *AnalyticsHandler) IngestSheet(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")

	var req IngestSheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.SheetName == "" || len(req.Columns) == 0 {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "sheet_name and columns are required")
		return
	}

	sheet := &models.SheetIngested{
		DocumentID: documentID,
		SheetName:  req.SheetName,
		Rows:       req.Rows,
	}
	for _, col := range req.Columns {
		sheet.Columns = append(sheet.Columns, models.IngestedColumn{
			OriginalName: col.Name,
			InferredType: models.LogicalType(col.Type),
		})
	}

	entry, err := h.registry.IngestSheet(r.Context(), sheet)
	if err != nil {
		if errors.Is(err, apperrors.ErrIngestionConflict) {
			_ = ErrorResponse(w, http.StatusConflict, "ingestion_conflict", "another ingestion for this document is in progress")
			return
		}
		h.logger.Error("sheet ingestion failed",
			zap.String("document_id", documentID),
			zap.String("sheet_name", req.SheetName),
			zap.Error(err))
		_ = ErrorResponse(w, http.StatusUnprocessableEntity, "ingestion_failed", err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusCreated, entry); err != nil {
		h.logger.Error("Failed to encode ingestion response", zap.Error(err))
	}
}

// ListSheets handles GET /api/documents/{document_id}/sheets.
func (h *AnalyticsHandler) ListSheets(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")

	summaries, err := h.registry.GetSheetSummaries(r.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to list sheets", zap.String("document_id", documentID), zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list sheets")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"sheets": summaries}); err != nil {
		h.logger.Error("Failed to encode sheet list", zap.Error(err))
	}
}

// SetDefaultSheet handles PUT /api/documents/{document_id}/default-sheet.
func (h *AnalyticsHandler) SetDefaultSheet(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")

	var req SetDefaultSheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SheetName == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "sheet_name is required")
		return
	}

	if err := h.registry.SetDefaultSheet(r.Context(), documentID, req.SheetName); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = ErrorResponse(w, http.StatusNotFound, "not_found", "sheet is not registered for this document")
			return
		}
		h.logger.Error("failed to set default sheet", zap.String("document_id", documentID), zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to set default sheet")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteDocument handles DELETE /api/documents/{document_id}.
func (h *AnalyticsHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")

	if err := h.registry.DeleteDocument(r.Context(), documentID); err != nil {
		if errors.Is(err, apperrors.ErrIngestionConflict) {
			_ = ErrorResponse(w, http.StatusConflict, "ingestion_conflict", "an ingestion for this document is in progress")
			return
		}
		h.logger.Error("failed to delete document", zap.String("document_id", documentID), zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to delete document")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Analyze handles POST /api/documents/{document_id}/analyze.
func (h *AnalyticsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.Question == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "question is required")
		return
	}

	outcome, err := h.analytics.Analyze(r.Context(), documentID, req.SheetName, req.Question)
	if err != nil {
		h.logger.Error("analysis failed",
			zap.String("document_id", documentID),
			zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "analysis failed")
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to encode analysis response", zap.Error(err))
	}
}
