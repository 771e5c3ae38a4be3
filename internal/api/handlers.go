// Package api provides the HTTP handlers over the wheel service: batch
// imports, cycle reads with live P&L, and cycle maintenance.
//
// All monetary values use shopspring/decimal and are rendered as strings.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atmx/wheel-engine/internal/importer"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/store"
	"github.com/atmx/wheel-engine/internal/wheel"
)

// Handler serves the wheel endpoints.
type Handler struct {
	svc    *wheel.Service
	logger *zap.Logger
}

// NewHandler creates the HTTP handlers. A nil logger discards output.
func NewHandler(svc *wheel.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Mount registers every route on r, which is usually the /api/v1 subrouter.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/imports", h.Import)
	r.Get("/cycles", h.ListCycles)
	r.Get("/overview", h.Overview)
	r.Route("/cycles/{cycleKey}", func(r chi.Router) {
		r.Get("/", h.GetCycle)
		r.Delete("/", h.DeleteCycle)
		r.Get("/lots", h.GetLots)
		r.Get("/events", h.ListEvents)
		r.Put("/events", h.ReplaceEvents)
		r.Post("/rebuild", h.Rebuild)
	})
}

// --- Request/Response types ---

// ImportRequest is the JSON body for POST /imports and PUT .../events.
type ImportRequest struct {
	Source string         `json:"source"` // file name; supplies the cycle key for rows without one
	Rows   []importer.Row `json:"rows"`
}

// ImportFailure is the 500 body of an import: the error plus whatever the
// batch committed before it.
type ImportFailure struct {
	Error  string                `json:"error"`
	Result importer.ImportResult `json:"result"`
}

// LotsResponse is the JSON body returned from GET .../lots.
type LotsResponse struct {
	CycleKey string      `json:"cycle_key"`
	Lots     []model.Lot `json:"lots"`
}

// --- HTTP Handlers ---

// Import handles POST /api/v1/imports
// Appends the rows; rows already in the ledger count as duplicates.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, "rows must not be empty", http.StatusBadRequest)
		return
	}

	res, err := h.svc.ImportEvents(r.Context(), req.Source, req.Rows)
	if err != nil {
		h.logger.Error("import failed", zap.String("source", req.Source), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ImportFailure{Error: "import failed: " + err.Error(), Result: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReplaceEvents handles PUT /api/v1/cycles/{cycleKey}/events
// Replaces the cycle's whole ledger with the rows in the body.
func (h *Handler) ReplaceEvents(w http.ResponseWriter, r *http.Request) {
	cycleKey := strings.ToUpper(chi.URLParam(r, "cycleKey"))

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for i := range req.Rows {
		switch k := strings.ToUpper(req.Rows[i].CycleKey.String()); k {
		case "":
			req.Rows[i].CycleKey = importer.Field(cycleKey)
		case cycleKey:
		default:
			writeError(w, "row belongs to cycle "+k, http.StatusBadRequest)
			return
		}
	}

	if len(req.Rows) == 0 {
		if err := h.svc.DeleteCycle(r.Context(), cycleKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, "failed to clear cycle", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, importer.ImportResult{Rejected: []importer.Rejection{}, Cycles: []importer.CycleImport{}})
		return
	}

	res, err := h.svc.ReimportEvents(r.Context(), req.Source, req.Rows)
	if err != nil {
		h.logger.Error("reimport failed", zap.String("cycle_key", cycleKey), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ImportFailure{Error: "reimport failed: " + err.Error(), Result: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListCycles handles GET /api/v1/cycles
// Optionally filtered by ?status=<Active|NeedsReview|Closed> and ?ticker=.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	f := wheel.Filter{Ticker: r.URL.Query().Get("ticker")}
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := parseStatus(s)
		if !ok {
			writeError(w, "status must be Active, NeedsReview or Closed", http.StatusBadRequest)
			return
		}
		f.Status = status
	}

	refs, err := h.svc.ListCycles(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list cycles", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// GetCycle handles GET /api/v1/cycles/{cycleKey}
// Returns the cycle summary with live P&L.
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	cycleKey := chi.URLParam(r, "cycleKey")

	sum, err := h.svc.GetCycleSummary(r.Context(), cycleKey)
	if err != nil {
		writeStoreError(w, err, "cycle not found", "failed to load cycle")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetLots handles GET /api/v1/cycles/{cycleKey}/lots
// Optionally filtered by ?status=<PendingPut|Open|Closed|Inconsistent> and
// ?covered=<true|false>. An unknown cycle has no lots.
func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	cycleKey := strings.ToUpper(chi.URLParam(r, "cycleKey"))

	var f wheel.LotFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := parseLotStatus(s)
		if !ok {
			writeError(w, "status must be PendingPut, Open, Closed or Inconsistent", http.StatusBadRequest)
			return
		}
		f.Status = status
	}
	if s := r.URL.Query().Get("covered"); s != "" {
		covered, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, "covered must be true or false", http.StatusBadRequest)
			return
		}
		f.Covered = &covered
	}

	lots, err := h.svc.ListLots(r.Context(), cycleKey, f)
	if err != nil {
		writeError(w, "failed to load lots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LotsResponse{CycleKey: cycleKey, Lots: lots})
}

// Overview handles GET /api/v1/overview
// Returns cycle counts, open-put collateral and premium totals.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Overview(r.Context())
	if err != nil {
		writeError(w, "failed to build overview", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// ListEvents handles GET /api/v1/cycles/{cycleKey}/events
// Returns the ledger in replay order.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context(), chi.URLParam(r, "cycleKey"))
	if err != nil {
		writeStoreError(w, err, "cycle not found", "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Rebuild handles POST /api/v1/cycles/{cycleKey}/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Rebuild(r.Context(), chi.URLParam(r, "cycleKey"))
	if err != nil {
		writeStoreError(w, err, "cycle not found", "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// DeleteCycle handles DELETE /api/v1/cycles/{cycleKey}
func (h *Handler) DeleteCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteCycle(r.Context(), chi.URLParam(r, "cycleKey")); err != nil {
		writeStoreError(w, err, "cycle not found", "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseStatus(s string) (model.CycleStatus, bool) {
	for _, st := range []model.CycleStatus{model.CycleActive, model.CycleNeedsReview, model.CycleClosed} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

func parseLotStatus(s string) (model.LotStatus, bool) {
	for _, st := range []model.LotStatus{model.LotPendingPut, model.LotOpen, model.LotClosed, model.LotInconsistent} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeStoreError maps store.ErrNotFound to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	writeError(w, failed, http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
