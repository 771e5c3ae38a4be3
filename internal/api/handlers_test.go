package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/api"
	"github.com/atmx/wheel-engine/internal/importer"
	"github.com/atmx/wheel-engine/internal/ledger"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/price"
	"github.com/atmx/wheel-engine/internal/store"
	"github.com/atmx/wheel-engine/internal/wheel"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestRouter wires the handlers over an in-memory store.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	return newTestRouterOver(t, store.NewMemoryStore())
}

func newTestRouterOver(t *testing.T, ms store.Store) chi.Router {
	t.Helper()
	l := ledger.New(ms, nil)
	prices, err := price.NewStatic(map[string]string{"HIMS": "120"})
	if err != nil {
		t.Fatalf("failed to build prices: %v", err)
	}
	svc := wheel.New(ms, l, importer.New(l, nil, 2), prices, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(svc, nil).Mount)
	return r
}

const wheelBody = `{
	"source": "wheel/hims_2024.csv",
	"rows": [
		{"ticker": "HIMS", "trade_type": "Sell Put", "trade_date": "2024-01-01", "strike": 100, "premium": 2},
		{"ticker": "HIMS", "trade_type": "Assigned", "trade_date": "2024-02-01", "strike": 100, "shares": 100},
		{"ticker": "HIMS", "trade_type": "Sell Call", "trade_date": "2024-02-15", "strike": 105, "premium": "1.00"},
		{"ticker": "HIMS", "trade_type": "Called Away", "trade_date": "2024-03-15", "strike": 105, "shares": 100}
	]
}`

func do(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

// --- Import tests ---

func TestImport_ThenReimportIsDuplicate(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, "POST", "/api/v1/imports", wheelBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	first := decode[importer.ImportResult](t, w)
	if first.Accepted != 4 || first.Duplicate != 0 {
		t.Errorf("expected 4 accepted, got %+v", first)
	}

	w = do(t, router, "POST", "/api/v1/imports", wheelBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"rejected":[]`) {
		t.Errorf("expected empty rejected list in body, got %s", w.Body.String())
	}
	second := decode[importer.ImportResult](t, w)
	if second.Accepted != 0 || second.Duplicate != 4 {
		t.Errorf("expected {accepted:0 duplicate:4}, got %+v", second)
	}
}

func TestImport_BadRequests(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"rows": [`},
		{"no rows", `{"source": "hims.csv", "rows": []}`},
		{"bad field type", `{"rows": [{"strike": {"x": 1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/imports", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestImport_RejectedRowsReported(t *testing.T) {
	router := newTestRouter(t)
	body := `{"source": "hims_2024.csv", "rows": [
		{"ticker": "HIMS", "trade_type": "Sell Put", "trade_date": "2024-01-01", "strike": 100, "premium": 2},
		{"ticker": "HIMS", "trade_type": "Dividend", "trade_date": "2024-01-05"}
	]}`

	w := do(t, router, "POST", "/api/v1/imports", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	res := decode[importer.ImportResult](t, w)
	if res.Accepted != 1 || len(res.Rejected) != 1 || res.Rejected[0].Field != "trade_type" {
		t.Errorf("expected one trade_type rejection, got %+v", res)
	}
}

// --- Read tests ---

func TestGetCycle_Summary(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	w := do(t, router, "GET", "/api/v1/cycles/hims_2024", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sum := decode[model.CycleSummary](t, w)
	if sum.Status != model.CycleClosed || sum.LotCount != 1 {
		t.Errorf("expected closed cycle with one lot, got %s/%d", sum.Status, sum.LotCount)
	}
	if !sum.RealizedPnL.Equal(d("1000")) || !sum.TotalPremium.Equal(d("300")) {
		t.Errorf("expected realized 1000 and premium 300, got %s / %s", sum.RealizedPnL, sum.TotalPremium)
	}
	if sum.UnrealizedPnL.Valid {
		t.Errorf("expected no unrealized figure for a closed cycle, got %v", sum.UnrealizedPnL)
	}
}

func TestGetCycle_NotFound(t *testing.T) {
	router := newTestRouter(t)
	for _, path := range []string{"/api/v1/cycles/NOPE_1", "/api/v1/cycles/NOPE_1/events"} {
		if w := do(t, router, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestGetLots(t *testing.T) {
	router := newTestRouter(t)
	body := `{"source": "hims_2025.csv", "rows": [
		{"ticker": "HIMS  251017P00100000", "trade_type": "Sell Put", "trade_date": "2025-09-01", "premium": 2},
		{"ticker": "HIMS", "trade_type": "Assignment", "trade_date": "2025-10-17", "strike": 100}
	]}`
	do(t, router, "POST", "/api/v1/imports", body)

	w := do(t, router, "GET", "/api/v1/cycles/HIMS_2025/lots", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.LotsResponse](t, w)
	if len(resp.Lots) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(resp.Lots))
	}
	lot := resp.Lots[0]
	if lot.Status != model.LotOpen || !lot.CostBasis.Equal(d("9800")) {
		t.Errorf("expected open lot at 9800, got %s at %s", lot.Status, lot.CostBasis)
	}
	// 120*100 − 9800 + 200
	if !lot.UnrealizedPnL.Valid || !lot.UnrealizedPnL.Decimal.Equal(d("2400")) {
		t.Errorf("expected unrealized 2400, got %v", lot.UnrealizedPnL)
	}

	w = do(t, router, "GET", "/api/v1/cycles/NOPE_1/lots", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown cycle, got %d", w.Code)
	}
	if empty := decode[api.LotsResponse](t, w); empty.Lots == nil || len(empty.Lots) != 0 {
		t.Errorf("expected empty lots list, got %+v", empty.Lots)
	}
}

func TestListCycles_StatusFilter(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	w := do(t, router, "GET", "/api/v1/cycles?status=closed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	refs := decode[[]model.CycleRef](t, w)
	if len(refs) != 1 || refs[0].CycleKey != "HIMS_2024" || refs[0].Ticker != "HIMS" {
		t.Errorf("unexpected refs %+v", refs)
	}

	w = do(t, router, "GET", "/api/v1/cycles?status=Active", "")
	if refs := decode[[]model.CycleRef](t, w); len(refs) != 0 {
		t.Errorf("expected no active cycles, got %+v", refs)
	}

	if w := do(t, router, "GET", "/api/v1/cycles?status=open", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
}

func TestListEvents_LedgerOrder(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	w := do(t, router, "GET", "/api/v1/cycles/HIMS_2024/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events := decode[[]model.WheelEvent](t, w)
	want := []model.TradeType{model.SellPut, model.Assignment, model.SellCall, model.CalledAway}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.TradeType != want[i] || e.Position != i {
			t.Errorf("event %d: expected %s at position %d, got %s at %d", i, want[i], i, e.TradeType, e.Position)
		}
	}
}

// --- Maintenance tests ---

func TestReplaceEvents(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	body := `{"rows": [
		{"ticker": "HIMS", "trade_type": "Sell Put", "trade_date": "2024-01-01", "strike": 100, "premium": 2}
	]}`
	w := do(t, router, "PUT", "/api/v1/cycles/HIMS_2024/events", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/cycles/HIMS_2024", "")
	sum := decode[model.CycleSummary](t, w)
	if sum.State != model.StatePutOpen || sum.EventCount != 1 || sum.PendingLot == nil {
		t.Errorf("expected one open put, got %s events=%d", sum.State, sum.EventCount)
	}
}

func TestReplaceEvents_ForeignRow(t *testing.T) {
	router := newTestRouter(t)
	body := `{"rows": [
		{"cycle_key": "SOFI_1", "ticker": "SOFI", "trade_type": "Expired", "trade_date": "2024-01-19"}
	]}`
	if w := do(t, router, "PUT", "/api/v1/cycles/HIMS_2024/events", body); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestReplaceEvents_EmptyClearsCycle(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	if w := do(t, router, "PUT", "/api/v1/cycles/HIMS_2024/events", `{"rows": []}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/cycles/HIMS_2024", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after clearing, got %d", w.Code)
	}
}

func TestRebuildAndDelete(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, "POST", "/api/v1/imports", wheelBody)

	w := do(t, router, "POST", "/api/v1/cycles/HIMS_2024/rebuild", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if sum := decode[model.CycleSummary](t, w); !sum.RealizedPnL.Equal(d("1000")) {
		t.Errorf("expected rebuild to reproduce realized 1000, got %s", sum.RealizedPnL)
	}

	if w := do(t, router, "DELETE", "/api/v1/cycles/HIMS_2024", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", "/api/v1/cycles/HIMS_2024", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/cycles/HIMS_2024/rebuild", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 rebuilding a deleted cycle, got %d", w.Code)
	}
}

func TestGetLots_Filters(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, http.MethodPost, "/api/v1/imports", wheelBody)

	tests := []struct {
		query string
		code  int
		lots  int
	}{
		{"", http.StatusOK, 1},
		{"?status=closed", http.StatusOK, 1},
		{"?status=Open", http.StatusOK, 0},
		{"?status=Closed&covered=false", http.StatusOK, 1},
		{"?status=bogus", http.StatusBadRequest, 0},
		{"?covered=maybe", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		w := do(t, router, http.MethodGet, "/api/v1/cycles/hims_2024/lots"+tt.query, "")
		if w.Code != tt.code {
			t.Errorf("%q: expected %d, got %d: %s", tt.query, tt.code, w.Code, w.Body.String())
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		resp := decode[api.LotsResponse](t, w)
		if len(resp.Lots) != tt.lots {
			t.Errorf("%q: expected %d lots, got %d", tt.query, tt.lots, len(resp.Lots))
		}
	}
}

func TestOverview(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, http.MethodPost, "/api/v1/imports", wheelBody)
	do(t, router, http.MethodPost, "/api/v1/imports", `{"source": "sofi_1.csv", "rows": [
		{"ticker": "SOFI", "trade_type": "Sell Put", "trade_date": "2024-04-01", "strike": 8, "premium": 0.2, "contracts": 3}
	]}`)

	w := do(t, router, http.MethodGet, "/api/v1/overview", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ov := decode[wheel.Overview](t, w)
	if ov.Cycles != 2 || ov.OpenCycles != 1 || ov.OpenPuts != 1 {
		t.Errorf("unexpected counts: %+v", ov)
	}
	if !ov.Collateral.Equal(d("2400")) {
		t.Errorf("expected collateral 2400, got %s", ov.Collateral)
	}
}

// commitFailingStore fails commits for one cycle only.
type commitFailingStore struct {
	*store.MemoryStore
	cycleKey string
}

func (s commitFailingStore) Commit(ctx context.Context, c store.Commit) error {
	if c.Cycle.CycleKey == s.cycleKey {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Commit(ctx, c)
}

func TestImport_FailureReportsPartialResult(t *testing.T) {
	router := newTestRouterOver(t, commitFailingStore{MemoryStore: store.NewMemoryStore(), cycleKey: "SOFI_1"})

	w := do(t, router, http.MethodPost, "/api/v1/imports", `{"rows": [
		{"cycle_key": "HIMS_1", "ticker": "HIMS", "trade_type": "Sell Put", "trade_date": "2024-01-01", "strike": 100, "premium": 2},
		{"cycle_key": "SOFI_1", "ticker": "SOFI", "trade_type": "Sell Put", "trade_date": "2024-01-01", "strike": 7, "premium": 0.2},
		{"cycle_key": "HIMS_1", "trade_type": "Dividend", "trade_date": "2024-01-02"}
	]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	body := decode[api.ImportFailure](t, w)
	if !strings.Contains(body.Error, "SOFI_1") {
		t.Errorf("expected error naming SOFI_1, got %q", body.Error)
	}
	if body.Result.Accepted != 1 || len(body.Result.Cycles) != 1 || body.Result.Cycles[0].CycleKey != "HIMS_1" {
		t.Errorf("expected HIMS_1 reported as committed, got %+v", body.Result)
	}
	if len(body.Result.Rejected) != 1 || body.Result.Rejected[0].Row != 2 {
		t.Errorf("expected row 2 rejected, got %+v", body.Result.Rejected)
	}
}
