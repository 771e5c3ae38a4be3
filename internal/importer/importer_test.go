package importer_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/importer"
	"github.com/atmx/wheel-engine/internal/ledger"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestImporter(t *testing.T) (*importer.Importer, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return importer.New(ledger.New(ms, nil), nil, 4), ms
}

func wheelRows() []importer.Row {
	return []importer.Row{
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "100", Premium: "2"},
		{Ticker: "HIMS", TradeType: "Assigned", TradeDate: "2024-02-01", Strike: "100", Shares: "100"},
		{Ticker: "HIMS", TradeType: "sell_call", TradeDate: "2024-02-15", Strike: "105", Premium: "1"},
		{Ticker: "HIMS", TradeType: "Called Away", TradeDate: "2024-03-15", Strike: "105", Shares: "100"},
	}
}

func TestImport_SourceNameBecomesCycle(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()

	res, err := im.Import(ctx, "exports/hims_2024.csv", wheelRows())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 4 || res.Duplicate != 0 || len(res.Rejected) != 0 {
		t.Errorf("expected 4 accepted, got %+v", res)
	}
	if len(res.Cycles) != 1 || res.Cycles[0].CycleKey != "HIMS_2024" {
		t.Fatalf("expected cycle HIMS_2024, got %+v", res.Cycles)
	}
	ci := res.Cycles[0]
	if ci.Status != model.CycleClosed || ci.LotCount != 1 {
		t.Errorf("expected closed cycle with 1 lot, got %s/%d", ci.Status, ci.LotCount)
	}
	if ci.ByType[model.SellPut] != 1 || ci.ByType[model.CalledAway] != 1 {
		t.Errorf("unexpected per-type counts: %v", ci.ByType)
	}
	if ci.FirstDate.Format("2006-01-02") != "2024-01-01" || ci.LastDate.Format("2006-01-02") != "2024-03-15" {
		t.Errorf("unexpected date range %s..%s", ci.FirstDate, ci.LastDate)
	}

	lots, _ := ms.GetLots(ctx, "HIMS_2024")
	if len(lots) != 1 || !lots[0].RealizedPnL.Decimal.Equal(d("1000")) {
		t.Errorf("expected one lot realizing 1000, got %+v", lots)
	}
}

func TestImport_ReimportIsIdempotent(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()

	if _, err := im.Import(ctx, "hims_2024.csv", wheelRows()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lotsBefore, _ := ms.GetLots(ctx, "HIMS_2024")
	sumBefore, _ := ms.GetSummary(ctx, "HIMS_2024")

	res, err := im.Import(ctx, "hims_2024.csv", wheelRows())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 0 || res.Duplicate != 4 || len(res.Rejected) != 0 {
		t.Errorf("expected {accepted:0 duplicate:4 rejected:[]}, got %+v", res)
	}

	lotsAfter, _ := ms.GetLots(ctx, "HIMS_2024")
	sumAfter, _ := ms.GetSummary(ctx, "HIMS_2024")
	if !reflect.DeepEqual(lotsBefore, lotsAfter) || !reflect.DeepEqual(sumBefore, sumAfter) {
		t.Error("expected lots and summary unchanged after reimport")
	}
}

func TestImport_RejectsBadRowsAndContinues(t *testing.T) {
	im, _ := newTestImporter(t)
	rows := []importer.Row{
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "100", Premium: "2"},
		{Ticker: "HIMS", TradeType: "Dividend", TradeDate: "2024-01-05"},
		{Ticker: "HIMS", TradeType: "Assignment", TradeDate: "2024-02-01"},
		{Ticker: "HIMS", TradeType: "Expired", TradeDate: "someday"},
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "$100", Premium: "2"},
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "100", Premium: "2", Contracts: "1.5"},
	}

	res, err := im.Import(context.Background(), "hims_2024.csv", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("expected 1 accepted, got %d", res.Accepted)
	}

	wantFields := map[int]string{1: "trade_type", 2: "strike", 3: "trade_date", 4: "strike", 5: "contracts"}
	if len(res.Rejected) != len(wantFields) {
		t.Fatalf("expected %d rejections, got %+v", len(wantFields), res.Rejected)
	}
	for _, r := range res.Rejected {
		if wantFields[r.Row] != r.Field {
			t.Errorf("row %d: expected field %s, got %s (%s)", r.Row, wantFields[r.Row], r.Field, r.Reason)
		}
	}
}

func TestImport_OptionSymbolTicker(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()
	rows := []importer.Row{
		{Ticker: "HIMS  251017P00037000", TradeType: "Sell Put", TradeDate: "2025-09-15", Premium: "0.85"},
		{Ticker: "HIMS  251017P00037000", TradeType: "Sell Call", TradeDate: "2025-09-16", Premium: "0.5"},
	}

	res, err := im.Import(ctx, "hims_q4.csv", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 || len(res.Rejected) != 1 || res.Rejected[0].Row != 1 {
		t.Fatalf("expected put accepted and call rejected, got %+v", res)
	}

	events, _ := ms.ListEvents(ctx, "HIMS_Q4")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Ticker != "HIMS" || !events[0].Strike.Decimal.Equal(d("37")) {
		t.Errorf("expected HIMS at strike 37, got %s at %v", events[0].Ticker, events[0].Strike)
	}
}

func TestImport_TickerFromCycleKey(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()
	rows := []importer.Row{
		{TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "7", Premium: "0.2"},
		{Ticker: "PLTR", TradeType: "Sell Put", TradeDate: "2024-01-08", Strike: "7", Premium: "0.2"},
	}

	res, err := im.Import(ctx, "sofi_wheel.csv", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 || len(res.Rejected) != 1 || res.Rejected[0].Field != "ticker" {
		t.Fatalf("expected mismatching ticker rejected, got %+v", res)
	}
	c, err := ms.GetCycle(ctx, "SOFI_WHEEL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Ticker != "SOFI" {
		t.Errorf("expected ticker SOFI, got %s", c.Ticker)
	}
}

func TestImport_StoredTickerMismatchRejectsRows(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()
	if _, err := im.Import(ctx, "hims_2024.csv", wheelRows()[:1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := []importer.Row{{CycleKey: "hims_2024", Ticker: "SOFI", TradeType: "Expired", TradeDate: "2024-01-19"}}
	res, err := im.Import(ctx, "", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 0 || len(res.Rejected) != 1 {
		t.Errorf("expected row rejected for ticker change, got %+v", res)
	}
}

func TestImport_StoredTickerRejectsOnlyDisagreeingRows(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()
	if _, err := im.Import(ctx, "hims_2024.csv", wheelRows()[:1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := []importer.Row{
		{Ticker: "SOFI", TradeType: "Expired", TradeDate: "2024-01-19"},
		{Ticker: "HIMS", TradeType: "Assigned", TradeDate: "2024-02-01", Strike: "100", Shares: "100"},
	}
	res, err := im.Import(ctx, "hims_2024.csv", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("expected the HIMS row accepted, got %+v", res)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Row != 0 || res.Rejected[0].Field != "ticker" {
		t.Errorf("expected only row 0 rejected on ticker, got %+v", res.Rejected)
	}

	lots, _ := ms.GetLots(ctx, "HIMS_2024")
	if len(lots) != 1 {
		t.Errorf("expected the assignment to open a lot, got %d lots", len(lots))
	}
}

func TestImport_NewCycleTickerIgnoresTypoInFirstRow(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()

	rows := []importer.Row{
		{Ticker: "HMIS", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "100", Premium: "2"},
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-02", Strike: "100", Premium: "2"},
		{Ticker: "HIMS", TradeType: "Assigned", TradeDate: "2024-02-01", Strike: "100", Shares: "100"},
	}
	res, err := im.Import(ctx, "hims_2024.csv", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 1 || res.Rejected[0].Row != 0 {
		t.Errorf("expected rows 1-2 accepted and row 0 rejected, got %+v", res)
	}
	c, err := ms.GetCycle(ctx, "HIMS_2024")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Ticker != "HIMS" {
		t.Errorf("expected cycle ticker HIMS, got %s", c.Ticker)
	}
}

func TestImport_NewCycleTickerByMajority(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()

	rows := []importer.Row{
		{CycleKey: "wheel1", Ticker: "SOFI", TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "7", Premium: "0.2"},
		{CycleKey: "wheel1", Ticker: "PLTR", TradeType: "Sell Put", TradeDate: "2024-01-02", Strike: "20", Premium: "0.5"},
		{CycleKey: "wheel1", Ticker: "PLTR", TradeType: "Expired", TradeDate: "2024-01-19"},
	}
	res, err := im.Import(ctx, "", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 1 || res.Rejected[0].Row != 0 {
		t.Errorf("expected the SOFI row rejected, got %+v", res)
	}
	if c, _ := ms.GetCycle(ctx, "WHEEL1"); c == nil || c.Ticker != "PLTR" {
		t.Errorf("expected cycle ticker PLTR, got %+v", c)
	}
}

func TestImport_MissingCycleKey(t *testing.T) {
	im, _ := newTestImporter(t)
	rows := []importer.Row{{Ticker: "HIMS", TradeType: "Expired", TradeDate: "2024-01-19"}}
	res, err := im.Import(context.Background(), "", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Field != "cycle_key" {
		t.Errorf("expected cycle_key rejection, got %+v", res.Rejected)
	}
}

func TestImport_ManyCyclesInOneBatch(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()

	var rows []importer.Row
	tickers := []string{"HIMS", "SOFI", "PLTR", "NVDA", "AMD", "F"}
	for _, tk := range tickers {
		rows = append(rows,
			importer.Row{CycleKey: importer.Field(tk + "_1"), Ticker: importer.Field(tk), TradeType: "Sell Put", TradeDate: "2024-01-01", Strike: "10", Premium: "0.5"},
			importer.Row{CycleKey: importer.Field(tk + "_1"), Ticker: importer.Field(tk), TradeType: "Expired", TradeDate: "2024-01-19"},
		)
	}

	res, err := im.Import(ctx, "", rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != len(rows) || len(res.Cycles) != len(tickers) {
		t.Fatalf("expected %d rows across %d cycles, got %+v", len(rows), len(tickers), res)
	}
	for i := 1; i < len(res.Cycles); i++ {
		if res.Cycles[i-1].CycleKey > res.Cycles[i].CycleKey {
			t.Error("expected cycles reported in key order")
		}
	}
	cycles, _ := ms.ListCycles(ctx)
	if len(cycles) != len(tickers) {
		t.Errorf("expected %d stored cycles, got %d", len(tickers), len(cycles))
	}
}

func TestImport_RowOrderBreaksSameDayTies(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()
	rows := []importer.Row{
		{Ticker: "HIMS", TradeType: "Sell Put", TradeDate: "2024-01-19", Strike: "50", Premium: "1"},
		{Ticker: "HIMS", TradeType: "Expired", TradeDate: "2024-01-19"},
	}
	if _, err := im.Import(ctx, "hims_1.csv", rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum, _ := ms.GetSummary(ctx, "HIMS_1")
	if sum.State != model.StateAwaitingPut || sum.NeedsReview {
		t.Errorf("expected put then expiration, got %s (review=%v)", sum.State, sum.NeedsReview)
	}

	// Explicit sequences override row order.
	seqA, seqB := 2, 1
	rows[0].Sequence, rows[1].Sequence = &seqA, &seqB
	if _, err := im.Reimport(ctx, "hims_1.csv", rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum, _ = ms.GetSummary(ctx, "HIMS_1")
	if sum.State != model.StatePutOpen || !sum.NeedsReview {
		t.Errorf("expected expiration first and unapplied, got %s (review=%v)", sum.State, sum.NeedsReview)
	}
}

func TestReimport_ReplacesCycle(t *testing.T) {
	im, ms := newTestImporter(t)
	ctx := context.Background()
	if _, err := im.Import(ctx, "hims_2024.csv", wheelRows()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := im.Reimport(ctx, "hims_2024.csv", wheelRows()[:2])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", res.Accepted)
	}
	events, _ := ms.ListEvents(ctx, "HIMS_2024")
	if len(events) != 2 {
		t.Errorf("expected 2 events after reimport, got %d", len(events))
	}
	sum, _ := ms.GetSummary(ctx, "HIMS_2024")
	if sum.State != model.StateSharesHeld || sum.Status != model.CycleActive {
		t.Errorf("expected SharesHeld/Active, got %s/%s", sum.State, sum.Status)
	}
}

func TestRow_DecodesLooseJSON(t *testing.T) {
	var r importer.Row
	data := `{"ticker":"HIMS","trade_type":"Sell Put","trade_date":"01/02/2024","strike":37.5,"premium":"0.85","contracts":2,"shares":null,"sequence":3}`
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Strike != "37.5" || r.Contracts != "2" || r.Shares != "" || *r.Sequence != 3 {
		t.Errorf("unexpected row: %+v", r)
	}

	e, err := importer.Normalize("hims.csv", 0, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.TradeDate.Format("2006-01-02") != "2024-01-02" || e.Sequence != 3 || e.Contracts != 2 {
		t.Errorf("unexpected event: %+v", e)
	}
	if !e.PremiumTotal().Equal(d("170")) {
		t.Errorf("expected premium total 170, got %s", e.PremiumTotal())
	}
}

func TestCycleKeyFromSource(t *testing.T) {
	tests := map[string]string{
		"hims_2024.csv":           "HIMS_2024",
		"exports/sofi wheel.CSV":  "SOFI WHEEL",
		`C:\Users\me\pltr_q1.csv`: "PLTR_Q1",
		"NVDA":                    "NVDA",
		"":                        "",
		"  ":                      "",
	}
	for in, want := range tests {
		if got := importer.CycleKeyFromSource(in); got != want {
			t.Errorf("CycleKeyFromSource(%q): expected %q, got %q", in, want, got)
		}
	}
}
