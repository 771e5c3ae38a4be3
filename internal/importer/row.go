package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/contract"
	"github.com/atmx/wheel-engine/internal/model"
)

// Field is a loosely typed cell. It decodes from a JSON string, number or
// null, so upstream normalizers need not agree on types.
type Field string

func (f *Field) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Field(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("field must be a string or number: %s", data)
		}
		*f = Field(n.String())
	}
	return nil
}

func (f Field) String() string { return strings.TrimSpace(string(f)) }

// Row is one already-decoded record from a row source.
type Row struct {
	CycleKey  Field `json:"cycle_key,omitempty"`
	Ticker    Field `json:"ticker"`
	TradeType Field `json:"trade_type"`
	TradeDate Field `json:"trade_date"`
	Strike    Field `json:"strike,omitempty"`
	Premium   Field `json:"premium,omitempty"`
	Contracts Field `json:"contracts,omitempty"`
	Shares    Field `json:"shares,omitempty"`
	Sequence  *int  `json:"sequence,omitempty"`
}

var dateLayouts = []string{
	time.DateOnly,
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"01/02/06",
	time.RFC3339,
}

// CycleKeyFromSource turns a source name into a cycle key: the upper-cased
// file stem, so "wheel/hims_2024.csv" becomes "HIMS_2024".
func CycleKeyFromSource(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base))))
}

// TickerFromCycleKey takes the ticker from the first "_" segment of a
// cycle key.
func TickerFromCycleKey(key string) (string, error) {
	head, _, _ := strings.Cut(key, "_")
	return contract.NormalizeTicker(head)
}

// Normalize validates one row and turns it into a sealed event. index is
// the row's position in the batch and the default sequence.
func Normalize(sourceHint string, index int, r Row) (model.WheelEvent, error) {
	e := model.WheelEvent{Source: sourceHint}

	e.CycleKey = strings.ToUpper(r.CycleKey.String())
	if e.CycleKey == "" {
		e.CycleKey = CycleKeyFromSource(sourceHint)
	}
	if e.CycleKey == "" {
		return e, fieldErr("cycle_key", model.ErrMissingField, "no cycle key and no source to derive one from")
	}

	tt, err := model.ParseTradeType(r.TradeType.String())
	if err != nil {
		return e, fieldErr("trade_type", model.ErrUnknownTradeType, err.Error())
	}
	e.TradeType = tt

	var option *contract.Option
	switch raw := r.Ticker.String(); {
	case contract.LooksLikeOptionSymbol(raw):
		option, err = contract.ParseOptionSymbol(raw)
		if err != nil {
			return e, fieldErr("ticker", model.ErrInvalidValue, err.Error())
		}
		if err := checkRight(tt, option); err != nil {
			return e, err
		}
		e.Ticker = option.Underlying
	case raw != "":
		e.Ticker, err = contract.NormalizeTicker(raw)
		if err != nil {
			return e, fieldErr("ticker", model.ErrInvalidValue, err.Error())
		}
	default:
		e.Ticker, err = TickerFromCycleKey(e.CycleKey)
		if err != nil {
			return e, fieldErr("ticker", model.ErrMissingField, "no ticker and none in cycle key "+e.CycleKey)
		}
	}

	if e.TradeDate, err = parseDate(r.TradeDate.String()); err != nil {
		return e, err
	}
	if e.Strike, err = parseDecimal("strike", r.Strike.String()); err != nil {
		return e, err
	}
	if !e.Strike.Valid && option != nil {
		e.Strike = decimal.NewNullDecimal(option.Strike)
	}
	if e.Premium, err = parseDecimal("premium", r.Premium.String()); err != nil {
		return e, err
	}
	if e.Contracts, err = parseCount("contracts", r.Contracts.String()); err != nil {
		return e, err
	}
	if e.Shares, err = parseCount("shares", r.Shares.String()); err != nil {
		return e, err
	}

	e.Sequence = index
	if r.Sequence != nil {
		e.Sequence = *r.Sequence
	}

	if err := e.Validate(); err != nil {
		return e, err
	}
	e.Seal()
	return e, nil
}

// checkRight rejects a put symbol on a call leg and vice versa.
func checkRight(tt model.TradeType, o *contract.Option) error {
	var wantPut bool
	switch tt {
	case model.SellPut, model.Assignment:
		wantPut = true
	case model.SellCall, model.CalledAway:
	default:
		return nil
	}
	if o.IsPut() == wantPut {
		return nil
	}
	want := contract.TypeCall
	if wantPut {
		want = contract.TypePut
	}
	return fieldErr("ticker", model.ErrInvalidValue,
		fmt.Sprintf("%s is a %s but %s needs a %s", o.Symbol, strings.ToLower(o.Type), tt, strings.ToLower(want)))
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fieldErr("trade_date", model.ErrMissingField, "trade date is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.Day(t), nil
		}
	}
	return time.Time{}, fieldErr("trade_date", model.ErrInvalidValue, fmt.Sprintf("unrecognized date %q", s))
}

func parseDecimal(field, s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fieldErr(field, model.ErrInvalidValue, fmt.Sprintf("not a number: %q", s))
	}
	return decimal.NewNullDecimal(d), nil
}

func parseCount(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// Spreadsheets export whole numbers as "2.0".
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, fieldErr(field, model.ErrInvalidValue, fmt.Sprintf("not a whole number: %q", s))
	}
	return d.IntPart(), nil
}

func fieldErr(field string, kind error, reason string) error {
	return &model.ValidationError{Field: field, Reason: reason, Err: kind}
}
