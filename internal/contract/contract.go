// Package contract parses OCC-style option symbols and validates the
// underlying ticker symbols they reference.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Option rights.
const (
	TypePut  = "PUT"
	TypeCall = "CALL"
)

// symbolRegex matches: {ticker}{padding}{YYMMDD}{P|C}{strike*1000, 8 digits}
// Example: HIMS  251017P00037000
var symbolRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9.]{0,5})\s*(\d{6})([PC])(\d{8})$`,
)

// tickerRegex matches a plain underlying ticker such as HIMS or BRK.B.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,5}$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid option symbol")
	ErrInvalidTicker = errors.New("contract: invalid ticker")
)

var strikeScale = decimal.NewFromInt(1000)

// Option is a parsed option symbol.
type Option struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Type       string          `json:"type"`
	Strike     decimal.Decimal `json:"strike"`
	ExpiryDate time.Time       `json:"expiry_date"`
}

// IsPut reports whether the option is a put.
func (o *Option) IsPut() bool { return o.Type == TypePut }

// ParseOptionSymbol parses and validates an option symbol.
// Format: {TICKER}{spaces}{YYMMDD}{P|C}{strike in thousandths, 8 digits}
func ParseOptionSymbol(symbol string) (*Option, error) {
	norm := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected TICKER YYMMDD{P|C}########)",
			ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidSymbol, matches[2])
	}

	raw, err := decimal.NewFromString(matches[4])
	if err != nil || raw.IsZero() {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[4])
	}

	optType := TypeCall
	if matches[3] == "P" {
		optType = TypePut
	}

	return &Option{
		Symbol:     norm,
		Underlying: matches[1],
		Type:       optType,
		Strike:     raw.Div(strikeScale),
		ExpiryDate: expiry,
	}, nil
}

// LooksLikeOptionSymbol reports whether s has the shape of an option
// symbol rather than a bare ticker.
func LooksLikeOptionSymbol(s string) bool {
	return symbolRegex.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// NormalizeTicker upper-cases and validates an underlying ticker.
func NormalizeTicker(s string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, s)
	}
	return t, nil
}
