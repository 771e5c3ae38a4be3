package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SharesPerContract is the multiplier of a standard equity option.
const SharesPerContract = 100

// Count limits of a single event. They keep share and premium arithmetic
// far from int64 overflow.
const (
	MaxContracts = 1_000_000
	MaxShares    = MaxContracts * SharesPerContract
)

// TradeType is the closed vocabulary of wheel events.
type TradeType string

const (
	SellPut    TradeType = "SellPut"
	Assignment TradeType = "Assignment"
	SellCall   TradeType = "SellCall"
	CalledAway TradeType = "CalledAway"
	Expiration TradeType = "Expiration"
	Roll       TradeType = "Roll"
)

var (
	ErrUnknownTradeType = errors.New("unknown trade type")
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidValue     = errors.New("invalid value")
)

// tradeTypeAliases maps normalized free text to trade types. Text not in
// the table is rejected rather than guessed.
var tradeTypeAliases = map[string]TradeType{
	"SELLPUT":         SellPut,
	"SELL_PUT":        SellPut,
	"SELL_PUT_OPEN":   SellPut,
	"SHORT_PUT":       SellPut,
	"STO_PUT":         SellPut,
	"PUT_SOLD":        SellPut,
	"CSP":             SellPut,
	"ASSIGNMENT":      Assignment,
	"ASSIGNED":        Assignment,
	"PUT_ASSIGNED":    Assignment,
	"PUT_ASSIGNMENT":  Assignment,
	"SELLCALL":        SellCall,
	"SELL_CALL":       SellCall,
	"SELL_CALL_OPEN":  SellCall,
	"SHORT_CALL":      SellCall,
	"STO_CALL":        SellCall,
	"COVERED_CALL":    SellCall,
	"CC":              SellCall,
	"CALLEDAWAY":      CalledAway,
	"CALLED_AWAY":     CalledAway,
	"CALL_ASSIGNED":   CalledAway,
	"CALL_ASSIGNMENT": CalledAway,
	"EXPIRATION":      Expiration,
	"EXPIRED":         Expiration,
	"EXPIRE":          Expiration,
	"EXPIRY":          Expiration,
	"ROLL":            Roll,
	"ROLLED":          Roll,
	"ROLL_PUT":        Roll,
	"ROLL_CALL":       Roll,
}

// ParseTradeType maps free text ("Sell Put", "called-away", "CSP") to a
// TradeType. Matching ignores case and treats spaces and dashes as
// underscores.
func ParseTradeType(s string) (TradeType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for strings.Contains(norm, "__") {
		norm = strings.ReplaceAll(norm, "__", "_")
	}
	if tt, ok := tradeTypeAliases[norm]; ok {
		return tt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTradeType, s)
}

// ValidationError describes why an event or import row was refused.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, kind error, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: kind}
}

// WheelEvent is an immutable fact about a cycle. Premium is per share;
// a negative premium is a net debit and only valid on a Roll.
type WheelEvent struct {
	ID          string              `json:"id" db:"id"`
	CycleKey    string              `json:"cycle_key" db:"cycle_key"`
	Ticker      string              `json:"ticker" db:"ticker"`
	TradeType   TradeType           `json:"trade_type" db:"trade_type"`
	TradeDate   time.Time           `json:"trade_date" db:"trade_date"`
	Strike      decimal.NullDecimal `json:"strike" db:"strike"`
	Premium     decimal.NullDecimal `json:"premium" db:"premium"`
	Contracts   int64               `json:"contracts" db:"contracts"`
	Shares      int64               `json:"shares" db:"shares"`
	Sequence    int                 `json:"sequence" db:"sequence"`
	Position    int                 `json:"position" db:"position"` // ledger append ordinal
	IdentityKey string              `json:"identity_key" db:"identity_key"`
	Source      string              `json:"source,omitempty" db:"source"`
}

// ShareCount is the explicit share count, else contracts*100, else one
// contract's worth.
func (e WheelEvent) ShareCount() int64 {
	switch {
	case e.Shares > 0:
		return e.Shares
	case e.Contracts > 0:
		return e.Contracts * SharesPerContract
	default:
		return SharesPerContract
	}
}

// ContractCount is the explicit contract count, else derived from shares,
// else one.
func (e WheelEvent) ContractCount() int64 {
	switch {
	case e.Contracts > 0:
		return e.Contracts
	case e.Shares >= SharesPerContract:
		return e.Shares / SharesPerContract
	default:
		return 1
	}
}

// PremiumTotal is the cash premium of the event; a null premium is zero.
func (e WheelEvent) PremiumTotal() decimal.Decimal {
	if !e.Premium.Valid {
		return decimal.Zero
	}
	return e.Premium.Decimal.Mul(decimal.NewFromInt(e.ContractCount() * SharesPerContract))
}

// Validate checks the fields required by the event's trade type.
func (e WheelEvent) Validate() error {
	if strings.TrimSpace(e.CycleKey) == "" {
		return invalid("cycle_key", ErrMissingField, "cycle key is required")
	}
	if strings.TrimSpace(e.Ticker) == "" {
		return invalid("ticker", ErrMissingField, "ticker is required")
	}
	if e.TradeDate.IsZero() {
		return invalid("trade_date", ErrMissingField, "trade date is required")
	}
	if e.Contracts < 0 || e.Contracts > MaxContracts {
		return invalid("contracts", ErrInvalidValue, fmt.Sprintf("contracts must be between 0 and %d", MaxContracts))
	}
	if e.Shares < 0 || e.Shares > MaxShares {
		return invalid("shares", ErrInvalidValue, fmt.Sprintf("shares must be between 0 and %d", MaxShares))
	}
	if e.TradeType != Roll && e.Premium.Valid && e.Premium.Decimal.IsNegative() {
		return invalid("premium", ErrInvalidValue, fmt.Sprintf("%s premium must not be negative", e.TradeType))
	}
	if e.Strike.Valid && !e.Strike.Decimal.IsPositive() {
		return invalid("strike", ErrInvalidValue, "strike must be positive")
	}

	needStrike, needPremium := false, false
	switch e.TradeType {
	case SellPut, SellCall, Roll:
		needStrike, needPremium = true, true
	case Assignment, CalledAway:
		needStrike = true
	case Expiration:
	default:
		return invalid("trade_type", ErrUnknownTradeType, fmt.Sprintf("unknown trade type %q", e.TradeType))
	}

	if needStrike && !e.Strike.Valid {
		return invalid("strike", ErrMissingField, fmt.Sprintf("%s requires a strike", e.TradeType))
	}
	if needPremium && !e.Premium.Valid {
		return invalid("premium", ErrMissingField, fmt.Sprintf("%s requires a premium", e.TradeType))
	}
	return nil
}

// Identity is the deduplication key of the event: SHA-256 over
// cycle_key|trade_type|date|strike|premium. Decimals use their canonical
// string so 100 and 100.00 collide; null renders empty.
func (e WheelEvent) Identity() string {
	raw := strings.Join([]string{
		e.CycleKey,
		string(e.TradeType),
		e.TradeDate.Format(time.DateOnly),
		nullString(e.Strike),
		nullString(e.Premium),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Seal fills the identity key and the deterministic event ID.
func (e *WheelEvent) Seal() {
	e.TradeDate = Day(e.TradeDate)
	e.IdentityKey = e.Identity()
	e.ID = EventID(e.IdentityKey)
}

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:wheel-engine:event"))

// EventID derives a stable UUIDv5 from an identity key, so an event keeps
// its ID across re-imports.
func EventID(identityKey string) string {
	return uuid.NewSHA1(eventNamespace, []byte(identityKey)).String()
}

// Before reports whether a sorts before b in ledger order:
// (trade_date, sequence, position).
func Before(a, b WheelEvent) bool {
	if !a.TradeDate.Equal(b.TradeDate) {
		return a.TradeDate.Before(b.TradeDate)
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.Position < b.Position
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
