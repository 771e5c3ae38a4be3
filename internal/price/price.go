// Package price provides current-price lookups for unrealized P&L.
// A missing price is never an error: sources report ok=false and callers
// omit the unrealized figure.
package price

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source looks up the current price of an underlying ticker.
type Source interface {
	CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, bool)
}

// Lookup adapts a Source result to a nullable decimal.
func Lookup(ctx context.Context, src Source, ticker string) decimal.NullDecimal {
	if src == nil {
		return decimal.NullDecimal{}
	}
	p, ok := src.CurrentPrice(ctx, ticker)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(p)
}

// --- Static ---

// Static is a fixed ticker → price table, typically loaded from config.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic builds a table from ticker → decimal string pairs.
func NewStatic(prices map[string]string) (*Static, error) {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for ticker, raw := range prices {
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", ticker, err)
		}
		s.Set(ticker, p)
	}
	return s, nil
}

// Set records a price; non-positive prices are ignored.
func (s *Static) Set(ticker string, p decimal.Decimal) {
	if !p.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(ticker)] = p
}

func (s *Static) CurrentPrice(_ context.Context, ticker string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(ticker)]
	return p, ok
}

// --- Redis ---

// RedisSource reads prices written by an external quote feed under
// price:<TICKER> keys.
type RedisSource struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisSource creates a Redis-backed price source.
func NewRedisSource(rdb *redis.Client, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{rdb: rdb, logger: logger}
}

func (s *RedisSource) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	raw, err := s.rdb.Get(ctx, priceKey(ticker)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("price lookup failed", zap.String("ticker", ticker), zap.Error(err))
		}
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !p.IsPositive() {
		s.logger.Warn("ignoring malformed price", zap.String("ticker", ticker), zap.String("raw", raw))
		return decimal.Zero, false
	}
	return p, true
}

func priceKey(ticker string) string { return fmt.Sprintf("price:%s", strings.ToUpper(ticker)) }

// --- Chain ---

// Chain asks each source in order and returns the first hit.
type Chain []Source

func (c Chain) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if p, ok := src.CurrentPrice(ctx, ticker); ok {
			return p, true
		}
	}
	return decimal.Zero, false
}
