// Package instrument resolves symbols to instrument profiles: exchange,
// tick size, contract multiplier and currency.
package instrument

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// ErrNotFound is returned for symbols the provider does not know.
var ErrNotFound = errors.New("instrument not found")

// Profile describes one tradable instrument.
type Profile struct {
	Symbol      string          `json:"symbol"`
	Description string          `json:"description,omitempty"`
	Exchange    string          `json:"exchange,omitempty"`
	TickSize    decimal.Decimal `json:"tick_size"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Currency    string          `json:"currency,omitempty"`
}

// ExchangeName resolves Exchange through the static code table.
func (p Profile) ExchangeName() string {
	return ExchangeName(p.Exchange)
}

// RoundPrice snaps price to the nearest tick. A zero tick leaves it as is.
func (p Profile) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if p.TickSize.IsZero() {
		return price
	}
	return price.Div(p.TickSize).Round(0).Mul(p.TickSize)
}

// Result is the outcome of an asynchronous lookup.
type Result struct {
	Profile Profile
	Err     error
}

// Provider resolves instrument profiles.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (Profile, error)
	LookupAsync(ctx context.Context, symbol string) <-chan Result
}

// MemoryProvider is an in-memory Provider ordered by symbol.
type MemoryProvider struct {
	mu       sync.RWMutex
	profiles *btree.Map[string, Profile]
}

func NewMemoryProvider(profiles ...Profile) *MemoryProvider {
	m := &MemoryProvider{profiles: btree.NewMap[string, Profile](32)}
	for _, p := range profiles {
		m.Add(p)
	}
	return m
}

// Add inserts or replaces a profile. A zero multiplier defaults to one.
func (m *MemoryProvider) Add(p Profile) {
	p.Symbol = strings.TrimSpace(p.Symbol)
	if p.Multiplier.IsZero() {
		p.Multiplier = decimal.NewFromInt(1)
	}
	m.mu.Lock()
	m.profiles.Set(p.Symbol, p)
	m.mu.Unlock()
}

func (m *MemoryProvider) Remove(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles.Delete(symbol)
	return ok
}

func (m *MemoryProvider) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profiles.Len()
}

func (m *MemoryProvider) Lookup(ctx context.Context, symbol string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	m.mu.RLock()
	p, ok := m.profiles.Get(symbol)
	m.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// LookupAsync delivers the lookup result on a buffered channel.
func (m *MemoryProvider) LookupAsync(ctx context.Context, symbol string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		p, err := m.Lookup(ctx, symbol)
		out <- Result{Profile: p, Err: err}
	}()
	return out
}

// Prefix returns, in symbol order, up to limit profiles whose symbol starts
// with prefix. A non-positive limit returns all of them.
func (m *MemoryProvider) Prefix(prefix string, limit int) []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Profile
	m.profiles.Ascend(prefix, func(sym string, p Profile) bool {
		if !strings.HasPrefix(sym, prefix) {
			return false
		}
		out = append(out, p)
		return limit <= 0 || len(out) < limit
	})
	return out
}
