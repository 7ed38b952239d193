package instrument

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
instruments:
  - symbol: AAPL
    description: Apple Inc.
    exchange: Q
    tick_size: 0.01
    currency: USD
  - symbol: AMZN
    exchange: Q
    tick_size: "0.01"
  - symbol: ESZ6
    description: E-mini S&P 500
    tick_size: "0.25"
    multiplier: "50"
    currency: USD
  - symbol: IBM
    exchange: N
`

func TestReadCatalogue(t *testing.T) {
	profiles, err := ReadCatalogue(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, profiles, 4)
	assert.True(t, profiles[0].TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, profiles[2].Multiplier.Equal(decimal.NewFromInt(50)))

	tests := []struct {
		name string
		doc  string
	}{
		{"MissingSymbol", "instruments:\n  - exchange: Q\n"},
		{"Duplicate", "instruments:\n  - symbol: A\n  - symbol: A\n"},
		{"BadTick", "instruments:\n  - symbol: A\n    tick_size: abc\n"},
		{"Negative", "instruments:\n  - symbol: A\n    tick_size: \"-1\"\n"},
		{"Malformed", "instruments: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCatalogue(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}

	t.Run("Empty", func(t *testing.T) {
		profiles, err := ReadCatalogue(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, profiles)
	})
}

func TestLoadCatalogue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	p, err := LoadCatalogue(path)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())

	ibm, err := p.Lookup(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, "NYSE", ibm.ExchangeName())
	assert.True(t, ibm.Multiplier.Equal(decimal.NewFromInt(1)), "multiplier defaults to one")

	_, err = LoadCatalogue(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemoryProvider(t *testing.T) {
	profiles, err := ReadCatalogue(strings.NewReader(sample))
	require.NoError(t, err)
	p := NewMemoryProvider(profiles...)
	ctx := context.Background()

	_, err = p.Lookup(ctx, "MSFT")
	assert.ErrorIs(t, err, ErrNotFound)

	res := <-p.LookupAsync(ctx, "ESZ6")
	require.NoError(t, res.Err)
	assert.Equal(t, "E-mini S&P 500", res.Profile.Description)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res = <-p.LookupAsync(cancelled, "AAPL")
	assert.ErrorIs(t, res.Err, context.Canceled)

	var syms []string
	for _, pr := range p.Prefix("A", 0) {
		syms = append(syms, pr.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "AMZN"}, syms)
	assert.Len(t, p.Prefix("A", 1), 1)
	assert.Empty(t, p.Prefix("Z", 0))

	p.Add(Profile{Symbol: "AAPL", Exchange: "P"})
	aapl, err := p.Lookup(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "NYSE Arca", aapl.ExchangeName())

	assert.True(t, p.Remove("AAPL"))
	assert.False(t, p.Remove("AAPL"))
	assert.Equal(t, 3, p.Len())
}

func TestRoundPrice(t *testing.T) {
	p := Profile{TickSize: decimal.RequireFromString("0.25")}
	assert.Equal(t, "101.25", p.RoundPrice(decimal.RequireFromString("101.3")).String())
	assert.Equal(t, "101.5", p.RoundPrice(decimal.RequireFromString("101.4")).String())
	assert.Equal(t, "7.123", Profile{}.RoundPrice(decimal.RequireFromString("7.123")).String())
}

func TestExchangeName(t *testing.T) {
	assert.Equal(t, "Composite", ExchangeName(""))
	assert.Equal(t, "Nasdaq", ExchangeName("q"))
	assert.Equal(t, "ZZ", ExchangeName("ZZ"))

	base, ex := SplitSymbol("IBM&N")
	assert.Equal(t, "IBM", base)
	assert.Equal(t, "N", ex)
	base, ex = SplitSymbol("IBM")
	assert.Equal(t, "IBM", base)
	assert.Empty(t, ex)
}
