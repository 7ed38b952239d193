package instrument

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type catalogueEntry struct {
	Symbol      string `yaml:"symbol"`
	Description string `yaml:"description"`
	Exchange    string `yaml:"exchange"`
	TickSize    string `yaml:"tick_size"`
	Multiplier  string `yaml:"multiplier"`
	Currency    string `yaml:"currency"`
}

type catalogue struct {
	Instruments []catalogueEntry `yaml:"instruments"`
}

// ReadCatalogue parses a YAML document of the form
//
//	instruments:
//	  - symbol: AAPL
//	    exchange: Q
//	    tick_size: "0.01"
func ReadCatalogue(r io.Reader) ([]Profile, error) {
	var cat catalogue
	if err := yaml.NewDecoder(r).Decode(&cat); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode instrument catalogue: %w", err)
	}
	profiles := make([]Profile, 0, len(cat.Instruments))
	seen := make(map[string]struct{}, len(cat.Instruments))
	for i, e := range cat.Instruments {
		if e.Symbol == "" {
			return nil, fmt.Errorf("instrument %d: missing symbol", i)
		}
		if _, dup := seen[e.Symbol]; dup {
			return nil, fmt.Errorf("instrument %s: duplicate symbol", e.Symbol)
		}
		seen[e.Symbol] = struct{}{}
		p := Profile{
			Symbol:      e.Symbol,
			Description: e.Description,
			Exchange:    e.Exchange,
			Currency:    e.Currency,
		}
		var err error
		if p.TickSize, err = parseDecimal(e.TickSize); err != nil {
			return nil, fmt.Errorf("instrument %s: tick_size: %w", e.Symbol, err)
		}
		if p.Multiplier, err = parseDecimal(e.Multiplier); err != nil {
			return nil, fmt.Errorf("instrument %s: multiplier: %w", e.Symbol, err)
		}
		if p.TickSize.IsNegative() || p.Multiplier.IsNegative() {
			return nil, fmt.Errorf("instrument %s: negative tick size or multiplier", e.Symbol)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// LoadCatalogue reads a catalogue file into a new MemoryProvider.
func LoadCatalogue(path string) (*MemoryProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrument catalogue: %w", err)
	}
	defer f.Close()
	profiles, err := ReadCatalogue(f)
	if err != nil {
		return nil, err
	}
	return NewMemoryProvider(profiles...), nil
}
