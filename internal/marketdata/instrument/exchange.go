package instrument

import "strings"

// exchanges maps the single-letter exchange codes used in composite symbols
// to venue names.
var exchanges = map[string]string{
	"A": "NYSE American",
	"B": "Nasdaq BX",
	"C": "NYSE National",
	"D": "FINRA ADF",
	"I": "Nasdaq ISE",
	"J": "Cboe EDGA",
	"K": "Cboe EDGX",
	"M": "NYSE Chicago",
	"N": "NYSE",
	"P": "NYSE Arca",
	"Q": "Nasdaq",
	"V": "IEX",
	"W": "Cboe",
	"X": "Nasdaq PSX",
	"Y": "Cboe BYX",
	"Z": "Cboe BZX",
	"U": "Members Exchange",
}

// ExchangeName resolves an exchange code. Unknown codes are returned as they
// are; the empty code is the composite feed.
func ExchangeName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "Composite"
	}
	if name, ok := exchanges[code]; ok {
		return name
	}
	return code
}

// SplitSymbol separates a regional symbol such as "IBM&N" into its base
// symbol and exchange code.
func SplitSymbol(symbol string) (base, exchange string) {
	if i := strings.LastIndexByte(symbol, '&'); i >= 0 && i == len(symbol)-2 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}
