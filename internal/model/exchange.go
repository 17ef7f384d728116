package model

import "strings"

// ExchangeCode is the single-byte wire code for a venue segment used by the
// vendor streaming protocol.
type ExchangeCode uint8

const (
	NSECM ExchangeCode = 1  // NSE cash
	NSEFO ExchangeCode = 2  // NSE futures & options
	BSECM ExchangeCode = 3  // BSE cash
	BSEFO ExchangeCode = 4  // BSE futures & options
	MCXFO ExchangeCode = 5  // MCX commodity
	NCXFO ExchangeCode = 7  // NCDEX commodity
	CDEFO ExchangeCode = 13 // currency derivatives
)

var exchangeNames = map[ExchangeCode]string{
	NSECM: "NSE",
	NSEFO: "NFO",
	BSECM: "BSE",
	BSEFO: "BFO",
	MCXFO: "MCX",
	NCXFO: "NCX",
	CDEFO: "CDE",
}

func (e ExchangeCode) String() string {
	if name, ok := exchangeNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// PriceDivisor returns the scale factor applied to raw wire prices for this
// segment. Currency derivatives quote to seven decimal places, everything
// else to two.
func (e ExchangeCode) PriceDivisor() float64 {
	if e == CDEFO {
		return 10000000
	}
	return 100
}

var exchangeAliases = map[string]ExchangeCode{
	"NSE":    NSECM,
	"NSE_CM": NSECM,
	"NFO":    NSEFO,
	"NSE_FO": NSEFO,
	"BSE":    BSECM,
	"BSE_CM": BSECM,
	"BFO":    BSEFO,
	"BSE_FO": BSEFO,
	"MCX":    MCXFO,
	"MCX_FO": MCXFO,
	"NCX":    NCXFO,
	"NCDEX":  NCXFO,
	"CDE":    CDEFO,
	"CDS":    CDEFO,
	"CDE_FO": CDEFO,
}

// DetectExchange maps a free-form exchange or symbol string to a wire code.
// Derivative-shaped trading symbols (option suffix CE/PE after a strike, or
// a FUT suffix) resolve to NSE F&O. Anything unrecognised defaults to NSE cash.
func DetectExchange(s string) ExchangeCode {
	u := strings.ToUpper(strings.TrimSpace(s))
	if code, ok := exchangeAliases[u]; ok {
		return code
	}
	if isDerivativeSymbol(u) {
		return NSEFO
	}
	return NSECM
}

func isDerivativeSymbol(s string) bool {
	if strings.HasSuffix(s, "FUT") {
		return true
	}
	if len(s) < 3 {
		return false
	}
	if strings.HasSuffix(s, "CE") || strings.HasSuffix(s, "PE") {
		// Options carry a numeric strike right before the CE/PE suffix.
		c := s[len(s)-3]
		return c >= '0' && c <= '9'
	}
	return false
}
