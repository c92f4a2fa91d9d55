package cryptopay

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the maximum number of fractional digits sent to the provider.
const AmountPrecision = 8

// FormatAmount renders d with at most eight fractional digits, trailing zeros
// and a dangling decimal point removed.
func FormatAmount(d decimal.Decimal) string {
	s := d.StringFixed(AmountPrecision)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}
