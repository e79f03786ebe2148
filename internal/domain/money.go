package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatAmount renders pence as pounds, e.g. 12000 -> "£120" and 150 -> "£1.50".
// Whole pound amounts drop the pence.
func FormatAmount(pence int64) string {
	value := decimal.New(pence, -2)
	negative := value.IsNegative()
	value = value.Abs()

	fixed := value.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteString("£")
	b.WriteString(groupThousands(whole))
	if frac != "00" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	lead := len(digits) % 3
	var b strings.Builder
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// IsWholePounds reports whether an amount in pence is a whole number of pounds.
func IsWholePounds(pence int64) bool {
	return decimal.New(pence, -2).IsInteger()
}
