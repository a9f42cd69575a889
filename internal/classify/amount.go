package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// ParseAmount extracts a currency amount from free text by stripping every
// non-digit character. Empty or non-numeric input yields nil, never zero:
// "unknown" and "owed nothing" are different facts, and collection-rate math
// downstream must not conflate them.
func ParseAmount(s string) *int64 {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}

	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

var (
	expectedRe = regexp.MustCompile(`(?:valor|monto|total)\s*:?\s*\$?\s*([\d.,]+)`)
	paidRe     = regexp.MustCompile(`(?:pagado|pago|abona|abono|cancela)\s*:?\s*\$?\s*([\d.,]+)`)
)

// extractAmounts scans folded free text for expected/paid amount mentions.
// A nil return for either slot means the text carried no signal for it.
func extractAmounts(folded string) (expected, paid *int64) {
	if m := expectedRe.FindStringSubmatch(folded); m != nil {
		expected = ParseAmount(m[1])
	}
	if m := paidRe.FindStringSubmatch(folded); m != nil {
		paid = ParseAmount(m[1])
	}
	return expected, paid
}
