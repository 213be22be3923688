package portal

import "strings"

// ParseFee converts the portal's displayed fee text to an integer
// amount. The display carries currency formatting ("12,000 KRW",
// "₩ 3,500"); everything except digits is stripped. Empty or
// unparseable text is treated as zero.
func ParseFee(text string) int {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(text) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}

	fee := 0
	for _, r := range digits.String() {
		fee = fee*10 + int(r-'0')
		if fee > 1<<31 {
			// Garbage input rather than a real fee.
			return 0
		}
	}
	return fee
}
