package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Monetary math. All amounts are integer micros (1 unit = 1,000,000
// micros); rate fractions are basis points. No floating point anywhere.

// MicrosPerUnit converts whole units to micros.
const MicrosPerUnit int64 = 1_000_000

// BPSDenominator is the basis-point scale (1 bp = 1/10000).
const BPSDenominator int64 = 10_000

// Share returns (amount × bps) / 10000 with integer floor division.
func Share(amountMicro, bps int64) int64 {
	return amountMicro * bps / BPSDenominator
}

// ShareBPS returns (part × 10000) / whole, the fraction of whole that
// part represents in basis points. Zero whole yields zero.
func ShareBPS(partMicro, wholeMicro int64) int64 {
	if wholeMicro == 0 {
		return 0
	}
	return partMicro * BPSDenominator / wholeMicro
}

// FormatMicro renders micros as a decimal unit string for user-facing
// surfaces, trimming trailing zeros ("1500000" → "1.5").
func FormatMicro(amountMicro int64) string {
	neg := amountMicro < 0
	if neg {
		amountMicro = -amountMicro
	}
	units := amountMicro / MicrosPerUnit
	frac := amountMicro % MicrosPerUnit

	out := strconv.FormatInt(units, 10)
	if frac > 0 {
		digits := fmt.Sprintf("%06d", frac)
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if neg {
		out = "-" + out
	}
	return out
}

// WithinDriftTolerance reports whether fast-path and store committed
// totals agree within toleranceBPS of the limit (default 10 bps = 0.1%).
func WithinDriftTolerance(cacheCommitted, storeCommitted, limitMicro, toleranceBPS int64) bool {
	drift := cacheCommitted - storeCommitted
	if drift < 0 {
		drift = -drift
	}
	return drift <= Share(limitMicro, toleranceBPS)
}
