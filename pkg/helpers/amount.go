// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math"
	"math/big"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// normalizeThreshold separates satoshi-denominated values from BTC-denominated
// ones in loosely typed node responses: servers never report sub-satoshi BTC
// amounts of 0.01 BTC or more as decimals that large.
const normalizeThreshold = 1_000_000

// NormalizeToSats interprets a numeric amount from a node response as
// satoshis. Values >= 1,000,000 are taken to already be satoshis; smaller
// values are treated as BTC decimals and scaled by 1e8 with rounding.
func NormalizeToSats(v float64) int64 {
	if v >= normalizeThreshold {
		return int64(math.Round(v))
	}
	return int64(math.Round(v * SatsPerBTC))
}

// FormatSats formats a satoshi amount as a decimal BTC string.
// For example, FormatSats(100000000) returns "1".
func FormatSats(sats int64) string {
	neg := sats < 0
	if neg {
		sats = -sats
	}

	whole := sats / SatsPerBTC
	frac := sats % SatsPerBTC

	var out string
	if frac == 0 {
		out = fmt.Sprintf("%d", whole)
	} else {
		fracStr := fmt.Sprintf("%08d", frac)
		for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
			fracStr = fracStr[:len(fracStr)-1]
		}
		out = fmt.Sprintf("%d.%s", whole, fracStr)
	}

	if neg {
		return "-" + out
	}
	return out
}

// ParseBTC parses a decimal BTC string into satoshis.
// For example, ParseBTC("0.002") returns 200000.
func ParseBTC(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < 8 {
		fracStr += "0"
	}
	if len(fracStr) > 8 {
		fracStr = fracStr[:8]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Int64(), nil
}
