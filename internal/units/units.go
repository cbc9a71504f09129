// Package units converts between human decimal strings and smallest-unit
// integers. go-ethereum works in raw big.Int; the rail APIs speak decimal
// strings, so both directions live here.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

// Parse converts a decimal string like "12.5" into smallest units for the
// given number of decimals. More fractional digits than the token carries is
// an error rather than a silent truncation.
func Parse(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(amount, "-") {
		neg = true
		amount = amount[1:]
	}

	whole, frac := amount, ""
	if idx := strings.IndexByte(amount, '.'); idx >= 0 {
		whole, frac = amount[:idx], amount[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// Format renders smallest units as a decimal string, trimming trailing
// fractional zeros.
func Format(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	neg := raw.Sign() < 0
	abs := new(big.Int).Abs(raw)

	str := abs.String()
	if int(decimals) >= len(str) {
		str = strings.Repeat("0", int(decimals)-len(str)+1) + str
	}
	split := len(str) - int(decimals)
	whole, frac := str[:split], str[split:]
	frac = strings.TrimRight(frac, "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}
