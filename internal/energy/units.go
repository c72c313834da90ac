// Package energy normalizes vendor-reported energy values.
//
// Monitoring portals disagree wildly about how an energy total looks on the
// wire: bare floats, "10.5 kWh", "1,5 mWh", even "2.761 Wh" with a dot as a
// thousands separator. Everything is folded into plain watt-hours here so the
// rest of the system only ever sees one unit.
package energy

import (
	"fmt"
	"strconv"
	"strings"
)

// ToWh converts a vendor energy value to watt-hours.
//
// Accepted forms: bare numbers (int/float or numeric string), and strings of
// the form "<number> <unit>" with unit Wh, kWh or mWh (any case). A comma is
// treated as the decimal separator. Inside a plain-Wh value a dot is a
// thousands separator, so "2.761 Wh" means 2761 Wh. Unparseable input yields
// 0; this sits in a hot loop over tens of thousands of readings and must
// never fail.
func ToWh(value any) float64 {
	raw := strings.TrimSpace(fmt.Sprint(value))
	raw = strings.ReplaceAll(raw, ",", ".")
	lower := strings.ToLower(raw)

	switch {
	case strings.Contains(lower, "kwh"):
		return firstNumber(raw) * 1_000
	case strings.Contains(lower, "mwh"):
		return firstNumber(raw) * 1_000_000
	case strings.Contains(lower, "wh"):
		// Plain Wh values use dots as thousands separators.
		return firstNumber(strings.ReplaceAll(raw, ".", ""))
	default:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0
		}
		return parsed
	}
}

func firstNumber(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	parsed, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return parsed
}
