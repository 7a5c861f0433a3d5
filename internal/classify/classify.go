// Package classify maps email subject lines to bill type hints via keyword
// matching. A miss means "let the extraction model decide", not "not a bill".
package classify

import (
	"strings"

	"github.com/paperbill/billscan/internal/bill"
)

// Keywords holds the lowercase substrings that identify each bill type in a
// subject line. Exported so callers and tests can inspect the tables.
var Keywords = map[bill.Type][]string{
	bill.TypeElectricity: {"electricity", "electric bill", "power bill", "energy bill"},
	bill.TypeHotWater:    {"hot water", "heating"},
	bill.TypeWater:       {"water"},
	bill.TypeInternet:    {"internet", "broadband", "wifi"},
}

// Subject tests the subject line against each bill type's keyword set in
// bill.DisplayOrder and returns the first type with a substring match.
// The ordering matters: "hot water" must win over the bare "water" keyword.
func Subject(subject string) (bill.Type, bool) {
	lower := strings.ToLower(subject)
	for _, t := range bill.DisplayOrder {
		for _, kw := range Keywords[t] {
			if strings.Contains(lower, kw) {
				return t, true
			}
		}
	}
	return "", false
}
