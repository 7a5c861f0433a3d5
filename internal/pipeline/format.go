package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paperbill/billscan/internal/bill"
	"github.com/paperbill/billscan/internal/store"
)

// NoBillsMessage is sent when a run completes without finding any bills.
const NoBillsMessage = "No utility bills were found in the scanned period."

// FormatSummary renders the user-facing result of a successful run. When
// several bills of the same type were extracted, only the one with the most
// recent issue date is shown; the total sums the displayed bills only.
func FormatSummary(bills []bill.Extracted) string {
	if len(bills) == 0 {
		return NoBillsMessage
	}

	latest := make(map[bill.Type]bill.Extracted, len(bill.DisplayOrder))
	for _, b := range bills {
		cur, ok := latest[b.Type]
		if !ok || b.IssueDate.After(cur.IssueDate) {
			latest[b.Type] = b
		}
	}

	var sb strings.Builder
	sb.WriteString("Your latest utility bills:\n")
	var total float64
	for _, t := range bill.DisplayOrder {
		b, ok := latest[t]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%s: $%.2f (%s)\n", t.DisplayName(), b.Amount, b.IssueDate.Format("Jan 2, 2006"))
		total += b.Amount
	}
	fmt.Fprintf(&sb, "Total: $%.2f", total)
	return sb.String()
}

// User-facing failure messages.
const (
	msgReauthorize = "Your mailbox authorization has expired. Please run the authorization flow again to reconnect your account."
	msgRateLimited = "The mail provider is rate limiting requests. Please wait a few minutes and try again."
	msgGeneric     = "Something went wrong while scanning for bills. Please try again later."
)

// FormatError maps an internal failure to a user-facing message. The match
// is on error text because failures cross several client libraries with no
// shared error types.
func FormatError(err error) string {
	if err == nil {
		return msgGeneric
	}
	// A persistence fault is operational, not a user authorization problem,
	// even when its text mentions tokens.
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return msgGeneric
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "oauth"),
		strings.Contains(msg, "token"),
		strings.Contains(msg, "unauthorized"):
		return msgReauthorize
	case strings.Contains(msg, "rate limit"):
		return msgRateLimited
	default:
		return msgGeneric
	}
}
