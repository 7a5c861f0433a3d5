package gmail

import (
	"fmt"
	"time"
)

// BuildQuery composes a Gmail search query scoped to the bill sender, a PDF
// attachment filter, and an after: bound computed from daysBack.
func BuildQuery(sender string, daysBack int, now time.Time) string {
	after := now.AddDate(0, 0, -daysBack).Format("2006/01/02")
	return fmt.Sprintf("from:%s has:attachment filename:pdf after:%s", sender, after)
}
