package gmail

import "fmt"

// SearchError wraps a provider failure during message search. Search errors
// abort the pipeline run.
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string { return fmt.Sprintf("mail search failed: %v", e.Err) }
func (e *SearchError) Unwrap() error { return e.Err }

// FetchError wraps a provider failure while fetching one message or
// attachment. Fetch errors drop only the affected message, not the run.
type FetchError struct {
	MessageID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for message %s: %v", e.MessageID, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }
