package core

import "time"

// BatchItem is the outcome of one company lookup within a batch.
type BatchItem struct {
	CompanyNumber string          `json:"company_number"`
	Profile       *CompanyProfile `json:"profile,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`
}

// BatchResult aggregates a batch of profile lookups. Items keep input order.
type BatchResult struct {
	Items        []BatchItem `json:"items"`
	Succeeded    int         `json:"succeeded"`
	Failed       int         `json:"failed"`
	Skipped      int         `json:"skipped"`
	FromCache    int         `json:"from_cache"`
	StoppedEarly bool        `json:"stopped_early"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// Tally recomputes the summary counters from Items.
func (b *BatchResult) Tally() {
	b.Succeeded, b.Failed, b.Skipped, b.FromCache = 0, 0, 0, 0
	for _, item := range b.Items {
		switch {
		case item.Skipped:
			b.Skipped++
		case item.Profile != nil:
			b.Succeeded++
			if item.Profile.Provenance.FromCache {
				b.FromCache++
			}
		default:
			b.Failed++
		}
	}
}
