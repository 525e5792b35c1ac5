package rotation

// TargetError pairs a target with the error that stopped it.
type TargetError struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// BulkResult summarises one fan-out pass (deploy, verify, retire, or
// rollback) across a plan's targets. The advance-vs-rollback decision depends
// only on the counts, never on outcome arrival order.
type BulkResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failures  []TargetError `json:"failures,omitempty"`
}

// AllSucceeded reports whether every target in the pass succeeded.
func (r BulkResult) AllSucceeded() bool {
	return r.Succeeded == r.Total
}
