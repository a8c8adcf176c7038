// Package resultsink defines the capability that materializes a
// downloadable per-row result artifact, preserving row correspondence with
// the source.
package resultsink

import "context"

// RowResult is one row's outcome: either Outputs (success) or Err
// (failure's readable message), never both.
type RowResult struct {
	RowIndex int
	Success  bool
	Outputs  map[string]interface{}
	Err      string
}

// ResultSink writes perRowResults to a downloadable artifact where row i's
// row in the output corresponds to row_index = i in the source, and
// returns a reference to the written artifact.
type ResultSink interface {
	Assemble(ctx context.Context, sourceRef string, perRowResults []RowResult) (resultRef string, err error)
}

// Formatter renders a successful row's Outputs to a single display value,
// resolving spec.md §9's "Result shape ambiguity" open question with an
// explicit, pluggable strategy rather than hardcoded field names.
type Formatter func(outputs map[string]interface{}) string
