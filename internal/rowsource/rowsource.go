// Package rowsource defines the capability that enumerates a Batch's input
// rows by index.
package rowsource

import "context"

// Row is one input row: its 0-based position in the source and its input
// fields.
type Row struct {
	RowIndex int
	Inputs   map[string]interface{}
}

// RowSource yields (row_index, inputs) in ascending row_index for a batch.
// Implementations need not be restartable mid-iteration but must be
// re-openable by id (result assembly re-reads the source for row count /
// ordering).
type RowSource interface {
	Iterate(ctx context.Context, sourceRef string) ([]Row, error)
}
