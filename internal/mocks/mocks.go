// Package mocks holds testify-based mock implementations of this engine's
// capability interfaces (RowSource, ResultSink), grounded on the teacher's
// internal/mocks/db_queue.go MockDbQueue pattern: embed mock.Mock, call
// m.Called(...) per method, unpack the returned args.
//
// Store is deliberately not mocked here: internal/store/memstore provides
// a real in-process implementation with the same conditional-transition
// and claim semantics as PGStore, which every Scheduler/Controller/
// Recovery test needs and a hand-mocked Store would not give for free
// (see DESIGN.md).
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wwlabs/batchengine/internal/resultsink"
	"github.com/wwlabs/batchengine/internal/rowsource"
)

// RowSource is a mock rowsource.RowSource.
type RowSource struct {
	mock.Mock
}

// Iterate mocks rowsource.RowSource.Iterate.
func (m *RowSource) Iterate(ctx context.Context, sourceRef string) ([]rowsource.Row, error) {
	args := m.Called(ctx, sourceRef)
	rows, _ := args.Get(0).([]rowsource.Row)
	return rows, args.Error(1)
}

// ResultSink is a mock resultsink.ResultSink.
type ResultSink struct {
	mock.Mock
}

// Assemble mocks resultsink.ResultSink.Assemble.
func (m *ResultSink) Assemble(ctx context.Context, sourceRef string, perRowResults []resultsink.RowResult) (string, error) {
	args := m.Called(ctx, sourceRef, perRowResults)
	return args.String(0), args.Error(1)
}

var (
	_ rowsource.RowSource  = (*RowSource)(nil)
	_ resultsink.ResultSink = (*ResultSink)(nil)
)
