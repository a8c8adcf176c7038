package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/invoker"
	"github.com/wwlabs/batchengine/internal/invoker/mockinvoker"
	"github.com/wwlabs/batchengine/internal/mocks"
	"github.com/wwlabs/batchengine/internal/resultsink"
	"github.com/wwlabs/batchengine/internal/rowsource"
	"github.com/wwlabs/batchengine/internal/store/memstore"
)

func rows(n int) []rowsource.Row {
	out := make([]rowsource.Row, n)
	for i := range out {
		out[i] = rowsource.Row{RowIndex: i, Inputs: map[string]interface{}{"q": i}}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// newController wires a Controller against memstore and testify mocks for
// RowSource/ResultSink (internal/mocks), configured to serve a fixed
// 3-row source and capture whatever per-row results Assemble is called
// with.
func newController(inv invoker.Invoker) (*Controller, *mocks.ResultSink) {
	st := memstore.New()

	source := &mocks.RowSource{}
	source.On("Iterate", mock.Anything, "source.xlsx").Return(rows(3), nil)

	sink := &mocks.ResultSink{}
	sink.On("Assemble", mock.Anything, "source.xlsx", mock.Anything).Return("result.xlsx", nil)

	ctl := New(st, source, sink, func(string) (invoker.Invoker, error) {
		return inv, nil
	})
	return ctl, sink
}

// assembledResults extracts the perRowResults argument from sink's last
// recorded Assemble call.
func assembledResults(sink *mocks.ResultSink) []resultsink.RowResult {
	for _, call := range sink.Calls {
		if call.Method != "Assemble" {
			continue
		}
		results, _ := call.Arguments.Get(2).([]resultsink.RowResult)
		return results
	}
	return nil
}

func TestController_CreateAndRunToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctl, sink := newController(mockinvoker.AlwaysSucceed(invoker.Outputs{"out": "A"}))

	b, err := ctl.CreateBatch(ctx, "wf-1", "source.xlsx", engine.BatchOptions{
		Name: "t", MaxConcurrency: 2, RetryCount: 1, TimeoutPerCall: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.BatchPending, b.Status)
	assert.Equal(t, 3, b.Total)

	require.NoError(t, ctl.StartBatch(ctx, b.ID))

	waitFor(t, func() bool {
		got, err := ctl.GetBatch(ctx, b.ID)
		return err == nil && engine.IsBatchTerminal(got.Status)
	})

	final, err := ctl.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BatchCompleted, final.Status)
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, "result.xlsx", final.ResultRef)
	assert.Len(t, assembledResults(sink), 3)
}

func TestController_StartBatchRefusesWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	block := make(chan struct{})
	inv := mockinvoker.NewScripted(func(attempt int, inputs map[string]interface{}) (invoker.Outputs, error) {
		<-block
		return invoker.Outputs{"out": "A"}, nil
	})
	ctl, _ := newController(inv)

	b, err := ctl.CreateBatch(ctx, "wf-1", "source.xlsx", engine.BatchOptions{
		Name: "t", MaxConcurrency: 1, RetryCount: 0, TimeoutPerCall: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, ctl.StartBatch(ctx, b.ID))

	err = ctl.StartBatch(ctx, b.ID)
	assert.Error(t, err)

	close(block)
	waitFor(t, func() bool {
		got, err := ctl.GetBatch(ctx, b.ID)
		return err == nil && engine.IsBatchTerminal(got.Status)
	})
}

func TestController_RetryAllFailedReopensCompletedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	inv := mockinvoker.NewScripted(func(attempt int, inputs map[string]interface{}) (invoker.Outputs, error) {
		calls++
		if inputs["q"] == 1 && calls <= 3 {
			// fail the second row's very first attempt; subsequent retries
			// (post RetryAllFailed) succeed.
			return nil, &invoker.Error{Classification: invoker.Permanent, Err: assertErr("boom")}
		}
		return invoker.Outputs{"out": "ok"}, nil
	})
	ctl, _ := newController(inv)

	b, err := ctl.CreateBatch(ctx, "wf-1", "source.xlsx", engine.BatchOptions{
		Name: "t", MaxConcurrency: 1, RetryCount: 0, TimeoutPerCall: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, ctl.StartBatch(ctx, b.ID))

	waitFor(t, func() bool {
		got, err := ctl.GetBatch(ctx, b.ID)
		return err == nil && engine.IsBatchTerminal(got.Status)
	})

	mid, err := ctl.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.BatchCompleted, mid.Status)
	assert.Equal(t, 1, mid.Failed)

	require.NoError(t, ctl.RetryAllFailed(ctx, b.ID))

	waitFor(t, func() bool {
		got, err := ctl.GetBatch(ctx, b.ID)
		return err == nil && engine.IsBatchTerminal(got.Status) && got.Failed == 0
	})

	final, err := ctl.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.Failed)
	assert.Equal(t, 3, final.Completed)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
