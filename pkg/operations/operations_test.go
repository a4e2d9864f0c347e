package operations_test

import (
	"testing"

	"github.com/simeonmiteff/go-netstack/pkg/errkind"
	"github.com/simeonmiteff/go-netstack/pkg/operations"
	"github.com/stretchr/testify/require"
)

func TestOperationCompletesAndRedeems(t *testing.T) {
	calls := 0
	op := operations.New(7, "op1", func() (operations.Result, bool) {
		calls++
		if calls < 3 {
			return operations.Result{}, false
		}
		return operations.Result{Kind: operations.Push}, true
	}, nil)

	require.False(t, op.Poll())
	require.False(t, op.Poll())
	require.True(t, op.Poll())
	// Completed operations are not advanced again.
	require.True(t, op.Poll())
	require.Equal(t, 3, calls)

	fd, res := op.ExpectResult()
	require.Equal(t, int32(7), fd)
	require.Equal(t, operations.Push, res.Kind)
}

func TestExpectResultPanicsOnIncomplete(t *testing.T) {
	op := operations.New(1, "op", func() (operations.Result, bool) {
		return operations.Result{}, false
	}, nil)
	require.Panics(t, func() { op.ExpectResult() })
}

func TestRedeemingBackgroundTaskPanics(t *testing.T) {
	op := operations.NewBackground("bg", func() bool { return false })
	op.Poll()
	require.Panics(t, func() { op.ExpectResult() })
}

func TestCancelOnlyFiresWhileIncomplete(t *testing.T) {
	cancelled := false
	op := operations.New(1, "op", func() (operations.Result, bool) {
		return operations.Result{Kind: operations.Pop}, true
	}, func() { cancelled = true })

	op.Poll()
	op.Cancel()
	require.False(t, cancelled, "completed operations have no external state to tear down")

	cancelled = false
	op2 := operations.New(1, "op2", func() (operations.Result, bool) {
		return operations.Result{}, false
	}, func() { cancelled = true })
	op2.Poll()
	op2.Cancel()
	require.True(t, cancelled)
}

func TestNewCompleted(t *testing.T) {
	op := operations.NewCompleted(3, "done", operations.NewFailed(errkind.New(errkind.TimedOut, "")))
	require.True(t, op.Poll())
	fd, res := op.ExpectResult()
	require.Equal(t, int32(3), fd)
	require.Equal(t, operations.Failed, res.Kind)
	kind, ok := errkind.Of(res.Err)
	require.True(t, ok)
	require.Equal(t, errkind.TimedOut, kind)
}
