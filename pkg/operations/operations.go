// Package operations defines the tagged result of every asynchronous
// socket operation and the Operation wrapper the scheduler polls. A
// completed Operation holds its result until the owning queue token is
// redeemed.
package operations

import (
	"fmt"

	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

// Kind tags what a completed operation produced.
type Kind int

const (
	Connect Kind = iota
	Accept
	Push
	Pop
	Failed
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Accept:
		return "accept"
	case Push:
		return "push"
	case Pop:
		return "pop"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the value redeemed for a queue token. Only the fields
// relevant to Kind are populated.
type Result struct {
	Kind       Kind
	AcceptedFD int32
	Remote     *wire.Endpoint
	Buffer     buf.Buffer
	Err        error
}

// NewFailed wraps an in-flight error as a redeemable result.
func NewFailed(err error) Result {
	return Result{Kind: Failed, Err: err}
}

// PollFn advances a socket operation and reports its result when done.
type PollFn func() (Result, bool)

// Operation is the scheduler-facing wrapper around one socket operation
// or background task. Socket operations carry a result slot redeemed via
// ExpectResult; background tasks must never be redeemed.
type Operation struct {
	fd         int32
	id         string
	background bool
	poll       PollFn
	bgPoll     func() bool
	cancel     func()
	done       bool
	result     Result
}

// New wraps a socket operation for fd. cancel, if non-nil, tears down any
// external state the operation registered (ARP waiters, listener wakers)
// when the task is dropped before completion.
func New(fd int32, id string, poll PollFn, cancel func()) *Operation {
	return &Operation{fd: fd, id: id, poll: poll, cancel: cancel}
}

// NewCompleted returns an operation that is already done, used for calls
// that finish synchronously but still hand back a queue token.
func NewCompleted(fd int32, id string, result Result) *Operation {
	return &Operation{fd: fd, id: id, done: true, result: result}
}

// NewBackground wraps a long-running task with no redeemable result.
func NewBackground(id string, poll func() bool) *Operation {
	return &Operation{fd: -1, id: id, background: true, bgPoll: poll}
}

func (o *Operation) FD() int32 { return o.fd }

// ID is the correlation id carried into log fields.
func (o *Operation) ID() string { return o.id }

func (o *Operation) IsBackground() bool { return o.background }

// Poll advances the operation one step.
func (o *Operation) Poll() bool {
	if o.done {
		return true
	}
	if o.background {
		o.done = o.bgPoll()
		return o.done
	}
	result, done := o.poll()
	if done {
		o.result = result
		o.done = true
	}
	return o.done
}

// Cancel releases external state registered by an incomplete operation.
func (o *Operation) Cancel() {
	if !o.done && o.cancel != nil {
		o.cancel()
	}
}

// ExpectResult consumes the operation's result. Redeeming a background
// task or an incomplete operation is a programmer error.
func (o *Operation) ExpectResult() (int32, Result) {
	if o.background {
		panic(fmt.Sprintf("operations: redeeming background task %s", o.id))
	}
	if !o.done {
		panic(fmt.Sprintf("operations: redeeming incomplete operation %s", o.id))
	}
	return o.fd, o.result
}
