// Package engine defines the device session contract shared by every
// backend: plan submission with asynchronous, single-valued completion, the
// device error taxonomy, and the single-flight pipeline cache.
package engine

import (
	"context"

	"honnef.co/go/blit/renderer"
)

// Session is one logical device connection: a device plus a single command
// queue. Submissions are serialized at the queue level; plans from
// independent callers may be built concurrently and submitted in any order.
//
// A session also reports which pipeline keys it can dispatch, so planning
// can reject unsupported modes before submission.
type Session interface {
	renderer.Pipelines

	// Submit consumes a plan and enqueues it. The returned token completes
	// exactly once, when the device has finished the submission.
	Submit(plan *renderer.Plan) (Token, error)
}

// Token represents one outstanding submission. It resolves exactly once,
// with nil or a classified *DeviceError; awaiting suspends cooperatively
// (native backends wake on the device binding's completion channel, the
// browser backend on the host's callback) and never busy-polls.
type Token interface {
	// Await blocks until the submission completes or ctx is done. A ctx
	// error does not resolve the token; a later Await still observes the
	// completion.
	Await(ctx context.Context) error
	// Result returns the downloaded bytes after a successful Await, nil
	// otherwise.
	Result() []byte
}

// Stats counts a session's submissions. Counters only ever increase.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
}
