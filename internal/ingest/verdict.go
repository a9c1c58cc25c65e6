// Package ingest consumes the historian queues. Each delivery is routed by
// the category in its routing key to a handler that returns a verdict, which
// the consumer applies to the delivery.
package ingest

import (
	"fmt"
)

// Verdict is what happens to a delivery after it was handled.
type Verdict int

const (
	// Ack removes the delivery from the queue.
	Ack Verdict = iota
	// Reject drops the delivery.
	Reject
	// RejectRequeue returns the delivery to the queue for one more attempt.
	RejectRequeue
)

func (v Verdict) String() string {
	switch v {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case RejectRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Reasons a delivery was not acknowledged.
const (
	ReasonUndecodable     = "undecodable"
	ReasonUnknownCategory = "unknown_category"
	ReasonUnknownDevice   = "unknown_device"
	ReasonUnknownObject   = "unknown_object"
	ReasonIDMismatch      = "id_mismatch"
	ReasonNoCommand       = "no_command"
	ReasonOutOfOrder      = "out_of_order"
	ReasonFuture          = "future"
	ReasonStorage         = "storage"
)

// Outcome is a verdict and the reason for it.
type Outcome struct {
	Err     error
	Reason  string
	Verdict Verdict
	// Retry marks a storage failure that could succeed if the message were
	// published again.
	Retry bool
}

func ack() Outcome {
	return Outcome{Verdict: Ack}
}

func reject(reason string, err error) Outcome {
	return Outcome{Verdict: Reject, Reason: reason, Err: err}
}

func storageFailure(err error) Outcome {
	return Outcome{Verdict: Reject, Reason: ReasonStorage, Err: err, Retry: true}
}
