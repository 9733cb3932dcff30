package brighter

import (
	"time"

	"github.com/google/uuid"
)

// Request is a typed domain object dispatched through the command processor.
// Commands have exactly one handler; events have zero or more.
// The id is used for inbox deduplication on the consuming side.
type Request interface {
	RequestID() uuid.UUID
}

// RequestKind distinguishes commands from events at registration time.
type RequestKind int

const (
	// KindCommand requests are dispatched to exactly one handler.
	KindCommand RequestKind = iota
	// KindEvent requests are dispatched to all registered handlers.
	KindEvent
)

func (k RequestKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Action is the routing outcome a handler reports for a message.
// Requeue and dead-letter are routine outcomes, not errors; the consumer
// state machine consumes them directly.
type Action int

const (
	// ActionComplete means the request was processed successfully.
	ActionComplete Action = iota
	// ActionRequeue asks for the message to be redelivered later.
	ActionRequeue
	// ActionDeadLetter declares the message unprocessable; it is routed
	// to the dead-letter queue and never retried.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Result is returned by handlers to report the routing outcome of a request.
type Result struct {
	Action Action

	// Delay overrides the subscription's requeue delay when Action is
	// ActionRequeue. Zero means use the subscription default.
	Delay time.Duration

	// Reason describes why the message was dead-lettered.
	Reason string
}

// Complete reports successful processing.
func Complete() Result {
	return Result{Action: ActionComplete}
}

// RequeueAfter asks for redelivery after the given delay.
func RequeueAfter(delay time.Duration) Result {
	return Result{Action: ActionRequeue, Delay: delay}
}

// DeadLetter declares the request unprocessable for the given reason.
func DeadLetter(reason string) Result {
	return Result{Action: ActionDeadLetter, Reason: reason}
}

// severity orders actions so event dispatch can aggregate the outcomes of
// several handlers into the strongest one.
func (a Action) severity() int {
	switch a {
	case ActionDeadLetter:
		return 2
	case ActionRequeue:
		return 1
	default:
		return 0
	}
}

// strongest returns the result whose action has the highest severity.
func strongest(a, b Result) Result {
	if b.Action.severity() > a.Action.severity() {
		return b
	}
	return a
}
