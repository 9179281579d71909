package session

import "github.com/danmuck/slowbreak/internal/protocol/fix"

type taskKind int

const (
	taskSend taskKind = iota
	taskSendAndDisconnect
	taskStop
	taskStopGeneration
	taskGapFill
	taskConfirm
)

func (k taskKind) String() string {
	switch k {
	case taskSend:
		return "send"
	case taskSendAndDisconnect:
		return "send_and_disconnect"
	case taskStop:
		return "stop"
	case taskStopGeneration:
		return "stop_generation"
	case taskGapFill:
		return "gap_fill"
	case taskConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// task is one queued action. epoch targets a single generation for
// taskStopGeneration, taskGapFill and taskConfirm; seq carries the
// BeginSeqNo or confirmed sequence number.
type task struct {
	kind  taskKind
	msg   fix.Message
	epoch uint64
	seq   int
}

type taskResult int

const (
	resultContinue taskResult = iota
	resultStop
)

// taskHandler executes queued actions. The live Writer is one; while
// offline the orchestrator drains into a handler with no connection.
type taskHandler interface {
	execute(t task) (taskResult, error)
}
