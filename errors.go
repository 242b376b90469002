package txfanout

import (
	"errors"
	"fmt"
)

var (
	ErrNilExecutor     = errors.New("executor cannot be nil")
	ErrNilResult       = errors.New("result cannot be nil")
	ErrAlreadyResolved = errors.New("participant already resolved")
	ErrResultConsumed  = errors.New("result already resolved")

	// ErrLateSynchronization is recorded when a task body registers a
	// synchronization on its scope. Callbacks are only carried to resolution
	// when registered before the participant is captured.
	ErrLateSynchronization = errors.New("synchronization registered by task body would be dropped")
)

type Kind int

const (
	// KindBusiness is a task body that returned an error or panicked.
	KindBusiness Kind = iota
	// KindInfrastructure is a failure of the transaction substrate while a
	// task was running, such as begin failing.
	KindInfrastructure
	// KindResolution is a commit, rollback, rebind or release failure in the
	// final pass. The participant it names may be in an indeterminate state.
	KindResolution
	// KindJoin is a failure to submit or wait for a task.
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindInfrastructure:
		return "infrastructure"
	case KindResolution:
		return "resolution"
	case KindJoin:
		return "join"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind        Kind
	RunID       string
	Participant string
	// Index is the task index, or -1 when the error is not tied to a task.
	Index      int
	Op         string
	Err        error
	StackTrace string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("run %s [%s, op %s", e.RunID, e.Kind, e.Op)
	if e.Index >= 0 {
		msg += fmt.Sprintf(", task %d", e.Index)
	}
	if e.Participant != "" {
		msg += ", participant " + e.Participant
	}
	msg += fmt.Sprintf("]: %v", e.Err)
	if e.StackTrace != "" {
		msg += "\nStackTrace:\n" + e.StackTrace
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

func isKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsBusiness(err error) bool       { return isKind(err, KindBusiness) }
func IsInfrastructure(err error) bool { return isKind(err, KindInfrastructure) }
func IsResolution(err error) bool     { return isKind(err, KindResolution) }
func IsJoin(err error) bool           { return isKind(err, KindJoin) }
