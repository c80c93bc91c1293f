package neuroflow

import (
	"errors"
	"fmt"
)

// ErrAwaitingApproval is returned by Turn while the session has a plan
// waiting for review.
var ErrAwaitingApproval = errors.New("session is awaiting plan approval")

// ErrApprovalExpired is returned by Resume when the pending plan was older
// than the approval timeout. The pending plan is discarded.
var ErrApprovalExpired = errors.New("pending approval expired")

// ErrNoPendingApproval is returned by Resume and Cancel when the session has
// nothing to review.
var ErrNoPendingApproval = errors.New("no pending approval for session")

// ErrNoActiveTask is returned by CompleteTask when the session has no task
// in progress.
var ErrNoActiveTask = errors.New("no active task for session")

// SessionBusyError is returned when a call arrives for a session that is
// still processing another one. The session state is not touched.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s is busy", e.SessionID)
}

// FailureResponse is shown to the user when a turn fails.
const FailureResponse = "Sorry, I couldn't put a reply together just now. Nothing you told me was lost, so please send that again."
