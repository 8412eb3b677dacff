package reconcile

import (
	"errors"
	"fmt"

	"github.com/nhle/mailindex/internal/model"
)

// Error kinds reported by the reconciler. Match them with errors.Is.
var (
	ErrMessageNotFound      = errors.New("message not found")
	ErrNoMessageIDAvailable = errors.New("no message id available")
	ErrExternalActionFailed = errors.New("external action failed")
	ErrRollbackFailed       = errors.New("rollback failed")
)

// ActionError describes a failed archive or delete of one message.
type ActionError struct {
	MessageID string
	Action    model.SyncAction
	Kind      error
	Err       error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s message %s: %v", e.Action, e.MessageID, e.Kind)
	}
	return fmt.Sprintf("%s message %s: %v: %v", e.Action, e.MessageID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *ActionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
