package rollback

import (
	"fmt"
	"strings"

	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// SafetyCheckError is returned when failing safety checks block a
// rollback. It matches errclass.ErrSafetyCheckFailed.
type SafetyCheckError struct {
	OperationID model.OperationID
	Failed      []model.SafetyCheckKind
	Checks      []model.SafetyCheck
}

func (e *SafetyCheckError) Error() string {
	kinds := make([]string, len(e.Failed))
	for i, k := range e.Failed {
		kinds[i] = string(k)
	}
	return fmt.Sprintf("%s: safety checks failed: %s", errclass.ErrSafetyCheckFailed.Code, strings.Join(kinds, ", "))
}

func (e *SafetyCheckError) Unwrap() error {
	kinds := make([]string, len(e.Failed))
	for i, k := range e.Failed {
		kinds[i] = string(k)
	}
	return errclass.ErrSafetyCheckFailed.
		WithDetail("operation_id", string(e.OperationID)).
		WithDetail("failed", kinds)
}
