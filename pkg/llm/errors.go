package llm

import (
	"errors"
	"fmt"

	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

var (
	// ErrBudgetDenied means the governor refused admission; no provider
	// was contacted.
	ErrBudgetDenied = errors.New("budget denied")

	// ErrProviderError means the provider was contacted and failed.
	ErrProviderError = errors.New("provider error")

	// ErrTimeout means the call (or the rate-limit wait before it)
	// exceeded its deadline.
	ErrTimeout = errors.New("llm timeout")
)

// BudgetDeniedError carries the governor's refusal reason.
type BudgetDeniedError struct {
	Reason models.DenyReason
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("budget denied: %s", e.Reason)
}

func (e *BudgetDeniedError) Unwrap() error { return ErrBudgetDenied }

// DenyReasonOf extracts the refusal reason from a budget denial, or ""
// for any other error.
func DenyReasonOf(err error) models.DenyReason {
	var bde *BudgetDeniedError
	if errors.As(err, &bde) {
		return bde.Reason
	}
	return ""
}
