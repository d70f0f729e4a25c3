package workflow

import (
	"context"

	"github.com/fyrsmithlabs/gauntlet/internal/gate"
)

// ApprovalPolicy is consulted when a non-critical phase lands in the
// conditional-pass band. A rejection is handled exactly like a FAIL
// decision. The engine is headless, so the default policy advances
// automatically and leaves the condition flagged in the run record.
type ApprovalPolicy interface {
	Approve(ctx context.Context, outcome gate.Outcome) (bool, error)
}

// AutoApprove accepts every conditional pass.
type AutoApprove struct{}

// Approve implements ApprovalPolicy.
func (AutoApprove) Approve(ctx context.Context, outcome gate.Outcome) (bool, error) {
	return true, nil
}
