package interfaces

import (
	"context"

	"seminar/pkg/types"
)

// DialogueService is the external AI that writes agent turns and judges progress.
type DialogueService interface {
	Evaluate(ctx context.Context, dctx types.DialogueContext) (*types.DialogueResult, error)
}
