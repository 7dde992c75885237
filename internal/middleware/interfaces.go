package middleware

import (
	"context"

	"github.com/DhaneshPachipulusu/license-poc/internal/license"
)

// VerdictSource is the part of the license manager the gate depends on.
// It allows for easier testing and decoupling from the concrete manager.
type VerdictSource interface {
	Validate(ctx context.Context) *license.Verdict
}
