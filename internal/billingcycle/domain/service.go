// Package domain defines the billing cycle renewal surface.
package domain

import (
	"context"
	"errors"
)

// Service renews expired quota cycles. This is the only code path allowed
// to reset used counters.
type Service interface {
	// RenewQuotaCycle advances the tenant's cycle window when it has
	// expired. Calling it on a current cycle is a no-op.
	RenewQuotaCycle(ctx context.Context, tenantID string) error

	// RenewDueCycles sweeps up to limit tenants with expired cycles and
	// renews each. Returns how many tenants were renewed.
	RenewDueCycles(ctx context.Context, limit int) (int, error)
}

var ErrInvalidCycleWindow = errors.New("invalid_cycle_window")
