// Package domain defines the admission check surface.
package domain

import "context"

// Service answers whether a tenant or user may consume more units right
// now. Read-only; recording happens after the call completes.
type Service interface {
	CanConsume(ctx context.Context, tenantID, userID string, estimatedUnits int64) (bool, error)
}
