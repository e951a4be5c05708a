package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetByCode(ctx context.Context, code string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
	EnsurePlans(ctx context.Context) error
}

var ErrPlanNotFound = errors.New("plan_not_found")
