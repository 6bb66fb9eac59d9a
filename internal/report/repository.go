package report

import "context"

type Repository interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records newest first.
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id string) error
}
