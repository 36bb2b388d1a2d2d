package ports

import "context"

// UnitOfWork executes closures inside one database transaction (spec §4.2
// "Scoped write"). Adapted from the teacher's domain/repositories.UnitOfWork
// shape: Do commits on success and rolls back on any error from fn; WithLock
// marks the context so repository calls made with it take SELECT ... FOR
// UPDATE locks.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	WithLock(ctx context.Context) context.Context
}
