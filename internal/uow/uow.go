package uow

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	postgres "github.com/kirinyoku/tix-reserve/internal/repository/postgres"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// UoW runs service operations as one transaction over the repositories.
type UoW struct {
	store *postgres.Store
	opts  *pgx.TxOptions
}

// NewUoW returns a unit of work running transactions with opts; nil keeps the
// store default.
func NewUoW(store *postgres.Store, opts *pgx.TxOptions) *UoW {
	return &UoW{store: store, opts: opts}
}

// Do runs fn with repositories bound to a single transaction. Hooks
// registered through after run in order once the commit succeeds, and are
// dropped on rollback. They get a context that is not cancelled with the
// caller's, since the commit already happened.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Tx, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.store.RunTx(ctx, u.opts, func(ctx context.Context, tx postgres.DB) error {
		return fn(ctx, u.store.Bind(tx), func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		h(hookCtx)
	}

	return nil
}
