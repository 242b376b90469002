package txn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDriver opens PostgreSQL transactions from a pgx pool. The pool is the
// scope key.
type PgxDriver struct {
	pool *pgxpool.Pool
}

func NewPgxDriver(pool *pgxpool.Pool) *PgxDriver {
	return &PgxDriver{pool: pool}
}

func (d *PgxDriver) Key() any {
	return d.pool
}

func (d *PgxDriver) BeginTx(ctx context.Context, def Definition) (Tx, error) {
	opts, err := PgxTxOptions(def)
	if err != nil {
		return nil, err
	}
	tx, err := d.pool.BeginTx(context.WithoutCancel(ctx), opts)
	if err != nil {
		return nil, err
	}
	return &PgxTx{tx: tx}, nil
}

// PgxTxOptions maps a definition onto pgx transaction options.
func PgxTxOptions(def Definition) (pgx.TxOptions, error) {
	var opts pgx.TxOptions
	switch def.Isolation {
	case sql.LevelDefault:
	case sql.LevelReadUncommitted:
		opts.IsoLevel = pgx.ReadUncommitted
	case sql.LevelReadCommitted:
		opts.IsoLevel = pgx.ReadCommitted
	case sql.LevelRepeatableRead:
		opts.IsoLevel = pgx.RepeatableRead
	case sql.LevelSerializable:
		opts.IsoLevel = pgx.Serializable
	default:
		return opts, fmt.Errorf("isolation level %s not supported by postgres", def.Isolation)
	}
	if def.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	} else {
		opts.AccessMode = pgx.ReadWrite
	}
	return opts, nil
}

type PgxTx struct {
	tx pgx.Tx
}

func (t *PgxTx) Tx() pgx.Tx {
	return t.tx
}

func (t *PgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *PgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func PgxTxFrom(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, bool) {
	tx, ok := Current(ctx, pool)
	if !ok {
		return nil, false
	}
	pt, ok := tx.(*PgxTx)
	if !ok {
		return nil, false
	}
	return pt.tx, true
}
