package txn

import (
	"context"
	"database/sql"
)

// SQLDriver opens database/sql transactions. The *sql.DB is the scope key.
type SQLDriver struct {
	db *sql.DB
}

func NewSQLDriver(db *sql.DB) *SQLDriver {
	return &SQLDriver{db: db}
}

func (d *SQLDriver) Key() any {
	return d.db
}

// BeginTx detaches the transaction from ctx cancellation: database/sql rolls
// a transaction back when its begin context is done, and the transaction has
// to stay open until the coordinator resolves it.
func (d *SQLDriver) BeginTx(ctx context.Context, def Definition) (Tx, error) {
	tx, err := d.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{
		Isolation: def.Isolation,
		ReadOnly:  def.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	return &SQLTx{tx: tx}, nil
}

type SQLTx struct {
	tx *sql.Tx
}

func (t *SQLTx) Tx() *sql.Tx {
	return t.tx
}

func (t *SQLTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *SQLTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}

// SQLTxFrom returns the *sql.Tx bound for db in the scope of ctx.
func SQLTxFrom(ctx context.Context, db *sql.DB) (*sql.Tx, bool) {
	tx, ok := Current(ctx, db)
	if !ok {
		return nil, false
	}
	st, ok := tx.(*SQLTx)
	if !ok {
		return nil, false
	}
	return st.tx, true
}
