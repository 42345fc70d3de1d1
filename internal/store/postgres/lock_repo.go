package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

// LockRepo relies on single-statement atomicity: concurrent Set/Reset on
// the same key serialize on the row lock taken by the statement.
type LockRepo struct {
	db *DB
}

var _ store.LockRepository = (*LockRepo)(nil)

func NewLockRepo(db *DB) *LockRepo {
	return &LockRepo{db: db}
}

func (r *LockRepo) Set(ctx context.Context, chain model.Chain, address string, flags model.LockFlag, txHash string) (model.LockFlag, error) {
	if flags == 0 {
		return r.Get(ctx, chain, address)
	}
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var out int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO lock (blockchain, address, flags, otx_id)
		VALUES ($1, $2, $3, (SELECT id FROM otx WHERE tx_hash = NULLIF($4, '')))
		ON CONFLICT (blockchain, address) DO UPDATE SET
			flags = lock.flags | EXCLUDED.flags,
			otx_id = COALESCE(EXCLUDED.otx_id, lock.otx_id)
		RETURNING flags
	`, chain, model.NormalizeAddress(address), int64(flags), model.NormalizeHash(txHash)).Scan(&out)
	if err != nil {
		return 0, fmt.Errorf("set lock: %w", err)
	}
	return model.LockFlag(out), nil
}

// Reset clears flags and deletes the row when nothing is left.
func (r *LockRepo) Reset(ctx context.Context, chain model.Chain, address string, flags model.LockFlag) (model.LockFlag, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var out int64
	err := r.db.QueryRowContext(ctx, `
		WITH cleared AS (
			UPDATE lock SET flags = flags & ~$3::bigint
			WHERE blockchain = $1 AND address = $2 AND flags & ~$3::bigint <> 0
			RETURNING flags
		), dropped AS (
			DELETE FROM lock
			WHERE blockchain = $1 AND address = $2 AND flags & ~$3::bigint = 0
		)
		SELECT COALESCE((SELECT flags FROM cleared), 0)
	`, chain, model.NormalizeAddress(address), int64(flags)).Scan(&out)
	if err != nil {
		return 0, fmt.Errorf("reset lock: %w", err)
	}
	return model.LockFlag(out), nil
}

func (r *LockRepo) Get(ctx context.Context, chain model.Chain, address string) (model.LockFlag, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var out int64
	err := r.db.QueryRowContext(ctx, `
		SELECT flags FROM lock WHERE blockchain = $1 AND address = $2
	`, chain, model.NormalizeAddress(address)).Scan(&out)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get lock: %w", err)
	}
	return model.LockFlag(out), nil
}

func (r *LockRepo) List(ctx context.Context, chain model.Chain, address string) ([]model.Lock, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.blockchain, l.address, l.flags, l.otx_id, o.tx_hash, l.created_at
		FROM lock l
		LEFT JOIN otx o ON o.id = l.otx_id
		WHERE l.blockchain = $1 AND ($2 = '' OR l.address = $2)
		ORDER BY l.id
	`, chain, model.NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []model.Lock
	for rows.Next() {
		var (
			l      model.Lock
			flags  int64
			otxID  sql.NullInt64
			txHash sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Blockchain, &l.Address, &flags, &otxID, &txHash, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.Flags = model.LockFlag(flags)
		if otxID.Valid {
			l.OtxID = &otxID.Int64
		}
		if txHash.Valid {
			l.TxHash = &txHash.String
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
