package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

const syncColumns = `id, blockchain, block_start, tx_start, block_cursor, tx_cursor, block_target, created_at, updated_at`

type SyncRepo struct {
	db *DB
}

var _ store.SyncRepository = (*SyncRepo)(nil)

func NewSyncRepo(db *DB) *SyncRepo {
	return &SyncRepo{db: db}
}

func scanSync(row rowScanner) (*model.BlockchainSync, error) {
	var (
		s                       model.BlockchainSync
		blockStart, blockCursor int64
		txStart, txCursor       int64
		blockTarget             sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Blockchain, &blockStart, &txStart, &blockCursor, &txCursor, &blockTarget, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.BlockStart = uint64(blockStart)
	s.TxStart = uint(txStart)
	s.BlockCursor = uint64(blockCursor)
	s.TxCursor = uint(txCursor)
	if blockTarget.Valid {
		t := uint64(blockTarget.Int64)
		s.BlockTarget = &t
	}
	return &s, nil
}

func (r *SyncRepo) query(ctx context.Context, q string, args ...any) ([]model.BlockchainSync, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query blockchain_sync: %w", err)
	}
	defer rows.Close()
	var out []model.BlockchainSync
	for rows.Next() {
		s, err := scanSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blockchain_sync: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SyncRepo) Create(ctx context.Context, s *model.BlockchainSync) (int64, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var target any
	if s.BlockTarget != nil {
		target = int64(*s.BlockTarget)
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO blockchain_sync (blockchain, block_start, tx_start, block_cursor, tx_cursor, block_target)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, s.Blockchain, int64(s.BlockStart), int64(s.TxStart), int64(s.BlockCursor), int64(s.TxCursor), target).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("live segment of %s: %w", s.Blockchain, store.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert blockchain_sync: %w", err)
	}
	return id, nil
}

func (r *SyncRepo) Get(ctx context.Context, id int64) (*model.BlockchainSync, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	s, err := scanSync(r.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM blockchain_sync WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blockchain_sync: %w", err)
	}
	return s, nil
}

func (r *SyncRepo) Incomplete(ctx context.Context, chain model.Chain) ([]model.BlockchainSync, error) {
	return r.query(ctx, `
		SELECT `+syncColumns+` FROM blockchain_sync
		WHERE blockchain = $1 AND block_target IS NOT NULL AND block_cursor < block_target
		ORDER BY id
	`, chain)
}

// ResumeLive runs under a per-chain transaction advisory lock. The partial
// unique index on live segments backs it up.
func (r *SyncRepo) ResumeLive(ctx context.Context, chain model.Chain, height uint64) (*model.BlockchainSync, int64, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chain); err != nil {
		return nil, 0, fmt.Errorf("acquire sync lock: %w", err)
	}

	var closed int64
	live, err := scanSync(tx.QueryRowContext(ctx, `
		SELECT `+syncColumns+` FROM blockchain_sync
		WHERE blockchain = $1 AND block_target IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, chain))
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, 0, fmt.Errorf("get live segment: %w", err)
	case live.BlockCursor >= uint64(height):
		return live, 0, tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE blockchain_sync SET block_target = $2, updated_at = now() WHERE id = $1
		`, live.ID, int64(height)); err != nil {
			return nil, 0, fmt.Errorf("close live segment %d: %w", live.ID, err)
		}
		closed = live.ID
	}

	seg, err := scanSync(tx.QueryRowContext(ctx, `
		INSERT INTO blockchain_sync (blockchain, block_start, tx_start, block_cursor, tx_cursor, block_target)
		VALUES ($1, $2, 0, $2, 0, NULL)
		RETURNING `+syncColumns+`
	`, chain, int64(height)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, 0, fmt.Errorf("live segment of %s: %w", chain, store.ErrDuplicate)
		}
		return nil, 0, fmt.Errorf("insert live segment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit live segment: %w", err)
	}
	return seg, closed, nil
}

func (r *SyncRepo) exec(ctx context.Context, id int64, q string, args ...any) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update blockchain_sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sync segment %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *SyncRepo) SetTarget(ctx context.Context, id int64, target uint64) error {
	return r.exec(ctx, id, `UPDATE blockchain_sync SET block_target = $2, updated_at = now() WHERE id = $1`, int64(target))
}

func (r *SyncRepo) SetCursor(ctx context.Context, id int64, block uint64, tx uint) error {
	return r.exec(ctx, id, `UPDATE blockchain_sync SET block_cursor = $2, tx_cursor = $3, updated_at = now() WHERE id = $1`, int64(block), int64(tx))
}

func (r *SyncRepo) List(ctx context.Context, chain model.Chain) ([]model.BlockchainSync, error) {
	return r.query(ctx, `SELECT `+syncColumns+` FROM blockchain_sync WHERE blockchain = $1 ORDER BY id`, chain)
}
