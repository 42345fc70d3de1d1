package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
)

type NonceRepo struct {
	db *DB
}

var _ store.NonceRepository = (*NonceRepo)(nil)

func NewNonceRepo(db *DB) *NonceRepo {
	return &NonceRepo{db: db}
}

// Reserve increments the counter and records the reservation in one
// transaction. The UPDATE row lock serializes concurrent reservations for
// the same address.
func (r *NonceRepo) Reserve(ctx context.Context, chain model.Chain, address string, key uuid.UUID) (uint64, error) {
	address = model.NormalizeAddress(address)
	ctx, cancel := queryContext(ctx)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT nonce FROM nonce_task_reservation WHERE key = $1`, key).Scan(&existing)
	if err == nil {
		return uint64(existing), nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("get reservation: %w", err)
	}

	var reserved int64
	err = tx.QueryRowContext(ctx, `
		UPDATE nonce SET nonce = nonce + 1, updated_at = now()
		WHERE blockchain = $1 AND address = $2
		RETURNING nonce - 1
	`, chain, address).Scan(&reserved)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("reserve %s: %w", address, store.ErrNonceNotInitialized)
	}
	if err != nil {
		return 0, fmt.Errorf("increment nonce: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nonce_task_reservation (blockchain, address, nonce, key) VALUES ($1, $2, $3, $4)
	`, chain, address, reserved, key); err != nil {
		if isUniqueViolation(err) {
			// A concurrent redelivery of key won; its increment stands and ours
			// rolls back.
			_ = tx.Rollback()
			return r.reservation(ctx, key)
		}
		return 0, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reservation: %w", err)
	}
	return uint64(reserved), nil
}

func (r *NonceRepo) reservation(ctx context.Context, key uuid.UUID) (uint64, error) {
	var nonce int64
	err := r.db.QueryRowContext(ctx, `SELECT nonce FROM nonce_task_reservation WHERE key = $1`, key).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("reservation %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get reservation: %w", err)
	}
	return uint64(nonce), nil
}

func (r *NonceRepo) Init(ctx context.Context, chain model.Chain, address string, nonce uint64) (bool, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO nonce (blockchain, address, nonce) VALUES ($1, $2, $3)
		ON CONFLICT (blockchain, address) DO NOTHING
	`, chain, model.NormalizeAddress(address), int64(nonce))
	if err != nil {
		return false, fmt.Errorf("init nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *NonceRepo) Raise(ctx context.Context, chain model.Chain, address string, nonce uint64) (uint64, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var out int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO nonce (blockchain, address, nonce) VALUES ($1, $2, $3)
		ON CONFLICT (blockchain, address) DO UPDATE SET
			nonce = GREATEST(nonce.nonce, EXCLUDED.nonce),
			updated_at = now()
		RETURNING nonce
	`, chain, model.NormalizeAddress(address), int64(nonce)).Scan(&out)
	if err != nil {
		return 0, fmt.Errorf("raise nonce: %w", err)
	}
	return uint64(out), nil
}

func (r *NonceRepo) Next(ctx context.Context, chain model.Chain, address string) (uint64, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var out int64
	err := r.db.QueryRowContext(ctx, `
		SELECT nonce FROM nonce WHERE blockchain = $1 AND address = $2
	`, chain, model.NormalizeAddress(address)).Scan(&out)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("next %s: %w", address, store.ErrNonceNotInitialized)
	}
	if err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return uint64(out), nil
}

func (r *NonceRepo) Reservation(ctx context.Context, key uuid.UUID) (*model.NonceReservation, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var (
		res   model.NonceReservation
		nonce int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT blockchain, address, nonce, key, created_at FROM nonce_task_reservation WHERE key = $1
	`, key).Scan(&res.Blockchain, &res.Address, &nonce, &res.Key, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	res.Nonce = uint64(nonce)
	return &res, nil
}

func (r *NonceRepo) Release(ctx context.Context, key uuid.UUID) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, `DELETE FROM nonce_task_reservation WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (r *NonceRepo) Addresses(ctx context.Context, chain model.Chain) ([]string, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT address FROM nonce WHERE blockchain = $1 ORDER BY address`, chain)
	if err != nil {
		return nil, fmt.Errorf("list nonce addresses: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *NonceRepo) Set(ctx context.Context, chain model.Chain, address string, nonce uint64) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nonce (blockchain, address, nonce) VALUES ($1, $2, $3)
		ON CONFLICT (blockchain, address) DO UPDATE SET nonce = EXCLUDED.nonce, updated_at = now()
	`, chain, model.NormalizeAddress(address), int64(nonce))
	if err != nil {
		return fmt.Errorf("set nonce: %w", err)
	}
	return nil
}

// Shift moves the counter in a single UPDATE, so a reservation committed
// while the shift ran is either seen by it or comes after it.
func (r *NonceRepo) Shift(ctx context.Context, chain model.Chain, address string, delta int64) (uint64, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	address = model.NormalizeAddress(address)
	var out int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE nonce n SET
			nonce = GREATEST(
				n.nonce - $3,
				0,
				COALESCE((SELECT MAX(o.nonce) + 1 FROM otx o
					WHERE o.blockchain = $1 AND o.sender_address = $2 AND o.status & $4 = 0), 0),
				COALESCE((SELECT MAX(t.nonce) + 1 FROM nonce_task_reservation t
					WHERE t.blockchain = $1 AND t.address = $2), 0)
			),
			updated_at = now()
		WHERE n.blockchain = $1 AND n.address = $2
		RETURNING n.nonce
	`, chain, address, delta, int64(model.DeadMask)).Scan(&out)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("shift %s: %w", address, store.ErrNonceNotInitialized)
	}
	if err != nil {
		return 0, fmt.Errorf("shift nonce: %w", err)
	}
	return uint64(out), nil
}
