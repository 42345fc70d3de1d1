package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store"
	"github.com/lib/pq"
)

const otxColumns = `o.id, o.blockchain, o.tx_hash, o.nonce, o.sender_address, o.signed_raw, o.status, o.created_at, o.updated_at`

type OtxRepo struct {
	db *DB
}

var _ store.OtxRepository = (*OtxRepo)(nil)

func NewOtxRepo(db *DB) *OtxRepo {
	return &OtxRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOtx(row rowScanner) (*model.Otx, error) {
	var o model.Otx
	var nonce int64
	var status int64
	if err := row.Scan(&o.ID, &o.Blockchain, &o.TxHash, &nonce, &o.SenderAddress, &o.SignedRaw, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Nonce = uint64(nonce)
	o.Status = model.Status(status)
	return &o, nil
}

func collectOtx(rows *sql.Rows) ([]model.Otx, error) {
	defer rows.Close()
	var out []model.Otx
	for rows.Next() {
		o, err := scanOtx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan otx: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (r *OtxRepo) insertTx(ctx context.Context, tx *sql.Tx, o *model.Otx) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO otx (blockchain, tx_hash, nonce, sender_address, signed_raw, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, o.Blockchain, model.NormalizeHash(o.TxHash), int64(o.Nonce), model.NormalizeAddress(o.SenderAddress), o.SignedRaw, int64(o.Status)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("otx %s: %w", o.TxHash, store.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert otx: %w", err)
	}
	return id, nil
}

func (r *OtxRepo) insertCacheTx(ctx context.Context, tx *sql.Tx, otxID int64, c *model.TxCache) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tx_cache (otx_id, sender, recipient, source_token, destination_token, from_value, to_value)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)
	`, otxID, model.NormalizeAddress(c.Sender), model.NormalizeAddress(c.Recipient),
		model.NormalizeAddress(c.SourceToken), model.NormalizeAddress(c.DestinationToken),
		bigString(c.FromValue), bigString(c.ToValue))
	if err != nil {
		return fmt.Errorf("insert tx_cache: %w", err)
	}
	return nil
}

func (r *OtxRepo) Create(ctx context.Context, o *model.Otx, c *model.TxCache) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := r.insertTx(ctx, tx, o)
	if err != nil {
		return 0, err
	}
	if c != nil {
		if err := r.insertCacheTx(ctx, tx, id, c); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit otx: %w", err)
	}
	return id, nil
}

func (r *OtxRepo) GetByHash(ctx context.Context, hash string) (*model.Otx, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	o, err := scanOtx(r.db.QueryRowContext(ctx, `SELECT `+otxColumns+` FROM otx o WHERE o.tx_hash = $1`, model.NormalizeHash(hash)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get otx: %w", err)
	}
	return o, nil
}

func (r *OtxRepo) GetCache(ctx context.Context, otxID int64) (*model.TxCache, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	var (
		c                  model.TxCache
		fromValue, toValue string
		blockNumber        sql.NullInt64
		txIndex            sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT otx_id, sender, recipient, source_token, destination_token, from_value::text, to_value::text,
			block_number, tx_index, date_created, date_updated, date_checked
		FROM tx_cache WHERE otx_id = $1
	`, otxID).Scan(&c.OtxID, &c.Sender, &c.Recipient, &c.SourceToken, &c.DestinationToken, &fromValue, &toValue,
		&blockNumber, &txIndex, &c.DateCreated, &c.DateUpdated, &c.DateChecked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tx_cache: %w", err)
	}
	c.FromValue, _ = new(big.Int).SetString(fromValue, 10)
	c.ToValue, _ = new(big.Int).SetString(toValue, 10)
	if blockNumber.Valid {
		n := uint64(blockNumber.Int64)
		c.BlockNumber = &n
	}
	if txIndex.Valid {
		i := uint(txIndex.Int64)
		c.TxIndex = &i
	}
	return &c, nil
}

// UpdateStatus runs tr against the current status under SELECT ... FOR UPDATE.
func (r *OtxRepo) UpdateStatus(ctx context.Context, hash string, tr model.Transition) (*model.Otx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	o, err := scanOtx(tx.QueryRowContext(ctx, `SELECT `+otxColumns+` FROM otx o WHERE o.tx_hash = $1 FOR UPDATE`, model.NormalizeHash(hash)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("otx %s: %w", hash, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock otx: %w", err)
	}
	next, err := tr(o.Status)
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `
		UPDATE otx SET status = $2, updated_at = now() WHERE id = $1 RETURNING updated_at
	`, o.ID, int64(next)).Scan(&o.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update otx status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit otx status: %w", err)
	}
	o.Status = next
	return o, nil
}

// Upcoming picks per sender the lowest-nonce sendable record. A sender is
// skipped while any lower alive record is not yet in the network, or while
// the sender or the global key carries SEND or QUEUE.
func (r *OtxRepo) Upcoming(ctx context.Context, chain model.Chain, limit int) ([]model.Otx, error) {
	if limit <= 0 {
		limit = store.UpcomingBatchSize
	}
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+otxColumns+` FROM (
			SELECT DISTINCT ON (o.sender_address) `+otxColumns+`
			FROM otx o
			WHERE o.blockchain = $1
				AND o.status & $2 = $2
				AND o.status & $3 = 0
				AND NOT EXISTS (
					SELECT 1 FROM lock l
					WHERE l.blockchain = o.blockchain
						AND l.address IN (o.sender_address, $4)
						AND l.flags & $5 <> 0
				)
				AND NOT EXISTS (
					SELECT 1 FROM otx p
					WHERE p.blockchain = o.blockchain
						AND p.sender_address = o.sender_address
						AND p.nonce < o.nonce
						AND p.status & $6 = 0
						AND p.status & $7 = 0
				)
			ORDER BY o.sender_address, o.nonce ASC, o.id ASC
		) o
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $8
	`, chain,
		int64(model.StatusQueued),
		int64(model.DeadMask|model.StatusReserved|model.StatusInNetwork|model.StatusGasIssues),
		model.ZeroAddress,
		int64(model.LockSend|model.LockQueue),
		int64(model.DeadMask),
		int64(model.StatusInNetwork),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query upcoming: %w", err)
	}
	return collectOtx(rows)
}

func (r *OtxRepo) ByStatus(ctx context.Context, chain model.Chain, q model.StatusQuery) ([]model.Otx, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	limit := q.Limit
	if limit <= 0 {
		limit = store.UpcomingBatchSize
	}
	var checkedBefore any
	if q.CheckedBefore != nil {
		checkedBefore = *q.CheckedBefore
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+otxColumns+`
		FROM otx o
		JOIN tx_cache c ON c.otx_id = o.id
		WHERE o.blockchain = $1
			AND o.status & $2 = $2
			AND o.status & $3 = 0
			AND ($4::timestamptz IS NULL OR c.date_checked < $4::timestamptz)
		ORDER BY o.sender_address, o.nonce, o.id
		LIMIT $5
	`, chain, int64(q.Include), int64(q.Exclude), checkedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query otx by status: %w", err)
	}
	return collectOtx(rows)
}

func (r *OtxRepo) BySenderNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+otxColumns+` FROM otx o
		WHERE o.blockchain = $1 AND o.sender_address = $2 AND o.nonce = $3
		ORDER BY o.id
	`, chain, model.NormalizeAddress(sender), int64(nonce))
	if err != nil {
		return nil, fmt.Errorf("query otx by nonce: %w", err)
	}
	return collectOtx(rows)
}

func (r *OtxRepo) AliveFromNonce(ctx context.Context, chain model.Chain, sender string, nonce uint64) ([]model.Otx, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+otxColumns+` FROM otx o
		WHERE o.blockchain = $1 AND o.sender_address = $2 AND o.nonce >= $3 AND o.status & $4 = 0
		ORDER BY o.nonce, o.id
	`, chain, model.NormalizeAddress(sender), int64(nonce), int64(model.DeadMask))
	if err != nil {
		return nil, fmt.Errorf("query alive otx: %w", err)
	}
	return collectOtx(rows)
}

func (r *OtxRepo) BySender(ctx context.Context, chain model.Chain, sender string, limit int) ([]model.Otx, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	if limit <= 0 {
		limit = store.UpcomingBatchSize
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+otxColumns+` FROM otx o
			WHERE o.blockchain = $1 AND o.sender_address = $2
			ORDER BY o.nonce DESC, o.id DESC
			LIMIT $3
		) o ORDER BY o.nonce, o.id
	`, chain, model.NormalizeAddress(sender), limit)
	if err != nil {
		return nil, fmt.Errorf("query otx by sender: %w", err)
	}
	return collectOtx(rows)
}

// Replace stores the replacement, copies the cache row and obsoletes the
// original in one transaction. The original row lock makes concurrent
// replacement of the same record fail on the second caller.
func (r *OtxRepo) Replace(ctx context.Context, originalHash string, replacement *model.Otx) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	orig, err := scanOtx(tx.QueryRowContext(ctx, `SELECT `+otxColumns+` FROM otx o WHERE o.tx_hash = $1 FOR UPDATE`, model.NormalizeHash(originalHash)))
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("otx %s: %w", originalHash, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lock otx: %w", err)
	}
	next, err := model.MarkObsolete(orig.Status)
	if err != nil {
		return 0, err
	}

	id, err := r.insertTx(ctx, tx, replacement)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tx_cache (otx_id, sender, recipient, source_token, destination_token, from_value, to_value)
		SELECT $2, sender, recipient, source_token, destination_token, from_value, to_value
		FROM tx_cache WHERE otx_id = $1
	`, orig.ID, id); err != nil {
		return 0, fmt.Errorf("clone tx_cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE otx SET status = $2, updated_at = now() WHERE id = $1`, orig.ID, int64(next)); err != nil {
		return 0, fmt.Errorf("obsolete otx: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return id, nil
}

func (r *OtxRepo) TouchChecked(ctx context.Context, hash string, at time.Time) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tx_cache c SET date_checked = $2, date_updated = now()
		FROM otx o WHERE o.id = c.otx_id AND o.tx_hash = $1
	`, model.NormalizeHash(hash), at)
	if err != nil {
		return fmt.Errorf("touch tx_cache: %w", err)
	}
	return requireAffected(res, hash)
}

func (r *OtxRepo) SetMined(ctx context.Context, hash string, blockNumber uint64, txIndex uint) error {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tx_cache c SET block_number = $2, tx_index = $3, date_updated = now()
		FROM otx o WHERE o.id = c.otx_id AND o.tx_hash = $1
	`, model.NormalizeHash(hash), int64(blockNumber), int64(txIndex))
	if err != nil {
		return fmt.Errorf("set mined: %w", err)
	}
	return requireAffected(res, hash)
}

func (r *OtxRepo) Senders(ctx context.Context, chain model.Chain) ([]string, error) {
	ctx, cancel := queryContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT sender_address FROM otx WHERE blockchain = $1 ORDER BY 1`, chain)
	if err != nil {
		return nil, fmt.Errorf("query senders: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, hash string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("otx %s: %w", hash, store.ErrNotFound)
	}
	return nil
}
