package model

import "time"

// BlockchainSync is one sync segment. BlockTarget nil marks the live
// segment. BlockCursor is the next block to process.
type BlockchainSync struct {
	ID          int64     `db:"id" json:"id"`
	Blockchain  Chain     `db:"blockchain" json:"blockchain"`
	BlockStart  uint64    `db:"block_start" json:"block_start"`
	TxStart     uint      `db:"tx_start" json:"tx_start"`
	BlockCursor uint64    `db:"block_cursor" json:"block_cursor"`
	TxCursor    uint      `db:"tx_cursor" json:"tx_cursor"`
	BlockTarget *uint64   `db:"block_target" json:"block_target"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

func (s BlockchainSync) IsLive() bool {
	return s.BlockTarget == nil
}

func (s BlockchainSync) IsComplete() bool {
	return s.BlockTarget != nil && s.BlockCursor >= *s.BlockTarget
}
