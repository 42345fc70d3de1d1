package model

import (
	"time"

	"github.com/google/uuid"
)

// NonceReservation records a nonce handed to one unit of work.
type NonceReservation struct {
	Blockchain Chain     `db:"blockchain"`
	Address    string    `db:"address"`
	Nonce      uint64    `db:"nonce"`
	Key        uuid.UUID `db:"key"`
	CreatedAt  time.Time `db:"created_at"`
}
