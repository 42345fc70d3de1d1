package model

import (
	"math/big"
	"time"
)

// Otx is one signed transaction attempt. Only Status and UpdatedAt change
// after creation.
type Otx struct {
	ID            int64     `db:"id" json:"id"`
	Blockchain    Chain     `db:"blockchain" json:"blockchain"`
	TxHash        string    `db:"tx_hash" json:"tx_hash"`
	Nonce         uint64    `db:"nonce" json:"nonce"`
	SenderAddress string    `db:"sender_address" json:"sender_address"`
	SignedRaw     []byte    `db:"signed_raw" json:"signed_raw"`
	Status        Status    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TxCache holds the decoded economic intent of an Otx.
type TxCache struct {
	OtxID            int64     `db:"otx_id" json:"otx_id"`
	Sender           string    `db:"sender" json:"sender"`
	Recipient        string    `db:"recipient" json:"recipient"`
	SourceToken      string    `db:"source_token" json:"source_token"`
	DestinationToken string    `db:"destination_token" json:"destination_token"`
	FromValue        *big.Int  `db:"from_value" json:"from_value"` // NUMERIC(78,0)
	ToValue          *big.Int  `db:"to_value" json:"to_value"`   // NUMERIC(78,0)
	BlockNumber      *uint64   `db:"block_number" json:"block_number"`
	TxIndex          *uint     `db:"tx_index" json:"tx_index"`
	DateCreated      time.Time `db:"date_created" json:"date_created"`
	DateUpdated      time.Time `db:"date_updated" json:"date_updated"`
	DateChecked      time.Time `db:"date_checked" json:"date_checked"`
}

// Clone copies the economic intent onto a replacement record.
func (c TxCache) Clone(otxID int64, now time.Time) TxCache {
	out := TxCache{
		OtxID:            otxID,
		Sender:           c.Sender,
		Recipient:        c.Recipient,
		SourceToken:      c.SourceToken,
		DestinationToken: c.DestinationToken,
		DateCreated:      now,
		DateUpdated:      now,
		DateChecked:      now,
	}
	if c.FromValue != nil {
		out.FromValue = new(big.Int).Set(c.FromValue)
	}
	if c.ToValue != nil {
		out.ToValue = new(big.Int).Set(c.ToValue)
	}
	return out
}

// TxInfo is the joined view returned by lookups and the admin surface.
type TxInfo struct {
	Otx
	Cache      *TxCache `json:"cache,omitempty"`
	StatusName string   `json:"status_name"`
}

func NewTxInfo(o Otx, c *TxCache) TxInfo {
	return TxInfo{Otx: o, Cache: c, StatusName: o.Status.String()}
}

// StatusQuery selects records by status bits and last check time.
type StatusQuery struct {
	Include       Status // all of these bits set
	Exclude       Status // none of these bits set
	CheckedBefore *time.Time
	Limit         int
}
