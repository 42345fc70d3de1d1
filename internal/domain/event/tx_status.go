package event

import (
	"time"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
)

// TxStatusEvent is published whenever a transaction changes state in a way
// consumers care about (sent, mined, rejected, replaced).
type TxStatusEvent struct {
	Chain       model.Chain  `json:"chain"`
	TxHash      string       `json:"tx_hash"`
	Sender      string       `json:"sender"`
	Nonce       uint64       `json:"nonce"`
	Status      model.Status `json:"status"`
	StatusName  string       `json:"status_name"`
	ReplacedBy  string       `json:"replaced_by,omitempty"`
	BlockNumber *uint64      `json:"block_number,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

func NewTxStatusEvent(o model.Otx, at time.Time) TxStatusEvent {
	return TxStatusEvent{
		Chain:      o.Blockchain,
		TxHash:     o.TxHash,
		Sender:     o.SenderAddress,
		Nonce:      o.Nonce,
		Status:     o.Status,
		StatusName: o.Status.String(),
		OccurredAt: at.UTC(),
	}
}

// Key partitions events by sender so per-sender order is kept.
func (e TxStatusEvent) Key() string {
	return string(e.Chain) + ":" + e.Sender
}
