// Package alert delivers operator notifications about the transaction
// queue: rejected transactions, senders stuck on gas, nonce drift and
// pipeline health.
package alert

import (
	"context"
	"strings"
)

type AlertType string

const (
	AlertTypeUnhealthy     AlertType = "UNHEALTHY"
	AlertTypeRecovery      AlertType = "RECOVERY"
	AlertTypeTxRejected    AlertType = "TX_REJECTED"
	AlertTypeWaitForGas    AlertType = "WAIT_FOR_GAS"
	AlertTypeNonceGap      AlertType = "NONCE_GAP"
	AlertTypeNonceMismatch AlertType = "NONCE_MISMATCH"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeUnhealthy, AlertTypeNonceGap:
		return SeverityCritical
	case AlertTypeRecovery:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Alert is one notification. Address is empty for chain-wide alerts.
type Alert struct {
	Type    AlertType
	Chain   string
	Address string
	Title   string
	Message string
	Fields  map[string]string
}

// Subject is where the alert applies: the chain, or chain/address.
func (a Alert) Subject() string {
	if a.Address == "" {
		return a.Chain
	}
	return a.Chain + "/" + strings.ToLower(a.Address)
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// NoopAlerter drops everything. Used when no channel is configured.
type NoopAlerter struct{}

func (*NoopAlerter) Send(context.Context, Alert) error { return nil }
