package model

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a transaction state bitmask. Several axes may be set at once,
// e.g. IN_NETWORK together with FINAL and NETWORK_ERROR for a reverted tx.
type Status uint32

const (
	StatusQueued       Status = 0x1
	StatusReserved     Status = 0x2
	StatusInNetwork    Status = 0x8
	StatusDeferred     Status = 0x10
	StatusGasIssues    Status = 0x20
	StatusLocalError   Status = 0x100
	StatusNodeError    Status = 0x200
	StatusNetworkError Status = 0x400
	StatusUnknownError Status = 0x800
	StatusFinal        Status = 0x1000
	StatusObsolete     Status = 0x2000
	StatusManual       Status = 0x8000
)

// Named states.
const (
	Pending    Status = 0
	SendFail          = StatusDeferred | StatusLocalError
	Retry             = StatusQueued | StatusDeferred
	ReadySend         = StatusQueued
	Reserved          = StatusQueued | StatusReserved
	Obsoleted         = StatusObsolete
	WaitForGas        = StatusGasIssues
	Sent              = StatusInNetwork
	Fubar             = StatusFinal | StatusUnknownError
	Cancelled         = StatusFinal | StatusObsolete
	Overridden        = StatusFinal | StatusObsolete | StatusManual
	Rejected          = StatusFinal | StatusNodeError
	Reverted          = StatusFinal | StatusInNetwork | StatusNetworkError
	Success           = StatusFinal | StatusInNetwork
)

const (
	// DeadMask matches records that accept no further progress.
	DeadMask = StatusFinal | StatusObsolete
	// InFlightMask covers the bits describing work still underway.
	InFlightMask = StatusQueued | StatusReserved | StatusInNetwork | StatusDeferred | StatusGasIssues
	// ErrorMask covers every error axis.
	ErrorMask = StatusLocalError | StatusNodeError | StatusNetworkError | StatusUnknownError
)

var (
	ErrTerminalState     = errors.New("transaction is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

func (s Status) Has(bits Status) bool { return s&bits == bits }
func (s Status) Any(bits Status) bool { return s&bits != 0 }

func (s Status) IsDead() bool     { return s.Any(DeadMask) }
func (s Status) IsAlive() bool    { return !s.IsDead() }
func (s Status) IsFinal() bool    { return s.Has(StatusFinal) }
func (s Status) IsObsolete() bool { return s.Has(StatusObsolete) }
func (s Status) IsError() bool    { return s.Any(ErrorMask) }

// IsSuccess reports a mined, non-reverted outcome.
func (s Status) IsSuccess() bool {
	return s.Has(Success) && !s.Any(ErrorMask|StatusObsolete)
}

func (s Status) IsReverted() bool {
	return s.Has(StatusFinal | StatusNetworkError)
}

// IsSendable reports whether the dispatcher may pick up the record.
func (s Status) IsSendable() bool {
	return s.IsAlive() && s.Has(StatusQueued) && !s.Any(StatusReserved|StatusInNetwork|StatusGasIssues)
}

var namedStatuses = []struct {
	status Status
	name   string
}{
	{Pending, "PENDING"},
	{SendFail, "SENDFAIL"},
	{Retry, "RETRY"},
	{ReadySend, "READYSEND"},
	{Reserved, "RESERVED"},
	{Obsoleted, "OBSOLETED"},
	{WaitForGas, "WAITFORGAS"},
	{Sent, "SENT"},
	{Fubar, "FUBAR"},
	{Cancelled, "CANCELLED"},
	{Overridden, "OVERRIDDEN"},
	{Rejected, "REJECTED"},
	{Reverted, "REVERTED"},
	{Success, "SUCCESS"},
}

var statusBits = []struct {
	bit  Status
	name string
}{
	{StatusQueued, "QUEUED"},
	{StatusReserved, "RESERVED"},
	{StatusInNetwork, "IN_NETWORK"},
	{StatusDeferred, "DEFERRED"},
	{StatusGasIssues, "GAS_ISSUES"},
	{StatusLocalError, "LOCAL_ERROR"},
	{StatusNodeError, "NODE_ERROR"},
	{StatusNetworkError, "NETWORK_ERROR"},
	{StatusUnknownError, "UNKNOWN_ERROR"},
	{StatusFinal, "FINAL"},
	{StatusObsolete, "OBSOLETE"},
	{StatusManual, "MANUAL"},
}

// String returns the named state if the value matches one exactly, else the
// set bits joined by "|".
func (s Status) String() string {
	for _, n := range namedStatuses {
		if n.status == s {
			return n.name
		}
	}
	var parts []string
	rest := s
	for _, b := range statusBits {
		if s&b.bit != 0 {
			parts = append(parts, b.name)
			rest &^= b.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseStatus accepts a named state or a "|"-joined list of bit names.
func ParseStatus(name string) (Status, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, n := range namedStatuses {
		if n.name == name {
			return n.status, nil
		}
	}
	var out Status
	for _, part := range strings.Split(name, "|") {
		found := false
		for _, b := range statusBits {
			if b.name == strings.TrimSpace(part) {
				out |= b.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown status %q", part)
		}
	}
	return out, nil
}

// Transition computes a new status from the current one.
type Transition func(Status) (Status, error)

func requireAlive(s Status, op string) error {
	if s.IsFinal() {
		return fmt.Errorf("%s on %s: %w", op, s, ErrTerminalState)
	}
	if s.IsObsolete() {
		return fmt.Errorf("%s on %s: %w", op, s, ErrInvalidTransition)
	}
	return nil
}

// Queue is the initial assignment for a freshly stored record.
func Queue(Status) (Status, error) {
	return ReadySend, nil
}

// Reserve claims a sendable record for one dispatcher.
func Reserve(s Status) (Status, error) {
	if err := requireAlive(s, "reserve"); err != nil {
		return s, err
	}
	if !s.Has(StatusQueued) || s.Any(StatusReserved|StatusInNetwork) {
		return s, fmt.Errorf("reserve on %s: %w", s, ErrInvalidTransition)
	}
	return s | StatusReserved, nil
}

// MarkSent records a successful broadcast.
func MarkSent(s Status) (Status, error) {
	if err := requireAlive(s, "sent"); err != nil {
		return s, err
	}
	return (s &^ (StatusQueued | StatusReserved | StatusDeferred | StatusGasIssues | StatusLocalError)) | StatusInNetwork, nil
}

// MarkSendFail records a failed broadcast attempt.
func MarkSendFail(s Status) (Status, error) {
	if err := requireAlive(s, "sendfail"); err != nil {
		return s, err
	}
	return (s &^ (StatusQueued | StatusReserved)) | SendFail, nil
}

// MarkWaitForGas parks a record until the sender can pay for it.
func MarkWaitForGas(s Status) (Status, error) {
	if err := requireAlive(s, "waitforgas"); err != nil {
		return s, err
	}
	if s.Has(StatusInNetwork) {
		return s, fmt.Errorf("waitforgas on %s: %w", s, ErrInvalidTransition)
	}
	return (s &^ (StatusQueued | StatusReserved)) | StatusGasIssues, nil
}

// MarkReady makes a parked record sendable again.
func MarkReady(s Status) (Status, error) {
	if err := requireAlive(s, "ready"); err != nil {
		return s, err
	}
	if s.Has(StatusInNetwork) {
		return s, fmt.Errorf("ready on %s: %w", s, ErrInvalidTransition)
	}
	return (s &^ (StatusGasIssues | StatusReserved)) | StatusQueued, nil
}

// MarkRetry forces a resend of a record that is not in the network.
func MarkRetry(s Status) (Status, error) {
	if err := requireAlive(s, "retry"); err != nil {
		return s, err
	}
	return (s &^ (StatusReserved | StatusInNetwork | StatusGasIssues | StatusLocalError)) | Retry, nil
}

// MarkRejected records a permanent refusal by the node.
func MarkRejected(s Status) (Status, error) {
	if err := requireAlive(s, "rejected"); err != nil {
		return s, err
	}
	return (s &^ InFlightMask) | Rejected, nil
}

// MarkFubar records an unrecoverable local failure.
func MarkFubar(s Status) (Status, error) {
	if err := requireAlive(s, "fubar"); err != nil {
		return s, err
	}
	return (s &^ InFlightMask) | Fubar, nil
}

// MarkObsolete supersedes a record by a replacement.
func MarkObsolete(s Status) (Status, error) {
	if err := requireAlive(s, "obsolete"); err != nil {
		return s, err
	}
	return (s &^ InFlightMask) | StatusObsolete, nil
}

// MarkCancelled finalises a record displaced by another tx at the same nonce.
func MarkCancelled(s Status) (Status, error) {
	if s.IsFinal() {
		return s, fmt.Errorf("cancel on %s: %w", s, ErrTerminalState)
	}
	return (s &^ InFlightMask) | Cancelled, nil
}

// MarkOverridden is the administrative cancel. On an already final record
// only MANUAL is added.
func MarkOverridden(s Status) (Status, error) {
	if s.IsFinal() {
		return s | StatusManual, nil
	}
	return (s &^ InFlightMask) | Overridden, nil
}

// MarkManual flags administrator intervention. Legal in every state.
func MarkManual(s Status) (Status, error) {
	return s | StatusManual, nil
}

// MarkMined returns the transition for a receipt outcome. An obsoleted record
// that still got mined becomes the canonical one and loses OBSOLETE.
func MarkMined(success bool) Transition {
	return func(s Status) (Status, error) {
		if s.IsFinal() {
			return s, fmt.Errorf("mined on %s: %w", s, ErrTerminalState)
		}
		next := (s &^ (InFlightMask | StatusObsolete | ErrorMask)) | Success
		if !success {
			next |= StatusNetworkError
		}
		return next, nil
	}
}
