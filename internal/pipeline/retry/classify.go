// Package retry decides whether a failed node call is worth repeating, and
// maps broadcast failures onto the chain submission errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type rule struct {
	reason string
	class  Class
	match  func(err error, msg string) bool
}

// First match wins. Typed checks come before message matching.
var rules = []rule{
	{"context_canceled", ClassTerminal, is(context.Canceled)},
	{"deadline_exceeded", ClassTransient, is(context.DeadlineExceeded)},
	{"chain_transient", ClassTransient, is(chain.ErrTransient)},
	{"chain_rejected", ClassTerminal, is(chain.ErrRejected)},
	{"net_timeout", ClassTransient, netTimeout},
	{"connection_lost", ClassTransient, is(syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE)},
	{"jsonrpc_server", ClassTransient, rpcCode(func(c int) bool { return c == -32603 || (c <= -32000 && c >= -32099) })},
	{"jsonrpc_client", ClassTerminal, rpcCode(func(int) bool { return true })},
	{"message_terminal", ClassTerminal, mentions(
		"invalid argument", "invalid params", "method not found", "parse error",
		"execution reverted", "insufficient funds", "not found", "constraint violation",
	)},
	{"message_transient", ClassTransient, mentions(
		"timeout", "timed out", "temporar", "unavailable", "connection reset",
		"connection refused", "broken pipe", "too many requests", "rate limit",
		"http status 429", "http status 502", "http status 503", "http status 504",
		"server closed idle connection",
	)},
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match(err, msg) {
			return Decision{Class: r.class, Reason: r.reason}
		}
	}
	return Decision{Class: ClassTerminal, Reason: "unclassified"}
}

func is(targets ...error) func(error, string) bool {
	return func(err error, _ string) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

func netTimeout(err error, _ string) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func rpcCode(pred func(int) bool) func(error, string) bool {
	return func(err error, _ string) bool {
		var re *rpc.RPCError
		return errors.As(err, &re) && pred(re.Code)
	}
}

func mentions(tokens ...string) func(error, string) bool {
	return func(_ error, msg string) bool {
		for _, t := range tokens {
			if strings.Contains(msg, t) {
				return true
			}
		}
		return false
	}
}

// Node messages are checked before codes because geth reports every pool
// rejection as -32000.
var submissionRules = []struct {
	sentinel error
	match    func(error, string) bool
}{
	{chain.ErrAlreadyKnown, mentions("already known", "known transaction", "already imported")},
	{chain.ErrNonceTooLow, mentions("nonce too low")},
	{chain.ErrUnderpriced, mentions("underpriced")},
	{chain.ErrInsufficientFunds, mentions("insufficient funds")},
	{chain.ErrRejected, mentions(
		"invalid sender", "intrinsic gas too low", "exceeds block gas limit",
		"oversized data", "negative value", "rlp:", "typed transaction too short",
		"only replay-protected", "invalid chain id",
	)},
}

var submissionSentinels = []error{
	chain.ErrAlreadyKnown, chain.ErrNonceTooLow, chain.ErrUnderpriced,
	chain.ErrInsufficientFunds, chain.ErrTransient, chain.ErrRejected,
}

// ClassifySubmission maps an eth_sendRawTransaction failure onto one of the
// chain submission errors. Anything unrecognised that is not transient is
// treated as a rejection.
func ClassifySubmission(err error) error {
	if err == nil {
		return nil
	}
	if is(submissionSentinels...)(err, "") {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, r := range submissionRules {
		if r.match(err, msg) {
			return fmt.Errorf("%w: %v", r.sentinel, err)
		}
	}
	if Classify(err).IsTransient() {
		return fmt.Errorf("%w: %v", chain.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", chain.ErrRejected, err)
}
