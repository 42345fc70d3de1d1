package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LockFlag is a bitmask of gated operations.
type LockFlag uint64

const (
	LockSticky LockFlag = 1 << iota
	LockInit
	LockCreate
	LockSend
	LockQueue
	LockQuery

	LockAll LockFlag = ^LockFlag(0) &^ LockSticky
)

var lockFlagNames = []struct {
	flag LockFlag
	name string
}{
	{LockSticky, "STICKY"},
	{LockInit, "INIT"},
	{LockCreate, "CREATE"},
	{LockSend, "SEND"},
	{LockQueue, "QUEUE"},
	{LockQuery, "QUERY"},
}

func (f LockFlag) String() string {
	if f == LockAll {
		return "ALL"
	}
	var parts []string
	for _, n := range lockFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ParseLockFlags accepts "SEND", "send|queue", "ALL" or a decimal/hex number.
func ParseLockFlags(s string) (LockFlag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty lock flags")
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return LockFlag(n), nil
	}
	var out LockFlag
	for _, part := range strings.Split(strings.ToUpper(s), "|") {
		part = strings.TrimSpace(part)
		if part == "ALL" {
			out |= LockAll
			continue
		}
		found := false
		for _, n := range lockFlagNames {
			if n.name == part {
				out |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown lock flag %q", part)
		}
	}
	return out, nil
}

// Lock is an administrative gate on an address, or on the whole chain when
// Address is ZeroAddress. A row exists only while Flags != 0.
type Lock struct {
	ID         int64     `db:"id" json:"id"`
	Blockchain Chain     `db:"blockchain" json:"blockchain"`
	Address    string    `db:"address" json:"address"`
	Flags      LockFlag  `db:"flags" json:"flags"`
	OtxID      *int64    `db:"otx_id" json:"otx_id"`
	TxHash     *string   `db:"tx_hash" json:"tx_hash"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func (l Lock) IsGlobal() bool {
	return l.Address == ZeroAddress
}
