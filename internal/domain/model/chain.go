package model

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Chain identifies a chain by its spec string, e.g. "evm:byzantium:8996:bloxberg".
// It is the key used by every table and metric label.
type Chain string

func (c Chain) String() string {
	return string(c)
}

// ZeroAddress is the lock key that applies to every address of a chain.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// ChainSpec is the parsed form of a Chain.
type ChainSpec struct {
	Engine     string
	Fork       string
	ChainID    uint64
	CommonName string
}

// ParseChainSpec parses "<engine>:<fork>:<chain_id>[:<common_name>]".
func ParseChainSpec(s string) (ChainSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return ChainSpec{}, fmt.Errorf("invalid chain spec %q: expected engine:fork:chain_id[:name]", s)
	}
	if parts[0] == "" || parts[1] == "" {
		return ChainSpec{}, fmt.Errorf("invalid chain spec %q: empty engine or fork", s)
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || id == 0 {
		return ChainSpec{}, fmt.Errorf("invalid chain spec %q: chain id must be a positive integer", s)
	}
	spec := ChainSpec{Engine: parts[0], Fork: parts[1], ChainID: id}
	if len(parts) == 4 {
		spec.CommonName = parts[3]
	}
	return spec, nil
}

func (s ChainSpec) Chain() Chain {
	base := fmt.Sprintf("%s:%s:%d", s.Engine, s.Fork, s.ChainID)
	if s.CommonName != "" {
		base += ":" + s.CommonName
	}
	return Chain(base)
}

func (s ChainSpec) BigChainID() *big.Int {
	return new(big.Int).SetUint64(s.ChainID)
}

// NormalizeAddress returns the lowercase 0x-prefixed form used as storage key.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" {
		return a
	}
	if !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	return a
}

// NormalizeHash is NormalizeAddress for transaction hashes.
func NormalizeHash(hash string) string {
	return NormalizeAddress(hash)
}
