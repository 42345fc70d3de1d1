package addressindex

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressFilter is a bloom filter over account addresses. Probes are derived
// from the keccak hash of the 20 address bytes, so "0xAB.." and "ab.." land
// on the same bits.
type AddressFilter struct {
	mu    sync.RWMutex
	bits  []uint64
	m     uint64
	k     uint
	added atomic.Int64
}

// NewAddressFilter sizes the filter for expected addresses at the given false
// positive rate. 1M addresses at 0.001 take about 1.8MB.
func NewAddressFilter(expected int, fpr float64) *AddressFilter {
	if expected <= 0 {
		expected = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.001
	}

	n := float64(expected)
	m := uint64(math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	k := uint(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &AddressFilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

func (f *AddressFilter) Add(address string) {
	h1, h2 := probes(address)
	f.mu.Lock()
	for i := uint(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.mu.Unlock()
	f.added.Add(1)
}

// MayContain is false only for addresses that were never added.
func (f *AddressFilter) MayContain(address string) bool {
	h1, h2 := probes(address)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *AddressFilter) Reset() {
	f.mu.Lock()
	clear(f.bits)
	f.mu.Unlock()
	f.added.Store(0)
}

// Added counts Add calls since the last Reset, duplicates included.
func (f *AddressFilter) Added() int64 {
	return f.added.Load()
}

func probes(address string) (uint64, uint64) {
	var sum []byte
	if common.IsHexAddress(address) {
		sum = crypto.Keccak256(common.HexToAddress(address).Bytes())
	} else {
		sum = crypto.Keccak256([]byte(address))
	}
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1
	return h1, h2
}
