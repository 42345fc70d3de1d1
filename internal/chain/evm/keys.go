package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
)

// Keystore holds the signing keys of custodial accounts.
type Keystore interface {
	// NewAccount generates a key and returns its lowercase address.
	NewAccount(ctx context.Context) (string, error)
	Has(address string) bool
	// SignTx returns chain.ErrUnknownAccount when no key is held for address.
	SignTx(ctx context.Context, address string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// FileKeystore stores encrypted keys in a go-ethereum keystore directory,
// all unlocked with a single passphrase.
type FileKeystore struct {
	ks         *keystore.KeyStore
	passphrase string
}

// NewFileKeystore opens dir. light selects the cheap scrypt parameters.
func NewFileKeystore(dir, passphrase string, light bool) *FileKeystore {
	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	return &FileKeystore{
		ks:         keystore.NewKeyStore(dir, n, p),
		passphrase: passphrase,
	}
}

func (f *FileKeystore) NewAccount(_ context.Context) (string, error) {
	acct, err := f.ks.NewAccount(f.passphrase)
	if err != nil {
		return "", fmt.Errorf("create keystore account: %w", err)
	}
	return strings.ToLower(acct.Address.Hex()), nil
}

// Import stores an existing hex private key and returns its address.
func (f *FileKeystore) Import(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if f.ks.HasAddress(addr) {
		return strings.ToLower(addr.Hex()), nil
	}
	acct, err := f.ks.ImportECDSA(key, f.passphrase)
	if err != nil {
		return "", fmt.Errorf("import private key: %w", err)
	}
	return strings.ToLower(acct.Address.Hex()), nil
}

func (f *FileKeystore) Has(address string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	return f.ks.HasAddress(common.HexToAddress(address))
}

func (f *FileKeystore) SignTx(_ context.Context, address string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if !f.Has(address) {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownAccount, address)
	}
	acct := accounts.Account{Address: common.HexToAddress(address)}
	signed, err := f.ks.SignTxWithPassphrase(acct, f.passphrase, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign tx for %s: %w", address, err)
	}
	return signed, nil
}

// MemoryKeystore keeps plaintext keys in memory. Used for the gas gifter
// key loaded from config and in tests.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

func (m *MemoryKeystore) Import(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	m.mu.Lock()
	m.keys[addr] = key
	m.mu.Unlock()
	return strings.ToLower(addr.Hex()), nil
}

func (m *MemoryKeystore) NewAccount(_ context.Context) (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	m.mu.Lock()
	m.keys[addr] = key
	m.mu.Unlock()
	return strings.ToLower(addr.Hex()), nil
}

func (m *MemoryKeystore) Has(address string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[common.HexToAddress(address)]
	return ok
}

func (m *MemoryKeystore) SignTx(_ context.Context, address string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownAccount, address)
	}
	m.mu.RLock()
	key, ok := m.keys[common.HexToAddress(address)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownAccount, address)
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

// MultiKeystore signs with the first keystore holding the address and
// creates accounts in the primary one.
type MultiKeystore struct {
	primary Keystore
	others  []Keystore
}

func NewMultiKeystore(primary Keystore, others ...Keystore) *MultiKeystore {
	return &MultiKeystore{primary: primary, others: others}
}

func (m *MultiKeystore) NewAccount(ctx context.Context) (string, error) {
	return m.primary.NewAccount(ctx)
}

func (m *MultiKeystore) Has(address string) bool {
	return m.find(address) != nil
}

func (m *MultiKeystore) SignTx(ctx context.Context, address string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	ks := m.find(address)
	if ks == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownAccount, address)
	}
	return ks.SignTx(ctx, address, tx, chainID)
}

func (m *MultiKeystore) find(address string) Keystore {
	if m.primary.Has(address) {
		return m.primary
	}
	for _, ks := range m.others {
		if ks.Has(address) {
			return ks
		}
	}
	return nil
}
