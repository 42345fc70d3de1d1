package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
)

var _ chain.Codec = (*Codec)(nil)

// Codec signs legacy (EIP-155) transactions and decodes stored payloads.
type Codec struct {
	chainID *big.Int
	signer  types.Signer
	keys    Keystore
}

func NewCodec(chainID *big.Int, keys Keystore) *Codec {
	return &Codec{
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		keys:    keys,
	}
}

func (c *Codec) Decode(raw []byte) (*chain.Intent, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrUndecodable, err)
	}
	from, err := types.Sender(c.signer, &tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", chain.ErrUndecodable, err)
	}

	intent := &chain.Intent{
		From:     strings.ToLower(from.Hex()),
		Nonce:    tx.Nonce(),
		GasPrice: tx.GasPrice(),
		Gas:      tx.Gas(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	if to := tx.To(); to != nil {
		intent.To = strings.ToLower(to.Hex())
	}
	return intent, nil
}

// Hash returns the transaction hash of a signed payload.
func (c *Codec) Hash(raw []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrUndecodable, err)
	}
	return strings.ToLower(tx.Hash().Hex()), nil
}

func (c *Codec) Sign(ctx context.Context, intent chain.Intent) ([]byte, string, error) {
	if !common.IsHexAddress(intent.From) {
		return nil, "", fmt.Errorf("invalid sender address %q", intent.From)
	}
	legacy := &types.LegacyTx{
		Nonce:    intent.Nonce,
		GasPrice: bigOrZero(intent.GasPrice),
		Gas:      intent.Gas,
		Value:    bigOrZero(intent.Value),
		Data:     intent.Data,
	}
	if intent.To != "" {
		if !common.IsHexAddress(intent.To) {
			return nil, "", fmt.Errorf("invalid recipient address %q", intent.To)
		}
		to := common.HexToAddress(intent.To)
		legacy.To = &to
	}

	signed, err := c.keys.SignTx(ctx, intent.From, types.NewTx(legacy), c.chainID)
	if err != nil {
		return nil, "", err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("encode signed tx: %w", err)
	}
	return raw, strings.ToLower(signed.Hash().Hex()), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
