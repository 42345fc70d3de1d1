package evm

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeystore_NewAccountSigns(t *testing.T) {
	ks := NewFileKeystore(t.TempDir(), "test", true)

	addr, err := ks.NewAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, ks.Has(addr))
	assert.False(t, ks.Has("0x00000000000000000000000000000000000000aa"))
	assert.False(t, ks.Has("not-an-address"))

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})
	signed, err := ks.SignTx(context.Background(), addr, tx, big.NewInt(8996))
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8996)), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, strings.ToLower(sender.Hex()))
}

func TestFileKeystore_ImportIsIdempotent(t *testing.T) {
	ks := NewFileKeystore(t.TempDir(), "test", true)
	a1, err := ks.Import(testKey)
	require.NoError(t, err)
	a2, err := ks.Import("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestMultiKeystore(t *testing.T) {
	primary := NewMemoryKeystore()
	gifter := NewMemoryKeystore()
	gifterAddr, err := gifter.Import(testKey)
	require.NoError(t, err)

	multi := NewMultiKeystore(primary, gifter)
	created, err := multi.NewAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, primary.Has(created))
	assert.True(t, multi.Has(gifterAddr))

	to := common.HexToAddress(created)
	tx := types.NewTx(&types.LegacyTx{Gas: 21000, GasPrice: big.NewInt(1), To: &to, Value: big.NewInt(1)})
	_, err = multi.SignTx(context.Background(), gifterAddr, tx, big.NewInt(1))
	require.NoError(t, err)

	_, err = multi.SignTx(context.Background(), "0x00000000000000000000000000000000000000aa", tx, big.NewInt(1))
	assert.ErrorIs(t, err, chain.ErrUnknownAccount)
}
