package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChainSpec(t *testing.T) {
	spec, err := ParseChainSpec("evm:byzantium:8996:bloxberg")
	require.NoError(t, err)
	assert.Equal(t, "evm", spec.Engine)
	assert.Equal(t, "byzantium", spec.Fork)
	assert.Equal(t, uint64(8996), spec.ChainID)
	assert.Equal(t, "bloxberg", spec.CommonName)
	assert.Equal(t, Chain("evm:byzantium:8996:bloxberg"), spec.Chain())
	assert.Equal(t, int64(8996), spec.BigChainID().Int64())
}

func TestParseChainSpec_NoCommonName(t *testing.T) {
	spec, err := ParseChainSpec("evm:london:1")
	require.NoError(t, err)
	assert.Equal(t, Chain("evm:london:1"), spec.Chain())
}

func TestParseChainSpec_Invalid(t *testing.T) {
	tests := []string{"", "evm", "evm:london", "evm:london:x", "evm:london:0", ":london:1", "a:b:1:c:d"}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseChainSpec(in)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("ABCDEF"))
	assert.Equal(t, "0xabcdef", NormalizeAddress(" 0xAbCdEf "))
	assert.Equal(t, "", NormalizeAddress(""))
}
