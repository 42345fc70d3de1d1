package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFlagValues(t *testing.T) {
	assert.Equal(t, LockFlag(1), LockSticky)
	assert.Equal(t, LockFlag(2), LockInit)
	assert.Equal(t, LockFlag(4), LockCreate)
	assert.Equal(t, LockFlag(8), LockSend)
	assert.Equal(t, LockFlag(16), LockQueue)
	assert.Equal(t, LockFlag(32), LockQuery)
	assert.Equal(t, LockFlag(0xfffffffffffffffe), LockAll)
}

func TestParseLockFlags(t *testing.T) {
	tests := []struct {
		in   string
		want LockFlag
	}{
		{"SEND", LockSend},
		{"send|queue", LockSend | LockQueue},
		{"ALL", LockAll},
		{"24", LockSend | LockQueue},
		{"0x4", LockCreate},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLockFlags(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLockFlags("SEND|BOGUS")
	assert.Error(t, err)
	_, err = ParseLockFlags("")
	assert.Error(t, err)
}

func TestLockFlagString(t *testing.T) {
	assert.Equal(t, "SEND|QUEUE", (LockSend | LockQueue).String())
	assert.Equal(t, "ALL", LockAll.String())
	assert.Equal(t, "NONE", LockFlag(0).String())
}
