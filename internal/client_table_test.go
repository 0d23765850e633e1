package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/densha/tradebridge/pkg/errors"
)

func TestClientTableCapacity(t *testing.T) {
	table := CreateClientTable(256)

	ids := make([]uint32, 0, 256)
	for i := 0; i < 256; i++ {
		id, err := table.Add(int64(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 256, table.Count())

	// The 257th concurrent connection is rejected while all 256 remain.
	_, err := table.Add(999)
	var full *bridgeerrors.TableFull
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 256, full.Capacity)
	assert.Equal(t, 256, table.Count())

	// Closing one frees exactly one slot...
	table.Remove(ids[17])
	newId, err := table.Add(1000)
	require.NoError(t, err)

	// ...and the freed slot is claimed by a brand new id, never a reuse.
	for _, old := range ids {
		assert.NotEqual(t, old, newId)
	}

	_, err = table.Add(1001)
	assert.Error(t, err)
}

func TestClientTableIdsMonotonic(t *testing.T) {
	table := CreateClientTable(8)
	var prev uint32
	for i := 0; i < 8; i++ {
		id, err := table.Add(0)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestGetIdleClientList(t *testing.T) {
	table := CreateClientTable(8)

	stale, err := table.Add(10)
	require.NoError(t, err)
	fresh, err := table.Add(10)
	require.NoError(t, err)
	require.NoError(t, table.Touch(fresh, 100))

	idle := table.GetIdleClientList(50)
	assert.Equal(t, []uint32{stale}, idle)
}

func TestTouchMissingClient(t *testing.T) {
	table := CreateClientTable(4)
	err := table.Touch(42, 1)
	var missing *MissingClientIdError
	assert.ErrorAs(t, err, &missing)
}
