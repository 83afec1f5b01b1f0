package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/message"
)

func TestRoundRobinPartition(t *testing.T) {
	p, err := NewPartition(PartitionRoundRobin, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, PartitionRoundRobin, p.Kind())

	for rank := message.NodeRank(0); rank < 4; rank++ {
		for index := int32(0); index < 50; index++ {
			name, err := p.NameAt(rank, index)
			require.NoError(t, err)
			owner, err := p.Resolve(name)
			require.NoError(t, err)
			assert.Equal(t, rank, owner)
			assert.Equal(t, index, p.IndexOf(name))
		}
	}

	name, _ := p.NameAt(3, 2)
	assert.Equal(t, message.ActorName(11), name)

	_, err = p.Resolve(message.NoActor)
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestBlockPartition(t *testing.T) {
	p, err := NewPartition(PartitionBlock, 3, 10)
	require.NoError(t, err)

	name, err := p.NameAt(2, 9)
	require.NoError(t, err)
	assert.Equal(t, message.ActorName(29), name)

	_, err = p.NameAt(2, 10)
	assert.ErrorIs(t, err, ErrNamesExhausted)

	owner, err := p.Resolve(15)
	require.NoError(t, err)
	assert.Equal(t, message.NodeRank(1), owner)
	assert.Equal(t, int32(5), p.IndexOf(15))

	_, err = p.Resolve(30)
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestNewPartitionErrors(t *testing.T) {
	_, err := NewPartition("hash", 2, 0)
	assert.Error(t, err)
	_, err = NewPartition(PartitionBlock, 2, 0)
	assert.Error(t, err)
	_, err = NewPartition(PartitionRoundRobin, 0, 0)
	assert.Error(t, err)
}

func TestTableReusesSlotsNotNames(t *testing.T) {
	p, _ := NewPartition(PartitionRoundRobin, 2, 0)
	tbl := newTable(p, 1)

	first, err := tbl.allocate()
	require.NoError(t, err)
	tbl.insert(core.NewActor(first, message.NoActor, nil))
	assert.Equal(t, message.ActorName(1), first)
	assert.True(t, tbl.spawned(first))

	require.True(t, tbl.remove(first))
	assert.False(t, tbl.remove(first))
	_, ok := tbl.lookup(first)
	assert.False(t, ok)
	assert.True(t, tbl.spawned(first))

	second, err := tbl.allocate()
	require.NoError(t, err)
	tbl.insert(core.NewActor(second, message.NoActor, nil))
	assert.Equal(t, message.ActorName(3), second)
	assert.Equal(t, 1, tbl.capacity())
	assert.Equal(t, 1, tbl.len())
	assert.False(t, tbl.spawned(5))
}

func TestDeliveryErrorPayload(t *testing.T) {
	msg := message.New(message.ActionDeliveryFailure, 9, 4, failurePayload(77, 9))
	derr, err := ParseDeliveryFailure(msg)
	require.NoError(t, err)
	assert.Equal(t, message.Action(77), derr.Action)
	assert.Equal(t, message.ActorName(9), derr.Destination)
	assert.Contains(t, derr.Error(), "actor 9")

	_, err = ParseDeliveryFailure(message.New(actionPing, 1, 2, nil))
	assert.Error(t, err)
}
