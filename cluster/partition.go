package cluster

import (
	"fmt"
	"math"

	"github.com/najoast/thorium/message"
)

// Partition kinds accepted in configuration.
const (
	PartitionRoundRobin = "round_robin"
	PartitionBlock      = "block"
)

// Partition is the static name-to-rank mapping shared by every node. Index 0
// of each rank is the node agent.
type Partition interface {
	// Kind returns the configuration name of the strategy.
	Kind() string

	// Resolve returns the rank owning name.
	Resolve(name message.ActorName) (message.NodeRank, error)

	// NameAt returns the index-th name allocated by rank.
	NameAt(rank message.NodeRank, index int32) (message.ActorName, error)

	// IndexOf returns the allocation index of name on its rank.
	IndexOf(name message.ActorName) int32
}

// NewPartition creates a partition from its configuration name.
func NewPartition(kind string, size, blockSize int) (Partition, error) {
	if size <= 0 {
		return nil, fmt.Errorf("partition over %d nodes", size)
	}
	switch kind {
	case "", PartitionRoundRobin:
		return RoundRobin{Size: int32(size)}, nil
	case PartitionBlock:
		if blockSize <= 0 || int64(size)*int64(blockSize) > math.MaxInt32 {
			return nil, fmt.Errorf("invalid block size %d for %d nodes", blockSize, size)
		}
		return Block{Size: int32(size), BlockSize: int32(blockSize)}, nil
	default:
		return nil, fmt.Errorf("unknown partition %q", kind)
	}
}

// RoundRobin interleaves names: rank = name % size.
type RoundRobin struct {
	Size int32
}

// Kind returns PartitionRoundRobin.
func (p RoundRobin) Kind() string { return PartitionRoundRobin }

// Resolve returns name % size.
func (p RoundRobin) Resolve(name message.ActorName) (message.NodeRank, error) {
	if name < 0 {
		return message.NoRank, fmt.Errorf("%w: %d", ErrUnresolvable, name)
	}
	return message.NodeRank(int32(name) % p.Size), nil
}

// NameAt returns rank + index*size.
func (p RoundRobin) NameAt(rank message.NodeRank, index int32) (message.ActorName, error) {
	name := int64(rank) + int64(index)*int64(p.Size)
	if index < 0 || name > math.MaxInt32 {
		return message.NoActor, fmt.Errorf("%w: rank %d index %d", ErrNamesExhausted, rank, index)
	}
	return message.ActorName(name), nil
}

// IndexOf returns name / size.
func (p RoundRobin) IndexOf(name message.ActorName) int32 {
	return int32(name) / p.Size
}

// Block gives each rank a contiguous range of BlockSize names.
type Block struct {
	Size      int32
	BlockSize int32
}

// Kind returns PartitionBlock.
func (p Block) Kind() string { return PartitionBlock }

// Resolve returns name / blockSize.
func (p Block) Resolve(name message.ActorName) (message.NodeRank, error) {
	if name < 0 || int64(name) >= int64(p.Size)*int64(p.BlockSize) {
		return message.NoRank, fmt.Errorf("%w: %d", ErrUnresolvable, name)
	}
	return message.NodeRank(int32(name) / p.BlockSize), nil
}

// NameAt returns rank*blockSize + index.
func (p Block) NameAt(rank message.NodeRank, index int32) (message.ActorName, error) {
	if index < 0 || index >= p.BlockSize {
		return message.NoActor, fmt.Errorf("%w: rank %d index %d", ErrNamesExhausted, rank, index)
	}
	return message.ActorName(int32(rank)*p.BlockSize + index), nil
}

// IndexOf returns name % blockSize.
func (p Block) IndexOf(name message.ActorName) int32 {
	return int32(name) % p.BlockSize
}
