// Package cache stores the replies to requests of selected actions so that a
// repeated request is answered without running its handler again.
package cache

import (
	"encoding/binary"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"

	"github.com/najoast/thorium/message"
)

// key identifies a request: the sequence its source assigned to it.
type key struct {
	Source       message.ActorName
	Conversation int32
}

type entry struct {
	action message.Action
	reply  atomic.Pointer[message.Message]
}

func shardKey(k key) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(k.Source))
	binary.BigEndian.PutUint32(buf[4:], uint32(k.Conversation))
	return uint32(xxh3.Hash(buf[:]))
}

func shardAction(a message.Action) uint32 {
	return uint32(a)
}

// Cache is safe for concurrent use. Entries are write-once: the first reply
// stored for a request is kept for the lifetime of the cache.
type Cache struct {
	enabled cmap.ConcurrentMap[message.Action, struct{}]
	entries cmap.ConcurrentMap[key, *entry]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache with caching enabled for actions.
func New(actions ...message.Action) *Cache {
	c := &Cache{
		enabled: cmap.NewWithCustomShardingFunction[message.Action, struct{}](shardAction),
		entries: cmap.NewWithCustomShardingFunction[key, *entry](shardKey),
	}
	for _, a := range actions {
		c.Enable(a)
	}
	return c
}

// Enable turns caching on for action.
func (c *Cache) Enable(action message.Action) {
	c.enabled.Set(action, struct{}{})
}

// Disable turns caching off for action. Stored entries are kept.
func (c *Cache) Disable(action message.Action) {
	c.enabled.Remove(action)
}

// Enabled reports whether action is cached.
func (c *Cache) Enabled(action message.Action) bool {
	return c.enabled.Has(action)
}

// SetEnabled replaces the enabled set with actions.
func (c *Cache) SetEnabled(actions []message.Action) {
	keep := make(map[message.Action]struct{}, len(actions))
	for _, a := range actions {
		keep[a] = struct{}{}
		c.enabled.Set(a, struct{}{})
	}
	for _, a := range c.enabled.Keys() {
		if _, ok := keep[a]; !ok {
			c.enabled.Remove(a)
		}
	}
}

// Actions returns the enabled actions.
func (c *Cache) Actions() []message.Action {
	return c.enabled.Keys()
}

// SaveRequest records request if its action is enabled. It reports whether
// the request is tracked.
func (c *Cache) SaveRequest(request *message.Message) bool {
	if !c.Enabled(request.Action) {
		return false
	}
	k := key{Source: request.Source, Conversation: request.Conversation}
	c.entries.SetIfAbsent(k, &entry{action: request.Action})
	return true
}

// SaveReply stores a copy of reply for the request it answers. Replies to
// untracked requests and second replies are ignored.
func (c *Cache) SaveReply(reply *message.Message) bool {
	if !reply.IsReply() {
		return false
	}
	e, ok := c.entries.Get(key{Source: reply.Destination, Conversation: reply.Conversation})
	if !ok {
		return false
	}
	return e.reply.CompareAndSwap(nil, reply.Clone())
}

// GetReplyFor returns a copy of the stored reply for request.
func (c *Cache) GetReplyFor(request *message.Message) (*message.Message, bool) {
	e, ok := c.entries.Get(key{Source: request.Source, Conversation: request.Conversation})
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	reply := e.reply.Load()
	if reply == nil {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return reply.Clone(), true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.Clear()
}

// Len returns the number of tracked requests.
func (c *Cache) Len() int {
	return c.entries.Count()
}

// Stats returns lookup hits and misses.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
