package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/thorium/message"
)

const (
	actionLookup message.Action = 10
	actionResult message.Action = 11
	actionOther  message.Action = 12
)

func request(source message.ActorName, conv int32, action message.Action) *message.Message {
	m := message.New(action, source, 50, []byte("q"))
	m.Conversation = conv
	return m
}

func TestEnableSet(t *testing.T) {
	c := New(actionLookup)
	assert.True(t, c.Enabled(actionLookup))
	assert.False(t, c.Enabled(actionOther))

	c.Enable(actionOther)
	assert.True(t, c.Enabled(actionOther))
	c.Disable(actionOther)
	assert.False(t, c.Enabled(actionOther))

	c.SetEnabled([]message.Action{actionOther})
	assert.False(t, c.Enabled(actionLookup))
	assert.Equal(t, []message.Action{actionOther}, c.Actions())
}

func TestSaveAndReplay(t *testing.T) {
	c := New(actionLookup)

	req := request(3, 7, actionLookup)
	require.True(t, c.SaveRequest(req))
	_, ok := c.GetReplyFor(req)
	assert.False(t, ok)

	reply := req.ReplyTo(actionResult, []byte("answer"))
	require.True(t, c.SaveReply(reply))

	got, ok := c.GetReplyFor(request(3, 7, actionLookup))
	require.True(t, ok)
	assert.Equal(t, actionResult, got.Action)
	assert.Equal(t, message.ActorName(3), got.Destination)
	assert.Equal(t, int32(7), got.Conversation)
	assert.Equal(t, "answer", string(got.Payload))

	// the stored copy is independent of what callers do
	got.Payload[0] = 'X'
	reply.Payload[1] = 'Y'
	again, _ := c.GetReplyFor(req)
	assert.Equal(t, "answer", string(again.Payload))

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestEntriesAreWriteOnce(t *testing.T) {
	c := New(actionLookup)
	req := request(3, 1, actionLookup)
	c.SaveRequest(req)

	assert.True(t, c.SaveReply(req.ReplyTo(actionResult, []byte("first"))))
	assert.False(t, c.SaveReply(req.ReplyTo(actionResult, []byte("second"))))

	got, ok := c.GetReplyFor(req)
	require.True(t, ok)
	assert.Equal(t, "first", string(got.Payload))
}

func TestUntrackedRequests(t *testing.T) {
	c := New(actionLookup)

	req := request(3, 1, actionOther)
	assert.False(t, c.SaveRequest(req))
	assert.False(t, c.SaveReply(req.ReplyTo(actionResult, nil)))

	// a message that is not a reply never fills an entry
	tracked := request(4, 1, actionLookup)
	c.SaveRequest(tracked)
	notReply := message.New(actionResult, 50, 4, nil)
	notReply.Conversation = 1
	assert.False(t, c.SaveReply(notReply))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentReplies(t *testing.T) {
	c := New(actionLookup)
	req := request(9, 99, actionLookup)
	c.SaveRequest(req)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.SaveReply(req.ReplyTo(actionResult, message.PackInt32(int32(i)))) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}
