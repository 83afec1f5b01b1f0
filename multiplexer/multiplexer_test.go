package multiplexer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/thorium/message"
)

type sent struct {
	rank message.NodeRank
	buf  []byte
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recorder) sink(rank message.NodeRank, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{rank: rank, buf: append([]byte(nil), buf...)})
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func msgTo(rank message.NodeRank, i int, payload []byte) *message.Message {
	m := message.New(message.Action(100+i), message.ActorName(i), message.ActorName(1000+i), payload)
	m.Conversation = int32(i)
	m.DestinationNode = rank
	return m
}

func batchingConfig() Config {
	return Config{
		Enabled:       true,
		SizeThreshold: 1 << 20,
		TimeThreshold: time.Hour,
		MinNodes:      16,
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	rec := &recorder{}
	mux := New(batchingConfig(), 16, rec.sink)

	var toOne, toThree []*message.Message
	for i := 0; i < 10; i++ {
		m := msgTo(3, i, []byte{byte(i), byte(i * 2)})
		toThree = append(toThree, m)
		require.NoError(t, mux.Send(m))
	}
	for i := 0; i < 5; i++ {
		m := msgTo(1, i, nil)
		toOne = append(toOne, m)
		require.NoError(t, mux.Send(m))
	}
	assert.Equal(t, 0, rec.count())
	assert.Greater(t, mux.Stats().Pending, 0)

	require.NoError(t, mux.FlushAll())
	require.Equal(t, 2, rec.count())
	assert.Equal(t, message.NodeRank(1), rec.sent[0].rank)
	assert.Equal(t, message.NodeRank(3), rec.sent[1].rank)

	for i, want := range [][]*message.Message{toOne, toThree} {
		got, err := message.DecodeAll(rec.sent[i].buf)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for j := range want {
			a, err := message.Encode(want[j])
			require.NoError(t, err)
			b, err := message.Encode(got[j])
			require.NoError(t, err)
			assert.Equal(t, a, b)
		}
	}

	stats := mux.Stats()
	assert.Equal(t, uint64(15), stats.Batched)
	assert.Equal(t, uint64(2), stats.Flushes)
	assert.Equal(t, 0, stats.Pending)
}

func TestSizeThresholdFlush(t *testing.T) {
	rec := &recorder{}
	cfg := batchingConfig()
	cfg.SizeThreshold = 200
	mux := New(cfg, 32, rec.sink)

	payload := make([]byte, 50) // 74-byte frames
	require.NoError(t, mux.Send(msgTo(2, 0, payload)))
	require.NoError(t, mux.Send(msgTo(2, 1, payload)))
	assert.Equal(t, 0, rec.count())
	require.NoError(t, mux.Send(msgTo(2, 2, payload)))
	require.Equal(t, 1, rec.count())

	got, err := message.DecodeAll(rec.sent[0].buf)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestTimeThresholdFlush(t *testing.T) {
	rec := &recorder{}
	cfg := batchingConfig()
	cfg.TimeThreshold = 10 * time.Millisecond
	mux := New(cfg, 16, rec.sink)

	m := msgTo(5, 1, []byte("solo"))
	require.NoError(t, mux.Send(m))
	require.NoError(t, mux.FlushExpired(time.Now().Add(-time.Second)))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, mux.FlushExpired(time.Now().Add(time.Second)))
	require.Equal(t, 1, rec.count())

	// a lone frame travels without the batch envelope
	want, err := message.Encode(m)
	require.NoError(t, err)
	assert.Equal(t, want, rec.sent[0].buf)
}

func TestBypass(t *testing.T) {
	t.Run("small cluster", func(t *testing.T) {
		rec := &recorder{}
		mux := New(batchingConfig(), 4, rec.sink)
		require.NoError(t, mux.Send(msgTo(1, 0, nil)))
		assert.Equal(t, 1, rec.count())
		assert.Equal(t, uint64(1), mux.Stats().Direct)
	})

	t.Run("control action", func(t *testing.T) {
		rec := &recorder{}
		mux := New(batchingConfig(), 16, rec.sink)
		m := message.New(message.ActionSpawn, 1, 2, []byte("script"))
		m.DestinationNode = 1
		assert.False(t, mux.Batching(m))
		require.NoError(t, mux.Send(m))
		assert.Equal(t, 1, rec.count())
	})

	t.Run("disabled", func(t *testing.T) {
		rec := &recorder{}
		cfg := batchingConfig()
		cfg.Enabled = false
		mux := New(cfg, 16, rec.sink)
		require.NoError(t, mux.Send(msgTo(1, 0, nil)))
		assert.Equal(t, 1, rec.count())
	})

	t.Run("zero time threshold", func(t *testing.T) {
		rec := &recorder{}
		mux := New(batchingConfig(), 16, rec.sink)
		require.NoError(t, mux.Send(msgTo(1, 0, nil)))
		assert.Equal(t, 0, rec.count())

		// switching batching off drains what is buffered
		require.NoError(t, mux.SetThresholds(0, 0))
		assert.Equal(t, 1, rec.count())
		require.NoError(t, mux.Send(msgTo(1, 1, nil)))
		assert.Equal(t, 2, rec.count())
	})
}

func TestDefaultConfigSendsImmediately(t *testing.T) {
	rec := &recorder{}
	mux := New(DefaultConfig(4096), 32, rec.sink)

	require.NoError(t, mux.Send(msgTo(7, 0, []byte("now"))))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, mux.Stats().Pending)
	assert.Equal(t, uint64(1), mux.Stats().Direct)
}

func TestSinkErrorsSurface(t *testing.T) {
	boom := errors.New("link down")
	rec := &recorder{err: boom}
	mux := New(batchingConfig(), 16, rec.sink)

	require.NoError(t, mux.Send(msgTo(1, 0, nil)))
	require.NoError(t, mux.Send(msgTo(2, 0, nil)))
	err := mux.FlushAll()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 0, mux.Stats().Pending)
}
