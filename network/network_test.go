package network

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/najoast/thorium/message"
)

func receive(t *testing.T, tr Transport) Packet {
	t.Helper()
	select {
	case p, ok := <-tr.Receive():
		require.True(t, ok, "receive channel closed")
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return Packet{}
}

func TestHubDelivers(t *testing.T) {
	hub := NewHub(3, 0)
	a, b := hub.Endpoint(0), hub.Endpoint(2)
	assert.Equal(t, 3, a.Size())
	assert.Equal(t, DefaultPreferredMessageSize, a.PreferredMessageSize())

	buf := []byte("frame bytes")
	require.NoError(t, a.Send(context.Background(), 2, buf))
	buf[0] = 'X' // the hub copied it

	p := receive(t, b)
	assert.Equal(t, message.NodeRank(0), p.From)
	assert.Equal(t, "frame bytes", string(p.Data))
	assert.Equal(t, uint64(1), a.Stats().PacketsSent)

	assert.ErrorIs(t, a.Send(context.Background(), 3, buf), ErrUnknownRank)
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub(2, 0)
	a := hub.Endpoint(0)

	hub.Disconnect(1)
	assert.ErrorIs(t, a.Send(context.Background(), 1, []byte{1}), ErrUnreachable)
	hub.Reconnect(1)
	assert.NoError(t, a.Send(context.Background(), 1, []byte{1}))

	require.NoError(t, hub.Endpoint(1).Stop(context.Background()))
	assert.ErrorIs(t, a.Send(context.Background(), 1, []byte{1}), ErrUnreachable)

	// the inbox drains then closes
	_, ok := <-hub.Endpoint(1).Receive()
	assert.True(t, ok)
	_, ok = <-hub.Endpoint(1).Receive()
	assert.False(t, ok)
}

func newTCPPair(t *testing.T, versions ...string) (*TCPTransport, *TCPTransport) {
	t.Helper()
	ports := dynaport.Get(2)
	peers := []string{
		fmt.Sprintf("127.0.0.1:%d", ports[0]),
		fmt.Sprintf("127.0.0.1:%d", ports[1]),
	}

	var out []*TCPTransport
	for rank := range peers {
		cfg := TCPConfig{
			Rank:         message.NodeRank(rank),
			Listen:       peers[rank],
			Peers:        peers,
			DialTimeout:  time.Second,
			DialAttempts: 3,
		}
		if rank < len(versions) {
			cfg.Version = versions[rank]
		}
		tr, err := NewTCPTransport(cfg)
		require.NoError(t, err)
		require.NoError(t, tr.Start(context.Background()))
		t.Cleanup(func() { tr.Stop(context.Background()) })
		out = append(out, tr)
	}
	return out[0], out[1]
}

func TestTCPRoundTrip(t *testing.T) {
	a, b := newTCPPair(t)
	ctx := context.Background()

	single := message.New(7, 1, 2, []byte("hello"))
	single.Conversation = 9
	frame, err := message.Encode(single)
	require.NoError(t, err)

	batch, err := message.EncodeBatch([]*message.Message{
		message.New(8, 1, 3, []byte("one")),
		message.New(8, 1, 5, nil),
	})
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, 1, frame))
	require.NoError(t, a.Send(ctx, 1, batch))
	require.NoError(t, b.Send(ctx, 0, frame))

	p := receive(t, b)
	assert.Equal(t, message.NodeRank(0), p.From)
	assert.Equal(t, frame, p.Data)

	p = receive(t, b)
	assert.Equal(t, batch, p.Data)
	msgs, err := message.DecodeAll(p.Data)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	p = receive(t, a)
	assert.Equal(t, message.NodeRank(1), p.From)
	assert.Equal(t, frame, p.Data)

	assert.Equal(t, uint64(2), a.Stats().PacketsSent)
	assert.NotEqual(t, a.Session(), b.Session())
}

func TestTCPRejectsIncompatibleVersion(t *testing.T) {
	a, _ := newTCPPair(t, "1.2.0", "2.0.0")
	frame, err := message.Encode(message.New(1, 0, 1, nil))
	require.NoError(t, err)

	err = a.Send(context.Background(), 1, frame)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Greater(t, a.Stats().Errors, uint64(0))
}

func TestTCPCompatibleMinorVersions(t *testing.T) {
	a, b := newTCPPair(t, "1.2.0", "1.0.3")
	frame, err := message.Encode(message.New(1, 0, 1, nil))
	require.NoError(t, err)

	require.NoError(t, a.Send(context.Background(), 1, frame))
	assert.Equal(t, frame, receive(t, b).Data)
}

func TestTCPConfigErrors(t *testing.T) {
	_, err := NewTCPTransport(TCPConfig{Rank: 2, Peers: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrUnknownRank)

	_, err = NewTCPTransport(TCPConfig{Rank: 0, Peers: []string{"a"}, Version: "not-a-version"})
	assert.Error(t, err)

	tr, err := NewTCPTransport(TCPConfig{Rank: 0, Peers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(context.Background(), 5, nil), ErrUnknownRank)
}
