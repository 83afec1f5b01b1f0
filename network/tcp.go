package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/thorium/message"
)

// ProtocolVersion is the wire protocol spoken by this build.
const ProtocolVersion = "1.0.0"

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	Rank message.NodeRank

	// Listen is the local host:port
	Listen string

	// Peers holds the address of every rank, indexed by rank
	Peers []string

	PreferredMessageSize int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	DialAttempts         int

	// Version overrides ProtocolVersion
	Version string
}

func (c *TCPConfig) normalize() {
	if c.PreferredMessageSize <= 0 {
		c.PreferredMessageSize = DefaultPreferredMessageSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	if c.Version == "" {
		c.Version = ProtocolVersion
	}
}

// handshake is the first line each side writes on a new connection.
type handshake struct {
	Rank    int32  `json:"rank"`
	Session string `json:"session"`
	Version string `json:"version"`
}

// peerConn is an outbound connection. Writes are serialized by mu.
type peerConn struct {
	rank    message.NodeRank
	session string
	conn    net.Conn
	mu      sync.Mutex
}

// TCPTransport connects ranks over TCP. Each rank dials one outbound
// connection per peer for sending and reads frames from the connections its
// peers dialed.
type TCPTransport struct {
	cfg        TCPConfig
	session    string
	constraint *semver.Constraints

	listener net.Listener
	inbox    chan Packet

	connMu   sync.Mutex
	outbound map[message.NodeRank]*peerConn
	inbound  map[net.Conn]message.NodeRank

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	started atomic.Bool
	stopped atomic.Bool

	sent          atomic.Uint64
	received      atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	errs          atomic.Uint64
}

// NewTCPTransport creates a transport. It listens once started.
func NewTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	cfg.normalize()
	if cfg.Rank < 0 || int(cfg.Rank) >= len(cfg.Peers) {
		return nil, fmt.Errorf("%w: rank %d with %d peers", ErrUnknownRank, cfg.Rank, len(cfg.Peers))
	}

	version, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol version %q: %w", cfg.Version, err)
	}
	// peers must share the major version
	constraint, err := semver.NewConstraint(fmt.Sprintf(">= %d.0.0-0, < %d.0.0-0", version.Major(), version.Major()+1))
	if err != nil {
		return nil, fmt.Errorf("protocol constraint: %w", err)
	}

	return &TCPTransport{
		cfg:        cfg,
		session:    uuid.NewString(),
		constraint: constraint,
		inbox:      make(chan Packet, 1024),
		outbound:   make(map[message.NodeRank]*peerConn),
		inbound:    make(map[net.Conn]message.NodeRank),
	}, nil
}

// Rank returns the local rank.
func (t *TCPTransport) Rank() message.NodeRank {
	return t.cfg.Rank
}

// Size returns the number of configured ranks.
func (t *TCPTransport) Size() int {
	return len(t.cfg.Peers)
}

// PreferredMessageSize returns the configured buffer size.
func (t *TCPTransport) PreferredMessageSize() int {
	return t.cfg.PreferredMessageSize
}

// Session returns the id announced in handshakes.
func (t *TCPTransport) Session() string {
	return t.session
}

// Addr returns the listening address once started.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Receive returns the inbound packets.
func (t *TCPTransport) Receive() <-chan Packet {
	return t.inbox
}

// Start listens and accepts peers.
func (t *TCPTransport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}

	listener, err := net.Listen("tcp", t.cfg.Listen)
	if err != nil {
		t.started.Store(false)
		return fmt.Errorf("failed to start listener: %w", err)
	}
	t.listener = listener

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.group, _ = errgroup.WithContext(t.ctx)
	t.group.Go(t.acceptLoop)

	log.WithFields(log.Fields{"rank": t.cfg.Rank, "addr": listener.Addr().String(), "session": t.session}).
		Info("tcp transport listening")
	return nil
}

// Stop closes every connection and the inbox.
func (t *TCPTransport) Stop(ctx context.Context) error {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return nil
	}

	t.cancel()
	t.listener.Close()

	t.connMu.Lock()
	for rank, pc := range t.outbound {
		pc.conn.Close()
		delete(t.outbound, rank)
	}
	for conn := range t.inbound {
		conn.Close()
	}
	t.connMu.Unlock()

	err := t.group.Wait()
	close(t.inbox)
	return err
}

// Send writes buf on the outbound connection to rank, dialing it first if
// needed. A failed write drops the connection.
func (t *TCPTransport) Send(ctx context.Context, rank message.NodeRank, buf []byte) error {
	if rank < 0 || int(rank) >= len(t.cfg.Peers) {
		return fmt.Errorf("%w: %d", ErrUnknownRank, rank)
	}
	if t.stopped.Load() {
		return ErrClosed
	}

	pc, err := t.connection(ctx, rank)
	if err != nil {
		t.errs.Inc()
		return err
	}

	pc.mu.Lock()
	pc.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	_, err = pc.conn.Write(buf)
	pc.mu.Unlock()
	if err != nil {
		t.errs.Inc()
		t.dropConnection(pc)
		return fmt.Errorf("%w: write to rank %d: %v", ErrUnreachable, rank, err)
	}

	t.sent.Inc()
	t.bytesSent.Add(uint64(len(buf)))
	return nil
}

func (t *TCPTransport) connection(ctx context.Context, rank message.NodeRank) (*peerConn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if pc, ok := t.outbound[rank]; ok {
		return pc, nil
	}

	pc, err := t.dial(ctx, rank)
	if err != nil {
		return nil, err
	}
	t.outbound[rank] = pc
	return pc, nil
}

func (t *TCPTransport) dropConnection(pc *peerConn) {
	t.connMu.Lock()
	if t.outbound[pc.rank] == pc {
		delete(t.outbound, pc.rank)
	}
	t.connMu.Unlock()
	pc.conn.Close()
}

// dial connects to rank and exchanges handshakes, retrying with backoff.
func (t *TCPTransport) dial(ctx context.Context, rank message.NodeRank) (*peerConn, error) {
	addr := t.cfg.Peers[rank]
	var pc *peerConn

	retrier := retry.NewRetrier(t.cfg.DialAttempts, 10*time.Millisecond, t.cfg.DialTimeout)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}

		conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
		if err := t.writeHandshake(conn); err != nil {
			conn.Close()
			return err
		}
		peer, err := t.readHandshake(bufio.NewReader(conn))
		if err != nil {
			conn.Close()
			return err
		}
		if message.NodeRank(peer.Rank) != rank {
			conn.Close()
			return fmt.Errorf("dialed rank %d at %s but found rank %d", rank, addr, peer.Rank)
		}
		conn.SetDeadline(time.Time{})

		pc = &peerConn{rank: rank, session: peer.Session, conn: conn}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial rank %d at %s: %v", ErrUnreachable, rank, addr, err)
	}

	log.WithFields(log.Fields{"rank": t.cfg.Rank, "peer": rank, "session": pc.session}).Debug("connected to peer")
	return pc, nil
}

func (t *TCPTransport) writeHandshake(conn net.Conn) error {
	return json.NewEncoder(conn).Encode(handshake{
		Rank:    int32(t.cfg.Rank),
		Session: t.session,
		Version: t.cfg.Version,
	})
}

func (t *TCPTransport) readHandshake(r *bufio.Reader) (*handshake, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var hs handshake
	if err := json.Unmarshal(line, &hs); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	version, err := semver.NewVersion(hs.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrIncompatible, hs.Version)
	}
	if !t.constraint.Check(version) {
		return nil, fmt.Errorf("%w: peer %s, local %s", ErrIncompatible, hs.Version, t.cfg.Version)
	}
	if hs.Rank < 0 || int(hs.Rank) >= len(t.cfg.Peers) {
		return nil, fmt.Errorf("%w: handshake from rank %d", ErrUnknownRank, hs.Rank)
	}
	return &hs, nil
}

func (t *TCPTransport) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.errs.Inc()
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		t.group.Go(func() error {
			t.serve(conn)
			return nil
		})
	}
}

// serve answers the handshake of an inbound connection and reads frames
// until the connection or the transport closes.
func (t *TCPTransport) serve(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, t.cfg.PreferredMessageSize)
	conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	peer, err := t.readHandshake(reader)
	if err != nil {
		t.errs.Inc()
		log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("rejected peer")
		return
	}
	if err := t.writeHandshake(conn); err != nil {
		t.errs.Inc()
		return
	}
	conn.SetDeadline(time.Time{})

	from := message.NodeRank(peer.Rank)
	t.connMu.Lock()
	if t.stopped.Load() {
		t.connMu.Unlock()
		return
	}
	t.inbound[conn] = from
	t.connMu.Unlock()
	defer func() {
		t.connMu.Lock()
		delete(t.inbound, conn)
		t.connMu.Unlock()
	}()

	for {
		buf, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				t.errs.Inc()
				log.WithError(err).WithField("peer", from).Debug("peer connection closed")
			}
			return
		}

		t.received.Inc()
		t.bytesReceived.Add(uint64(len(buf)))
		select {
		case t.inbox <- Packet{From: from, Data: buf}:
		case <-t.ctx.Done():
			return
		}
	}
}

// readFrame reads one whole frame, header included.
func readFrame(r io.Reader) ([]byte, error) {
	var header [message.HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := int32(binary.BigEndian.Uint32(header[4:8]))
	if length < 0 || int(length) > message.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", message.ErrPayloadTooLarge, length)
	}

	buf := make([]byte, message.HeaderSize+int(length))
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[message.HeaderSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// Stats returns the transport counters.
func (t *TCPTransport) Stats() Stats {
	t.connMu.Lock()
	conns := len(t.outbound) + len(t.inbound)
	t.connMu.Unlock()

	return Stats{
		PacketsSent:     t.sent.Load(),
		PacketsReceived: t.received.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		Errors:          t.errs.Load(),
		Connections:     conns,
	}
}
