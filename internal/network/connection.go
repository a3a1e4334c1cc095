// Package network implements the chat TCP listener, the per-connection
// transport wrapper, and the process-wide connection registry that all
// broadcast operations address.
package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
)

// writeTimeout bounds a single packet write so one stalled client never
// holds its writer goroutine forever; a timed-out write closes the
// connection.
const writeTimeout = 10 * time.Second

// sendQueueDepth is the number of outbound packets buffered per
// connection. A client that stops draining fills its queue and is
// disconnected rather than stalling whoever is broadcasting to it.
const sendQueueDepth = 256

var nextConnID uint64

type outboundPacket struct {
	ptype   int16
	payload []byte
}

// Connection wraps one chat client socket. The embedded decoder owns the
// connection's accumulation buffer and is only ever touched by the read
// loop, so it needs no locking. Outbound packets go through a buffered
// queue drained by a dedicated writer goroutine, so Send never blocks
// the caller on a slow peer.
type Connection struct {
	mu     sync.Mutex
	id     uint64
	conn   net.Conn
	dec    protocol.Decoder
	logger zerolog.Logger

	sendCh chan outboundPacket
	done   chan struct{}

	connectedAt  time.Time
	lastActivity time.Time

	closed bool
}

// NewConnection wraps an accepted net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	id := atomic.AddUint64(&nextConnID, 1)
	c := &Connection{
		id:           id,
		conn:         conn,
		sendCh:       make(chan outboundPacket, sendQueueDepth),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	go c.writeLoop()
	return c
}

// ID returns the registry key for this connection.
func (c *Connection) ID() uint64 {
	return c.id
}

// Read pulls raw bytes off the socket and feeds them through the frame
// decoder, returning every complete packet in arrival order. A deadline
// of zero blocks indefinitely.
func (c *Connection) Read(buf []byte, deadline time.Duration) ([]protocol.Packet, error) {
	if deadline > 0 {
		c.conn.SetReadDeadline(time.Now().Add(deadline))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return c.dec.Feed(buf[:n]), nil
}

// Send queues one packet for delivery. Packets to the same connection
// are written in Send order. Returns an error when the connection is
// closed or the peer has stopped draining its queue; the latter also
// disconnects the peer.
func (c *Connection) Send(ptype int16, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection %d is closed", c.id)
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- outboundPacket{ptype: ptype, payload: payload}:
		return nil
	default:
		c.logger.Warn().Int16("packet_type", ptype).Msg("send queue full, dropping connection")
		c.Close()
		return fmt.Errorf("connection %d send queue full", c.id)
	}
}

// writeLoop drains the send queue onto the socket. A failed or timed
// out write closes the connection; the read loop observes the close and
// tears the session down.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WritePacket(c.conn, pkt.ptype, pkt.payload); err != nil {
				c.logger.Debug().Err(err).Int16("packet_type", pkt.ptype).Msg("outbound write failed")
				c.Close()
				return
			}
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
	}
}

// Close closes the underlying socket. Safe to call repeatedly and from
// any goroutine; only the first call does anything.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Registry is the process-wide table of live chat connections, keyed by
// connection ID, with a secondary index from authenticated uid to its
// connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
	byUID map[uint32]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]*Connection),
		byUID: make(map[uint32]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister removes a connection and any uid binding pointing at it.
// Idempotent: deregistering an unknown connection is a no-op.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	for uid, bound := range r.byUID {
		if bound == c {
			delete(r.byUID, uid)
		}
	}
	c.Close()
}

// BindUser indexes an authenticated connection by uid. A previous
// connection bound to the same uid is closed; the legacy server allows
// one session per account.
func (r *Registry) BindUser(uid uint32, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUID[uid]; ok && existing != c {
		existing.Close()
		delete(r.conns, existing.ID())
	}
	r.byUID[uid] = c
}

// GetByUID returns the connection of an authenticated user.
func (r *Registry) GetByUID(uid uint32) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUID[uid]
	return c, ok
}

// IsOnline reports whether a uid currently has an open connection.
func (r *Registry) IsOnline(uid uint32) bool {
	_, ok := r.GetByUID(uid)
	return ok
}

// SendToUser writes a packet to the connection bound to uid. Returns an
// error when the user is offline or the write fails.
func (r *Registry) SendToUser(uid uint32, ptype int16, payload []byte) error {
	c, ok := r.GetByUID(uid)
	if !ok {
		return fmt.Errorf("uid %d not connected", uid)
	}
	return c.Send(ptype, payload)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountUsers returns the number of authenticated connections.
func (r *Registry) CountUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUID)
}

// OnlineUIDs returns a snapshot of all authenticated uids.
func (r *Registry) OnlineUIDs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uids := make([]uint32, 0, len(r.byUID))
	for uid := range r.byUID {
		uids = append(uids, uid)
	}
	return uids
}

// CloseAll closes every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}
	r.byUID = make(map[uint32]*Connection)

	log.Info().Msg("all chat connections closed")
}

// CleanStale closes connections idle longer than timeout and returns how
// many were removed. The per-connection read loops observe the close and
// run their own full deregistration.
func (r *Registry) CleanStale(timeout time.Duration) int {
	r.mu.RLock()
	cutoff := time.Now().Add(-timeout)
	var stale []*Connection
	for _, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		log.Warn().
			Uint64("conn_id", c.ID()).
			Time("last_activity", c.LastActivity()).
			Msg("closing stale connection")
		c.Close()
	}
	return len(stale)
}
