// Package voice implements the RTP relay: a single broadcast domain
// where every framed audio packet is forwarded verbatim to every other
// connected voice socket.
package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// lengthPrefixSize is the frame length prefix on the voice channel.
const lengthPrefixSize = 4

// voiceWriteTimeout bounds one forwarded write so a stalled receiver
// never blocks the relay loop.
const voiceWriteTimeout = 5 * time.Second

// Legacy clients probe the relay with two fixed 8-byte sequences. They
// are answered with an empty write and never forwarded.
var keepAliveProbes = [][]byte{
	{0x00, 0x00, 0xc3, 0x53, 0x00, 0x0f, 0x42, 0x42},
	{0x00, 0x00, 0xc3, 0x53, 0x00, 0x0f, 0x42, 0x44},
}

const probeSize = 8

var nextSocketID uint64

// voiceSocket is one connected voice client. The accumulation buffer is
// owned by the read loop; writes are serialized by the mutex.
type voiceSocket struct {
	id   uint64
	conn net.Conn
	buf  []byte

	mu     sync.Mutex
	closed bool
}

func (s *voiceSocket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("voice socket %d is closed", s.id)
	}
	s.conn.SetWriteDeadline(time.Now().Add(voiceWriteTimeout))
	_, err := s.conn.Write(data)
	return err
}

func (s *voiceSocket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
}

// Relay accepts voice connections and forwards every complete frame to
// all other sockets.
type Relay struct {
	cfg    *config.Config
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.RWMutex
	sockets  map[uint64]*voiceSocket
	listener net.Listener
}

// NewRelay creates an empty Relay.
func NewRelay(cfg *config.Config, bus *events.Bus) *Relay {
	return &Relay{
		cfg:     cfg,
		bus:     bus,
		logger:  util.ComponentLogger("voice"),
		sockets: make(map[uint64]*voiceSocket),
	}
}

// Start begins accepting voice connections and blocks until ctx is
// cancelled.
func (r *Relay) Start(ctx context.Context) error {
	srv := r.cfg.GetServer()
	addr := fmt.Sprintf("%s:%d", srv.BindAddress, srv.VoicePort)

	lc := network.ReuseAddrListenConfig()
	var err error
	r.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start voice listener on %s: %w", addr, err)
	}

	r.logger.Info().Str("addr", addr).Msg("voice relay started")

	go func() {
		<-ctx.Done()
		r.listener.Close()
	}()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("voice relay stopping")
				r.closeAll()
				return nil
			default:
				r.logger.Error().Err(err).Msg("failed to accept voice connection")
				continue
			}
		}
		go r.serve(ctx, conn)
	}
}

// Stop closes the listening socket.
func (r *Relay) Stop() error {
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Count returns the number of connected voice sockets.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// serve runs the read loop for one voice connection.
func (r *Relay) serve(ctx context.Context, conn net.Conn) {
	sock := &voiceSocket{
		id:   atomic.AddUint64(&nextSocketID, 1),
		conn: conn,
	}

	r.mu.Lock()
	r.sockets[sock.id] = sock
	r.mu.Unlock()

	logger := r.logger.With().
		Uint64("voice_id", sock.id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Debug().Msg("voice socket connected")

	r.bus.Emit(ctx, events.Event{
		Type:   events.EventVoiceConnected,
		Source: "voice",
	})

	defer func() {
		r.remove(sock.id)
		r.bus.Emit(ctx, events.Event{
			Type:   events.EventVoiceDisconnected,
			Source: "voice",
		})
		logger.Debug().Msg("voice socket disconnected")
	}()

	maxFrame := r.cfg.GetServer().VoiceMaxFrame
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		sock.buf = append(sock.buf, buf[:n]...)

		if !r.drainFrames(sock, maxFrame, logger) {
			return
		}
	}
}

// drainFrames processes every complete frame in the socket's buffer.
// Returns false when the connection must be dropped.
func (r *Relay) drainFrames(sock *voiceSocket, maxFrame int, logger zerolog.Logger) bool {
	for {
		// Keep-alive probes arrive as bare 8-byte sequences, not framed.
		if len(sock.buf) >= probeSize && r.consumeProbe(sock, logger) {
			continue
		}

		if len(sock.buf) < lengthPrefixSize {
			return true
		}
		frameLen := int(binary.BigEndian.Uint32(sock.buf[:lengthPrefixSize]))
		if frameLen > maxFrame {
			logger.Warn().
				Int("frame_len", frameLen).
				Int("max", maxFrame).
				Msg("oversized voice frame, dropping connection")
			return false
		}
		total := lengthPrefixSize + frameLen
		if len(sock.buf) < total {
			// Incomplete frame, wait for more bytes. Never forward a
			// partial packet.
			return true
		}

		frame := sock.buf[:total]
		if hdr, err := ParseRTPHeader(frame[lengthPrefixSize:]); err == nil {
			logger.Trace().
				Uint8("pt", hdr.PayloadType).
				Uint16("seq", hdr.Sequence).
				Uint32("ssrc", hdr.SSRC).
				Msg("relaying rtp frame")
		}

		r.broadcast(sock.id, frame)

		remaining := len(sock.buf) - total
		copy(sock.buf, sock.buf[total:])
		sock.buf = sock.buf[:remaining]
		if remaining == 0 {
			sock.buf = nil
		}
	}
}

// consumeProbe answers a leading keep-alive probe with an empty write.
// Returns true when a probe was consumed.
func (r *Relay) consumeProbe(sock *voiceSocket, logger zerolog.Logger) bool {
	for _, probe := range keepAliveProbes {
		if !bytes.Equal(sock.buf[:probeSize], probe) {
			continue
		}
		if err := sock.write(nil); err != nil {
			logger.Debug().Err(err).Msg("keep-alive reply failed")
		}
		remaining := len(sock.buf) - probeSize
		copy(sock.buf, sock.buf[probeSize:])
		sock.buf = sock.buf[:remaining]
		return true
	}
	return false
}

// broadcast forwards one framed packet verbatim to every socket except
// the sender. A failed write removes that one recipient only.
func (r *Relay) broadcast(senderID uint64, frame []byte) {
	r.mu.RLock()
	targets := make([]*voiceSocket, 0, len(r.sockets))
	for id, s := range r.sockets {
		if id != senderID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.write(frame); err != nil {
			r.logger.Warn().
				Uint64("voice_id", s.id).
				Err(err).
				Msg("voice forward failed, removing socket")
			r.remove(s.id)
		}
	}
}

// remove drops a socket from the broadcast set and closes it. Safe to
// call repeatedly.
func (r *Relay) remove(id uint64) {
	r.mu.Lock()
	sock, ok := r.sockets[id]
	if ok {
		delete(r.sockets, id)
	}
	r.mu.Unlock()

	if ok {
		sock.close()
	}
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sockets {
		s.close()
		delete(r.sockets, id)
	}
}
