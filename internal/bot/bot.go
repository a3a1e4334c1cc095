// Package bot runs synthetic chat clients against the local server.
// Each bot is a real protocol client: it dials the chat listener, walks
// the full authentication handshake including the challenge cipher,
// joins a room and produces a trickle of traffic. Used for load and
// smoke testing through the admin API and CLI.
package bot

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
)

const (
	botConnectTimeout    = 10 * time.Second
	botHandshakeTimeout  = 10 * time.Second
	botKeepAliveInterval = 15 * time.Second
	botReconnectDelay    = 10 * time.Second
)

// BotSeedBaseUID is the first seeded bot account uid; bot_N maps to
// BotSeedBaseUID+N.
const BotSeedBaseUID uint32 = 2000

// BotSeedPassword is the password every seeded bot account carries.
const BotSeedPassword = "bot"

var chatter = []string{
	"hello everyone",
	"anyone here from the old network?",
	"mic check",
	"brb",
	"lol",
	"what room is everyone in tonight?",
	"sound is good on my end",
	"back",
}

// Bot is one synthetic client.
type Bot struct {
	tag      string
	nickname string
	uid      uint32
	password string
	roomID   uint32
	addr     string
	logger   zerolog.Logger

	conn net.Conn
	dec  protocol.Decoder
}

func newBot(index int, roomID uint32, addr string, parent zerolog.Logger) *Bot {
	tag := uuid.NewString()
	return &Bot{
		tag:      tag,
		nickname: fmt.Sprintf("bot_%d", index),
		uid:      BotSeedBaseUID + uint32(index),
		password: BotSeedPassword,
		roomID:   roomID,
		addr:     addr,
		logger: parent.With().
			Str("bot", fmt.Sprintf("bot_%d", index)).
			Str("tag", tag[:8]).
			Logger(),
	}
}

// run maintains the bot's connection until ctx is cancelled,
// reconnecting after failures.
func (b *Bot) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := b.connect(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("bot connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(botReconnectDelay):
				continue
			}
		}

		b.loop(ctx)
		b.disconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(botReconnectDelay):
		}
	}
}

// connect dials the chat listener and performs the full handshake.
func (b *Bot) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: botConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("failed to dial chat server at %s: %w", b.addr, err)
	}
	b.conn = conn
	b.dec = protocol.Decoder{}

	if err := b.handshake(); err != nil {
		conn.Close()
		b.conn = nil
		return fmt.Errorf("bot handshake failed: %w", err)
	}

	if err := b.joinRoom(); err != nil {
		conn.Close()
		b.conn = nil
		return fmt.Errorf("bot room join failed: %w", err)
	}

	b.logger.Info().Uint32("room", b.roomID).Msg("bot connected")
	return nil
}

// handshake walks hello, identity lookup, challenge and login.
func (b *Bot) handshake() error {
	if err := b.send(protocol.TypeClientHello,
		protocol.NewPayloadBuilder().PutString("bot "+b.tag[:8]).Build()); err != nil {
		return err
	}
	if _, err := b.expect(protocol.TypeHelloAck); err != nil {
		return err
	}

	if err := b.send(protocol.TypeGetUID,
		protocol.NewPayloadBuilder().PutString(b.nickname).Build()); err != nil {
		return err
	}
	resp, err := b.expect(protocol.TypeUIDResponse)
	if err != nil {
		return err
	}
	uid, err := protocol.NewPayloadReader(resp.Payload).Uint32()
	if err != nil || uid == 0 {
		return fmt.Errorf("nickname %s not known to the server", b.nickname)
	}
	b.uid = uid

	if err := b.send(protocol.TypeRequestChallenge, nil); err != nil {
		return err
	}
	ch, err := b.expect(protocol.TypeChallenge)
	if err != nil {
		return err
	}
	// Decode to prove the cipher path works end to end; the result is
	// not sent back.
	cr := protocol.NewPayloadReader(ch.Payload)
	offset, _ := cr.Uint16()
	digits, _ := cr.String()
	if _, err := protocol.DecodeChallenge(digits, int(offset), 1); err != nil {
		b.logger.Debug().Err(err).Msg("challenge decode failed")
	}

	lb := protocol.NewPayloadBuilder()
	lb.PutUint32(b.uid)
	lb.PutString(b.password)
	if err := b.send(protocol.TypeLogin, lb.Build()); err != nil {
		return err
	}
	if _, err := b.expect(protocol.TypeLoginOK); err != nil {
		return err
	}
	return nil
}

func (b *Bot) joinRoom() error {
	jb := protocol.NewPayloadBuilder()
	jb.PutUint32(b.roomID)
	jb.PutByte(0)
	if err := b.send(protocol.TypeRoomJoin, jb.Build()); err != nil {
		return err
	}
	res, err := b.expect(protocol.TypeRoomJoinResult)
	if err != nil {
		return err
	}
	rr := protocol.NewPayloadReader(res.Payload)
	rr.Uint32()
	if ok, _ := rr.Byte(); ok != 1 {
		return fmt.Errorf("room %d rejected the bot", b.roomID)
	}
	return nil
}

// loop produces keepalives and room chatter until the connection drops.
func (b *Bot) loop(ctx context.Context) {
	keepAlive := time.NewTicker(botKeepAliveInterval)
	defer keepAlive.Stop()
	chat := time.NewTicker(time.Duration(20+rand.Intn(40)) * time.Second)
	defer chat.Stop()

	// Inbound traffic is drained so the server-side write buffer never
	// fills; bots do not react to it.
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			b.conn.SetReadDeadline(time.Time{})
			if _, err := b.conn.Read(buf); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			b.logger.Debug().Err(err).Msg("bot read loop ended")
			return
		case <-keepAlive.C:
			if err := b.send(protocol.TypeKeepAlive, nil); err != nil {
				b.logger.Warn().Err(err).Msg("bot keepalive failed")
				return
			}
		case <-chat.C:
			mb := protocol.NewPayloadBuilder()
			mb.PutUint32(b.roomID)
			mb.PutString(chatter[rand.Intn(len(chatter))])
			if err := b.send(protocol.TypeRoomMessageOut, mb.Build()); err != nil {
				b.logger.Warn().Err(err).Msg("bot room message failed")
				return
			}
		}
	}
}

func (b *Bot) send(ptype int16, payload []byte) error {
	b.conn.SetWriteDeadline(time.Now().Add(botHandshakeTimeout))
	return protocol.WritePacket(b.conn, ptype, payload)
}

// expect reads until a packet of the wanted type arrives. Only used
// during the handshake, where traffic is strictly request/reply.
func (b *Bot) expect(ptype int16) (protocol.Packet, error) {
	deadline := time.Now().Add(botHandshakeTimeout)
	buf := make([]byte, 4096)
	for {
		b.conn.SetReadDeadline(deadline)
		n, err := b.conn.Read(buf)
		if err != nil {
			return protocol.Packet{}, fmt.Errorf("waiting for packet type %d: %w", ptype, err)
		}
		for _, pkt := range b.dec.Feed(buf[:n]) {
			if pkt.Type == ptype {
				return pkt, nil
			}
			if pkt.Type == protocol.TypeLoginFail && ptype == protocol.TypeLoginOK {
				reason, _ := protocol.NewPayloadReader(pkt.Payload).String()
				return protocol.Packet{}, fmt.Errorf("login rejected: %s", reason)
			}
		}
	}
}

func (b *Bot) disconnect() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
