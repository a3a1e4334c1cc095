package voice

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
)

func startRelay(t *testing.T) *Relay {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.VoicePort = 0

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	relay := NewRelay(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for relay.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("relay did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return relay
}

func dialRelay(t *testing.T, relay *Relay) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", relay.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSockets(t *testing.T, relay *Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for relay.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("socket count = %d, want %d", relay.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// frame builds a length-prefixed voice packet around an RTP payload.
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// rtpPacket builds a minimal valid RTP packet with the given sequence.
func rtpPacket(seq uint16, audio []byte) []byte {
	pkt := make([]byte, rtpHeaderSize+len(audio))
	pkt[0] = 0x80 // version 2
	pkt[1] = 0x00
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[4:8], 12345)
	binary.BigEndian.PutUint32(pkt[8:12], 0xdeadbeef)
	copy(pkt[rtpHeaderSize:], audio)
	return pkt
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read frame length: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return payload
}

func TestRelayForwardsToAllButSender(t *testing.T) {
	relay := startRelay(t)

	sender := dialRelay(t, relay)
	recv1 := dialRelay(t, relay)
	recv2 := dialRelay(t, relay)
	waitForSockets(t, relay, 3)

	payload := rtpPacket(7, []byte{0xaa, 0xbb, 0xcc})
	if _, err := sender.Write(frame(payload)); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	for i, recv := range []net.Conn{recv1, recv2} {
		got := readFrame(t, recv)
		if len(got) != len(payload) {
			t.Fatalf("receiver %d got %d bytes, want %d", i, len(got), len(payload))
		}
		hdr, err := ParseRTPHeader(got)
		if err != nil {
			t.Fatalf("receiver %d: %v", i, err)
		}
		if hdr.Sequence != 7 || hdr.SSRC != 0xdeadbeef {
			t.Errorf("receiver %d header = %+v", i, hdr)
		}
	}

	// No echo back to the sender.
	sender.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var one [1]byte
	if _, err := sender.Read(one[:]); err == nil {
		t.Error("sender received its own frame")
	}
}

func TestRelayHandlesSplitFrames(t *testing.T) {
	relay := startRelay(t)

	sender := dialRelay(t, relay)
	recv := dialRelay(t, relay)
	waitForSockets(t, relay, 2)

	payload := rtpPacket(21, []byte{1, 2, 3, 4, 5})
	full := frame(payload)

	// One byte at a time still yields exactly one forwarded frame.
	for _, b := range full {
		if _, err := sender.Write([]byte{b}); err != nil {
			t.Fatalf("send byte: %v", err)
		}
	}

	got := readFrame(t, recv)
	hdr, err := ParseRTPHeader(got)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Sequence != 21 {
		t.Errorf("sequence = %d, want 21", hdr.Sequence)
	}

	recv.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var one [1]byte
	if _, err := recv.Read(one[:]); err == nil {
		t.Error("received more than one frame")
	}
}

func TestRelayKeepAliveNotForwarded(t *testing.T) {
	relay := startRelay(t)

	sender := dialRelay(t, relay)
	recv := dialRelay(t, relay)
	waitForSockets(t, relay, 2)

	for _, probe := range keepAliveProbes {
		if _, err := sender.Write(probe); err != nil {
			t.Fatalf("send probe: %v", err)
		}
	}

	// Probes never reach other sockets. A real frame sent right after
	// still arrives, proving the probes were consumed cleanly.
	payload := rtpPacket(3, []byte{9})
	if _, err := sender.Write(frame(payload)); err != nil {
		t.Fatal(err)
	}
	got := readFrame(t, recv)
	hdr, err := ParseRTPHeader(got)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Sequence != 3 {
		t.Errorf("sequence = %d, want 3", hdr.Sequence)
	}
}

func TestRelayDropsOversizedFrame(t *testing.T) {
	relay := startRelay(t)

	sender := dialRelay(t, relay)
	waitForSockets(t, relay, 1)

	var huge [4]byte
	binary.BigEndian.PutUint32(huge[:], uint32(relay.cfg.GetServer().VoiceMaxFrame+1))
	if _, err := sender.Write(huge[:]); err != nil {
		t.Fatal(err)
	}

	waitForSockets(t, relay, 0)
}

func TestParseRTPHeader(t *testing.T) {
	pkt := rtpPacket(999, nil)
	pkt[0] |= 0x23 // padding + csrc count 3
	pkt[1] = 0x80 | 0x60

	hdr, err := ParseRTPHeader(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Version != 2 || !hdr.Padding || hdr.CSRCCount != 3 {
		t.Errorf("first octet decoded as %+v", hdr)
	}
	if !hdr.Marker || hdr.PayloadType != 0x60 {
		t.Errorf("second octet decoded as %+v", hdr)
	}
	if hdr.Sequence != 999 || hdr.Timestamp != 12345 || hdr.SSRC != 0xdeadbeef {
		t.Errorf("fields decoded as %+v", hdr)
	}

	if _, err := ParseRTPHeader(make([]byte, 11)); err == nil {
		t.Error("short frame parsed without error")
	}
}
