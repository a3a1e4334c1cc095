package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/db"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
)

type fakeSender struct {
	failing map[uint32]bool
	sent    map[uint32]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failing: make(map[uint32]bool),
		sent:    make(map[uint32]int),
	}
}

func (s *fakeSender) SendToUser(uid uint32, ptype int16, payload []byte) error {
	if s.failing[uid] {
		return errors.New("write failed")
	}
	s.sent[uid]++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeSender) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	sender := newFakeSender()
	return NewManager(sender, bus), sender
}

func durableRoom(m *Manager, rec db.RoomRecord) *Room {
	m.LoadDurable([]db.RoomRecord{rec})
	r, _ := m.Get(rec.ID)
	return r
}

func TestJoinDuplicateFails(t *testing.T) {
	m, _ := newTestManager(t)
	r := durableRoom(m, db.RoomRecord{ID: 1, Name: "Lobby", Rating: "G"})

	if _, ok := m.Join(r, 100, "blue", DefaultJoinOptions()); !ok {
		t.Fatal("first join failed")
	}
	if _, ok := m.Join(r, 100, "blue", DefaultJoinOptions()); ok {
		t.Error("duplicate join succeeded")
	}
	if !m.Leave(r, 100) {
		t.Fatal("leave failed")
	}
	if _, ok := m.Join(r, 100, "blue", DefaultJoinOptions()); !ok {
		t.Error("rejoin after leave failed")
	}
}

func TestMicGrantPolicy(t *testing.T) {
	tests := []struct {
		name        string
		voice       bool
		autoMic     bool
		asRoomAdmin bool
		wantMic     byte
	}{
		{"admin in voice room", true, false, true, 1},
		{"auto mic room", false, true, false, 1},
		{"plain member plain room", false, false, false, 0},
		{"admin without voice or auto mic", false, false, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			r := durableRoom(m, db.RoomRecord{
				ID: 1, Name: "Test", Rating: "G",
				Voice: tt.voice, AutoMic: tt.autoMic,
			})

			opts := DefaultJoinOptions()
			opts.AsRoomAdmin = tt.asRoomAdmin
			member, ok := m.Join(r, 1, "u", opts)
			if !ok {
				t.Fatal("join failed")
			}
			if member.Mic != tt.wantMic {
				t.Errorf("mic = %d, want %d", member.Mic, tt.wantMic)
			}
			if member.Pub != 0 || member.Away {
				t.Error("new member must start with pub=0, away=false")
			}
		})
	}
}

func TestVisibleMemberCount(t *testing.T) {
	m, _ := newTestManager(t)
	r := durableRoom(m, db.RoomRecord{ID: 1, Name: "Lobby", Rating: "G"})

	m.Join(r, 1, "a", DefaultJoinOptions())
	m.Join(r, 2, "b", DefaultJoinOptions())
	invisible := DefaultJoinOptions()
	invisible.Visible = false
	m.Join(r, 3, "c", invisible)

	if got := m.VisibleMemberCount(r); got != 2 {
		t.Errorf("visible count = %d, want 2", got)
	}
	if got := len(m.Members(r)); got != 3 {
		t.Errorf("total members = %d, want 3", got)
	}
}

func TestWelcomeText(t *testing.T) {
	for rating, wantEmpty := range map[string]bool{"G": false, "A": false, "T": true} {
		r := &Room{Rating: rating}
		text := WelcomeText(r)
		if wantEmpty && text != "" {
			t.Errorf("rating %s: unexpected disclaimer %q", rating, text)
		}
		if !wantEmpty && text == "" {
			t.Errorf("rating %s: missing disclaimer", rating)
		}
	}
}

func TestBroadcastExcludesSenderAndDropsFailures(t *testing.T) {
	m, sender := newTestManager(t)
	r := durableRoom(m, db.RoomRecord{ID: 1, Name: "Lobby", Rating: "G"})

	for uid := uint32(1); uid <= 4; uid++ {
		m.Join(r, uid, "u", DefaultJoinOptions())
	}
	sender.failing[3] = true

	m.Broadcast(r, 1, protocol.TypeRoomMessageIn, protocol.BuildRoomMessage(1, 1, "hi"))

	if sender.sent[1] != 0 {
		t.Error("sender received its own broadcast")
	}
	for _, uid := range []uint32{2, 4} {
		if sender.sent[uid] != 1 {
			t.Errorf("uid %d received %d packets, want 1", uid, sender.sent[uid])
		}
	}
	if _, stillMember := m.Membership(r, 3); stillMember {
		t.Error("failed recipient was not removed from the room")
	}
	if _, stillMember := m.Membership(r, 2); !stillMember {
		t.Error("healthy recipient was removed")
	}
}

func TestEphemeralRoomDestroyedWithLastMember(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	destroyed := make(chan events.Event, 1)
	bus.Subscribe(events.EventRoomDestroyed, "test.roomDestroyed",
		func(ctx context.Context, e events.Event) error {
			destroyed <- e
			return nil
		})

	m := NewManager(newFakeSender(), bus)
	r := m.GetOrCreate(77, "popup", 9)

	m.Join(r, 9, "owner", DefaultJoinOptions())
	m.Join(r, 10, "guest", DefaultJoinOptions())

	m.Leave(r, 9)
	if _, ok := m.Get(77); !ok {
		t.Fatal("ephemeral room destroyed while still occupied")
	}
	select {
	case <-destroyed:
		t.Fatal("destroy event published while the room was occupied")
	case <-time.After(50 * time.Millisecond):
	}

	m.Leave(r, 10)
	if _, ok := m.Get(77); ok {
		t.Error("ephemeral room survived its last member")
	}

	select {
	case e := <-destroyed:
		p, ok := e.Payload.(events.RoomPayload)
		if !ok || p.RoomID != 77 || p.Name != "popup" {
			t.Errorf("destroy event payload = %#v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no room-destroyed event published")
	}
}

func TestDurableRoomSurvivesEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	r := durableRoom(m, db.RoomRecord{ID: 5, Name: "Lobby", Rating: "G"})

	m.Join(r, 1, "a", DefaultJoinOptions())
	m.Leave(r, 1)

	if _, ok := m.Get(5); !ok {
		t.Error("durable room destroyed when empty")
	}
}

func TestRemoveFromAll(t *testing.T) {
	m, _ := newTestManager(t)
	r1 := durableRoom(m, db.RoomRecord{ID: 1, Name: "One", Rating: "G"})
	m.LoadDurable([]db.RoomRecord{{ID: 2, Name: "Two", Rating: "G"}})
	r2, _ := m.Get(2)

	m.Join(r1, 42, "u", DefaultJoinOptions())
	m.Join(r2, 42, "u", DefaultJoinOptions())
	m.Join(r2, 43, "v", DefaultJoinOptions())

	affected := m.RemoveFromAll(42)
	if len(affected) != 2 {
		t.Fatalf("affected %d rooms, want 2", len(affected))
	}
	if _, ok := m.Membership(r1, 42); ok {
		t.Error("uid still member of room 1")
	}
	if _, ok := m.Membership(r2, 43); !ok {
		t.Error("unrelated membership removed")
	}
}
