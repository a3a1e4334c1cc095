package buddy

import (
	"testing"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
)

// fakeSender records deliveries per uid and treats unknown uids as
// offline.
type fakeSender struct {
	online map[uint32]bool
	sent   map[uint32][][]byte
}

func newFakeSender(online ...uint32) *fakeSender {
	s := &fakeSender{
		online: make(map[uint32]bool),
		sent:   make(map[uint32][][]byte),
	}
	for _, uid := range online {
		s.online[uid] = true
	}
	return s
}

func (s *fakeSender) SendToUser(uid uint32, ptype int16, payload []byte) error {
	if !s.online[uid] {
		return errOffline
	}
	s.sent[uid] = append(s.sent[uid], payload)
	return nil
}

var errOffline = &offlineError{}

type offlineError struct{}

func (*offlineError) Error() string { return "offline" }

func TestAddRemoveBuddyEdgeSemantics(t *testing.T) {
	d := NewDirectory(newFakeSender())

	if !d.AddBuddy(1, 2) {
		t.Fatal("first AddBuddy returned false")
	}
	if d.AddBuddy(1, 2) {
		t.Error("duplicate AddBuddy returned true")
	}
	if !d.RemoveBuddy(1, 2) {
		t.Error("RemoveBuddy of existing edge returned false")
	}
	if d.RemoveBuddy(1, 2) {
		t.Error("RemoveBuddy of missing edge returned true")
	}
	if !d.AddBuddy(1, 2) {
		t.Error("re-add after remove returned false")
	}
}

func TestPresenceFanOutUsesReverseIndex(t *testing.T) {
	sender := newFakeSender(1, 3)
	d := NewDirectory(sender)

	// 1 and 3 watch 2; 2 watches 1 (forward edge must not be used).
	d.AddBuddy(1, 2)
	d.AddBuddy(3, 2)
	d.AddBuddy(2, 1)

	d.OnPresenceChange(2, protocol.PresenceOnline)

	for _, watcher := range []uint32{1, 3} {
		got := sender.sent[watcher]
		if len(got) != 1 {
			t.Fatalf("watcher %d received %d packets, want 1", watcher, len(got))
		}
		r := protocol.NewPayloadReader(got[0])
		uid, _ := r.Uint32()
		code, _ := r.Uint16()
		if uid != 2 || code != protocol.PresenceOnline {
			t.Errorf("watcher %d got uid=%d code=%#x", watcher, uid, code)
		}
	}
	if len(sender.sent[2]) != 0 {
		t.Error("subject of the presence change received its own notification")
	}
}

func TestPresenceFanOutSkipsOfflineWatchers(t *testing.T) {
	sender := newFakeSender(1) // 3 is offline
	d := NewDirectory(sender)
	d.AddBuddy(1, 2)
	d.AddBuddy(3, 2)

	d.OnPresenceChange(2, protocol.PresenceOnline)
	d.OnPresenceChange(2, protocol.PresenceOffline)

	if len(sender.sent[1]) != 2 {
		t.Fatalf("online watcher received %d packets, want 2", len(sender.sent[1]))
	}
	if len(sender.sent[3]) != 0 {
		t.Error("offline watcher received packets")
	}

	r := protocol.NewPayloadReader(sender.sent[1][1])
	uid, _ := r.Uint32()
	code, _ := r.Uint16()
	if uid != 2 || code != protocol.PresenceOffline {
		t.Errorf("second packet: uid=%d code=%#x, want uid=2 code=0", uid, code)
	}
}

func TestPushCurrentPresenceSkipsOfflineBuddies(t *testing.T) {
	sender := newFakeSender(5)
	d := NewDirectory(sender)
	d.Load(5, []uint32{7, 8, 9})

	presence := map[uint32]uint16{
		7: protocol.PresenceOnline,
		8: protocol.PresenceOffline,
		9: protocol.PresenceAway,
	}
	d.PushCurrentPresence(5, func(uid uint32) uint16 { return presence[uid] })

	if len(sender.sent[5]) != 2 {
		t.Fatalf("login push delivered %d packets, want 2", len(sender.sent[5]))
	}

	got := make(map[uint32]uint16)
	for _, payload := range sender.sent[5] {
		r := protocol.NewPayloadReader(payload)
		uid, _ := r.Uint32()
		code, _ := r.Uint16()
		got[uid] = code
	}
	if got[7] != protocol.PresenceOnline || got[9] != protocol.PresenceAway {
		t.Errorf("pushed presence = %#v", got)
	}
	if _, pushed := got[8]; pushed {
		t.Error("offline buddy was pushed at login")
	}
}

func TestPresenceDeliveredOncePerTransition(t *testing.T) {
	sender := newFakeSender(5)
	d := NewDirectory(sender)
	d.Load(5, []uint32{7})

	online := func(uint32) uint16 { return protocol.PresenceOnline }

	// The fan-out of 7's login and 5's own presence push report the same
	// transition; the second delivery is suppressed.
	d.OnPresenceChange(7, protocol.PresenceOnline)
	d.PushCurrentPresence(5, online)
	if len(sender.sent[5]) != 1 {
		t.Fatalf("watcher received %d packets, want 1", len(sender.sent[5]))
	}

	// Same in the other order.
	d.ResetDelivery(5)
	d.PushCurrentPresence(5, online)
	d.OnPresenceChange(7, protocol.PresenceOnline)
	if len(sender.sent[5]) != 2 {
		t.Fatalf("watcher received %d packets total, want 2", len(sender.sent[5]))
	}

	// A real transition still goes through.
	d.OnPresenceChange(7, protocol.PresenceAway)
	d.OnPresenceChange(7, protocol.PresenceOnline)
	if len(sender.sent[5]) != 4 {
		t.Fatalf("watcher received %d packets total, want 4", len(sender.sent[5]))
	}

	// A fresh session starts with a clean slate.
	d.ResetDelivery(5)
	d.PushCurrentPresence(5, online)
	if len(sender.sent[5]) != 5 {
		t.Fatalf("watcher received %d packets total, want 5", len(sender.sent[5]))
	}
}

func TestLoadMergesWithoutDuplicating(t *testing.T) {
	d := NewDirectory(newFakeSender())
	d.Load(1, []uint32{2, 3})
	d.Load(1, []uint32{3, 4})

	buddies := d.Buddies(1)
	want := []uint32{2, 3, 4}
	if len(buddies) != len(want) {
		t.Fatalf("got %v want %v", buddies, want)
	}
	for i := range want {
		if buddies[i] != want[i] {
			t.Fatalf("got %v want %v", buddies, want)
		}
	}
}
