package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/buddy"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/db"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
)

// fakeRepo is an in-memory Repository for session tests.
type fakeRepo struct {
	mu       sync.Mutex
	users    map[uint32]*db.User
	presence map[uint32]uint16
	saved    map[[2]uint32]bool
	offline  []db.OfflineMessage
	nextMsg  int64
}

func newFakeRepo(users ...*db.User) *fakeRepo {
	r := &fakeRepo{
		users:    make(map[uint32]*db.User),
		presence: make(map[uint32]uint16),
		saved:    make(map[[2]uint32]bool),
	}
	for _, u := range users {
		r.users[u.UID] = u
	}
	return r
}

func (r *fakeRepo) FindUserByNickname(nickname string) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Nickname == nickname {
			return u, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) FindUserByUID(uid uint32) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[uid], nil
}

func (r *fakeRepo) LoadRoomsByCategory(string) ([]db.RoomRecord, error) { return nil, nil }

func (r *fakeRepo) RecordPresence(uid uint32, presence uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence[uid] = presence
	return nil
}

func (r *fakeRepo) SaveBuddy(ownerUID, buddyUID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[[2]uint32{ownerUID, buddyUID}] = true
	return nil
}

func (r *fakeRepo) DeleteBuddy(ownerUID, buddyUID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.saved, [2]uint32{ownerUID, buddyUID})
	return nil
}

func (r *fakeRepo) EnqueueOfflineMessage(senderUID, receiverUID uint32, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextMsg++
	r.offline = append(r.offline, db.OfflineMessage{
		ID:          r.nextMsg,
		SenderUID:   senderUID,
		ReceiverUID: receiverUID,
		Content:     content,
	})
	return nil
}

func (r *fakeRepo) DrainOfflineMessages(uid uint32) ([]db.OfflineMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out, rest []db.OfflineMessage
	for _, m := range r.offline {
		if m.ReceiverUID == uid {
			out = append(out, m)
		} else {
			rest = append(rest, m)
		}
	}
	r.offline = rest
	return out, nil
}

func (r *fakeRepo) presenceOf(uid uint32) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence[uid]
}

func (r *fakeRepo) offlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offline)
}

type testEnv struct {
	t        *testing.T
	cfg      *config.Config
	repo     *fakeRepo
	registry *network.Registry
	rooms    *room.Manager
	mgr      *Manager
	bus      *events.Bus
}

func newTestEnv(t *testing.T, repo *fakeRepo) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	registry := network.NewRegistry()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	rooms := room.NewManager(registry, bus)
	buddies := buddy.NewDirectory(registry)
	mgr := NewManager(cfg, repo, registry, rooms, buddies, bus)
	return &testEnv{t: t, cfg: cfg, repo: repo, registry: registry, rooms: rooms, mgr: mgr, bus: bus}
}

// testClient drives one session over a net.Pipe.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	dec   protocol.Decoder
	queue []protocol.Packet
}

func (env *testEnv) connect() *testClient {
	server, client := net.Pipe()
	c := network.NewConnection(server)
	env.registry.Register(c)
	go func() {
		env.mgr.HandleConnection(context.Background(), c)
		env.registry.Unregister(c.ID())
	}()
	tc := &testClient{t: env.t, conn: client}
	env.t.Cleanup(func() { client.Close() })
	return tc
}

func (c *testClient) send(ptype int16, payload []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WritePacket(c.conn, ptype, payload); err != nil {
		c.t.Fatalf("send type %d: %v", ptype, err)
	}
}

// expect reads until a packet of the wanted type arrives, failing after
// the deadline. Unrelated packets in between are discarded.
func (c *testClient) expect(ptype int16) protocol.Packet {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4096)
	for {
		for len(c.queue) > 0 {
			pkt := c.queue[0]
			c.queue = c.queue[1:]
			if pkt.Type == ptype {
				return pkt
			}
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("waiting for type %d: %v", ptype, err)
		}
		c.queue = append(c.queue, c.dec.Feed(buf[:n])...)
	}
}

// expectClosed asserts the server side hangs up.
func (c *testClient) expectClosed() {
	c.t.Helper()
	buf := make([]byte, 64)
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}

func (c *testClient) login(nickname string, uid uint32, password string) {
	c.t.Helper()
	c.send(protocol.TypeClientHello, protocol.NewPayloadBuilder().PutString("test 1.0").Build())
	c.expect(protocol.TypeHelloAck)

	c.send(protocol.TypeGetUID, protocol.NewPayloadBuilder().PutString(nickname).Build())
	c.expect(protocol.TypeUIDResponse)

	c.send(protocol.TypeRequestChallenge, nil)
	c.expect(protocol.TypeChallenge)

	b := protocol.NewPayloadBuilder()
	b.PutUint32(uid)
	b.PutString(password)
	c.send(protocol.TypeLogin, b.Build())
	c.expect(protocol.TypeLoginOK)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testUser(uid uint32, nickname string) *db.User {
	return &db.User{
		UID:      uid,
		Nickname: nickname,
		Password: "pw",
		Blocked:  make(map[uint32]struct{}),
	}
}

func TestHandshakeAndLogin(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"))
	env := newTestEnv(t, repo)
	c := env.connect()

	c.send(protocol.TypeClientHello, protocol.NewPayloadBuilder().PutString("test 1.0").Build())
	ack := c.expect(protocol.TypeHelloAck)
	banner, _ := protocol.NewPayloadReader(ack.Payload).String()
	if banner != env.cfg.GetServer().Banner {
		t.Errorf("banner = %q, want %q", banner, env.cfg.GetServer().Banner)
	}

	c.send(protocol.TypeGetUID, protocol.NewPayloadBuilder().PutString("alice").Build())
	resp := c.expect(protocol.TypeUIDResponse)
	r := protocol.NewPayloadReader(resp.Payload)
	if uid, _ := r.Uint32(); uid != 1001 {
		t.Fatalf("resolved uid = %d, want 1001", uid)
	}

	c.send(protocol.TypeRequestChallenge, nil)
	c.expect(protocol.TypeChallengePending)
	ch := c.expect(protocol.TypeChallenge)
	cr := protocol.NewPayloadReader(ch.Payload)
	offset, _ := cr.Uint16()
	digits, _ := cr.String()
	if _, err := protocol.DecodeChallenge(digits, int(offset),
		env.cfg.GetAuth().ChallengeVariant); err != nil {
		t.Errorf("challenge does not decode: %v", err)
	}

	b := protocol.NewPayloadBuilder()
	b.PutUint32(1001)
	b.PutString("pw")
	c.send(protocol.TypeLogin, b.Build())
	ok := c.expect(protocol.TypeLoginOK)
	or := protocol.NewPayloadReader(ok.Payload)
	if uid, _ := or.Uint32(); uid != 1001 {
		t.Errorf("login uid = %d, want 1001", uid)
	}

	waitFor(t, "online presence persisted", func() bool {
		return repo.presenceOf(1001) == protocol.PresenceOnline
	})
	if !env.registry.IsOnline(1001) {
		t.Error("uid 1001 not bound in registry after login")
	}

	c.send(protocol.TypeKeepAlive, []byte{0x01, 0x02})
	echo := c.expect(protocol.TypeKeepAlive)
	if len(echo.Payload) != 2 || echo.Payload[0] != 0x01 {
		t.Errorf("keepalive echo payload = %v", echo.Payload)
	}
}

func TestLoginRetryBudget(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"))
	env := newTestEnv(t, repo)
	c := env.connect()

	c.send(protocol.TypeClientHello, nil)
	c.expect(protocol.TypeHelloAck)
	c.send(protocol.TypeGetUID, protocol.NewPayloadBuilder().PutString("alice").Build())
	c.expect(protocol.TypeUIDResponse)
	c.send(protocol.TypeRequestChallenge, nil)
	c.expect(protocol.TypeChallenge)

	max := env.cfg.GetAuth().LoginMaxAttempts
	for i := 0; i < max; i++ {
		b := protocol.NewPayloadBuilder()
		b.PutUint32(1001)
		b.PutString("wrong")
		c.send(protocol.TypeLogin, b.Build())
		c.expect(protocol.TypeLoginFail)
	}
	c.expectClosed()

	if env.registry.IsOnline(1001) {
		t.Error("uid bound despite failed logins")
	}
}

func TestUIDLookupUnknownNickname(t *testing.T) {
	env := newTestEnv(t, newFakeRepo())
	c := env.connect()

	c.send(protocol.TypeClientHello, nil)
	c.expect(protocol.TypeHelloAck)
	c.send(protocol.TypeGetUID, protocol.NewPayloadBuilder().PutString("ghost").Build())
	resp := c.expect(protocol.TypeUIDResponse)
	if uid, _ := protocol.NewPayloadReader(resp.Payload).Uint32(); uid != 0 {
		t.Errorf("unknown nickname resolved to uid %d, want 0", uid)
	}
}

func TestPacketsBeforeAuthIgnored(t *testing.T) {
	env := newTestEnv(t, newFakeRepo(testUser(1001, "alice")))
	c := env.connect()

	// Out-of-order traffic is dropped without killing the connection.
	c.send(protocol.TypeRoomJoin, protocol.NewPayloadBuilder().PutUint32(10).Build())
	c.send(protocol.TypeIMOut, protocol.NewPayloadBuilder().PutUint32(1001).PutString("hi").Build())

	c.send(protocol.TypeClientHello, nil)
	c.expect(protocol.TypeHelloAck)
}

func TestInstantMessageDelivery(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"), testUser(1002, "bob"))
	env := newTestEnv(t, repo)

	alice := env.connect()
	alice.login("alice", 1001, "pw")
	bob := env.connect()
	bob.login("bob", 1002, "pw")

	b := protocol.NewPayloadBuilder()
	b.PutUint32(1002)
	b.PutString("hello bob")
	alice.send(protocol.TypeIMOut, b.Build())

	im := bob.expect(protocol.TypeIMIn)
	r := protocol.NewPayloadReader(im.Payload)
	sender, _ := r.Uint32()
	text, _ := r.String()
	if sender != 1001 || text != "hello bob" {
		t.Errorf("got im sender=%d text=%q", sender, text)
	}
}

func TestInstantMessageOfflineQueue(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"), testUser(1002, "bob"))
	env := newTestEnv(t, repo)

	alice := env.connect()
	alice.login("alice", 1001, "pw")

	b := protocol.NewPayloadBuilder()
	b.PutUint32(1002)
	b.PutString("see you later")
	alice.send(protocol.TypeIMOut, b.Build())

	waitFor(t, "offline message queued", func() bool { return repo.offlineCount() == 1 })

	bob := env.connect()
	bob.login("bob", 1002, "pw")
	im := bob.expect(protocol.TypeIMIn)
	r := protocol.NewPayloadReader(im.Payload)
	sender, _ := r.Uint32()
	text, _ := r.String()
	if sender != 1001 || text != "see you later" {
		t.Errorf("queued im sender=%d text=%q", sender, text)
	}
	if repo.offlineCount() != 0 {
		t.Errorf("offline queue not drained, %d left", repo.offlineCount())
	}
}

func TestBlockedSenderSuppressed(t *testing.T) {
	carol := testUser(1003, "carol")
	carol.Blocked[1001] = struct{}{}
	repo := newFakeRepo(testUser(1001, "alice"), carol)
	env := newTestEnv(t, repo)

	alice := env.connect()
	alice.login("alice", 1001, "pw")

	b := protocol.NewPayloadBuilder()
	b.PutUint32(1003)
	b.PutString("let me in")
	alice.send(protocol.TypeIMOut, b.Build())

	// Sender keeps working; nothing is queued for the blocker.
	alice.send(protocol.TypeKeepAlive, nil)
	alice.expect(protocol.TypeKeepAlive)
	if repo.offlineCount() != 0 {
		t.Errorf("blocked message was queued offline")
	}
}

func TestPresenceFanOutOnDisconnect(t *testing.T) {
	bobUser := testUser(1002, "bob")
	bobUser.Buddies = []uint32{1001}
	repo := newFakeRepo(testUser(1001, "alice"), bobUser)
	env := newTestEnv(t, repo)

	bob := env.connect()
	bob.login("bob", 1002, "pw")

	alice := env.connect()
	alice.login("alice", 1001, "pw")

	st := bob.expect(protocol.TypeStatusChange)
	r := protocol.NewPayloadReader(st.Payload)
	uid, _ := r.Uint32()
	code, _ := r.Uint16()
	if uid != 1001 || code != protocol.PresenceOnline {
		t.Fatalf("got status uid=%d code=%#x, want alice online", uid, code)
	}

	alice.conn.Close()
	st = bob.expect(protocol.TypeStatusChange)
	r = protocol.NewPayloadReader(st.Payload)
	uid, _ = r.Uint32()
	code, _ = r.Uint16()
	if uid != 1001 || code != protocol.PresenceOffline {
		t.Fatalf("got status uid=%d code=%#x, want alice offline", uid, code)
	}
	waitFor(t, "offline presence persisted", func() bool {
		return repo.presenceOf(1001) == protocol.PresenceOffline
	})
}

func TestAwayAndBack(t *testing.T) {
	bobUser := testUser(1002, "bob")
	bobUser.Buddies = []uint32{1001}
	repo := newFakeRepo(testUser(1001, "alice"), bobUser)
	env := newTestEnv(t, repo)

	presence := make(chan events.UserPayload, 4)
	env.bus.Subscribe(events.EventPresence, "test.presence",
		func(ctx context.Context, e events.Event) error {
			if p, ok := e.Payload.(events.UserPayload); ok {
				presence <- p
			}
			return nil
		})

	bob := env.connect()
	bob.login("bob", 1002, "pw")
	alice := env.connect()
	alice.login("alice", 1001, "pw")
	bob.expect(protocol.TypeStatusChange) // alice online

	alice.send(protocol.TypeSetAway, nil)
	st := bob.expect(protocol.TypeStatusChange)
	r := protocol.NewPayloadReader(st.Payload)
	r.Uint32()
	if code, _ := r.Uint16(); code != protocol.PresenceAway {
		t.Errorf("away code = %#x, want %#x", code, protocol.PresenceAway)
	}

	alice.send(protocol.TypeSetOnline, nil)
	st = bob.expect(protocol.TypeStatusChange)
	r = protocol.NewPayloadReader(st.Payload)
	r.Uint32()
	if code, _ := r.Uint16(); code != protocol.PresenceOnline {
		t.Errorf("back-online code = %#x, want %#x", code, protocol.PresenceOnline)
	}

	// Both transitions also reach the bus; handler goroutines race, so
	// only the code set is checked.
	seen := make(map[uint16]bool)
	for i := 0; i < 2; i++ {
		select {
		case p := <-presence:
			if p.UID != 1001 {
				t.Errorf("presence event for uid %d, want 1001", p.UID)
			}
			seen[p.Presence] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing presence event on the bus")
		}
	}
	if !seen[protocol.PresenceAway] || !seen[protocol.PresenceOnline] {
		t.Errorf("presence events = %v, want away and online", seen)
	}
}

func TestAddBuddyPersistsAndPushesStatus(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"), testUser(1002, "bob"))
	env := newTestEnv(t, repo)

	bob := env.connect()
	bob.login("bob", 1002, "pw")
	alice := env.connect()
	alice.login("alice", 1001, "pw")

	alice.send(protocol.TypeAddBuddy, protocol.NewPayloadBuilder().PutUint32(1002).Build())
	st := alice.expect(protocol.TypeStatusChange)
	r := protocol.NewPayloadReader(st.Payload)
	uid, _ := r.Uint32()
	code, _ := r.Uint16()
	if uid != 1002 || code != protocol.PresenceOnline {
		t.Errorf("got status uid=%d code=%#x, want bob online", uid, code)
	}
	waitFor(t, "buddy edge persisted", func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.saved[[2]uint32{1001, 1002}]
	})

	// Now bob's disconnect reaches alice.
	bob.conn.Close()
	st = alice.expect(protocol.TypeStatusChange)
	r = protocol.NewPayloadReader(st.Payload)
	uid, _ = r.Uint32()
	code, _ = r.Uint16()
	if uid != 1002 || code != protocol.PresenceOffline {
		t.Errorf("got status uid=%d code=%#x, want bob offline", uid, code)
	}
}

func TestRoomJoinMessageLeave(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"), testUser(1002, "bob"))
	env := newTestEnv(t, repo)
	env.rooms.LoadDurable([]db.RoomRecord{{
		ID: 10, Name: "Lobby", Category: "General", Rating: "G",
		Voice: true, AutoMic: true,
	}})

	alice := env.connect()
	alice.login("alice", 1001, "pw")
	alice.send(protocol.TypeRoomJoin,
		protocol.NewPayloadBuilder().PutUint32(10).PutByte(0).Build())
	res := alice.expect(protocol.TypeRoomJoinResult)
	r := protocol.NewPayloadReader(res.Payload)
	r.Uint32()
	okByte, _ := r.Byte()
	welcome, _ := r.String()
	if okByte != 1 {
		t.Fatal("join rejected")
	}
	if welcome == "" {
		t.Error("rated room has no welcome text")
	}

	bob := env.connect()
	bob.login("bob", 1002, "pw")
	bob.send(protocol.TypeRoomJoin,
		protocol.NewPayloadBuilder().PutUint32(10).PutByte(0).Build())
	bob.expect(protocol.TypeRoomJoinResult)

	// Bob sees alice in the list, alice sees bob arrive.
	list := bob.expect(protocol.TypeUserListUpdate)
	lr := protocol.NewPayloadReader(list.Payload)
	lr.Uint32()
	if uid, _ := lr.Uint32(); uid != 1001 {
		t.Errorf("bob's user list shows uid %d, want 1001", uid)
	}
	arrived := alice.expect(protocol.TypeUserListUpdate)
	ar := protocol.NewPayloadReader(arrived.Payload)
	ar.Uint32()
	if uid, _ := ar.Uint32(); uid != 1002 {
		t.Errorf("alice saw uid %d arrive, want 1002", uid)
	}

	bob.send(protocol.TypeRoomMessageOut,
		protocol.NewPayloadBuilder().PutUint32(10).PutString("hello room").Build())
	msg := alice.expect(protocol.TypeRoomMessageIn)
	mr := protocol.NewPayloadReader(msg.Payload)
	mr.Uint32()
	sender, _ := mr.Uint32()
	text, _ := mr.String()
	if sender != 1002 || text != "hello room" {
		t.Errorf("room message sender=%d text=%q", sender, text)
	}

	bob.send(protocol.TypeRoomLeave, protocol.NewPayloadBuilder().PutUint32(10).Build())
	left := alice.expect(protocol.TypeUserLeft)
	fr := protocol.NewPayloadReader(left.Payload)
	fr.Uint32()
	if uid, _ := fr.Uint32(); uid != 1002 {
		t.Errorf("user-left uid = %d, want 1002", uid)
	}
}

func TestLockedRoomNeedsPassword(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"))
	env := newTestEnv(t, repo)
	env.rooms.LoadDurable([]db.RoomRecord{{
		ID: 20, Name: "Private", Category: "General", Rating: "G",
		Locked: true, Password: "sesame",
	}})

	alice := env.connect()
	alice.login("alice", 1001, "pw")

	alice.send(protocol.TypeRoomJoin,
		protocol.NewPayloadBuilder().PutUint32(20).PutByte(0).PutString("nope").Build())
	res := alice.expect(protocol.TypeRoomJoinResult)
	r := protocol.NewPayloadReader(res.Payload)
	r.Uint32()
	if okByte, _ := r.Byte(); okByte != 0 {
		t.Fatal("join with wrong password accepted")
	}

	alice.send(protocol.TypeRoomJoin,
		protocol.NewPayloadBuilder().PutUint32(20).PutByte(0).PutString("sesame").Build())
	res = alice.expect(protocol.TypeRoomJoinResult)
	r = protocol.NewPayloadReader(res.Payload)
	r.Uint32()
	if okByte, _ := r.Byte(); okByte != 1 {
		t.Fatal("join with correct password rejected")
	}
}

func TestDuplicateLoginEvictsPrevious(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"))
	env := newTestEnv(t, repo)

	first := env.connect()
	first.login("alice", 1001, "pw")

	second := env.connect()
	second.login("alice", 1001, "pw")

	first.expectClosed()
	if !env.registry.IsOnline(1001) {
		t.Error("uid 1001 should stay online through the new session")
	}

	// The replacement session is fully functional.
	second.send(protocol.TypeKeepAlive, nil)
	second.expect(protocol.TypeKeepAlive)
}

func TestBuddyLoginAnnouncedExactlyOnce(t *testing.T) {
	bobUser := testUser(1002, "bob")
	bobUser.Buddies = []uint32{1001}
	repo := newFakeRepo(testUser(1001, "alice"), bobUser)
	env := newTestEnv(t, repo)

	bob := env.connect()
	bob.login("bob", 1002, "pw")
	alice := env.connect()
	alice.login("alice", 1001, "pw")
	alice.conn.Close()

	// Drain bob's status stream until alice's disconnect arrives. Her
	// login fan-out and bob's own presence push overlap, so count every
	// online notification seen along the way.
	var codes []uint16
	for {
		st := bob.expect(protocol.TypeStatusChange)
		r := protocol.NewPayloadReader(st.Payload)
		uid, _ := r.Uint32()
		code, _ := r.Uint16()
		if uid != 1001 {
			continue
		}
		codes = append(codes, code)
		if code == protocol.PresenceOffline {
			break
		}
	}

	online := 0
	for _, code := range codes {
		if code == protocol.PresenceOnline {
			online++
		}
	}
	if online != 1 {
		t.Errorf("alice online announced %d times, want exactly once (codes %#v)", online, codes)
	}
}

func TestStalledRoomMemberDoesNotBlockOthers(t *testing.T) {
	repo := newFakeRepo(testUser(1001, "alice"), testUser(1002, "bob"), testUser(1003, "carol"))
	env := newTestEnv(t, repo)
	env.rooms.LoadDurable([]db.RoomRecord{{
		ID: 10, Name: "Lobby", Category: "General", Rating: "G",
	}})

	join := func(c *testClient) {
		c.send(protocol.TypeRoomJoin,
			protocol.NewPayloadBuilder().PutUint32(10).PutByte(0).Build())
		c.expect(protocol.TypeRoomJoinResult)
	}

	alice := env.connect()
	alice.login("alice", 1001, "pw")
	join(alice)
	bob := env.connect()
	bob.login("bob", 1002, "pw")
	join(bob)
	carol := env.connect()
	carol.login("carol", 1003, "pw")
	join(carol)

	// Carol stops reading entirely. The broadcast to her must queue, not
	// stall alice's session, and bob must still get the message well
	// inside the expect deadline.
	alice.send(protocol.TypeRoomMessageOut,
		protocol.NewPayloadBuilder().PutUint32(10).PutString("anyone here").Build())

	msg := bob.expect(protocol.TypeRoomMessageIn)
	r := protocol.NewPayloadReader(msg.Payload)
	r.Uint32()
	sender, _ := r.Uint32()
	text, _ := r.String()
	if sender != 1001 || text != "anyone here" {
		t.Errorf("room message sender=%d text=%q", sender, text)
	}
}
