// Package room owns the set of chat rooms: membership, mic grants,
// visibility, and room-scoped broadcast.
package room

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/db"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// Room ratings.
const (
	RatingGeneral = "G"
	RatingAdult   = "A"
	RatingTeen    = "T"
)

// Rating disclaimers shown on join. The teen rating never had one in the
// legacy protocol; that asymmetry is kept.
var disclaimers = map[string]string{
	RatingGeneral: "This room is rated G. All ages are welcome, please keep the conversation family friendly.",
	RatingAdult:   "This room is rated A. You must be 18 or older to remain in this room.",
}

// Member is one user's membership in one room, keyed by uid. It holds no
// owning reference to the user record.
type Member struct {
	UID       uint32
	Nickname  string
	Visible   bool
	Mic       byte
	Pub       byte
	Away      bool
	RoomAdmin bool
}

// Room is a chat channel. Durable rooms come from the repository and
// survive when empty; ephemeral rooms are destroyed with their last
// member. All fields are guarded by the owning Manager.
type Room struct {
	ID       uint32
	Name     string
	Category string
	Rating   string
	Voice    bool
	AutoMic  bool
	Locked   bool
	Password string
	OwnerUID uint32
	Topic    string

	durable bool
	members map[uint32]*Member
}

// JoinOptions carries the optional join parameters.
type JoinOptions struct {
	Visible     bool
	AsRoomAdmin bool
}

// DefaultJoinOptions returns the defaults: visible, not a room admin.
func DefaultJoinOptions() JoinOptions {
	return JoinOptions{Visible: true}
}

// Sender delivers a packet to a user's connection.
type Sender interface {
	SendToUser(uid uint32, ptype int16, payload []byte) error
}

// Manager owns every room and all membership state. One mutex guards
// the whole arena; rooms are referenced by id, never aliased.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[uint32]*Room
	sender Sender
	bus    *events.Bus
	logger zerolog.Logger
}

// NewManager creates an empty Manager.
func NewManager(sender Sender, bus *events.Bus) *Manager {
	return &Manager{
		rooms:  make(map[uint32]*Room),
		sender: sender,
		bus:    bus,
		logger: util.ComponentLogger("rooms"),
	}
}

// LoadDurable installs rooms from repository records. Loaded rooms are
// durable: they stay when their last member leaves.
func (m *Manager) LoadDurable(records []db.RoomRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		m.rooms[rec.ID] = &Room{
			ID:       rec.ID,
			Name:     rec.Name,
			Category: rec.Category,
			Rating:   rec.Rating,
			Voice:    rec.Voice,
			AutoMic:  rec.AutoMic,
			Locked:   rec.Locked,
			Password: rec.Password,
			OwnerUID: rec.OwnerUID,
			Topic:    rec.Topic,
			durable:  true,
			members:  make(map[uint32]*Member),
		}
	}

	m.logger.Info().Int("rooms", len(records)).Msg("durable rooms loaded")
}

// Get returns a room by id.
func (m *Manager) Get(id uint32) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// GetOrCreate returns the room with the given id, creating an ephemeral
// one on demand. Created rooms are owned by the creator and rated G.
func (m *Manager) GetOrCreate(id uint32, name string, ownerUID uint32) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		return r
	}

	r := &Room{
		ID:       id,
		Name:     name,
		Rating:   RatingGeneral,
		OwnerUID: ownerUID,
		members:  make(map[uint32]*Member),
	}
	m.rooms[id] = r
	m.logger.Info().Uint32("room_id", id).Str("name", name).Msg("ephemeral room created")
	return r
}

// Join adds a user to a room. Returns the created membership and true,
// or nil and false when the uid is already a member. The mic grant is
// decided here, in precedence order: room admin in a voice room, then
// the room's auto-mic setting, then none.
func (m *Manager) Join(r *Room, uid uint32, nickname string, opts JoinOptions) (*Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := r.members[uid]; exists {
		return nil, false
	}

	var mic byte
	switch {
	case opts.AsRoomAdmin && r.Voice:
		mic = 1
	case r.AutoMic:
		mic = 1
	}

	member := &Member{
		UID:       uid,
		Nickname:  nickname,
		Visible:   opts.Visible,
		Mic:       mic,
		RoomAdmin: opts.AsRoomAdmin,
	}
	r.members[uid] = member
	return member, true
}

// Leave removes a user's membership. Returns false when the uid was not
// a member. Broadcasting the departure to remaining members is the
// caller's responsibility. An ephemeral room is destroyed with its last
// member.
func (m *Manager) Leave(r *Room, uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(r, uid)
}

func (m *Manager) leaveLocked(r *Room, uid uint32) bool {
	if _, exists := r.members[uid]; !exists {
		return false
	}
	delete(r.members, uid)

	if !r.durable && len(r.members) == 0 {
		delete(m.rooms, r.ID)
		m.logger.Info().Uint32("room_id", r.ID).Msg("ephemeral room destroyed")
		m.bus.Emit(context.Background(), events.Event{
			Type:   events.EventRoomDestroyed,
			Source: "rooms",
			Payload: events.RoomPayload{
				RoomID: r.ID,
				Name:   r.Name,
			},
		})
	}
	return true
}

// RemoveFromAll drops uid from every room it is in and returns the
// affected rooms, for the disconnect path.
func (m *Manager) RemoveFromAll(uid uint32) []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []*Room
	for _, r := range m.rooms {
		if _, ok := r.members[uid]; ok {
			m.leaveLocked(r, uid)
			affected = append(affected, r)
		}
	}
	return affected
}

// Membership returns the membership of uid in r.
func (m *Manager) Membership(r *Room, uid uint32) (*Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := r.members[uid]
	return member, ok
}

// VisibleMemberCount counts only members that joined visibly.
func (m *Manager) VisibleMemberCount(r *Room) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, member := range r.members {
		if member.Visible {
			count++
		}
	}
	return count
}

// Members returns a snapshot of the room's memberships, ordered by uid.
func (m *Manager) Members(r *Room) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// WelcomeText returns the disclaimer for the room's rating; the teen
// rating has none.
func WelcomeText(r *Room) string {
	return disclaimers[r.Rating]
}

// Broadcast sends a packet to every member of r except the sender. The
// recipient set is snapshotted before iterating; a failed write removes
// that member as if it had disconnected and never aborts delivery to
// the rest.
func (m *Manager) Broadcast(r *Room, senderUID uint32, ptype int16, payload []byte) {
	m.mu.RLock()
	recipients := make([]uint32, 0, len(r.members))
	for uid := range r.members {
		if uid != senderUID {
			recipients = append(recipients, uid)
		}
	}
	m.mu.RUnlock()

	var failed []uint32
	for _, uid := range recipients {
		if err := m.sender.SendToUser(uid, ptype, payload); err != nil {
			m.logger.Warn().
				Err(err).
				Uint32("room_id", r.ID).
				Uint32("uid", uid).
				Msg("broadcast write failed, dropping member")
			failed = append(failed, uid)
		}
	}

	for _, uid := range failed {
		m.Leave(r, uid)
	}
}

// RoomInfo is the read-only view exposed to the admin API and CLI.
type RoomInfo struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Rating   string `json:"rating"`
	Voice    bool   `json:"voice"`
	AutoMic  bool   `json:"auto_mic"`
	Locked   bool   `json:"locked"`
	Topic    string `json:"topic"`
	Durable  bool   `json:"durable"`
	Members  int    `json:"members"`
	Visible  int    `json:"visible_members"`
}

// List returns a snapshot of every room, ordered by id.
func (m *Manager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		visible := 0
		for _, member := range r.members {
			if member.Visible {
				visible++
			}
		}
		out = append(out, RoomInfo{
			ID:       r.ID,
			Name:     r.Name,
			Category: r.Category,
			Rating:   r.Rating,
			Voice:    r.Voice,
			AutoMic:  r.AutoMic,
			Locked:   r.Locked,
			Topic:    r.Topic,
			Durable:  r.durable,
			Members:  len(r.members),
			Visible:  visible,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of rooms currently alive.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
