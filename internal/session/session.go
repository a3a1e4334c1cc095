// Package session implements the per-connection authentication state
// machine and dispatches authenticated traffic to the room manager and
// the buddy directory.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/buddy"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/db"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// AuthState is the authentication sub-state of one connection.
type AuthState int

const (
	StateNew AuthState = iota
	StateHelloSent
	StateIdentityResolved
	StateChallengeIssued
	StateAuthenticated
	StateClosed
)

var authStateNames = map[AuthState]string{
	StateNew:              "new",
	StateHelloSent:        "hello_sent",
	StateIdentityResolved: "identity_resolved",
	StateChallengeIssued:  "challenge_issued",
	StateAuthenticated:    "authenticated",
	StateClosed:           "closed",
}

// String returns the state name.
func (s AuthState) String() string {
	if name, ok := authStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Repository is the user/room persistence the session layer consumes.
// *db.Store satisfies it; the core never depends on how it persists.
type Repository interface {
	FindUserByNickname(nickname string) (*db.User, error)
	FindUserByUID(uid uint32) (*db.User, error)
	LoadRoomsByCategory(category string) ([]db.RoomRecord, error)
	RecordPresence(uid uint32, presence uint16) error
	SaveBuddy(ownerUID, buddyUID uint32) error
	DeleteBuddy(ownerUID, buddyUID uint32) error
	EnqueueOfflineMessage(senderUID, receiverUID uint32, content string) error
	DrainOfflineMessages(uid uint32) ([]db.OfflineMessage, error)
}

// Manager drives every chat session. It implements
// network.SessionHandler.
type Manager struct {
	cfg      *config.Config
	repo     Repository
	registry *network.Registry
	rooms    *room.Manager
	buddies  *buddy.Directory
	bus      *events.Bus
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[uint32]*Session // authenticated sessions by uid
}

// NewManager wires the session layer to its collaborators.
func NewManager(cfg *config.Config, repo Repository, registry *network.Registry,
	rooms *room.Manager, buddies *buddy.Directory, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		rooms:    rooms,
		buddies:  buddies,
		bus:      bus,
		logger:   util.ComponentLogger("session"),
		sessions: make(map[uint32]*Session),
	}
}

// Session is the protocol state for one connection.
type Session struct {
	mgr  *Manager
	conn *network.Connection

	state   AuthState
	version int16

	pending *db.User // identity resolved during handshake
	user    *db.User // set once authenticated

	challenge       string
	challengeOffset int
	variant         int
	loginAttempts   int

	away bool

	logger   zerolog.Logger
	teardown sync.Once
}

// HandleConnection runs the read loop for one accepted connection until
// it closes. Cleanup is guaranteed to run exactly once, even when close
// races with an in-flight broadcast.
func (m *Manager) HandleConnection(ctx context.Context, conn *network.Connection) {
	s := &Session{
		mgr:     m,
		conn:    conn,
		state:   StateNew,
		variant: m.cfg.GetAuth().ChallengeVariant,
		logger: m.logger.With().
			Uint64("conn_id", conn.ID()).
			Logger(),
	}
	defer s.close(ctx)

	handshakeTimeout := time.Duration(m.cfg.GetAuth().HandshakeTimeoutSec) * time.Second

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Only the handshake is subject to a timeout; authenticated
		// sessions may idle indefinitely.
		var deadline time.Duration
		if s.state != StateAuthenticated {
			deadline = handshakeTimeout
		}

		packets, err := conn.Read(buf, deadline)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Policy: no user-visible error packet on handshake timeout.
				s.logger.Warn().
					Str("state", s.state.String()).
					Msg("handshake timed out")
				return
			}
			if !errors.Is(err, io.EOF) && !conn.IsClosed() {
				s.logger.Debug().Err(err).Msg("read error, closing session")
			}
			return
		}

		for _, pkt := range packets {
			if fatal := s.handlePacket(ctx, pkt); fatal {
				return
			}
		}
	}
}

// close tears the session down: leave every room, notify buddies that
// the user went offline, and drop the uid binding. Idempotent.
func (s *Session) close(ctx context.Context) {
	s.teardown.Do(func() {
		s.conn.Close()

		user := s.user
		s.state = StateClosed
		if user == nil {
			return
		}

		s.mgr.mu.Lock()
		current := s.mgr.sessions[user.UID] == s
		if current {
			delete(s.mgr.sessions, user.UID)
		}
		s.mgr.mu.Unlock()

		// An evicted session must not announce the account offline: the
		// uid is still live on its replacement connection.
		if !current {
			s.logger.Info().
				Uint32("uid", user.UID).
				Msg("evicted session closed")
			return
		}

		for _, r := range s.mgr.rooms.RemoveFromAll(user.UID) {
			s.mgr.rooms.Broadcast(r, user.UID, protocol.TypeUserLeft,
				protocol.BuildUserLeft(r.ID, user.UID, user.Nickname))
		}

		s.mgr.buddies.OnPresenceChange(user.UID, protocol.PresenceOffline)

		// Fire-and-forget: presence persistence never blocks teardown.
		if err := s.mgr.repo.RecordPresence(user.UID, protocol.PresenceOffline); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist offline presence")
		}

		s.mgr.bus.Emit(ctx, events.Event{
			Type:   events.EventUserLogout,
			Source: "session",
			Payload: events.UserPayload{
				UID:      user.UID,
				Nickname: user.Nickname,
				Presence: protocol.PresenceOffline,
			},
		})

		s.logger.Info().
			Uint32("uid", user.UID).
			Str("nickname", user.Nickname).
			Msg("session closed")
	})
}

// send writes one packet to this session's connection.
func (s *Session) send(ptype int16, payload []byte) error {
	return s.conn.Send(ptype, payload)
}

// PresenceCode returns the live presence code for a uid: offline when
// not connected, away when the session flagged itself away, online
// otherwise.
func (m *Manager) PresenceCode(uid uint32) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[uid]
	if !ok {
		return protocol.PresenceOffline
	}
	if s.away {
		return protocol.PresenceAway
	}
	return protocol.PresenceOnline
}

// UserInfo is the read-only session view for the admin API and CLI.
type UserInfo struct {
	UID      uint32 `json:"uid"`
	Nickname string `json:"nickname"`
	Presence string `json:"presence"`
	ConnID   uint64 `json:"conn_id"`
	Remote   string `json:"remote"`
}

// OnlineUsers returns a snapshot of every authenticated session.
func (m *Manager) OnlineUsers() []UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UserInfo, 0, len(m.sessions))
	for uid, s := range m.sessions {
		presence := "online"
		if s.away {
			presence = "away"
		}
		out = append(out, UserInfo{
			UID:      uid,
			Nickname: s.user.Nickname,
			Presence: presence,
			ConnID:   s.conn.ID(),
			Remote:   s.conn.RemoteAddr().String(),
		})
	}
	return out
}

// CountOnline returns the number of authenticated sessions.
func (m *Manager) CountOnline() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// BroadcastSystem delivers a system notice (sender uid 0) to every
// authenticated session. Used by the CLI and admin API.
func (m *Manager) BroadcastSystem(text string) int {
	payload := protocol.BuildIM(0, text)

	m.mu.RLock()
	uids := make([]uint32, 0, len(m.sessions))
	for uid := range m.sessions {
		uids = append(uids, uid)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, uid := range uids {
		if err := m.registry.SendToUser(uid, protocol.TypeIMIn, payload); err == nil {
			delivered++
		}
	}
	return delivered
}
