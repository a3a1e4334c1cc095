package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
)

// handlePacket dispatches a single packet. The return value reports a
// fatal condition: the read loop closes the session when it is true.
// Malformed or unexpected packets are logged and ignored, never fatal.
func (s *Session) handlePacket(ctx context.Context, pkt protocol.Packet) bool {
	switch pkt.Type {
	case protocol.TypeClientHello:
		return s.handleHello(pkt)
	case protocol.TypeGetUID:
		return s.handleGetUID(pkt)
	case protocol.TypeRequestChallenge:
		return s.handleRequestChallenge(pkt)
	case protocol.TypeLogin:
		return s.handleLogin(ctx, pkt)
	case protocol.TypeKeepAlive:
		// Echoed back verbatim in every state.
		return s.send(protocol.TypeKeepAlive, pkt.Payload) != nil
	}

	if s.state != StateAuthenticated {
		s.logger.Warn().
			Int16("type", pkt.Type).
			Str("state", s.state.String()).
			Msg("packet before authentication, ignoring")
		return false
	}

	switch pkt.Type {
	case protocol.TypeAddBuddy:
		s.handleAddBuddy(pkt)
	case protocol.TypeRemoveBuddy:
		s.handleRemoveBuddy(pkt)
	case protocol.TypeSetAway:
		s.setPresence(ctx, true)
	case protocol.TypeSetOnline:
		s.setPresence(ctx, false)
	case protocol.TypeIMOut:
		s.handleIM(pkt)
	case protocol.TypeRoomJoin:
		s.handleRoomJoin(ctx, pkt)
	case protocol.TypeRoomLeave:
		s.handleRoomLeave(ctx, pkt)
	case protocol.TypeRoomMessageOut:
		s.handleRoomMessage(pkt)
	default:
		s.logger.Warn().
			Int16("type", pkt.Type).
			Msg("unknown packet type, ignoring")
	}
	return false
}

// ---- Handshake ----

func (s *Session) handleHello(pkt protocol.Packet) bool {
	if s.state != StateNew {
		s.logger.Warn().Str("state", s.state.String()).Msg("duplicate hello, ignoring")
		return false
	}
	s.version = pkt.Version
	if err := s.send(protocol.TypeHelloAck,
		protocol.BuildHelloAck(s.mgr.cfg.GetServer().Banner)); err != nil {
		return true
	}
	s.state = StateHelloSent
	return false
}

func (s *Session) handleGetUID(pkt protocol.Packet) bool {
	if s.state != StateHelloSent {
		s.logger.Warn().Str("state", s.state.String()).Msg("uid lookup out of order, ignoring")
		return false
	}

	nickname, _ := protocol.NewPayloadReader(pkt.Payload).String()
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		s.logger.Warn().Msg("empty nickname in uid lookup")
		return s.send(protocol.TypeUIDResponse, protocol.BuildUIDResponse(0, "")) != nil
	}

	user, err := s.mgr.repo.FindUserByNickname(nickname)
	if err != nil {
		// Repository outage: generic failure, the connection stays usable.
		s.logger.Error().Err(err).Msg("repository unavailable during uid lookup")
		return s.send(protocol.TypeUIDResponse, protocol.BuildUIDResponse(0, nickname)) != nil
	}
	if user == nil {
		s.logger.Info().Str("nickname", nickname).Msg("uid lookup for unknown nickname")
		return s.send(protocol.TypeUIDResponse, protocol.BuildUIDResponse(0, nickname)) != nil
	}

	s.pending = user
	s.state = StateIdentityResolved
	return s.send(protocol.TypeUIDResponse,
		protocol.BuildUIDResponse(user.UID, user.Nickname)) != nil
}

func (s *Session) handleRequestChallenge(pkt protocol.Packet) bool {
	if s.state != StateIdentityResolved {
		s.logger.Warn().Str("state", s.state.String()).Msg("challenge request out of order, ignoring")
		return false
	}

	if len(pkt.Payload) > 0 {
		if v, err := protocol.NewPayloadReader(pkt.Payload).Byte(); err == nil && v >= 1 && v <= 3 {
			s.variant = int(v)
		}
	}

	// The token itself is throwaway; the client proves it can run the
	// cipher, credentials are checked at login.
	s.challenge = strings.ReplaceAll(uuid.NewString()[:13], "-", "")
	s.challengeOffset = rand.Intn(protocol.ReferenceTextLen - 2*len(s.challenge))

	digits, err := protocol.EncodeChallenge(s.challenge, s.challengeOffset, s.variant)
	if err != nil {
		s.logger.Error().Err(err).Int("variant", s.variant).Msg("challenge encoding failed")
		return true
	}

	if err := s.send(protocol.TypeChallengePending, nil); err != nil {
		return true
	}
	if err := s.send(protocol.TypeChallenge,
		protocol.BuildChallenge(uint16(s.challengeOffset), digits)); err != nil {
		return true
	}
	s.state = StateChallengeIssued
	return false
}

func (s *Session) handleLogin(ctx context.Context, pkt protocol.Packet) bool {
	if s.state != StateChallengeIssued {
		s.logger.Warn().Str("state", s.state.String()).Msg("login out of order, ignoring")
		return false
	}

	r := protocol.NewPayloadReader(pkt.Payload)
	uid, err := r.Uint32()
	if err != nil {
		return s.loginFailed("malformed login")
	}
	password, _ := r.String()

	user, repoErr := s.mgr.repo.FindUserByUID(uid)
	if repoErr != nil {
		s.logger.Error().Err(repoErr).Msg("repository unavailable during login")
		return s.loginFailed("login failed")
	}
	if user == nil || user.Password != password {
		s.logger.Warn().Uint32("uid", uid).Msg("login rejected, bad credentials")
		return s.loginFailed("invalid credentials")
	}
	if s.pending != nil && s.pending.UID != user.UID {
		s.logger.Warn().
			Uint32("resolved_uid", s.pending.UID).
			Uint32("login_uid", user.UID).
			Msg("login uid does not match resolved identity")
		return s.loginFailed("invalid credentials")
	}

	s.user = user
	s.state = StateAuthenticated
	s.away = false

	// One live session per account. Binding evicts any previous one; the
	// evicted session skips its own cleanup, so any room memberships it
	// left behind are cleared here. Delivery history is wiped before the
	// new connection is reachable so the presence push starts clean.
	s.mgr.buddies.ResetDelivery(user.UID)
	s.mgr.registry.BindUser(user.UID, s.conn)

	s.mgr.mu.Lock()
	s.mgr.sessions[user.UID] = s
	s.mgr.mu.Unlock()

	for _, rm := range s.mgr.rooms.RemoveFromAll(user.UID) {
		s.mgr.rooms.Broadcast(rm, user.UID, protocol.TypeUserLeft,
			protocol.BuildUserLeft(rm.ID, user.UID, user.Nickname))
	}

	s.mgr.buddies.Load(user.UID, user.Buddies)

	if err := s.send(protocol.TypeLoginOK,
		protocol.BuildLoginOK(user.UID, user.Nickname)); err != nil {
		return true
	}

	s.mgr.buddies.OnPresenceChange(user.UID, protocol.PresenceOnline)
	s.mgr.buddies.PushCurrentPresence(user.UID, s.mgr.PresenceCode)
	s.deliverOfflineMessages()

	if err := s.mgr.repo.RecordPresence(user.UID, protocol.PresenceOnline); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist online presence")
	}

	s.mgr.bus.Emit(ctx, events.Event{
		Type:   events.EventUserLogin,
		Source: "session",
		Payload: events.UserPayload{
			UID:      user.UID,
			Nickname: user.Nickname,
			Presence: protocol.PresenceOnline,
		},
	})

	s.logger.Info().
		Uint32("uid", user.UID).
		Str("nickname", user.Nickname).
		Msg("user authenticated")
	return false
}

// loginFailed replies with a failure packet and closes the session once
// the retry budget is spent. The state stays at challenge_issued so the
// client may retry against the same challenge.
func (s *Session) loginFailed(reason string) bool {
	s.loginAttempts++
	if err := s.send(protocol.TypeLoginFail,
		protocol.BuildLoginFail(reason)); err != nil {
		return true
	}
	if s.loginAttempts >= s.mgr.cfg.GetAuth().LoginMaxAttempts {
		s.logger.Warn().Int("attempts", s.loginAttempts).Msg("login retry budget exhausted")
		return true
	}
	return false
}

func (s *Session) deliverOfflineMessages() {
	msgs, err := s.mgr.repo.DrainOfflineMessages(s.user.UID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to drain offline messages")
		return
	}
	for _, m := range msgs {
		if err := s.send(protocol.TypeIMIn, protocol.BuildIM(m.SenderUID, m.Content)); err != nil {
			return
		}
	}
	if len(msgs) > 0 {
		s.logger.Info().Int("count", len(msgs)).Msg("delivered offline messages")
	}
}

// ---- Buddies and presence ----

func (s *Session) handleAddBuddy(pkt protocol.Packet) {
	buddyUID, err := protocol.NewPayloadReader(pkt.Payload).Uint32()
	if err != nil || buddyUID == s.user.UID {
		s.logger.Warn().Msg("malformed add-buddy request")
		return
	}
	if !s.mgr.buddies.AddBuddy(s.user.UID, buddyUID) {
		return
	}
	if err := s.mgr.repo.SaveBuddy(s.user.UID, buddyUID); err != nil {
		s.logger.Warn().Err(err).Uint32("buddy", buddyUID).Msg("failed to persist buddy")
	}
	// Immediate status so the new list entry is not blank.
	s.mgr.buddies.NotifyStatus(s.user.UID, buddyUID, s.mgr.PresenceCode(buddyUID))
}

func (s *Session) handleRemoveBuddy(pkt protocol.Packet) {
	buddyUID, err := protocol.NewPayloadReader(pkt.Payload).Uint32()
	if err != nil {
		s.logger.Warn().Msg("malformed remove-buddy request")
		return
	}
	if !s.mgr.buddies.RemoveBuddy(s.user.UID, buddyUID) {
		return
	}
	if err := s.mgr.repo.DeleteBuddy(s.user.UID, buddyUID); err != nil {
		s.logger.Warn().Err(err).Uint32("buddy", buddyUID).Msg("failed to delete buddy")
	}
}

func (s *Session) setPresence(ctx context.Context, away bool) {
	if s.away == away {
		return
	}
	s.away = away

	code := uint16(protocol.PresenceOnline)
	if away {
		code = protocol.PresenceAway
	}
	s.mgr.buddies.OnPresenceChange(s.user.UID, code)
	if err := s.mgr.repo.RecordPresence(s.user.UID, code); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist presence change")
	}

	s.mgr.bus.Emit(ctx, events.Event{
		Type:   events.EventPresence,
		Source: "session",
		Payload: events.UserPayload{
			UID:      s.user.UID,
			Nickname: s.user.Nickname,
			Presence: code,
		},
	})
}

// ---- Instant messages ----

func (s *Session) handleIM(pkt protocol.Packet) {
	r := protocol.NewPayloadReader(pkt.Payload)
	receiverUID, err := r.Uint32()
	if err != nil {
		s.logger.Warn().Msg("malformed instant message")
		return
	}
	text, _ := r.String()
	if text == "" {
		return
	}

	receiver, repoErr := s.mgr.repo.FindUserByUID(receiverUID)
	if repoErr != nil {
		s.logger.Error().Err(repoErr).Msg("repository unavailable during message delivery")
		return
	}
	if receiver == nil {
		s.logger.Warn().Uint32("receiver", receiverUID).Msg("message to unknown uid dropped")
		return
	}
	// A blocked sender gets no signal either way.
	if receiver.IsBlocked(s.user.UID) {
		s.logger.Debug().Uint32("receiver", receiverUID).Msg("message suppressed by block list")
		return
	}

	payload := protocol.BuildIM(s.user.UID, text)
	if err := s.mgr.registry.SendToUser(receiverUID, protocol.TypeIMIn, payload); err != nil {
		if err := s.mgr.repo.EnqueueOfflineMessage(s.user.UID, receiverUID, text); err != nil {
			s.logger.Warn().Err(err).Uint32("receiver", receiverUID).
				Msg("failed to queue offline message")
		}
	}
}

// ---- Rooms ----

func (s *Session) handleRoomJoin(ctx context.Context, pkt protocol.Packet) {
	r := protocol.NewPayloadReader(pkt.Payload)
	roomID, err := r.Uint32()
	if err != nil {
		s.logger.Warn().Msg("malformed room join")
		return
	}
	flags, _ := r.Byte()
	password, _ := r.String()

	rm, ok := s.mgr.rooms.Get(roomID)
	if !ok {
		rm = s.mgr.rooms.GetOrCreate(roomID, fmt.Sprintf("Room %d", roomID), s.user.UID)
		s.mgr.bus.Emit(ctx, events.Event{
			Type:   events.EventRoomCreated,
			Source: "session",
			Payload: events.RoomPayload{
				RoomID: roomID,
				Name:   rm.Name,
			},
		})
	}

	if rm.Locked && rm.Password != password {
		s.logger.Warn().Uint32("room", roomID).Msg("join rejected, wrong room password")
		if err := s.send(protocol.TypeRoomJoinResult,
			protocol.BuildRoomJoinResult(roomID, false, "")); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send join result")
		}
		return
	}

	opts := room.DefaultJoinOptions()
	if flags&protocol.JoinFlagInvisible != 0 {
		opts.Visible = false
	}
	if flags&protocol.JoinFlagRoomAdmin != 0 {
		// Self-granted admin is honored only for account admins and owners.
		opts.AsRoomAdmin = s.user.Admin || rm.OwnerUID == s.user.UID
	}

	member, joined := s.mgr.rooms.Join(rm, s.user.UID, s.user.Nickname, opts)
	if !joined {
		if err := s.send(protocol.TypeRoomJoinResult,
			protocol.BuildRoomJoinResult(roomID, false, "")); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send join result")
		}
		return
	}

	if err := s.send(protocol.TypeRoomJoinResult,
		protocol.BuildRoomJoinResult(roomID, true, room.WelcomeText(rm))); err != nil {
		return
	}

	// The joiner sees who is already in, the room sees the joiner.
	for _, m := range s.mgr.rooms.Members(rm) {
		if m.UID == s.user.UID || !m.Visible {
			continue
		}
		if err := s.send(protocol.TypeUserListUpdate,
			protocol.BuildUserListUpdate(roomID, m.UID, m.Nickname, m.Mic)); err != nil {
			return
		}
	}
	if member.Visible {
		s.mgr.rooms.Broadcast(rm, s.user.UID, protocol.TypeUserListUpdate,
			protocol.BuildUserListUpdate(roomID, s.user.UID, s.user.Nickname, member.Mic))
	}

	s.mgr.bus.Emit(ctx, events.Event{
		Type:   events.EventRoomJoined,
		Source: "session",
		Payload: events.RoomPayload{
			RoomID:   roomID,
			Name:     rm.Name,
			UID:      s.user.UID,
			Nickname: s.user.Nickname,
		},
	})
}

func (s *Session) handleRoomLeave(ctx context.Context, pkt protocol.Packet) {
	roomID, err := protocol.NewPayloadReader(pkt.Payload).Uint32()
	if err != nil {
		s.logger.Warn().Msg("malformed room leave")
		return
	}
	rm, ok := s.mgr.rooms.Get(roomID)
	if !ok {
		return
	}
	member, inRoom := s.mgr.rooms.Membership(rm, s.user.UID)
	if !inRoom {
		return
	}
	wasVisible := member.Visible

	if !s.mgr.rooms.Leave(rm, s.user.UID) {
		return
	}
	if wasVisible {
		s.mgr.rooms.Broadcast(rm, s.user.UID, protocol.TypeUserLeft,
			protocol.BuildUserLeft(roomID, s.user.UID, s.user.Nickname))
	}

	s.mgr.bus.Emit(ctx, events.Event{
		Type:   events.EventRoomLeft,
		Source: "session",
		Payload: events.RoomPayload{
			RoomID:   roomID,
			Name:     rm.Name,
			UID:      s.user.UID,
			Nickname: s.user.Nickname,
		},
	})
}

func (s *Session) handleRoomMessage(pkt protocol.Packet) {
	r := protocol.NewPayloadReader(pkt.Payload)
	roomID, err := r.Uint32()
	if err != nil {
		s.logger.Warn().Msg("malformed room message")
		return
	}
	text, _ := r.String()
	if text == "" {
		return
	}

	rm, ok := s.mgr.rooms.Get(roomID)
	if !ok {
		return
	}
	if _, inRoom := s.mgr.rooms.Membership(rm, s.user.UID); !inRoom {
		s.logger.Warn().Uint32("room", roomID).Msg("room message from non-member dropped")
		return
	}

	s.mgr.rooms.Broadcast(rm, s.user.UID, protocol.TypeRoomMessageIn,
		protocol.BuildRoomMessage(roomID, s.user.UID, text))
}
