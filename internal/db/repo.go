package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// FindUserByNickname loads a user and its buddy/block lists by exact
// nickname match. Returns (nil, nil) when no such user exists; a non-nil
// error means the repository itself is unavailable.
func (s *Store) FindUserByNickname(nickname string) (*User, error) {
	return s.findUser("nickname = ?", nickname)
}

// FindUserByUID loads a user and its buddy/block lists by uid.
func (s *Store) FindUserByUID(uid uint32) (*User, error) {
	return s.findUser("uid = ?", uid)
}

func (s *Store) findUser(where string, arg interface{}) (*User, error) {
	row := s.db.QueryRow(`
		SELECT uid, nickname, email, password, admin, paid, plus, color, presence, last_login
		FROM users WHERE `+where, arg)

	var (
		u         User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.UID, &u.Nickname, &u.Email, &u.Password,
		&u.Admin, &u.Paid, &u.Plus, &u.Color, &u.Presence, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}

	if err := s.loadEdges(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) loadEdges(u *User) error {
	rows, err := s.db.Query(
		`SELECT buddy_uid FROM buddies WHERE owner_uid = ? ORDER BY buddy_uid`, u.UID)
	if err != nil {
		return fmt.Errorf("failed to load buddies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var buddy uint32
		if err := rows.Scan(&buddy); err != nil {
			return fmt.Errorf("failed to scan buddy row: %w", err)
		}
		u.Buddies = append(u.Buddies, buddy)
	}

	blocked, err := s.db.Query(
		`SELECT blocked_uid FROM blocked WHERE owner_uid = ?`, u.UID)
	if err != nil {
		return fmt.Errorf("failed to load block list: %w", err)
	}
	defer blocked.Close()
	u.Blocked = make(map[uint32]struct{})
	for blocked.Next() {
		var uid uint32
		if err := blocked.Scan(&uid); err != nil {
			return fmt.Errorf("failed to scan block row: %w", err)
		}
		u.Blocked[uid] = struct{}{}
	}
	return nil
}

// LoadRoomsByCategory returns the durable rooms in a category; an empty
// category loads every room.
func (s *Store) LoadRoomsByCategory(category string) ([]RoomRecord, error) {
	query := `SELECT id, name, category, rating, voice, auto_mic, locked, password, owner_uid, topic
		FROM rooms`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	defer rows.Close()

	var records []RoomRecord
	for rows.Next() {
		var r RoomRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Category, &r.Rating, &r.Voice,
			&r.AutoMic, &r.Locked, &r.Password, &r.OwnerUID, &r.Topic); err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordPresence persists a presence transition and stamps last_login
// when the user comes online. Callers treat this as fire-and-forget.
func (s *Store) RecordPresence(uid uint32, presence uint16) error {
	var err error
	if presence != 0 {
		_, err = s.exec(`UPDATE users SET presence = ?, last_login = ? WHERE uid = ?`,
			presence, time.Now().UTC(), uid)
	} else {
		_, err = s.exec(`UPDATE users SET presence = 0 WHERE uid = ?`, uid)
	}
	if err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

// SaveBuddy persists a new buddy edge.
func (s *Store) SaveBuddy(ownerUID, buddyUID uint32) error {
	_, err := s.exec(
		`INSERT OR IGNORE INTO buddies (owner_uid, buddy_uid) VALUES (?, ?)`,
		ownerUID, buddyUID)
	if err != nil {
		return fmt.Errorf("failed to save buddy edge: %w", err)
	}
	return nil
}

// DeleteBuddy removes a persisted buddy edge.
func (s *Store) DeleteBuddy(ownerUID, buddyUID uint32) error {
	_, err := s.exec(
		`DELETE FROM buddies WHERE owner_uid = ? AND buddy_uid = ?`,
		ownerUID, buddyUID)
	if err != nil {
		return fmt.Errorf("failed to delete buddy edge: %w", err)
	}
	return nil
}

// EnqueueOfflineMessage stores a message for a receiver who is not
// connected.
func (s *Store) EnqueueOfflineMessage(senderUID, receiverUID uint32, content string) error {
	_, err := s.exec(`
		INSERT INTO offline_messages (sender_uid, receiver_uid, sent_at, status, content)
		VALUES (?, ?, ?, ?, ?)`,
		senderUID, receiverUID, time.Now().UTC(), OfflineStatusPending, content)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline message: %w", err)
	}
	return nil
}

// DrainOfflineMessages returns the pending messages for a uid in send
// order and marks them sent. Sent rows are never deleted here.
func (s *Store) DrainOfflineMessages(uid uint32) ([]OfflineMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, sender_uid, receiver_uid, sent_at, content
		FROM offline_messages
		WHERE receiver_uid = ? AND status = ?
		ORDER BY id`, uid, OfflineStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline messages: %w", err)
	}
	defer rows.Close()

	var msgs []OfflineMessage
	for rows.Next() {
		m := OfflineMessage{Status: OfflineStatusPending}
		if err := rows.Scan(&m.ID, &m.SenderUID, &m.ReceiverUID, &m.SentAt, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan offline message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range msgs {
		if _, err := s.exec(
			`UPDATE offline_messages SET status = ? WHERE id = ?`,
			OfflineStatusSent, msgs[i].ID); err != nil {
			log.Warn().Err(err).Int64("id", msgs[i].ID).Msg("failed to mark offline message sent")
			continue
		}
		msgs[i].Status = OfflineStatusSent
	}

	return msgs, nil
}

// Seed populates an empty database with a default admin, a handful of
// bot accounts for the load simulator, and the starter room set.
func (s *Store) Seed() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	users := []struct {
		uid      uint32
		nickname string
		password string
		admin    bool
	}{
		{1000, "admin", "admin", true},
		{1001, "blue", "blue", false},
		{1002, "jazz", "jazz", false},
	}
	for i := 1; i <= 10; i++ {
		users = append(users, struct {
			uid      uint32
			nickname string
			password string
			admin    bool
		}{uint32(2000 + i), fmt.Sprintf("bot_%d", i), "bot", false})
	}

	for _, u := range users {
		if _, err := s.exec(`
			INSERT INTO users (uid, nickname, password, admin) VALUES (?, ?, ?, ?)`,
			u.uid, u.nickname, u.password, u.admin); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.nickname, err)
		}
	}

	rooms := []RoomRecord{
		{ID: 10, Name: "Lobby", Category: "General", Rating: "G", Voice: true, AutoMic: true, OwnerUID: 1000, Topic: "Welcome"},
		{ID: 11, Name: "Adults Only", Category: "Social", Rating: "A", Voice: true, OwnerUID: 1000},
		{ID: 12, Name: "Tech Talk", Category: "Computers", Rating: "T", OwnerUID: 1000, Topic: "Hardware and software"},
	}
	for _, r := range rooms {
		if _, err := s.exec(`
			INSERT INTO rooms (id, name, category, rating, voice, auto_mic, locked, password, owner_uid, topic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Category, r.Rating, r.Voice, r.AutoMic, r.Locked,
			r.Password, r.OwnerUID, r.Topic); err != nil {
			return fmt.Errorf("failed to seed room %s: %w", r.Name, err)
		}
	}

	log.Info().Int("users", len(users)).Int("rooms", len(rooms)).Msg("seeded empty database")
	return nil
}
