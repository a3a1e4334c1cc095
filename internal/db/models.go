// Package db implements the SQLite-backed repository for users, rooms,
// buddy edges and offline messages. The connection core consumes it
// through a narrow interface and never touches SQL directly.
package db

import "time"

// User is a registered account loaded from the repository at login.
// Presence is mutated at runtime by the session layer; persisted
// presence updates are fire-and-forget.
type User struct {
	UID      uint32
	Nickname string
	Email    string
	Password string
	Admin    bool
	Paid     bool
	Plus     bool
	Color    string

	Buddies []uint32            // ordered, as stored
	Blocked map[uint32]struct{} // uids this user ignores

	Presence  uint16
	LastLogin time.Time
}

// IsBlocked reports whether the user blocks the given uid.
func (u *User) IsBlocked(uid uint32) bool {
	if u.Blocked == nil {
		return false
	}
	_, ok := u.Blocked[uid]
	return ok
}

// RoomRecord is a durable room row. Rooms loaded from the repository
// survive when empty; anything else is ephemeral and lives only in the
// room manager.
type RoomRecord struct {
	ID       uint32
	Name     string
	Category string
	Rating   string // "G", "A" or "T"
	Voice    bool
	AutoMic  bool
	Locked   bool
	Password string
	OwnerUID uint32
	Topic    string
}

// Offline message status values.
const (
	OfflineStatusPending = "pending"
	OfflineStatusSent    = "sent"
)

// OfflineMessage is an instant message stored while the receiver was
// not connected, delivered at the receiver's next login. Retention of
// sent messages is the repository's concern, not the core's.
type OfflineMessage struct {
	ID          int64
	SenderUID   uint32
	ReceiverUID uint32
	SentAt      time.Time
	Status      string
	Content     string
}
