// Package events defines the event types flowing through the in-process
// event bus that connects the chat core to telemetry, the admin API and
// the CLI.
package events

import "time"

// EventType identifies one kind of event on the bus.
type EventType string

const (
	// Session lifecycle
	EventUserLogin  EventType = "user_login"
	EventUserLogout EventType = "user_logout"
	EventPresence   EventType = "presence_change"

	// Room lifecycle
	EventRoomCreated   EventType = "room_created"
	EventRoomDestroyed EventType = "room_destroyed"
	EventRoomJoined    EventType = "room_joined"
	EventRoomLeft      EventType = "room_left"

	// Voice relay
	EventVoiceConnected    EventType = "voice_connected"
	EventVoiceDisconnected EventType = "voice_disconnected"

	// Bot orchestration
	EventBotsStarted EventType = "bots_started"
	EventBotsStopped EventType = "bots_stopped"

	// System
	EventStatsSnapshot EventType = "stats_snapshot"
	EventShutdown      EventType = "shutdown"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// UserPayload accompanies login, logout and presence events.
type UserPayload struct {
	UID      uint32
	Nickname string
	Presence uint16
}

// RoomPayload accompanies room lifecycle events.
type RoomPayload struct {
	RoomID   uint32
	Name     string
	UID      uint32
	Nickname string
	Members  int
}

// StatsPayload is the periodic counters snapshot published to telemetry.
type StatsPayload struct {
	At           time.Time `json:"at"`
	OnlineUsers  int       `json:"online_users"`
	Rooms        int       `json:"rooms"`
	VoiceSockets int       `json:"voice_sockets"`
	Bots         int       `json:"bots"`
}

// BotsPayload accompanies bot orchestration events.
type BotsPayload struct {
	Count  int
	RoomID uint32
}
