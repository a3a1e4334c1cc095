// Package protocol implements the binary wire protocol spoken by legacy
// chat clients: length-prefixed framed packets on the chat channel, the
// challenge cipher used during login, and the packet builders for all
// server-originated replies. The chat header is big-endian throughout.
package protocol

// Chat channel packet types. Requests from the client carry positive
// values; the server replies with the negated family per the legacy
// convention (the type field is a signed int16 on the wire).
const (
	// Handshake and authentication
	TypeClientHello      int16 = 300  // client version string
	TypeHelloAck         int16 = -300 // server banner
	TypeGetUID           int16 = 310  // nickname lookup
	TypeUIDResponse      int16 = -310 // uid + nickname, uid 0 = not found
	TypeRequestChallenge int16 = 320  // cipher variant request
	TypeChallengePending int16 = -321 // "not complete yet" notice
	TypeChallenge        int16 = -320 // offset + encoded challenge string
	TypeLogin            int16 = 330  // uid + password
	TypeLoginOK          int16 = -330 // uid + nickname
	TypeLoginFail        int16 = -331 // reason string
	TypeKeepAlive        int16 = 340  // echoed back verbatim

	// Buddies and presence
	TypeAddBuddy     int16 = 350
	TypeRemoveBuddy  int16 = 351
	TypeStatusChange int16 = -350 // uid + presence code
	TypeSetAway      int16 = 360
	TypeSetOnline    int16 = 361

	// Instant messages
	TypeIMOut int16 = 370  // receiver uid + text
	TypeIMIn  int16 = -370 // sender uid + text

	// Rooms
	TypeRoomJoin       int16 = 400  // room id + join flags
	TypeRoomJoinResult int16 = -400 // room id + ok + welcome text
	TypeRoomLeave      int16 = 401
	TypeRoomMessageOut int16 = 410  // room id + text
	TypeRoomMessageIn  int16 = -410 // room id + sender uid + text
	TypeUserListUpdate int16 = -420 // room id + uid + nickname + mic
	TypeUserLeft       int16 = -421 // room id + uid + nickname
)

// Room join flag bits carried in the TypeRoomJoin payload.
const (
	JoinFlagInvisible byte = 0x01
	JoinFlagRoomAdmin byte = 0x02
)

// Presence codes carried in TypeStatusChange packets.
const (
	PresenceOffline uint16 = 0x00
	PresenceOnline  uint16 = 0x1E
	PresenceAway    uint16 = 0x46
)

// ProtocolVersion is the version stamped into every outbound header.
const ProtocolVersion int16 = 2

// HeaderSize is the fixed chat header length: int16 type, int16 version,
// uint16 payload length, all big-endian.
const HeaderSize = 6

// Packet is one complete decoded frame from the chat channel.
type Packet struct {
	Type    int16
	Version int16
	Payload []byte
}
