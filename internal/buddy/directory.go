// Package buddy implements the presence notification directory: the
// directed "watch this user" graph and the fan-out of presence
// transitions to everyone watching.
package buddy

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/protocol"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

// Sender delivers a packet to an authenticated user's connection. Users
// without an open connection simply fail the send, which the fan-out
// treats as normal. *network.Registry satisfies this.
type Sender interface {
	SendToUser(uid uint32, ptype int16, payload []byte) error
}

// Directory holds the buddy graph in both directions. The forward index
// answers "whose presence do I watch"; the reverse index answers "who
// watches me", which is the one presence fan-out needs. Edges persist in
// memory across logout so offline owners keep receiving notifications
// the moment they reconnect.
type Directory struct {
	mu      sync.RWMutex
	forward map[uint32]map[uint32]struct{} // owner -> buddies
	reverse map[uint32]map[uint32]struct{} // buddy -> owners watching them

	// lastSent records, per watcher, the presence code most recently
	// delivered for each subject. A login's fan-out and the fresh
	// session's own presence push can observe the same transition;
	// deduping on delivery guarantees a watcher sees each transition
	// exactly once.
	lastSent map[uint32]map[uint32]uint16

	sender Sender
	logger zerolog.Logger
}

// NewDirectory creates an empty Directory.
func NewDirectory(sender Sender) *Directory {
	return &Directory{
		forward:  make(map[uint32]map[uint32]struct{}),
		reverse:  make(map[uint32]map[uint32]struct{}),
		lastSent: make(map[uint32]map[uint32]uint16),
		sender:   sender,
		logger:   util.ComponentLogger("buddy"),
	}
}

// Load merges a user's persisted buddy list into the directory, called
// when the user logs in.
func (d *Directory) Load(ownerUID uint32, buddies []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, buddy := range buddies {
		d.link(ownerUID, buddy)
	}
}

// AddBuddy inserts a directed edge. Returns false, mutating nothing,
// when the edge already exists.
func (d *Directory) AddBuddy(ownerUID, buddyUID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.forward[ownerUID][buddyUID]; ok {
		return false
	}
	d.link(ownerUID, buddyUID)
	return true
}

// RemoveBuddy deletes a directed edge. Returns false when the edge does
// not exist.
func (d *Directory) RemoveBuddy(ownerUID, buddyUID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.forward[ownerUID][buddyUID]; !ok {
		return false
	}
	delete(d.forward[ownerUID], buddyUID)
	delete(d.reverse[buddyUID], ownerUID)
	return true
}

// link installs an edge in both indexes. Caller holds the write lock.
func (d *Directory) link(ownerUID, buddyUID uint32) {
	if d.forward[ownerUID] == nil {
		d.forward[ownerUID] = make(map[uint32]struct{})
	}
	if d.reverse[buddyUID] == nil {
		d.reverse[buddyUID] = make(map[uint32]struct{})
	}
	d.forward[ownerUID][buddyUID] = struct{}{}
	d.reverse[buddyUID][ownerUID] = struct{}{}
}

// Buddies returns a sorted snapshot of a user's buddy list.
func (d *Directory) Buddies(ownerUID uint32) []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]uint32, 0, len(d.forward[ownerUID]))
	for uid := range d.forward[ownerUID] {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Watchers returns a snapshot of the uids that have ownerUID on their
// buddy list.
func (d *Directory) Watchers(uid uint32) []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]uint32, 0, len(d.reverse[uid]))
	for owner := range d.reverse[uid] {
		out = append(out, owner)
	}
	return out
}

// OnPresenceChange fans a status-change packet out to every watcher of
// uid. Watchers without an open connection receive nothing; that is not
// an error. The fan-out holds the write lock so it serializes against
// PushCurrentPresence.
func (d *Directory) OnPresenceChange(uid uint32, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	watchers := d.reverse[uid]
	if len(watchers) == 0 {
		return
	}

	for watcher := range watchers {
		d.notifyLocked(watcher, uid, code)
	}

	d.logger.Debug().
		Uint32("uid", uid).
		Uint16("code", code).
		Int("watchers", len(watchers)).
		Msg("presence fan-out")
}

// PushCurrentPresence sends the current presence of each of ownerUID's
// buddies to ownerUID itself, so a freshly logged-in user immediately
// sees who is already online. Offline buddies are skipped. presenceOf
// resolves a buddy's live presence code. The snapshot and the sends run
// under one lock, so a buddy logging in concurrently cannot be reported
// both here and by its own fan-out.
func (d *Directory) PushCurrentPresence(ownerUID uint32, presenceOf func(uint32) uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for buddy := range d.forward[ownerUID] {
		code := presenceOf(buddy)
		if code == protocol.PresenceOffline {
			continue
		}
		d.notifyLocked(ownerUID, buddy, code)
	}
}

// NotifyStatus delivers a single deduped status update to one watcher,
// used when a watch edge is created while both sides are online.
func (d *Directory) NotifyStatus(watcherUID, subjectUID uint32, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyLocked(watcherUID, subjectUID, code)
}

// ResetDelivery forgets everything delivered to uid, called before a
// fresh session for uid becomes reachable so the new connection gets a
// full presence picture.
func (d *Directory) ResetDelivery(uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSent, uid)
}

// notifyLocked sends a status-change to one watcher unless that exact
// code was already delivered for the subject. Caller holds the write
// lock.
func (d *Directory) notifyLocked(watcherUID, subjectUID uint32, code uint16) {
	if last, ok := d.lastSent[watcherUID][subjectUID]; ok && last == code {
		return
	}
	payload := protocol.BuildStatusChange(subjectUID, code)
	if err := d.sender.SendToUser(watcherUID, protocol.TypeStatusChange, payload); err != nil {
		return // offline or failed watcher, skip
	}
	if d.lastSent[watcherUID] == nil {
		d.lastSent[watcherUID] = make(map[uint32]uint16)
	}
	d.lastSent[watcherUID][subjectUID] = code
}
