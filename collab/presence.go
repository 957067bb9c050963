package collab

import (
	"fmt"
	"sync"
	"time"
)

// ephemeral per-session presence. records live only as long as the
// underlying transport connection; a disconnect removes the entry at
// the service without any explicit lifecycle management here.

func PresenceTopic(prototypeId Id) string {
	return fmt.Sprintf("session-presence-%s", prototypeId)
}

type PresenceUser struct {
	UserId       Id        `json:"user_id"`
	Name         string    `json:"name"`
	IsEditing    bool      `json:"is_editing"`
	EditingField string    `json:"editing_field,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// the presence side of the realtime client
type PresenceTransport interface {
	Track(topic string, state *PresenceUser)
	Untrack(topic string)
	AddPresenceCallback(topic string, presenceCallback PresenceEventFunction) func()
}

type PresenceUsersFunction = func(users []*PresenceUser)

type PresenceChannel struct {
	transport PresenceTransport
	topic     string

	stateLock sync.Mutex
	local     *PresenceUser
	// current snapshot across all connected clients,
	// rebuilt in full on every sync from the transport
	userIdUsers map[Id]*PresenceUser
	closed      bool

	removePresenceCallback func()

	presenceChangeCallbacks *CallbackList[PresenceUsersFunction]
}

func NewPresenceChannel(
	transport PresenceTransport,
	identity IdentityProvider,
	prototypeId Id,
) *PresenceChannel {
	topic := PresenceTopic(prototypeId)
	local := &PresenceUser{
		UserId:   identity.UserId(),
		Name:     identity.UserName(),
		JoinedAt: time.Now(),
	}
	channel := &PresenceChannel{
		transport:               transport,
		topic:                   topic,
		local:                   local,
		userIdUsers:             map[Id]*PresenceUser{},
		presenceChangeCallbacks: NewCallbackList[PresenceUsersFunction](),
	}
	channel.removePresenceCallback = transport.AddPresenceCallback(topic, channel.presenceEvent)
	transport.Track(topic, local)
	return channel
}

// snapshot ordered by join time
func (self *PresenceChannel) PresenceUsers() []*PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyPresenceUsers(self.userIdUsers)
}

// a partial update of the local record. the editing flags change,
// everything else (name, joined-at) re-broadcasts unchanged so that
// other observers never see those fields transiently dropped.
func (self *PresenceChannel) SetEditing(isEditing bool, editingField string) {
	var next *PresenceUser
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}
		state := *self.local
		state.IsEditing = isEditing
		if isEditing {
			state.EditingField = editingField
		} else {
			state.EditingField = ""
		}
		self.local = &state
		next = &state
	}()
	if next == nil {
		return
	}
	self.transport.Track(self.topic, next)
}

func (self *PresenceChannel) AddPresenceChangeCallback(presenceChangeCallback PresenceUsersFunction) func() {
	callbackId := self.presenceChangeCallbacks.Add(presenceChangeCallback)
	return func() {
		self.presenceChangeCallbacks.Remove(callbackId)
	}
}

// untrack and leave. skipping this leaks a stale online entry at the
// service until its own liveness timeout expires.
func (self *PresenceChannel) Close() {
	alreadyClosed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			alreadyClosed = true
			return
		}
		self.closed = true
	}()
	if alreadyClosed {
		return
	}
	self.transport.Untrack(self.topic)
	self.removePresenceCallback()
}

func (self *PresenceChannel) presenceEvent(event *PresenceEvent) {
	var users []*PresenceUser
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch event.EventType {
		case PresenceEventTypeSync:
			// rebuild in full. the transport deduplicates by
			// connection, last writer per key wins.
			self.userIdUsers = map[Id]*PresenceUser{}
			for _, user := range event.Users {
				self.userIdUsers[user.UserId] = user
			}
		case PresenceEventTypeJoin:
			if event.User != nil {
				self.userIdUsers[event.User.UserId] = event.User
			}
		case PresenceEventTypeLeave:
			if event.User != nil {
				delete(self.userIdUsers, event.User.UserId)
			}
		}
		users = copyPresenceUsers(self.userIdUsers)
	}()

	for _, presenceChangeCallback := range self.presenceChangeCallbacks.Get() {
		presenceChangeCallback(users)
	}
}
