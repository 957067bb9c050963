package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceJoinTracksLocalUser(t *testing.T) {
	transport := newTestTransport()
	prototypeId := NewId()
	identity := NewStaticIdentity(NewId(), "dana")

	channel := NewPresenceChannel(transport, identity, prototypeId)
	defer channel.Close()

	topic := PresenceTopic(prototypeId)
	tracked := transport.trackedState(topic)
	assert.NotEqual(t, tracked, nil)
	assert.Equal(t, tracked.UserId, identity.UserId())
	assert.Equal(t, tracked.Name, "dana")
	assert.Equal(t, tracked.IsEditing, false)
	assert.Equal(t, tracked.JoinedAt.IsZero(), false)
}

func TestPresenceSetEditingIsPartialUpdate(t *testing.T) {
	transport := newTestTransport()
	prototypeId := NewId()
	identity := NewStaticIdentity(NewId(), "dana")

	channel := NewPresenceChannel(transport, identity, prototypeId)
	defer channel.Close()

	topic := PresenceTopic(prototypeId)
	joined := transport.trackedState(topic)

	channel.SetEditing(true, "question")
	editing := transport.trackedState(topic)
	assert.Equal(t, editing.IsEditing, true)
	assert.Equal(t, editing.EditingField, "question")
	// name and joined-at re-broadcast unchanged, never transiently
	// dropped for other observers
	assert.Equal(t, editing.Name, joined.Name)
	assert.Equal(t, editing.JoinedAt, joined.JoinedAt)

	channel.SetEditing(false, "")
	cleared := transport.trackedState(topic)
	assert.Equal(t, cleared.IsEditing, false)
	assert.Equal(t, cleared.EditingField, "")
	assert.Equal(t, cleared.JoinedAt, joined.JoinedAt)
}

func TestPresenceSyncRebuildsSnapshot(t *testing.T) {
	transport := newTestTransport()
	prototypeId := NewId()
	identity := NewStaticIdentity(NewId(), "dana")

	channel := NewPresenceChannel(transport, identity, prototypeId)
	defer channel.Close()

	topic := PresenceTopic(prototypeId)

	snapshots := make(chan []*PresenceUser, 8)
	remove := channel.AddPresenceChangeCallback(func(users []*PresenceUser) {
		snapshots <- users
	})
	defer remove()

	other := &PresenceUser{
		UserId:   NewId(),
		Name:     "sam",
		JoinedAt: time.Now().Add(-1 * time.Minute),
	}
	local := transport.trackedState(topic)

	transport.firePresence(&PresenceEvent{
		EventType: PresenceEventTypeSync,
		Topic:     topic,
		Users:     []*PresenceUser{other, local},
	})

	select {
	case users := <-snapshots:
		assert.Equal(t, len(users), 2)
		// ordered by join time
		assert.Equal(t, users[0].Name, "sam")
		assert.Equal(t, users[1].Name, "dana")
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}

	// a later sync replaces the snapshot in full
	transport.firePresence(&PresenceEvent{
		EventType: PresenceEventTypeSync,
		Topic:     topic,
		Users:     []*PresenceUser{local},
	})
	select {
	case users := <-snapshots:
		assert.Equal(t, len(users), 1)
		assert.Equal(t, users[0].Name, "dana")
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
	assert.Equal(t, len(channel.PresenceUsers()), 1)
}

func TestPresenceJoinLeave(t *testing.T) {
	transport := newTestTransport()
	prototypeId := NewId()
	identity := NewStaticIdentity(NewId(), "dana")

	channel := NewPresenceChannel(transport, identity, prototypeId)
	defer channel.Close()

	topic := PresenceTopic(prototypeId)
	other := &PresenceUser{
		UserId:   NewId(),
		Name:     "sam",
		JoinedAt: time.Now(),
	}

	transport.firePresence(&PresenceEvent{
		EventType: PresenceEventTypeJoin,
		Topic:     topic,
		User:      other,
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(channel.PresenceUsers()) == 1
	})

	// a disconnect surfaces as a leave and the entry disappears
	transport.firePresence(&PresenceEvent{
		EventType: PresenceEventTypeLeave,
		Topic:     topic,
		User:      other,
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(channel.PresenceUsers()) == 0
	})
}

func TestPresenceCloseUntracksOnce(t *testing.T) {
	transport := newTestTransport()
	prototypeId := NewId()
	identity := NewStaticIdentity(NewId(), "dana")

	channel := NewPresenceChannel(transport, identity, prototypeId)

	channel.Close()
	channel.Close()
	assert.Equal(t, transport.untracks(), 1)

	// after close, editing updates are not broadcast
	topic := PresenceTopic(prototypeId)
	trackCount := transport.trackCount(topic)
	channel.SetEditing(true, "question")
	assert.Equal(t, transport.trackCount(topic), trackCount)
}
