package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionSettings() *CollabSessionSettings {
	return &CollabSessionSettings{
		Feed: DefaultChangeFeedSettings(),
		AutoSave: &AutoSaveSettings{
			DebounceTimeout: 200 * time.Millisecond,
			WriteTimeout:    5 * time.Second,
		},
	}
}

func newTestSession(t *testing.T) (*CollabSession, *testStore, *testTransport, *Prototype) {
	store := newTestStore()
	prototype := testPrototype()
	store.put(prototype)
	transport := newTestTransport()
	identity := NewStaticIdentity(NewId(), "dana")

	session := NewCollabSession(
		context.Background(),
		store,
		transport,
		identity,
		prototype.PrototypeId,
		testSessionSettings(),
	)
	waitFor(t, 2*time.Second, func() bool {
		return session.Document() != nil
	})
	return session, store, transport, prototype
}

func TestSessionEditSaveRoundTrip(t *testing.T) {
	session, store, _, prototype := newTestSession(t)
	defer session.Close()

	assert.Equal(t, session.OpenEditor(), true)

	edited := CloneSteps(prototype.Steps)
	edited = append(edited, testStep("When can you start?"))
	session.UpdateSteps(edited)

	// one debounced write carries the latest content
	waitFor(t, 2*time.Second, func() bool {
		_, writeCount := store.counts()
		return writeCount == 1
	})
	// the rendered state converges to the write result, including the
	// store-stamped updated_at
	waitFor(t, 2*time.Second, func() bool {
		return prototype.UpdatedAt.Before(session.Document().UpdatedAt)
	})
	rendered := session.Document()
	assert.Equal(t, len(rendered.Steps), 2)

	_, saved := session.LastSaved()
	assert.Equal(t, saved, true)

	// unchanged content after the save schedules nothing further
	session.UpdateSteps(CloneSteps(rendered.Steps))
	time.Sleep(400 * time.Millisecond)
	_, writeCount := store.counts()
	assert.Equal(t, writeCount, 1)
}

func TestSessionPushDoesNotClobberOpenBuffer(t *testing.T) {
	session, store, transport, prototype := newTestSession(t)
	defer session.Close()
	topic := PrototypeTopic(prototype.PrototypeId)

	session.OpenEditor()
	edited := CloneSteps(prototype.Steps)
	edited[0].Question = "my in-progress edit"
	session.UpdateSteps(edited)

	// a collaborator saves while our editor is open
	remote := prototype.Clone()
	remote.Steps[0].Question = "their edit"
	remote.Name = "their name"
	remote.UpdatedAt = time.Now()
	store.put(remote)
	transport.fireChange(topic, &ChangeEvent{
		EventType: ChangeEventTypeUpdated,
		Key:       prototype.PrototypeId,
	})

	// the background snapshot updates, the open buffer does not
	waitFor(t, 2*time.Second, func() bool {
		return session.Document().Name == "their name"
	})
	assert.Equal(t, session.Document().Steps[0].Question, "my in-progress edit")
}

func TestSessionPushRendersWhenEditorClosed(t *testing.T) {
	session, store, transport, prototype := newTestSession(t)
	defer session.Close()
	topic := PrototypeTopic(prototype.PrototypeId)

	remote := prototype.Clone()
	remote.Steps[0].Question = "their edit"
	remote.UpdatedAt = time.Now()
	store.put(remote)
	transport.fireChange(topic, &ChangeEvent{
		EventType: ChangeEventTypeUpdated,
		Key:       prototype.PrototypeId,
	})

	// with no editor open, the push immediately becomes the rendered
	// state
	waitFor(t, 2*time.Second, func() bool {
		return session.Document().Steps[0].Question == "their edit"
	})
}

func TestSessionCloseEditorClearsPresenceOnce(t *testing.T) {
	session, _, transport, prototype := newTestSession(t)
	defer session.Close()
	topic := PresenceTopic(prototype.PrototypeId)

	session.OpenEditor()
	// many fields edited during the session
	session.SetEditing(true, "question")
	session.SetEditing(true, "description")
	session.SetEditing(true, "label")
	trackCount := transport.trackCount(topic)

	session.CloseEditor()
	// exactly one presence update on close, not one per field
	assert.Equal(t, transport.trackCount(topic), trackCount+1)
	assert.Equal(t, transport.trackedState(topic).IsEditing, false)

	// a second close is a no-op
	session.CloseEditor()
	assert.Equal(t, transport.trackCount(topic), trackCount+1)
}

func TestSessionCloseEditorCancelsPendingSave(t *testing.T) {
	session, store, _, prototype := newTestSession(t)
	defer session.Close()

	session.OpenEditor()
	edited := CloneSteps(prototype.Steps)
	edited[0].Question = "abandoned"
	session.UpdateSteps(edited)

	session.CloseEditor()
	time.Sleep(400 * time.Millisecond)
	_, writeCount := store.counts()
	assert.Equal(t, writeCount, 0)

	// the abandoned buffer no longer renders
	assert.Equal(t, session.Document().Steps[0].Question, prototype.Steps[0].Question)
}

func TestSessionSaveNow(t *testing.T) {
	session, store, _, prototype := newTestSession(t)
	defer session.Close()

	session.OpenEditor()
	edited := CloneSteps(prototype.Steps)
	edited[0].Question = "save now"
	session.UpdateSteps(edited)

	result, err := session.SaveNow(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Steps[0].Question, "save now")

	_, writeCount := store.counts()
	assert.Equal(t, writeCount, 1)

	// the save result reconciled the buffer: rendered equals durable
	assert.Equal(t, ContentEqual(session.Document(), result), true)
	assert.Equal(t, session.RenderState().Dirty, false)
}

func TestSessionDeleteAllStepsSaves(t *testing.T) {
	session, store, _, _ := newTestSession(t)
	defer session.Close()

	session.OpenEditor()
	session.UpdateSteps([]*Step{})

	result, err := session.SaveNow(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Steps), 0)

	// the write carried an explicit empty sequence, and the echo did not
	// revert the deletion
	assert.NotEqual(t, store.lastWrite().Steps, nil)
	assert.Equal(t, len(store.lastWrite().Steps), 0)
	assert.Equal(t, len(session.Document().Steps), 0)
}

func TestSessionGone(t *testing.T) {
	session, _, transport, prototype := newTestSession(t)
	defer session.Close()
	topic := PrototypeTopic(prototype.PrototypeId)

	transport.fireChange(topic, &ChangeEvent{
		EventType: ChangeEventTypeDeleted,
		Key:       prototype.PrototypeId,
	})
	waitFor(t, 2*time.Second, func() bool {
		return session.IsGone()
	})
	assert.Equal(t, session.RenderState().Gone, true)
}

func TestSessionPresenceSurface(t *testing.T) {
	session, _, transport, prototype := newTestSession(t)
	defer session.Close()
	topic := PresenceTopic(prototype.PrototypeId)

	local := transport.trackedState(topic)
	other := &PresenceUser{
		UserId:    NewId(),
		Name:      "sam",
		IsEditing: true,
		JoinedAt:  time.Now(),
	}
	transport.firePresence(&PresenceEvent{
		EventType: PresenceEventTypeSync,
		Topic:     topic,
		Users:     []*PresenceUser{local, other},
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(session.PresenceUsers()) == 2
	})
}
