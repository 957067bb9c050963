package collab

import (
	"context"
	"sync"
	"time"
)

// one collaborative session per open document. composes the change
// feed, the presence channel, the optimistic merger, and the auto-save
// scheduler, and exposes the surface the ui renders from.

// what the session needs from the realtime client.
// `*RealtimeClient` implements this; tests substitute fakes.
type RealtimeTransport interface {
	ChangeFeedTransport
	PresenceTransport
}

type CollabSessionSettings struct {
	Feed     *ChangeFeedSettings
	AutoSave *AutoSaveSettings
}

func DefaultCollabSessionSettings() *CollabSessionSettings {
	return &CollabSessionSettings{
		Feed:     DefaultChangeFeedSettings(),
		AutoSave: DefaultAutoSaveSettings(),
	}
}

type CollabSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	prototypeId Id

	feed      *ChangeFeedSubscriber
	presence  *PresenceChannel
	merger    *StateMerger
	scheduler *AutoSaveScheduler

	stateLock  sync.Mutex
	editorOpen bool
	baselined  bool

	removeDocumentCallback func()
	removeSaveCallback     func()
}

func NewCollabSessionWithDefaults(
	ctx context.Context,
	store DocumentStore,
	transport RealtimeTransport,
	identity IdentityProvider,
	prototypeId Id,
) *CollabSession {
	return NewCollabSession(ctx, store, transport, identity, prototypeId, DefaultCollabSessionSettings())
}

func NewCollabSession(
	ctx context.Context,
	store DocumentStore,
	transport RealtimeTransport,
	identity IdentityProvider,
	prototypeId Id,
	settings *CollabSessionSettings,
) *CollabSession {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := &CollabSession{
		ctx:         cancelCtx,
		cancel:      cancel,
		prototypeId: prototypeId,
		merger:      NewStateMerger(),
		presence:    NewPresenceChannel(transport, identity, prototypeId),
		scheduler:   NewAutoSaveScheduler(cancelCtx, store, prototypeId, settings.AutoSave),
	}
	session.feed = NewChangeFeedSubscriber(cancelCtx, store, transport, prototypeId, settings.Feed)

	session.removeDocumentCallback = session.feed.AddDocumentCallback(session.documentUpdate)
	session.removeSaveCallback = session.scheduler.AddSaveCallback(session.saveResult)

	return session
}

// a confirmed value from the feed: the initial load or another
// client's write landing
func (self *CollabSession) documentUpdate(update *DocumentUpdate) {
	if update.Gone {
		self.merger.SetGone()
		return
	}

	self.merger.SetConfirmed(update.Document)

	// seed the save baseline from the first load so that opening and
	// closing the editor without edits writes nothing. later pushes
	// do not touch the baseline: it tracks this client's saves.
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.baselined {
			return
		}
		self.baselined = true
		self.scheduler.SetSavedBaseline(update.Document)
	}()
}

// a successful write by this session's scheduler
func (self *CollabSession) saveResult(document *Prototype) {
	// the merger discards the result if the editor has since closed;
	// the change feed delivers the durable value either way
	self.merger.ApplySaveResult(document)
}

func (self *CollabSession) Document() *Prototype {
	return self.merger.Rendered().Document
}

func (self *CollabSession) RenderState() *RenderState {
	return self.merger.Rendered()
}

func (self *CollabSession) IsLoading() bool {
	return self.feed.IsLoading()
}

func (self *CollabSession) IsGone() bool {
	return self.feed.IsGone()
}

func (self *CollabSession) IsConnected() bool {
	return self.feed.IsConnected()
}

func (self *CollabSession) PresenceUsers() []*PresenceUser {
	return self.presence.PresenceUsers()
}

func (self *CollabSession) IsSaving() bool {
	return self.scheduler.IsSaving()
}

func (self *CollabSession) LastSaved() (time.Time, bool) {
	return self.scheduler.LastSaved()
}

func (self *CollabSession) AddRenderCallback(renderCallback RenderStateFunction) func() {
	return self.merger.AddRenderCallback(renderCallback)
}

func (self *CollabSession) AddPresenceChangeCallback(presenceChangeCallback PresenceUsersFunction) func() {
	return self.presence.AddPresenceChangeCallback(presenceChangeCallback)
}

func (self *CollabSession) AddConnectionChangeCallback(connectionChangeCallback ConnectionChangeFunction) func() {
	return self.feed.AddConnectionChangeCallback(connectionChangeCallback)
}

// broadcast which field the local user is editing.
// the editor calls this as focus moves between fields; closing the
// editor clears it exactly once via `CloseEditor`.
func (self *CollabSession) SetEditing(isEditing bool, editingField string) {
	self.presence.SetEditing(isEditing, editingField)
}

// open an edit session over the loaded document.
// returns false if nothing is loaded yet or the editor is already open.
func (self *CollabSession) OpenEditor() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.editorOpen {
		return false
	}
	if !self.merger.OpenSession() {
		return false
	}
	self.editorOpen = true
	self.scheduler.SetEnabled(true)
	return true
}

// replace the open edit buffer and arm the debounced save
func (self *CollabSession) UpdateSteps(steps []*Step) {
	self.merger.UpdateSteps(steps)
	if state := self.merger.Rendered(); state.Editing && state.Document != nil {
		self.scheduler.Update(state.Document)
	}
}

// optimistic replacement of the whole rendered document, used for
// prototype metadata edits outside the step editor
func (self *CollabSession) UpdateDocument(document *Prototype) {
	self.merger.SetLocalDocument(document)
	self.scheduler.Update(document)
}

// cancel the debounce and write immediately. deterministic completion
// for an explicit save action.
func (self *CollabSession) SaveNow(ctx context.Context) (*Prototype, error) {
	return self.scheduler.SaveNow(ctx)
}

// cancel any pending debounce, close the edit buffer, and clear the
// presence editing flag exactly once however many fields were edited
func (self *CollabSession) CloseEditor() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.editorOpen {
		return
	}
	self.editorOpen = false
	self.scheduler.SetEnabled(false)
	self.merger.CloseSession()
	self.presence.SetEditing(false, "")
}

// tear down the feed subscription and the presence channel.
// skipping this risks update-after-unmount and leaves a stale online
// entry until the transport liveness timeout.
func (self *CollabSession) Close() {
	self.CloseEditor()
	self.removeDocumentCallback()
	self.removeSaveCallback()
	self.feed.Close()
	self.presence.Close()
	self.scheduler.Close()
	self.cancel()
}
