package collab

import (
	"sync"
)

// decides what the editor renders given three inputs that arrive
// asynchronously and out of order: the initial load, local edits, and
// change feed pushes. precedence:
//
//  1. while an edit session is open the local buffer is authoritative
//     for rendering. pushes update the background confirmed snapshot
//     and never clobber in-progress keystrokes.
//  2. a successful local save reconciles the buffer to exactly the
//     server-returned value, never a re-merge of stale local state.
//  3. with no session open, every push immediately becomes the
//     rendered snapshot.
//
// this is last-write-wins at whole-document granularity. two open
// editors that save concurrently overwrite each other's steps; the
// later write lands. field-level merging is out of scope here.

type RenderState struct {
	Document *Prototype
	Editing  bool
	Dirty    bool
	Gone     bool
}

type RenderStateFunction = func(state *RenderState)

type StateMerger struct {
	stateLock sync.Mutex

	// last server-confirmed value
	confirmed *Prototype
	gone      bool

	// open edit session
	editing bool
	buffer  []*Step
	// steps hash of the confirmed snapshot captured at session open,
	// reset on each successful save. dirty = buffer hash differs.
	baselineHash DocumentHash

	renderCallbacks *CallbackList[RenderStateFunction]
}

func NewStateMerger() *StateMerger {
	return &StateMerger{
		renderCallbacks: NewCallbackList[RenderStateFunction](),
	}
}

func (self *StateMerger) AddRenderCallback(renderCallback RenderStateFunction) func() {
	callbackId := self.renderCallbacks.Add(renderCallback)
	return func() {
		self.renderCallbacks.Remove(callbackId)
	}
}

// a confirmed value from the initial load or a change feed push
func (self *StateMerger) SetConfirmed(document *Prototype) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// while editing, the push lands in the background only.
		// the rendered steps are the buffer's and do not change.
		self.confirmed = document
		self.gone = false
	}()
	self.fireRender()
}

// a local optimistic replacement, used for prototype metadata edits
// that bypass the step buffer
func (self *StateMerger) SetLocalDocument(document *Prototype) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.confirmed = document
	}()
	self.fireRender()
}

func (self *StateMerger) SetGone() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.gone = true
	}()
	self.fireRender()
}

// snapshot the confirmed steps into the edit buffer.
// no-op if a session is already open or nothing is loaded yet.
func (self *StateMerger) OpenSession() bool {
	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.editing || self.confirmed == nil {
			return false
		}
		self.editing = true
		self.buffer = CloneSteps(self.confirmed.Steps)
		self.baselineHash = StepsHash(self.buffer)
		return true
	}()
	if opened {
		self.fireRender()
	}
	return opened
}

// replace the open edit buffer
func (self *StateMerger) UpdateSteps(steps []*Step) {
	updated := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.editing {
			return false
		}
		self.buffer = CloneSteps(steps)
		return true
	}()
	if updated {
		self.fireRender()
	}
}

// reconcile a successful save. the buffer becomes exactly the
// server-returned value. a result arriving after the session closed is
// discarded; the change feed delivers the durable value anyway.
func (self *StateMerger) ApplySaveResult(document *Prototype) {
	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.editing {
			return false
		}
		self.confirmed = document
		self.buffer = CloneSteps(document.Steps)
		self.baselineHash = StepsHash(self.buffer)
		return true
	}()
	if applied {
		self.fireRender()
	}
}

func (self *StateMerger) CloseSession() {
	closed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.editing {
			return false
		}
		self.editing = false
		self.buffer = nil
		return true
	}()
	if closed {
		self.fireRender()
	}
}

func (self *StateMerger) IsEditing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.editing
}

func (self *StateMerger) IsDirty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isDirty()
}

// must be called with `stateLock`
func (self *StateMerger) isDirty() bool {
	if !self.editing {
		return false
	}
	return StepsHash(self.buffer) != self.baselineHash
}

// the background server-confirmed snapshot
func (self *StateMerger) Confirmed() *Prototype {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.confirmed
}

// the value the ui renders right now
func (self *StateMerger) Rendered() *RenderState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.rendered()
}

// must be called with `stateLock`
func (self *StateMerger) rendered() *RenderState {
	state := &RenderState{
		Editing: self.editing,
		Dirty:   self.isDirty(),
		Gone:    self.gone,
	}
	if self.confirmed == nil {
		return state
	}
	if self.editing {
		document := *self.confirmed
		document.Steps = self.buffer
		state.Document = &document
	} else {
		state.Document = self.confirmed
	}
	return state
}

func (self *StateMerger) fireRender() {
	var state *RenderState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		state = self.rendered()
	}()
	for _, renderCallback := range self.renderCallbacks.Get() {
		renderCallback(state)
	}
}
