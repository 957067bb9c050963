package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// coalesces rapid edits into a single delayed write.
// at most one pending timer and at most one in-flight write exist per
// scheduler. a change replaces the pending fire, never queues a second.

type SaveFunction = func(document *Prototype)

type AutoSaveSettings struct {
	DebounceTimeout time.Duration
	WriteTimeout    time.Duration
}

// step edits in the editor
func DefaultAutoSaveSettings() *AutoSaveSettings {
	return &AutoSaveSettings{
		DebounceTimeout: 2000 * time.Millisecond,
		WriteTimeout:    15 * time.Second,
	}
}

// prototype-level metadata edits
func DefaultMetadataAutoSaveSettings() *AutoSaveSettings {
	return &AutoSaveSettings{
		DebounceTimeout: 1000 * time.Millisecond,
		WriteTimeout:    15 * time.Second,
	}
}

type AutoSaveScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       DocumentStore
	prototypeId Id

	settings *AutoSaveSettings

	stateLock sync.Mutex
	enabled   bool
	// latest candidate waiting for the debounce window
	pending      *Prototype
	pendingTimer *time.Timer
	isSaving     bool
	// a change landed while a write was in flight
	rearm            bool
	lastSavedHash    DocumentHash
	hasLastSavedHash bool
	lastSaved        time.Time

	// signaled when an in-flight write settles
	saveMonitor *Monitor

	// invoked with the authoritative returned document on each
	// successful write
	saveCallbacks *CallbackList[SaveFunction]
}

func NewAutoSaveSchedulerWithDefaults(
	ctx context.Context,
	store DocumentStore,
	prototypeId Id,
) *AutoSaveScheduler {
	return NewAutoSaveScheduler(ctx, store, prototypeId, DefaultAutoSaveSettings())
}

func NewAutoSaveScheduler(
	ctx context.Context,
	store DocumentStore,
	prototypeId Id,
	settings *AutoSaveSettings,
) *AutoSaveScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AutoSaveScheduler{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		prototypeId:   prototypeId,
		settings:      settings,
		saveMonitor:   NewMonitor(),
		saveCallbacks: NewCallbackList[SaveFunction](),
	}
}

func (self *AutoSaveScheduler) AddSaveCallback(saveCallback SaveFunction) func() {
	callbackId := self.saveCallbacks.Add(saveCallback)
	return func() {
		self.saveCallbacks.Remove(callbackId)
	}
}

// armed only while an edit session is open.
// disabling cancels the pending timer. an in-flight write completes;
// its result is the caller's to discard.
func (self *AutoSaveScheduler) SetEnabled(enabled bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.enabled == enabled {
		return
	}
	self.enabled = enabled
	if !enabled {
		self.stopPendingTimer()
		self.pending = nil
		self.rearm = false
	}
}

// seed the last-saved baseline from a loaded document so that a
// content-identical re-render schedules nothing
func (self *AutoSaveScheduler) SetSavedBaseline(document *Prototype) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastSavedHash = document.ContentHash()
	self.hasLastSavedHash = true
}

func (self *AutoSaveScheduler) IsSaving() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isSaving
}

func (self *AutoSaveScheduler) LastSaved() (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSaved, !self.lastSaved.IsZero()
}

func (self *AutoSaveScheduler) IsDirty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pending != nil
}

// watch a new candidate snapshot.
// content identical to the last successful save is an idempotent no-op.
// otherwise the single pending timer re-arms with this candidate.
func (self *AutoSaveScheduler) Update(candidate *Prototype) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.enabled {
		return
	}
	if self.hasLastSavedHash && candidate.ContentHash() == self.lastSavedHash {
		return
	}

	self.pending = candidate.Clone()
	self.stopPendingTimer()
	self.pendingTimer = time.AfterFunc(self.settings.DebounceTimeout, self.fire)
}

// cancel any pending timer and write immediately.
// waits out an in-flight write first so that writes are never
// pipelined for the same document. returns (nil, nil) when there is
// nothing dirty to save.
func (self *AutoSaveScheduler) SaveNow(ctx context.Context) (*Prototype, error) {
	var candidate *Prototype
	for {
		var notify <-chan struct{}
		claimed := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.isSaving {
				notify = self.saveMonitor.NotifyChannel()
				return false
			}
			self.stopPendingTimer()
			candidate = self.pending
			if candidate == nil {
				return true
			}
			self.pending = nil
			self.isSaving = true
			return true
		}()
		if claimed {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, self.ctx.Err()
		case <-notify:
		}
	}
	if candidate == nil {
		return nil, nil
	}
	return self.save(ctx, candidate)
}

func (self *AutoSaveScheduler) Close() {
	self.cancel()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stopPendingTimer()
	self.pending = nil
}

// must be called with `stateLock`
func (self *AutoSaveScheduler) stopPendingTimer() {
	if self.pendingTimer != nil {
		self.pendingTimer.Stop()
		self.pendingTimer = nil
	}
}

// debounce timer fired
func (self *AutoSaveScheduler) fire() {
	var candidate *Prototype
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.pendingTimer = nil
		if !self.enabled || self.pending == nil {
			return
		}
		if self.isSaving {
			// never two writes in flight for the same document.
			// the pending change re-arms when the write settles.
			self.rearm = true
			return
		}
		candidate = self.pending
		self.pending = nil
		self.isSaving = true
	}()
	if candidate == nil {
		return
	}

	writeCtx, writeCancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	defer writeCancel()
	self.save(writeCtx, candidate)
}

// the caller holds the in-flight claim (`isSaving`)
func (self *AutoSaveScheduler) save(ctx context.Context, candidate *Prototype) (*Prototype, error) {
	result, err := self.store.WritePrototype(ctx, self.prototypeId, NewPrototypeUpdate(candidate))

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.isSaving = false
		if err != nil {
			// keep the dirty state so the next change or a manual
			// flush retries. no self-retry timer.
			glog.Infof("[save]%s error = %s\n", self.prototypeId, err)
			if self.pending == nil {
				self.pending = candidate
			}
		} else {
			self.lastSaved = time.Now()
			self.lastSavedHash = result.ContentHash()
			self.hasLastSavedHash = true
		}
		if self.rearm {
			self.rearm = false
			if self.enabled && self.pending != nil {
				self.stopPendingTimer()
				self.pendingTimer = time.AfterFunc(self.settings.DebounceTimeout, self.fire)
			}
		}
	}()
	self.saveMonitor.NotifyAll()

	if err != nil {
		return nil, err
	}

	for _, saveCallback := range self.saveCallbacks.Get() {
		saveCallback(result)
	}
	return result, nil
}
