package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// shared fixtures for the package tests

func testPrototype() *Prototype {
	return &Prototype{
		PrototypeId:  NewId(),
		Name:         "guided job match",
		Description:  "multi step flow",
		PrimaryColor: "#1f6feb",
		Steps: []*Step{
			testStep("What kind of work are you looking for?"),
		},
		CreatedAt: time.Now().Add(-1 * time.Hour),
		UpdatedAt: time.Now().Add(-1 * time.Hour),
	}
}

func testStep(question string) *Step {
	return &Step{
		StepId:   NewId(),
		Question: question,
		Elements: []*Element{
			NewElement(ElementTypeTextField, &TextFieldConfig{
				Label:       "Role",
				Placeholder: "e.g. electrician",
			}),
		},
	}
}

// in-memory document store with failure injection
type testStore struct {
	stateLock sync.Mutex

	prototypes map[Id]*Prototype

	readErr  error
	writeErr error

	readCount  int
	writeCount int
	writes     []*PrototypeUpdate
}

func newTestStore() *testStore {
	return &testStore{
		prototypes: map[Id]*Prototype{},
	}
}

func (self *testStore) put(prototype *Prototype) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.prototypes[prototype.PrototypeId] = prototype.Clone()
}

func (self *testStore) setReadErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.readErr = err
}

func (self *testStore) setWriteErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writeErr = err
}

func (self *testStore) counts() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readCount, self.writeCount
}

func (self *testStore) lastWrite() *PrototypeUpdate {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.writes) == 0 {
		return nil
	}
	return self.writes[len(self.writes)-1]
}

func (self *testStore) ReadPrototype(ctx context.Context, prototypeId Id) (*Prototype, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.readCount += 1
	if self.readErr != nil {
		return nil, self.readErr
	}
	prototype, ok := self.prototypes[prototypeId]
	if !ok {
		return nil, ErrNotFound
	}
	return prototype.Clone(), nil
}

func (self *testStore) WritePrototype(ctx context.Context, prototypeId Id, update *PrototypeUpdate) (*Prototype, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.writeCount += 1
	self.writes = append(self.writes, update)
	if self.writeErr != nil {
		return nil, self.writeErr
	}

	prototype, ok := self.prototypes[prototypeId]
	if !ok {
		prototype = &Prototype{
			PrototypeId: prototypeId,
			CreatedAt:   time.Now(),
		}
	}
	next := prototype.Clone()
	if update.Name != nil {
		next.Name = *update.Name
	}
	if update.Description != nil {
		next.Description = *update.Description
	}
	if update.PrimaryColor != nil {
		next.PrimaryColor = *update.PrimaryColor
	}
	if update.LogoUrl != nil {
		next.LogoUrl = *update.LogoUrl
	}
	if update.LogoUploadMode != nil {
		next.LogoUploadMode = *update.LogoUploadMode
	}
	if update.Steps != nil {
		next.Steps = CloneSteps(update.Steps)
	}
	next.UpdatedAt = time.Now()
	self.prototypes[prototypeId] = next
	return next.Clone(), nil
}

var errTestTransient = errors.New("connection reset")

// fake realtime transport. tests drive events directly.
type testTransport struct {
	stateLock sync.Mutex

	changeCallbacks   map[string]*CallbackList[ChangeEventFunction]
	stateCallbacks    map[string]*CallbackList[SubscriptionStateFunction]
	presenceCallbacks map[string]*CallbackList[PresenceEventFunction]

	tracked      map[string]*PresenceUser
	trackCounts  map[string]int
	untrackCount int
}

func newTestTransport() *testTransport {
	return &testTransport{
		changeCallbacks:   map[string]*CallbackList[ChangeEventFunction]{},
		stateCallbacks:    map[string]*CallbackList[SubscriptionStateFunction]{},
		presenceCallbacks: map[string]*CallbackList[PresenceEventFunction]{},
		tracked:           map[string]*PresenceUser{},
		trackCounts:       map[string]int{},
	}
}

func (self *testTransport) Subscribe(
	topic string,
	changeCallback ChangeEventFunction,
	stateCallback SubscriptionStateFunction,
) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changeCallbacks, ok := self.changeCallbacks[topic]
	if !ok {
		changeCallbacks = NewCallbackList[ChangeEventFunction]()
		self.changeCallbacks[topic] = changeCallbacks
	}
	changeCallbackId := changeCallbacks.Add(changeCallback)

	stateCallbackId := -1
	if stateCallback != nil {
		stateCallbacks, ok := self.stateCallbacks[topic]
		if !ok {
			stateCallbacks = NewCallbackList[SubscriptionStateFunction]()
			self.stateCallbacks[topic] = stateCallbacks
		}
		stateCallbackId = stateCallbacks.Add(stateCallback)
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		changeCallbacks.Remove(changeCallbackId)
		if 0 <= stateCallbackId {
			self.stateCallbacks[topic].Remove(stateCallbackId)
		}
	}
}

func (self *testTransport) Track(topic string, state *PresenceUser) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stateCopy := *state
	self.tracked[topic] = &stateCopy
	self.trackCounts[topic] += 1
}

func (self *testTransport) Untrack(topic string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.tracked, topic)
	self.untrackCount += 1
}

func (self *testTransport) AddPresenceCallback(topic string, presenceCallback PresenceEventFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.presenceCallbacks[topic]
	if !ok {
		callbacks = NewCallbackList[PresenceEventFunction]()
		self.presenceCallbacks[topic] = callbacks
	}
	callbackId := callbacks.Add(presenceCallback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callbacks.Remove(callbackId)
	}
}

func (self *testTransport) trackedState(topic string) *PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tracked[topic]
}

func (self *testTransport) trackCount(topic string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.trackCounts[topic]
}

func (self *testTransport) untracks() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.untrackCount
}

func (self *testTransport) fireSubscribed(topic string) {
	self.stateLock.Lock()
	stateCallbacks := self.stateCallbacks[topic]
	self.stateLock.Unlock()
	if stateCallbacks == nil {
		return
	}
	for _, stateCallback := range stateCallbacks.Get() {
		stateCallback(true)
	}
}

func (self *testTransport) fireChange(topic string, event *ChangeEvent) {
	self.stateLock.Lock()
	changeCallbacks := self.changeCallbacks[topic]
	self.stateLock.Unlock()
	if changeCallbacks == nil {
		return
	}
	for _, changeCallback := range changeCallbacks.Get() {
		changeCallback(event)
	}
}

func (self *testTransport) firePresence(event *PresenceEvent) {
	self.stateLock.Lock()
	presenceCallbacks := self.presenceCallbacks[event.Topic]
	self.stateLock.Unlock()
	if presenceCallbacks == nil {
		return
	}
	for _, presenceCallback := range presenceCallbacks.Get() {
		presenceCallback(event)
	}
}

// poll until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
