package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// keeps a local cache of one prototype fresh against the store.
// a change notification carries only the event type and key; the fresh
// value always comes from a point re-read.

func PrototypeTopic(prototypeId Id) string {
	return fmt.Sprintf("%s:%s", PrototypeCollection, prototypeId)
}

// the change feed side of the realtime client
type ChangeFeedTransport interface {
	Subscribe(topic string, changeCallback ChangeEventFunction, stateCallback SubscriptionStateFunction) func()
}

// feed state machine is:
// FeedStateIdle
//
//	-> FeedStateSubscribing
//	  -> FeedStateSubscribed
//	    -> FeedStateRefetching
//	      -> FeedStateSubscribed
//	-> FeedStateUnsubscribed (terminal)
type FeedState string

const (
	FeedStateIdle         FeedState = "Idle"
	FeedStateSubscribing  FeedState = "Subscribing"
	FeedStateSubscribed   FeedState = "Subscribed"
	FeedStateRefetching   FeedState = "Refetching"
	FeedStateUnsubscribed FeedState = "Unsubscribed"
)

func (self FeedState) IsTerminal() bool {
	switch self {
	case FeedStateUnsubscribed:
		return true
	default:
		return false
	}
}

type DocumentUpdate struct {
	Document *Prototype
	// the document was deleted at the store, or the initial read found
	// no record. distinct from still-loading and from transient errors.
	Gone bool
}

type DocumentUpdateFunction = func(update *DocumentUpdate)

type ChangeFeedSettings struct {
	// bound on each point re-read
	ReadTimeout time.Duration
	// buffered notifications. duplicates beyond this are dropped,
	// which is safe because a re-fetch observes the latest value.
	EventBufferSize int
}

func DefaultChangeFeedSettings() *ChangeFeedSettings {
	return &ChangeFeedSettings{
		ReadTimeout:     15 * time.Second,
		EventBufferSize: 8,
	}
}

type ChangeFeedSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       DocumentStore
	transport   ChangeFeedTransport
	prototypeId Id

	settings *ChangeFeedSettings

	stateLock sync.Mutex
	state     FeedState
	document  *Prototype
	gone      bool
	loading   bool
	connected bool

	events chan *ChangeEvent

	documentCallbacks         *CallbackList[DocumentUpdateFunction]
	connectionChangeCallbacks *CallbackList[ConnectionChangeFunction]
}

func NewChangeFeedSubscriberWithDefaults(
	ctx context.Context,
	store DocumentStore,
	transport ChangeFeedTransport,
	prototypeId Id,
) *ChangeFeedSubscriber {
	return NewChangeFeedSubscriber(ctx, store, transport, prototypeId, DefaultChangeFeedSettings())
}

func NewChangeFeedSubscriber(
	ctx context.Context,
	store DocumentStore,
	transport ChangeFeedTransport,
	prototypeId Id,
	settings *ChangeFeedSettings,
) *ChangeFeedSubscriber {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscriber := &ChangeFeedSubscriber{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		store:                     store,
		transport:                 transport,
		prototypeId:               prototypeId,
		settings:                  settings,
		state:                     FeedStateIdle,
		loading:                   true,
		events:                    make(chan *ChangeEvent, settings.EventBufferSize),
		documentCallbacks:         NewCallbackList[DocumentUpdateFunction](),
		connectionChangeCallbacks: NewCallbackList[ConnectionChangeFunction](),
	}
	go subscriber.run()
	return subscriber
}

func (self *ChangeFeedSubscriber) State() FeedState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the last successfully read value. never regresses to nil on a
// transient error.
func (self *ChangeFeedSubscriber) Document() *Prototype {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document
}

// true until the initial point read settles, success or not-found.
// a transient initial read failure also ends loading so that the ui
// does not spin forever; the document stays nil in that case.
func (self *ChangeFeedSubscriber) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *ChangeFeedSubscriber) IsGone() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.gone
}

// advisory. content renders from point reads whether or not the push
// channel is up.
func (self *ChangeFeedSubscriber) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// a registration races the initial point read, which runs on the
// subscriber's own goroutine. an already-settled value or gone state is
// replayed to the new callback so it never misses the first update.
// delivery is at least once; a duplicate replay re-confirms the same
// value and is harmless.
func (self *ChangeFeedSubscriber) AddDocumentCallback(documentCallback DocumentUpdateFunction) func() {
	callbackId := self.documentCallbacks.Add(documentCallback)

	var update *DocumentUpdate
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.gone {
			update = &DocumentUpdate{
				Gone: true,
			}
		} else if self.document != nil {
			update = &DocumentUpdate{
				Document: self.document,
			}
		}
	}()
	if update != nil {
		documentCallback(update)
	}

	return func() {
		self.documentCallbacks.Remove(callbackId)
	}
}

func (self *ChangeFeedSubscriber) AddConnectionChangeCallback(connectionChangeCallback ConnectionChangeFunction) func() {
	callbackId := self.connectionChangeCallbacks.Add(connectionChangeCallback)
	return func() {
		self.connectionChangeCallbacks.Remove(callbackId)
	}
}

func (self *ChangeFeedSubscriber) Close() {
	self.cancel()
}

func (self *ChangeFeedSubscriber) run() {
	defer self.cancel()

	self.setState(FeedStateSubscribing)
	unsubscribe := self.transport.Subscribe(
		PrototypeTopic(self.prototypeId),
		func(event *ChangeEvent) {
			select {
			case self.events <- event:
			default:
				// the buffer is full. the queued re-fetches already
				// observe the latest value.
				glog.V(2).Infof("[feed]drop %s %s\n", event.EventType, event.Key)
			}
		},
		func(subscribed bool) {
			self.setConnected(subscribed)
			if subscribed {
				self.setState(FeedStateSubscribed)
			}
		},
	)
	defer unsubscribe()

	// the initial point read happens independently of subscription
	// success. an anonymous viewer may be denied the push channel and
	// must still see content.
	self.refetch(true)

	for {
		select {
		case <-self.ctx.Done():
			self.setState(FeedStateUnsubscribed)
			return
		case event := <-self.events:
			switch event.EventType {
			case ChangeEventTypeDeleted:
				// no re-fetch. the record is gone.
				self.setGone()
			case ChangeEventTypeInserted, ChangeEventTypeUpdated:
				self.setState(FeedStateRefetching)
				self.refetch(false)
				self.setState(FeedStateSubscribed)
			default:
				glog.V(2).Infof("[feed]other=%s %s\n", event.EventType, event.Key)
			}
		}
	}
}

func (self *ChangeFeedSubscriber) refetch(initial bool) {
	readCtx, readCancel := context.WithTimeout(self.ctx, self.settings.ReadTimeout)
	defer readCancel()

	document, err := self.store.ReadPrototype(readCtx, self.prototypeId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			self.setGone()
			return
		}
		// transient failure. keep the previously held value.
		glog.Infof("[feed]refetch error %s = %s\n", self.prototypeId, err)
		if initial {
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				self.loading = false
			}()
		}
		return
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.document = document
		self.gone = false
		self.loading = false
	}()

	update := &DocumentUpdate{
		Document: document,
	}
	for _, documentCallback := range self.documentCallbacks.Get() {
		documentCallback(update)
	}
}

func (self *ChangeFeedSubscriber) setGone() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.gone = true
		self.loading = false
	}()

	update := &DocumentUpdate{
		Gone: true,
	}
	for _, documentCallback := range self.documentCallbacks.Get() {
		documentCallback(update)
	}
}

func (self *ChangeFeedSubscriber) setState(state FeedState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state.IsTerminal() {
		return
	}
	self.state = state
}

func (self *ChangeFeedSubscriber) setConnected(connected bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connected != connected {
			self.connected = connected
			changed = true
		}
	}()
	if !changed {
		return
	}
	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		connectionChangeCallback(connected)
	}
}
