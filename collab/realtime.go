package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// client for the store's push side: per-entity change notifications and
// ephemeral presence channels, multiplexed over one websocket.
// the connection is advisory. subscribers must render from point reads
// whether or not the push channel ever establishes.

const realtimeSendBufferSize = 32

type ChangeEventType string

const (
	ChangeEventTypeInserted ChangeEventType = "inserted"
	ChangeEventTypeUpdated  ChangeEventType = "updated"
	ChangeEventTypeDeleted  ChangeEventType = "deleted"
)

// delivery is at least once. a duplicate event causes a redundant
// re-fetch, which is harmless.
type ChangeEvent struct {
	EventType  ChangeEventType `json:"event_type"`
	Collection string          `json:"collection,omitempty"`
	Key        Id              `json:"key"`
}

type PresenceEventType string

const (
	PresenceEventTypeSync  PresenceEventType = "sync"
	PresenceEventTypeJoin  PresenceEventType = "join"
	PresenceEventTypeLeave PresenceEventType = "leave"
)

type PresenceEvent struct {
	EventType PresenceEventType
	Topic     string
	// full snapshot, on sync
	Users []*PresenceUser
	// on join/leave
	User *PresenceUser
}

type ChangeEventFunction = func(event *ChangeEvent)
type SubscriptionStateFunction = func(subscribed bool)
type PresenceEventFunction = func(event *PresenceEvent)
type ConnectionChangeFunction = func(connected bool)

// wire frames. json per the store contract.
const (
	frameKindAuth            = "auth"
	frameKindAuthOk          = "auth_ok"
	frameKindSubscribe       = "subscribe"
	frameKindSubscribed      = "subscribed"
	frameKindUnsubscribe     = "unsubscribe"
	frameKindChange          = "change"
	frameKindPresenceTrack   = "presence_track"
	frameKindPresenceUntrack = "presence_untrack"
	frameKindPresenceState   = "presence_state"
	frameKindPresenceJoin    = "presence_join"
	frameKindPresenceLeave   = "presence_leave"
)

type realtimeFrame struct {
	Kind  string `json:"kind"`
	Topic string `json:"topic,omitempty"`

	// auth
	Auth       string `json:"auth,omitempty"`
	InstanceId *Id    `json:"instance_id,omitempty"`

	// change
	Event *ChangeEvent `json:"event,omitempty"`

	// presence
	State *PresenceUser   `json:"state,omitempty"`
	Users []*PresenceUser `json:"users,omitempty"`
	User  *PresenceUser   `json:"user,omitempty"`
}

type RealtimeAuth struct {
	ByJwt      string
	InstanceId Id
}

type RealtimeSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type realtimeSubscription struct {
	changeCallbacks *CallbackList[ChangeEventFunction]
	stateCallbacks  *CallbackList[SubscriptionStateFunction]
	subscribed      bool
}

func newRealtimeSubscription() *realtimeSubscription {
	return &realtimeSubscription{
		changeCallbacks: NewCallbackList[ChangeEventFunction](),
		stateCallbacks:  NewCallbackList[SubscriptionStateFunction](),
	}
}

type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	realtimeUrl string
	auth        *RealtimeAuth

	settings *RealtimeSettings

	stateLock sync.Mutex
	connected bool
	// send queue of the live connection. nil while disconnected.
	send chan *realtimeFrame
	// topic -> subscription. persists across reconnects and is
	// replayed on each new connection.
	subscriptions map[string]*realtimeSubscription
	// topic -> last tracked presence state, replayed on reconnect.
	// presence is connection scoped at the service; re-track is how
	// the local record survives a reconnect.
	presenceStates    map[string]*PresenceUser
	presenceCallbacks map[string]*CallbackList[PresenceEventFunction]

	connectionChangeCallbacks *CallbackList[ConnectionChangeFunction]
}

func NewRealtimeClientWithDefaults(
	ctx context.Context,
	realtimeUrl string,
	auth *RealtimeAuth,
) *RealtimeClient {
	return NewRealtimeClient(ctx, realtimeUrl, auth, DefaultRealtimeSettings())
}

func NewRealtimeClient(
	ctx context.Context,
	realtimeUrl string,
	auth *RealtimeAuth,
	settings *RealtimeSettings,
) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		realtimeUrl:               realtimeUrl,
		auth:                      auth,
		settings:                  settings,
		subscriptions:             map[string]*realtimeSubscription{},
		presenceStates:            map[string]*PresenceUser{},
		presenceCallbacks:         map[string]*CallbackList[PresenceEventFunction]{},
		connectionChangeCallbacks: NewCallbackList[ConnectionChangeFunction](),
	}
	go client.run()
	return client
}

func (self *RealtimeClient) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *RealtimeClient) AddConnectionChangeCallback(connectionChangeCallback ConnectionChangeFunction) func() {
	callbackId := self.connectionChangeCallbacks.Add(connectionChangeCallback)
	return func() {
		self.connectionChangeCallbacks.Remove(callbackId)
	}
}

// subscribe to change events for a topic.
// `stateCallback` may be nil. it is called with true on each subscribe
// ack, including re-subscribes after a reconnect, and with false when
// the connection drops.
func (self *RealtimeClient) Subscribe(
	topic string,
	changeCallback ChangeEventFunction,
	stateCallback SubscriptionStateFunction,
) func() {
	var subscription *realtimeSubscription
	var changeCallbackId int
	stateCallbackId := -1
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		subscription, ok = self.subscriptions[topic]
		if !ok {
			subscription = newRealtimeSubscription()
			self.subscriptions[topic] = subscription
			self.enqueueFrame(&realtimeFrame{
				Kind:  frameKindSubscribe,
				Topic: topic,
			})
		}
		changeCallbackId = subscription.changeCallbacks.Add(changeCallback)
		if stateCallback != nil {
			stateCallbackId = subscription.stateCallbacks.Add(stateCallback)
		}
	}()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		subscription.changeCallbacks.Remove(changeCallbackId)
		if 0 <= stateCallbackId {
			subscription.stateCallbacks.Remove(stateCallbackId)
		}
		if subscription.changeCallbacks.Len() == 0 && subscription.stateCallbacks.Len() == 0 {
			delete(self.subscriptions, topic)
			self.enqueueFrame(&realtimeFrame{
				Kind:  frameKindUnsubscribe,
				Topic: topic,
			})
		}
	}
}

// track or re-track the local presence state on a channel.
// tracking the same topic again replaces the previous state, which is
// how partial updates (editing flags) are broadcast.
func (self *RealtimeClient) Track(topic string, state *PresenceUser) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stateCopy := *state
	self.presenceStates[topic] = &stateCopy
	self.enqueueFrame(&realtimeFrame{
		Kind:  frameKindPresenceTrack,
		Topic: topic,
		State: &stateCopy,
	})
}

func (self *RealtimeClient) Untrack(topic string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.presenceStates[topic]; !ok {
		return
	}
	delete(self.presenceStates, topic)
	self.enqueueFrame(&realtimeFrame{
		Kind:  frameKindPresenceUntrack,
		Topic: topic,
	})
}

func (self *RealtimeClient) AddPresenceCallback(topic string, presenceCallback PresenceEventFunction) func() {
	var callbacks *CallbackList[PresenceEventFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		callbacks, ok = self.presenceCallbacks[topic]
		if !ok {
			callbacks = NewCallbackList[PresenceEventFunction]()
			self.presenceCallbacks[topic] = callbacks
		}
	}()
	callbackId := callbacks.Add(presenceCallback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks.Remove(callbackId)
		if callbacks.Len() == 0 {
			delete(self.presenceCallbacks, topic)
		}
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}

// must be called with `stateLock`
func (self *RealtimeClient) enqueueFrame(frame *realtimeFrame) {
	if self.send == nil {
		// disconnected. live subscriptions and presence states are
		// replayed when the next connection establishes.
		return
	}
	select {
	case self.send <- frame:
	default:
		glog.Infof("[rt]drop %s %s\n", frame.Kind, frame.Topic)
	}
}

func (self *RealtimeClient) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.runConnection(ws)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RealtimeClient) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.realtimeUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	instanceId := self.auth.InstanceId
	authFrame := &realtimeFrame{
		Kind:       frameKindAuth,
		Auth:       self.auth.ByJwt,
		InstanceId: &instanceId,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteJSON(authFrame); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var ackFrame realtimeFrame
	if err := ws.ReadJSON(&ackFrame); err != nil {
		return nil, err
	}
	if ackFrame.Kind != frameKindAuthOk {
		return nil, fmt.Errorf("auth response error: %s", ackFrame.Kind)
	}

	success = true
	return ws, nil
}

func (self *RealtimeClient) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *realtimeFrame, realtimeSendBufferSize)

	// install the send queue and replay the live subscriptions and
	// presence states onto the new connection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.send = send
		for topic := range self.subscriptions {
			self.enqueueFrame(&realtimeFrame{
				Kind:  frameKindSubscribe,
				Topic: topic,
			})
		}
		for topic, state := range self.presenceStates {
			self.enqueueFrame(&realtimeFrame{
				Kind:  frameKindPresenceTrack,
				Topic: topic,
				State: state,
			})
		}
	}()

	self.setConnected(true)
	defer func() {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.send = nil
		}()
		self.setConnected(false)
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(frame); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->%s %s\n", frame.Kind, frame.Topic)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rt]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[rt]ping<-\n")
					continue
				}

				var frame realtimeFrame
				if err := json.Unmarshal(message, &frame); err != nil {
					glog.Infof("[rt]<- frame error = %s\n", err)
					continue
				}
				glog.V(2).Infof("[rt]<-%s %s\n", frame.Kind, frame.Topic)
				self.handleFrame(&frame)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *RealtimeClient) setConnected(connected bool) {
	var subscriptionStateCallbacks [][]SubscriptionStateFunction
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.connected == connected {
			return
		}
		self.connected = connected
		changed = true

		if !connected {
			// every subscription must re-handshake on the next connection
			for _, subscription := range self.subscriptions {
				if subscription.subscribed {
					subscription.subscribed = false
					subscriptionStateCallbacks = append(subscriptionStateCallbacks, subscription.stateCallbacks.Get())
				}
			}
		}
	}()

	if !changed {
		return
	}
	for _, stateCallbacks := range subscriptionStateCallbacks {
		for _, stateCallback := range stateCallbacks {
			stateCallback(false)
		}
	}
	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		connectionChangeCallback(connected)
	}
}

func (self *RealtimeClient) handleFrame(frame *realtimeFrame) {
	switch frame.Kind {
	case frameKindSubscribed:
		var stateCallbacks []SubscriptionStateFunction
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if subscription, ok := self.subscriptions[frame.Topic]; ok {
				subscription.subscribed = true
				stateCallbacks = subscription.stateCallbacks.Get()
			}
		}()
		for _, stateCallback := range stateCallbacks {
			stateCallback(true)
		}
	case frameKindChange:
		if frame.Event == nil {
			return
		}
		var changeCallbacks []ChangeEventFunction
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if subscription, ok := self.subscriptions[frame.Topic]; ok {
				changeCallbacks = subscription.changeCallbacks.Get()
			}
		}()
		for _, changeCallback := range changeCallbacks {
			changeCallback(frame.Event)
		}
	case frameKindPresenceState:
		self.firePresenceEvent(&PresenceEvent{
			EventType: PresenceEventTypeSync,
			Topic:     frame.Topic,
			Users:     frame.Users,
		})
	case frameKindPresenceJoin:
		self.firePresenceEvent(&PresenceEvent{
			EventType: PresenceEventTypeJoin,
			Topic:     frame.Topic,
			User:      frame.User,
		})
	case frameKindPresenceLeave:
		self.firePresenceEvent(&PresenceEvent{
			EventType: PresenceEventTypeLeave,
			Topic:     frame.Topic,
			User:      frame.User,
		})
	default:
		glog.V(2).Infof("[rt]<-other=%s\n", frame.Kind)
	}
}

func (self *RealtimeClient) firePresenceEvent(event *PresenceEvent) {
	var presenceCallbacks []PresenceEventFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if callbacks, ok := self.presenceCallbacks[event.Topic]; ok {
			presenceCallbacks = callbacks.Get()
		}
	}()
	for _, presenceCallback := range presenceCallbacks {
		presenceCallback(event)
	}
}
