package traderepublic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

var ErrNotConnected = errors.New("stream is not connected")
var ErrAlreadyConnected = errors.New("stream is already connected or connecting")

type streamState int

const (
	streamStateInit streamState = iota
	streamStateOpening
	streamStateOpen
	streamStateClosed
	streamStateFailed
)

func (self streamState) String() string {
	switch self {
	case streamStateInit:
		return "init"
	case streamStateOpening:
		return "opening"
	case streamStateOpen:
		return "open"
	case streamStateClosed:
		return "closed"
	case streamStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connectPayload is the handshake sent on the reserved id once the
// transport opens.
type connectPayload struct {
	Locale        string `json:"locale"`
	PlatformId    string `json:"platformId"`
	ClientId      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type StreamSettings struct {
	Url    string
	Origin string

	Locale        string
	PlatformId    string
	ClientId      string
	ClientVersion string

	Transport          *StreamTransportSettings
	TransportGenerator TransportGenerator
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		Url:           "wss://api.traderepublic.com",
		Origin:        "https://app.traderepublic.com",
		Locale:        "en",
		PlatformId:    "webtrading",
		ClientId:      "app.traderepublic.com",
		ClientVersion: "3.151.3",
		Transport:     DefaultStreamTransportSettings(),
	}
}

// SubscriptionMessage is one decoded update for a subscription. Payload is
// the raw document text exactly as reconstructed, valid JSON; it is nil for
// FrameKindClose, which is the last message a callback sees for its id.
type SubscriptionMessage struct {
	Id      string
	Kind    FrameKind
	Payload json.RawMessage
}

type SubscriptionCallback func(message SubscriptionMessage)

// StreamClient multiplexes many subscriptions over one websocket. All
// lifecycle state is guarded by a single mutex; inbound frames are delivered
// from the transport's single reader goroutine, and callbacks run
// synchronously with receipt, so a slow callback holds up delivery for every
// subscription on the channel. Callbacks must not block indefinitely.
//
// The client does not reconnect. After an error or close the caller decides
// whether to call Connect again; subscriptions do not survive the channel.
type StreamClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *StreamSettings
	cookies  func() []string

	mutex        sync.Mutex
	state        streamState
	transport    Transport
	connectDone  chan error
	connectionId ulid.ULID

	registry *subscriptionRegistry

	openCallbacks    *CallbackList[func()]
	messageCallbacks *CallbackList[func(string)]
	errorCallbacks   *CallbackList[func(error)]
	closeCallbacks   *CallbackList[func(error)]
}

func newStreamClient(ctx context.Context, settings *StreamSettings, cookies func() []string) *StreamClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		cookies:          cookies,
		state:            streamStateInit,
		registry:         newSubscriptionRegistry(),
		openCallbacks:    NewCallbackList[func()](),
		messageCallbacks: NewCallbackList[func(string)](),
		errorCallbacks:   NewCallbackList[func(error)](),
		closeCallbacks:   NewCallbackList[func(error)](),
	}
}

// event registration. The returned function removes the callback.

func (self *StreamClient) AddOpenCallback(callback func()) func() {
	callbackId := self.openCallbacks.Add(callback)
	return func() {
		self.openCallbacks.Remove(callbackId)
	}
}

func (self *StreamClient) AddMessageCallback(callback func(raw string)) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *StreamClient) AddErrorCallback(callback func(err error)) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *StreamClient) AddCloseCallback(callback func(err error)) func() {
	callbackId := self.closeCallbacks.Add(callback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

// Connect opens the transport to the default url, performs the handshake,
// and returns once the connect frame has been sent.
func (self *StreamClient) Connect(ctx context.Context) error {
	return self.ConnectUrl(ctx, self.settings.Url)
}

func (self *StreamClient) ConnectUrl(ctx context.Context, url string) error {
	cookies := self.cookies()
	if len(cookies) == 0 {
		return ErrNotAuthenticated
	}

	self.mutex.Lock()
	switch self.state {
	case streamStateOpening, streamStateOpen:
		self.mutex.Unlock()
		return ErrAlreadyConnected
	}
	self.state = streamStateOpening
	self.connectionId = ulid.Make()
	connectDone := make(chan error, 1)
	self.connectDone = connectDone

	header := http.Header{}
	header.Set("Cookie", strings.Join(cookies, "; "))
	header.Set("Origin", self.settings.Origin)

	callbacks := TransportCallbacks{
		OnOpen:    self.handleOpen,
		OnMessage: self.handleMessage,
		OnError:   self.handleError,
		OnClose:   self.handleClose,
	}
	generator := self.settings.TransportGenerator
	if generator == nil {
		generator = newWsTransport
	}
	transport := generator(self.ctx, url, header, callbacks, self.settings.Transport)
	self.transport = transport
	self.mutex.Unlock()

	glog.V(1).Infof("[s]%s connect %s\n", self.connectionId, url)

	if err := transport.Open(ctx); err != nil {
		self.mutex.Lock()
		self.state = streamStateFailed
		self.transport = nil
		self.connectDone = nil
		self.mutex.Unlock()
		return err
	}

	select {
	case err := <-connectDone:
		return err
	case <-ctx.Done():
		self.Disconnect()
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrNotConnected
	}
}

func (self *StreamClient) handleOpen() {
	payload, err := json.Marshal(&connectPayload{
		Locale:        self.settings.Locale,
		PlatformId:    self.settings.PlatformId,
		ClientId:      self.settings.ClientId,
		ClientVersion: self.settings.ClientVersion,
	})
	if err != nil {
		self.failConnect(err)
		return
	}

	self.mutex.Lock()
	transport := self.transport
	self.mutex.Unlock()
	if transport == nil {
		return
	}

	if err := transport.Send(encodeConnectFrame(payload)); err != nil {
		self.failConnect(err)
		return
	}

	self.mutex.Lock()
	self.state = streamStateOpen
	connectDone := self.connectDone
	self.connectDone = nil
	self.mutex.Unlock()

	glog.V(1).Infof("[s]%s open\n", self.connectionId)

	for _, callback := range self.openCallbacks.Get() {
		callback()
	}
	if connectDone != nil {
		connectDone <- nil
	}
}

func (self *StreamClient) failConnect(err error) {
	self.mutex.Lock()
	self.state = streamStateFailed
	connectDone := self.connectDone
	self.connectDone = nil
	self.mutex.Unlock()

	if connectDone != nil {
		connectDone <- err
	}
}

// Subscribe allocates an id, registers the callback, and sends the sub
// frame. The callback sees snapshots and deltas as they arrive and finally
// one FrameKindClose message when the server ends the subscription.
func (self *StreamClient) Subscribe(topic any, callback SubscriptionCallback) (string, error) {
	topicBytes, err := json.Marshal(topic)
	if err != nil {
		return "", err
	}

	self.mutex.Lock()
	if self.state != streamStateOpen {
		self.mutex.Unlock()
		return "", ErrNotConnected
	}
	transport := self.transport
	id := self.registry.allocateId()
	self.registry.install(id, topicBytes, callback)
	self.mutex.Unlock()

	if err := transport.Send(encodeSubFrame(id, topicBytes)); err != nil {
		self.registry.remove(id)
		return "", err
	}
	glog.V(2).Infof("[s]%s sub %s\n", self.connectionId, id)
	return id, nil
}

// SubscribeWithId sends a sub frame for an id the caller manages. The
// registry is not touched.
func (self *StreamClient) SubscribeWithId(id string, topic any) error {
	topicBytes, err := json.Marshal(topic)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	if self.state != streamStateOpen {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	transport := self.transport
	self.mutex.Unlock()

	return transport.Send(encodeSubFrame(id, topicBytes))
}

// Unsubscribe tells the server to end the subscription. The local entry is
// kept until the server's C frame so that in-flight frames still route.
func (self *StreamClient) Unsubscribe(id string, topic any) error {
	topicBytes, err := json.Marshal(topic)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	if self.state != streamStateOpen {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	transport := self.transport
	self.mutex.Unlock()

	if err := transport.Send(encodeUnsubFrame(id, topicBytes)); err != nil {
		return err
	}
	glog.V(2).Infof("[s]%s unsub %s\n", self.connectionId, id)
	return nil
}

// Send writes a raw frame on the channel.
func (self *StreamClient) Send(raw string) error {
	self.mutex.Lock()
	if self.state != streamStateOpen {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	transport := self.transport
	self.mutex.Unlock()

	return transport.Send(raw)
}

// Disconnect hard-cancels the channel. The registry is emptied and no
// synthetic close is delivered to callbacks.
func (self *StreamClient) Disconnect() {
	self.mutex.Lock()
	transport := self.transport
	self.transport = nil
	self.state = streamStateClosed
	connectDone := self.connectDone
	self.connectDone = nil
	self.mutex.Unlock()

	self.registry.clear()
	if transport != nil {
		transport.Close()
	}
	if connectDone != nil {
		connectDone <- ErrNotConnected
	}
	glog.V(1).Infof("[s]%s disconnect\n", self.connectionId)
}

func (self *StreamClient) handleMessage(raw string) {
	for _, callback := range self.messageCallbacks.Get() {
		callback(raw)
	}

	frame, err := decodeServerFrame(raw)
	if err != nil {
		glog.V(1).Infof("[s]%s drop undecodable frame = %s\n", self.connectionId, err)
		return
	}

	callback, last, hasLast, ok := self.registry.lookup(frame.Id)
	if !ok {
		// unsubscribed or never subscribed
		glog.V(2).Infof("[s]%s drop frame for inactive id %s\n", self.connectionId, frame.Id)
		return
	}

	switch frame.Kind {
	case FrameKindSnapshot:
		if !json.Valid([]byte(frame.Payload)) {
			glog.Infof("[s]%s %s snapshot is not valid json\n", self.connectionId, frame.Id)
			return
		}
		self.registry.setLast(frame.Id, frame.Payload)
		if callback != nil {
			callback(SubscriptionMessage{
				Id:      frame.Id,
				Kind:    FrameKindSnapshot,
				Payload: json.RawMessage(frame.Payload),
			})
		}
	case FrameKindDelta:
		if !hasLast {
			glog.Infof("[s]%s %s delta without snapshot\n", self.connectionId, frame.Id)
			return
		}
		next, err := applyDelta(last, frame.Payload)
		if err != nil {
			glog.Infof("[s]%s %s delta apply error = %s\n", self.connectionId, frame.Id, err)
			return
		}
		// the reconstructed text replaces the snapshot even when it fails to
		// parse; the server chains deltas from its own serialization
		self.registry.setLast(frame.Id, next)
		if !json.Valid([]byte(next)) {
			glog.Infof("[s]%s %s patched document is not valid json\n", self.connectionId, frame.Id)
			return
		}
		if callback != nil {
			callback(SubscriptionMessage{
				Id:      frame.Id,
				Kind:    FrameKindDelta,
				Payload: json.RawMessage(next),
			})
		}
	case FrameKindClose:
		if callback != nil {
			callback(SubscriptionMessage{
				Id:   frame.Id,
				Kind: FrameKindClose,
			})
		}
		self.registry.remove(frame.Id)
		glog.V(2).Infof("[s]%s %s closed by server\n", self.connectionId, frame.Id)
	}
}

func (self *StreamClient) handleError(err error) {
	glog.Infof("[s]%s transport error = %s\n", self.connectionId, err)

	self.failConnect(err)
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
}

func (self *StreamClient) handleClose(err error) {
	self.mutex.Lock()
	if self.transport == nil && self.state == streamStateClosed {
		// locally disconnected, already torn down
		self.mutex.Unlock()
		return
	}
	self.transport = nil
	self.state = streamStateClosed
	connectDone := self.connectDone
	self.connectDone = nil
	self.mutex.Unlock()

	// entries will never be seen again
	self.registry.clear()

	glog.V(1).Infof("[s]%s close = %s\n", self.connectionId, err)
	for _, callback := range self.closeCallbacks.Get() {
		callback(err)
	}
	if connectDone != nil {
		connectDone <- ErrNotConnected
	}
}
