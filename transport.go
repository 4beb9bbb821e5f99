package traderepublic

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// Transport is a full-duplex text-frame channel. Inbound events arrive on
// the callbacks registered at construction. After OnError or OnClose the
// channel must not be assumed usable.
type Transport interface {
	Open(ctx context.Context) error
	Send(message string) error
	Close() error
}

type TransportCallbacks struct {
	OnOpen    func()
	OnMessage func(message string)
	OnError   func(err error)
	OnClose   func(err error)
}

type StreamTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// 0 disables the read deadline. Quiet subscriptions are normal.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func DefaultStreamTransportSettings() *StreamTransportSettings {
	return &StreamTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      0,
		PingInterval:     30 * time.Second,
	}
}

// TransportGenerator builds the transport for one streaming connection.
// The default generator dials a websocket; tests substitute their own.
type TransportGenerator func(
	ctx context.Context,
	url string,
	header http.Header,
	callbacks TransportCallbacks,
	settings *StreamTransportSettings,
) Transport

type wsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	header    http.Header
	callbacks TransportCallbacks
	settings  *StreamTransportSettings

	sendMutex sync.Mutex
	ws        *websocket.Conn

	closeOnce sync.Once
}

func newWsTransport(
	ctx context.Context,
	url string,
	header http.Header,
	callbacks TransportCallbacks,
	settings *StreamTransportSettings,
) Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &wsTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		header:    header,
		callbacks: callbacks,
		settings:  settings,
	}
}

func (self *wsTransport) Open(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, self.header)
	if err != nil {
		return err
	}
	self.ws = ws

	go self.run()
	if 0 < self.settings.PingInterval {
		go self.ping()
	}

	if self.callbacks.OnOpen != nil {
		self.callbacks.OnOpen()
	}
	return nil
}

func (self *wsTransport) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
				// locally closed, not an error
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					glog.V(1).Infof("[ws]closed = %s\n", err)
				} else {
					glog.Infof("[ws]read error = %s\n", err)
					if self.callbacks.OnError != nil {
						self.callbacks.OnError(err)
					}
				}
			}
			if self.callbacks.OnClose != nil {
				self.callbacks.OnClose(err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if self.callbacks.OnMessage != nil {
				self.callbacks.OnMessage(string(message))
			}
		default:
			glog.V(2).Infof("[ws]other message type = %d\n", messageType)
		}
	}
}

func (self *wsTransport) ping() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.V(1).Infof("[ws]ping error = %s\n", err)
				return
			}
		}
	}
}

func (self *wsTransport) Send(message string) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, []byte(message))
}

func (self *wsTransport) Close() error {
	self.closeOnce.Do(func() {
		self.cancel()
		if self.ws != nil {
			deadline := time.Now().Add(self.settings.WriteTimeout)
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			self.ws.WriteControl(websocket.CloseMessage, message, deadline)
			self.ws.Close()
		}
	})
	return nil
}
