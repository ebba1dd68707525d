package liveresource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Subscriber delivers real-time events for named channels. An empty channel
// name disables the subscription and returns a no-op unsubscribe
// (used to suppress the created subscription when bound to a single id).
type Subscriber interface {
	Subscribe(channel string, handler func(payload json.RawMessage)) (func(), error)
}

type SocketSubscriberSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultSocketSubscriberSettings() *SocketSubscriberSettings {
	return &SocketSubscriberSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// event frame from the socket endpoint
type socketFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// control frame to the socket endpoint
type socketControl struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type socketAuth struct {
	ByJwt      string `json:"by_jwt,omitempty"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

// SocketSubscriber is the default Subscriber: one websocket connection per
// binding instance, channel fan-out on the client side, reconnect with
// resubscribe on connection loss.
type SocketSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	auth  *ClientAuth

	settings *SocketSubscriberSettings

	mutex    sync.Mutex
	handlers map[string]*CallbackList[func(json.RawMessage)]
	ws       *websocket.Conn

	writeMutex sync.Mutex
}

func NewSocketSubscriberWithDefaults(
	ctx context.Context,
	wsUrl string,
	auth *ClientAuth,
) *SocketSubscriber {
	return NewSocketSubscriber(ctx, wsUrl, auth, DefaultSocketSubscriberSettings())
}

func NewSocketSubscriber(
	ctx context.Context,
	wsUrl string,
	auth *ClientAuth,
	settings *SocketSubscriberSettings,
) *SocketSubscriber {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscriber := &SocketSubscriber{
		ctx:      cancelCtx,
		cancel:   cancel,
		wsUrl:    wsUrl,
		auth:     auth,
		settings: settings,
		handlers: map[string]*CallbackList[func(json.RawMessage)]{},
	}
	go subscriber.run()
	return subscriber
}

func (self *SocketSubscriber) Subscribe(channel string, handler func(payload json.RawMessage)) (func(), error) {
	if channel == "" {
		return func() {}, nil
	}

	self.mutex.Lock()
	list, ok := self.handlers[channel]
	if !ok {
		list = &CallbackList[func(json.RawMessage)]{}
		self.handlers[channel] = list
	}
	first := len(list.Get()) == 0
	callbackId := list.Add(handler)
	ws := self.ws
	self.mutex.Unlock()

	if first && ws != nil {
		// best effort. the serve loop resends all subscriptions on reconnect
		if err := self.writeJson(ws, &socketControl{Type: "subscribe", Channel: channel}); err != nil {
			glog.Infof("[sub]subscribe %s = %s\n", channel, err)
		}
	}

	unsub := func() {
		self.mutex.Lock()
		list.Remove(callbackId)
		last := len(list.Get()) == 0
		ws := self.ws
		self.mutex.Unlock()

		if last && ws != nil {
			if err := self.writeJson(ws, &socketControl{Type: "unsubscribe", Channel: channel}); err != nil {
				glog.Infof("[sub]unsubscribe %s = %s\n", channel, err)
			}
		}
	}
	return unsub, nil
}

func (self *SocketSubscriber) Close() {
	self.cancel()
}

func (self *SocketSubscriber) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			glog.Infof("[sub]connect %s = %s\n", self.wsUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.serve(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SocketSubscriber) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	if self.auth != nil {
		authBytes, err := json.Marshal(&socketAuth{
			ByJwt:      self.auth.ByJwt,
			InstanceId: self.auth.InstanceId.String(),
			AppVersion: self.auth.AppVersion,
		})
		if err != nil {
			return nil, err
		}

		ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
		if messageType, message, err := ws.ReadMessage(); err != nil {
			return nil, err
		} else {
			// verify the auth echo
			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if !bytes.Equal(authBytes, message) {
					return nil, fmt.Errorf("auth response error: bad bytes")
				}
			default:
				return nil, fmt.Errorf("auth response error")
			}
		}
	}

	success = true
	return ws, nil
}

func (self *SocketSubscriber) serve(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.mutex.Lock()
	self.ws = ws
	channels := []string{}
	for channel, list := range self.handlers {
		if 0 < len(list.Get()) {
			channels = append(channels, channel)
		}
	}
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		if self.ws == ws {
			self.ws = nil
		}
		self.mutex.Unlock()
	}()

	for _, channel := range channels {
		if err := self.writeJson(ws, &socketControl{Type: "subscribe", Channel: channel}); err != nil {
			glog.Infof("[sub]resubscribe %s = %s\n", channel, err)
			return
		}
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}

			self.writeMutex.Lock()
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := ws.WriteMessage(websocket.PingMessage, []byte{})
			self.writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[sub]read %s = %s\n", self.wsUrl, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		var frame socketFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			glog.V(2).Infof("[sub]frame decode = %s\n", err)
			continue
		}
		if frame.Channel == "" {
			continue
		}

		self.mutex.Lock()
		list := self.handlers[frame.Channel]
		self.mutex.Unlock()
		if list == nil {
			continue
		}
		// handlers run in arrival order on this goroutine. no reordering or
		// coalescing of events for a channel
		for _, handler := range list.Get() {
			handler(frame.Payload)
		}
	}
}

func (self *SocketSubscriber) writeJson(ws *websocket.Conn, frame any) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frameBytes)
}
