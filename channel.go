package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (self ConnState) String() string {
	switch self {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	ReconnectPolicy    *ReconnectPolicy
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
		ReconnectPolicy:    DefaultReconnectPolicy(),
	}
}

// the join/leave control frame sent to the push endpoint
type controlMessage struct {
	Action    string `json:"action"`
	ProjectId Id     `json:"projectId"`
}

// one inbound frame from the push endpoint
type pushMessage struct {
	Event     string         `json:"event"`
	TodoId    Id             `json:"todoId,omitempty"`
	FeatureId Id             `json:"featureId,omitempty"`
	ProjectId Id             `json:"projectId,omitempty"`
	UserId    Id             `json:"userId,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// Channel owns the single push connection for a client session. The server
// side does not implement a negotiation handshake, so the dial goes straight
// to a raw websocket with the session token as a query parameter.
//
// The channel never retries on its own schedule; drops are handed to the
// reconnect policy, which bounds both the delay and the attempt count. After
// the attempts are exhausted the state goes Disconnected and stays there
// until Connect is called again; poll State or GaveUp, no error is raised.
type Channel struct {
	ctx context.Context

	dispatcher *Dispatcher
	wsUrl      string
	jwt        string

	settings *ChannelSettings

	mutex     sync.Mutex
	state     ConnState
	running   bool
	gaveUp    bool
	runCancel context.CancelFunc
	send      chan []byte
	joined    map[Id]bool
}

func NewChannelWithDefaults(ctx context.Context, dispatcher *Dispatcher, wsUrl string, jwt string) *Channel {
	return NewChannel(ctx, dispatcher, wsUrl, jwt, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, dispatcher *Dispatcher, wsUrl string, jwt string, settings *ChannelSettings) *Channel {
	return &Channel{
		ctx:        ctx,
		dispatcher: dispatcher,
		wsUrl:      wsUrl,
		jwt:        jwt,
		settings:   settings,
		state:      StateDisconnected,
		joined:     map[Id]bool{},
	}
}

// Connect starts the connection lifecycle. It is idempotent and non-blocking:
// a second call while a lifecycle is running returns immediately without a
// second dial, and does not wait for the first to finish connecting. Progress
// is observable through State and the connected/reconnecting/reconnected
// events.
func (self *Channel) Connect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.running {
		return
	}
	self.running = true
	self.gaveUp = false
	self.state = StateConnecting

	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.send = make(chan []byte, self.settings.SendBufferSize)

	go self.run(runCtx, self.send)
}

// Disconnect cancels any pending reconnect wait, clears the subscription
// registry, and drops the joined-project set. Terminal until Connect.
func (self *Channel) Disconnect() {
	self.mutex.Lock()
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	self.running = false
	self.gaveUp = false
	self.state = StateDisconnected
	self.joined = map[Id]bool{}
	self.mutex.Unlock()

	self.dispatcher.Clear()
}

func (self *Channel) IsConnected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == StateConnected
}

func (self *Channel) State() ConnState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// GaveUp reports that the reconnect policy exhausted its attempts.
func (self *Channel) GaveUp() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.gaveUp
}

// JoinProject subscribes this connection to the project's push events and
// registers the project for automatic rejoin after a reconnect.
func (self *Channel) JoinProject(projectId Id) error {
	self.mutex.Lock()
	if self.state != StateConnected {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	self.joined[projectId] = true
	send := self.send
	self.mutex.Unlock()

	return self.sendControl(send, &controlMessage{
		Action:    "joinProject",
		ProjectId: projectId,
	})
}

func (self *Channel) LeaveProject(projectId Id) error {
	self.mutex.Lock()
	delete(self.joined, projectId)
	if self.state != StateConnected {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	send := self.send
	self.mutex.Unlock()

	return self.sendControl(send, &controlMessage{
		Action:    "leaveProject",
		ProjectId: projectId,
	})
}

func (self *Channel) sendControl(send chan []byte, message *controlMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case send <- messageBytes:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return errors.New("send buffer full")
	}
}

func (self *Channel) run(runCtx context.Context, send chan []byte) {
	defer func() {
		self.mutex.Lock()
		// a newer lifecycle may have started after a manual disconnect
		if self.send == send {
			self.running = false
		}
		self.mutex.Unlock()
	}()

	hadConnected := false
	attempt := 0

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		reconnect := NewReconnect(self.settings.ReconnectPolicy.Delay(attempt))

		ws, err := self.dial(runCtx)
		if err != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			glog.Infof("[ch]dial error = %s\n", err)
			attempt += 1
			if self.settings.ReconnectPolicy.Exhausted(attempt) {
				glog.Infof("[ch]gave up after %d attempts\n", attempt)
				self.mutex.Lock()
				if self.send == send {
					self.gaveUp = true
					self.state = StateDisconnected
				}
				self.mutex.Unlock()
				return
			}
			self.transitionReconnecting(runCtx, send)
			select {
			case <-runCtx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		select {
		case <-runCtx.Done():
			ws.Close()
			return
		default:
		}

		attempt = 0
		self.mutex.Lock()
		if self.send == send {
			self.state = StateConnected
		}
		self.mutex.Unlock()

		if hadConnected {
			self.emitLifecycle(runCtx, EventReconnected)
		} else {
			self.emitLifecycle(runCtx, EventConnected)
		}
		hadConnected = true

		self.rejoin(send)

		self.runConn(runCtx, ws, send)

		select {
		case <-runCtx.Done():
			self.mutex.Lock()
			// on manual disconnect the terminal state is already set and a
			// newer lifecycle may even be running; leave state alone then
			if self.send == send {
				self.state = StateDisconnected
			}
			self.mutex.Unlock()
			return
		default:
		}

		// unexpected close. hand the drop to the reconnect policy
		self.transitionReconnecting(runCtx, send)
		reconnect = NewReconnect(self.settings.ReconnectPolicy.Delay(attempt))
		select {
		case <-runCtx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Channel) transitionReconnecting(runCtx context.Context, send chan []byte) {
	self.mutex.Lock()
	if self.send != send {
		self.mutex.Unlock()
		return
	}
	prev := self.state
	self.state = StateReconnecting
	self.mutex.Unlock()
	if prev != StateReconnecting {
		self.emitLifecycle(runCtx, EventReconnecting)
	}
}

func (self *Channel) emitLifecycle(runCtx context.Context, eventName string) {
	select {
	case <-runCtx.Done():
		return
	default:
	}
	self.dispatcher.Emit(eventName, &PushEvent{
		Name: eventName,
	})
}

func (self *Channel) dial(runCtx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(self.wsUrl)
	if err != nil {
		return nil, err
	}
	// the push endpoint takes the session token as a connection credential
	q := u.Query()
	q.Set("token", self.jwt)
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(runCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// re-issue joins for every project joined since the last manual disconnect,
// so caches and presence keep receiving events after a drop
func (self *Channel) rejoin(send chan []byte) {
	self.mutex.Lock()
	joined := make([]Id, 0, len(self.joined))
	for projectId := range self.joined {
		joined = append(joined, projectId)
	}
	self.mutex.Unlock()

	for _, projectId := range joined {
		if err := self.sendControl(send, &controlMessage{
			Action:    "joinProject",
			ProjectId: projectId,
		}); err != nil {
			glog.Infof("[ch]rejoin %s error = %s\n", projectId, err)
		}
	}
}

// runConn pumps one live websocket until it closes or the lifecycle is
// cancelled. All push traffic is serialized through the read pump and fanned
// out synchronously via the dispatcher.
func (self *Channel) runConn(runCtx context.Context, ws *websocket.Conn, send chan []byte) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	// a manual disconnect must not leave the socket pumping until the read
	// deadline; closing it unblocks the read pump immediately
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a deadline timeout cannot be recovered on a websocket
					glog.Infof("[ch]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ch]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	func() {
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
				glog.Infof("[ch]<- error = %s\n", err)
				return
			}

			// the lifecycle may have been cancelled while the read was
			// blocked; a message racing the close must not reach handlers
			// registered after the registry was cleared
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if len(message) == 0 {
					// keepalive
					continue
				}
				self.handleMessage(message)
			default:
				glog.V(2).Infof("[ch]other=%d <-\n", messageType)
			}
		}
	}()
}

func (self *Channel) handleMessage(message []byte) {
	var push pushMessage
	if err := json.Unmarshal(message, &push); err != nil {
		glog.Infof("[ch]bad message = %s\n", err)
		return
	}
	if push.Event == "" {
		return
	}

	event := &PushEvent{
		Name:      push.Event,
		ProjectId: push.ProjectId,
		UserId:    push.UserId,
		Changes:   push.Changes,
	}
	switch {
	case !push.TodoId.IsZero():
		event.EntityId = push.TodoId
	case !push.FeatureId.IsZero():
		event.EntityId = push.FeatureId
	default:
		// project events address the project itself
		event.EntityId = push.ProjectId
	}

	glog.V(2).Infof("[ch]<- %s\n", push.Event)
	self.dispatcher.Emit(event.Name, event)
}
