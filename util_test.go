package realtime

import (
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// poll until the condition holds or the timeout elapses
func waitFor(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectPolicy = &ReconnectPolicy{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 10,
	}
	return settings
}

// a fake push endpoint. accepts websocket upgrades, records inbound control
// frames, and can push messages or drop connections at will
type testPushServer struct {
	server *httptest.Server

	mutex     sync.Mutex
	dialCount int
	liveConns int
	conns     []*websocket.Conn

	received chan []byte
}

func newTestPushServer() *testPushServer {
	self := &testPushServer{
		received: make(chan []byte, 64),
	}
	upgrader := websocket.Upgrader{}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		self.dialCount += 1
		self.mutex.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		self.mutex.Lock()
		self.conns = append(self.conns, ws)
		self.liveConns += 1
		self.mutex.Unlock()

		defer func() {
			self.mutex.Lock()
			self.liveConns -= 1
			self.mutex.Unlock()
		}()

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			self.received <- message
		}
	}))
	return self
}

func (self *testPushServer) wsUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testPushServer) DialCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dialCount
}

// connections whose read loop has not yet observed a close
func (self *testPushServer) LiveConns() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.liveConns
}

// push writes one message on every live connection
func (self *testPushServer) push(message []byte) {
	self.mutex.Lock()
	conns := make([]*websocket.Conn, len(self.conns))
	copy(conns, self.conns)
	self.mutex.Unlock()

	for _, ws := range conns {
		ws.WriteMessage(websocket.TextMessage, message)
	}
}

func (self *testPushServer) closeConns() {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, ws := range conns {
		ws.Close()
	}
}

func (self *testPushServer) Close() {
	self.closeConns()
	self.server.Close()
}

func (self *testPushServer) nextReceived(timeout time.Duration) ([]byte, bool) {
	select {
	case message := <-self.received:
		return message, true
	case <-time.After(timeout):
		return nil, false
	}
}
