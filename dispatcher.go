package realtime

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type EventHandler func(event *PushEvent)

// Sub is the handle returned by `On`. Go function values are not comparable,
// so removal is by handle rather than by handler reference. One `On` call is
// one registration; re-registering the returned handle is not possible, which
// gives set semantics by construction.
type Sub struct {
	eventName string
	subId     int
}

type subscription struct {
	subId   int
	handler EventHandler
}

// Dispatcher fans one inbound event out to every registered handler,
// synchronously, in registration order. A panic in one handler is recovered
// and logged and does not prevent the remaining handlers from running.
//
// The subscriber lists are copy-on-write so that emit never holds the lock
// while running handlers, and so that an `Off` from inside a handler does not
// disturb the fan-out already in progress.
type Dispatcher struct {
	mutex sync.Mutex

	nextSubId     int
	subscriptions map[string][]*subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscriptions: map[string][]*subscription{},
	}
}

func (self *Dispatcher) On(eventName string, handler EventHandler) Sub {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextSubId += 1
	sub := &subscription{
		subId:   self.nextSubId,
		handler: handler,
	}
	nextSubscriptions := slices.Clone(self.subscriptions[eventName])
	nextSubscriptions = append(nextSubscriptions, sub)
	self.subscriptions[eventName] = nextSubscriptions
	return Sub{
		eventName: eventName,
		subId:     self.nextSubId,
	}
}

// no-op if the handle was already removed or the registry was cleared
func (self *Dispatcher) Off(sub Sub) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptions := self.subscriptions[sub.eventName]
	i := slices.IndexFunc(subscriptions, func(s *subscription) bool {
		return s.subId == sub.subId
	})
	if i < 0 {
		// not present
		return
	}
	nextSubscriptions := slices.Clone(subscriptions)
	nextSubscriptions = slices.Delete(nextSubscriptions, i, i+1)
	if len(nextSubscriptions) == 0 {
		delete(self.subscriptions, sub.eventName)
	} else {
		self.subscriptions[sub.eventName] = nextSubscriptions
	}
}

func (self *Dispatcher) Emit(eventName string, event *PushEvent) {
	self.mutex.Lock()
	subscriptions := self.subscriptions[eventName]
	self.mutex.Unlock()

	for _, sub := range subscriptions {
		self.dispatchOne(eventName, sub, event)
	}
}

func (self *Dispatcher) dispatchOne(eventName string, sub *subscription, event *PushEvent) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[dsp]handler panic %s = %v\n", eventName, r)
		}
	}()
	sub.handler(event)
}

// Clear drops every registration. Called on manual disconnect.
func (self *Dispatcher) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.subscriptions = map[string][]*subscription{}
}
