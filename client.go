package realtime

import (
	"context"
	"sync"
)

// Client is the composition root for one user session: one api layer, one
// dispatcher, one push channel shared by every cache and the presence
// tracker. Inject it where the UI needs the sync layer; nothing here is a
// package-level singleton, so tests can stand up as many as they want
// against fake endpoints.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	api        *Api
	dispatcher *Dispatcher
	channel    *Channel
	presence   *PresenceTracker

	mutex         sync.Mutex
	projectCache  *Cache[*Project]
	todoCaches    map[Id]*Cache[*Todo]
	featureCaches map[Id]*Cache[*Feature]
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, wsUrl string, jwt string) *Client {
	return NewClient(ctx, apiUrl, wsUrl, jwt, DefaultChannelSettings(), DefaultPresenceSettings())
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	wsUrl string,
	jwt string,
	channelSettings *ChannelSettings,
	presenceSettings *PresenceSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewApiWithContext(cancelCtx, apiUrl)
	api.SetToken(jwt)
	dispatcher := NewDispatcher()
	channel := NewChannel(cancelCtx, dispatcher, wsUrl, jwt, channelSettings)
	presence := NewPresenceTracker(api, channel, dispatcher, presenceSettings)

	return &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		dispatcher:    dispatcher,
		channel:       channel,
		presence:      presence,
		todoCaches:    map[Id]*Cache[*Todo]{},
		featureCaches: map[Id]*Cache[*Feature]{},
	}
}

func (self *Client) Api() *Api {
	return self.api
}

func (self *Client) Dispatcher() *Dispatcher {
	return self.dispatcher
}

func (self *Client) Channel() *Channel {
	return self.channel
}

// Presence returns the current tracker. The handle is replaced on
// Disconnect; re-obtain it after reconnecting.
func (self *Client) Presence() *PresenceTracker {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.presence
}

func (self *Client) Connect() {
	self.channel.Connect()
}

// Disconnect tears the session down. The dispatcher registry is cleared, so
// the held caches and the presence tracker stop receiving pushes; they are
// dropped here and rebuilt after the next Connect.
func (self *Client) Disconnect() {
	self.channel.Disconnect()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.presence.Close()
	self.presence = NewPresenceTracker(self.api, self.channel, self.dispatcher, self.presence.settings)
	if self.projectCache != nil {
		self.projectCache.Close()
		self.projectCache = nil
	}
	for _, cache := range self.todoCaches {
		cache.Close()
	}
	self.todoCaches = map[Id]*Cache[*Todo]{}
	for _, cache := range self.featureCaches {
		cache.Close()
	}
	self.featureCaches = map[Id]*Cache[*Feature]{}
}

func (self *Client) IsConnected() bool {
	return self.channel.IsConnected()
}

func (self *Client) State() ConnState {
	return self.channel.State()
}

func (self *Client) JoinProject(ctx context.Context, projectId Id) error {
	return self.Presence().JoinProject(ctx, projectId)
}

func (self *Client) LeaveProject(projectId Id) {
	self.Presence().LeaveProject(projectId)
}

// Projects returns the cache of every project visible to the user.
func (self *Client) Projects() *Cache[*Project] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.projectCache == nil {
		self.projectCache = NewProjectCache(self.api, self.dispatcher)
	}
	return self.projectCache
}

// Todos returns the todo cache scoped to one project, creating it on first
// use.
func (self *Client) Todos(projectId Id) *Cache[*Todo] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	cache, ok := self.todoCaches[projectId]
	if !ok {
		cache = NewTodoCache(self.api, self.dispatcher, projectId)
		self.todoCaches[projectId] = cache
	}
	return cache
}

func (self *Client) Features(projectId Id) *Cache[*Feature] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	cache, ok := self.featureCaches[projectId]
	if !ok {
		cache = NewFeatureCache(self.api, self.dispatcher, projectId)
		self.featureCaches[projectId] = cache
	}
	return cache
}

func (self *Client) Close() {
	self.Disconnect()
	self.Presence().Close()
	self.api.Close()
	self.cancel()
}
