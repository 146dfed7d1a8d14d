package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// CacheEvents names the push events a cache follows. An empty name means the
// entity kind does not receive that event.
type CacheEvents struct {
	Created string
	Updated string
	Deleted string
}

// CacheResource is the REST surface of one entity kind.
type CacheResource[T any] struct {
	List   func(ctx context.Context) ([]T, error)
	Get    func(ctx context.Context, id Id) (T, error)
	Create func(ctx context.Context, args any) (T, error)
	Update func(ctx context.Context, id Id, update *UpdateArgs) (T, error)
	Remove func(ctx context.Context, id Id) error
}

// Cache holds the client-side copy of one entity collection. It is the single
// source the UI reads from, but never the source of truth; the server is.
//
// The collection is mutated only by the cache's own methods and its own push
// handlers. Mutation methods are not serialized against each other; the
// version check in the update protocol makes concurrent conflicting writes
// safe. The one guard is the in-flight flag on FetchAll, which prevents two
// overlapping full fetches from interleaving into an inconsistent collection.
type Cache[T Entity[T]] struct {
	ctx    context.Context
	cancel context.CancelFunc

	dispatcher *Dispatcher
	// zero means unscoped
	projectId Id
	events    *CacheEvents
	resource  *CacheResource[T]

	mutex sync.Mutex
	items []T
	// guards against a second concurrent FetchAll
	fetching bool
	// ids deleted while a fetch or reconciliation refetch was in flight.
	// deletion always wins over the fetched result
	pendingDeletes map[Id]bool
	// count of reconciliation refetches in flight
	refetches int

	subs []Sub
}

func NewCache[T Entity[T]](
	dispatcher *Dispatcher,
	projectId Id,
	events *CacheEvents,
	resource *CacheResource[T],
) *Cache[T] {
	cancelCtx, cancel := context.WithCancel(context.Background())
	cache := &Cache[T]{
		ctx:            cancelCtx,
		cancel:         cancel,
		dispatcher:     dispatcher,
		projectId:      projectId,
		events:         events,
		resource:       resource,
		pendingDeletes: map[Id]bool{},
	}

	if events.Updated != "" {
		cache.subs = append(cache.subs, dispatcher.On(events.Updated, cache.applyRemoteUpdate))
	}
	if events.Deleted != "" {
		cache.subs = append(cache.subs, dispatcher.On(events.Deleted, cache.applyRemoteDelete))
	}
	if events.Created != "" {
		cache.subs = append(cache.subs, dispatcher.On(events.Created, cache.applyRemoteCreate))
	}

	return cache
}

// Close detaches the cache from the dispatcher and stops any pending
// reconciliation refetches.
func (self *Cache[T]) Close() {
	for _, sub := range self.subs {
		self.dispatcher.Off(sub)
	}
	self.subs = nil
	self.cancel()
}

// Items returns a copy of the held collection.
func (self *Cache[T]) Items() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.items)
}

func (self *Cache[T]) Get(id Id) (T, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := self.indexOf(id)
	if i < 0 {
		var empty T
		return empty, false
	}
	return self.items[i], true
}

// FetchAll replaces the held collection with the server's response. A call
// while another FetchAll is in flight short-circuits and returns the current
// collection without issuing a second request.
func (self *Cache[T]) FetchAll(ctx context.Context) ([]T, error) {
	self.mutex.Lock()
	if self.fetching {
		items := slices.Clone(self.items)
		self.mutex.Unlock()
		return items, nil
	}
	self.fetching = true
	if self.refetches == 0 {
		self.pendingDeletes = map[Id]bool{}
	}
	self.mutex.Unlock()

	fetched, err := self.resource.List(ctx)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetching = false

	if err != nil {
		return slices.Clone(self.items), err
	}

	// deletions observed during the fetch win over the fetched result
	next := make([]T, 0, len(fetched))
	for _, item := range fetched {
		if self.pendingDeletes[item.EntityId()] {
			continue
		}
		if i := slices.IndexFunc(next, func(existing T) bool {
			return existing.EntityId() == item.EntityId()
		}); 0 <= i {
			// server response held a duplicate id. keep the last copy
			next[i] = item
			continue
		}
		next = append(next, item)
	}
	self.items = next
	if self.refetches == 0 {
		self.pendingDeletes = map[Id]bool{}
	}
	return slices.Clone(self.items), nil
}

func (self *Cache[T]) FetchOne(ctx context.Context, id Id) (T, error) {
	item, err := self.resource.Get(ctx, id)
	if err != nil {
		var empty T
		return empty, err
	}
	self.mutex.Lock()
	self.upsert(item)
	self.mutex.Unlock()
	return item, nil
}

// Create issues the network call and appends the server's copy on success.
// There is no optimistic pre-insert; the record becomes visible only after
// the server has assigned it an id and version.
func (self *Cache[T]) Create(ctx context.Context, args any) (T, error) {
	if self.resource.Create == nil {
		var empty T
		return empty, errors.New("create is not supported for this entity kind")
	}
	item, err := self.resource.Create(ctx, args)
	if err != nil {
		var empty T
		return empty, err
	}
	self.mutex.Lock()
	self.upsert(item)
	self.mutex.Unlock()
	return item, nil
}

// Update issues a version-checked update. On success the local record is
// replaced with the server's incremented copy. On a version conflict the
// local record is left untouched and the returned error is a *ConflictError
// carrying the server's current version; the caller must refetch before
// retrying.
func (self *Cache[T]) Update(ctx context.Context, id Id, changes map[string]any, expectedVersion int) (T, error) {
	item, err := self.resource.Update(ctx, id, &UpdateArgs{
		Changes:         changes,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		var empty T
		return empty, err
	}
	self.mutex.Lock()
	self.upsert(item)
	self.mutex.Unlock()
	return item, nil
}

// Delete removes the record on the server and then locally. No tombstones.
func (self *Cache[T]) Delete(ctx context.Context, id Id) error {
	if self.resource.Remove == nil {
		return errors.New("delete is not supported for this entity kind")
	}
	if err := self.resource.Remove(ctx, id); err != nil {
		return err
	}
	self.mutex.Lock()
	self.removeLocal(id)
	self.mutex.Unlock()
	return nil
}

// applyRemoteUpdate merges a push notification into the held copy. Only the
// fields present in the change set are written; everything else is left
// alone. Notifications do not carry the new version, so a record whose
// updates only ever arrive by push keeps a stale version number and its next
// local mutation will be rejected by the version check. That gap is in the
// platform contract, not fixable here.
func (self *Cache[T]) applyRemoteUpdate(event *PushEvent) {
	if !self.inScope(event.ProjectId) {
		return
	}

	self.mutex.Lock()
	i := self.indexOf(event.EntityId)
	if 0 <= i {
		next := slices.Clone(self.items)
		next[i] = next[i].WithChanges(event.Changes)
		self.items = next
		self.mutex.Unlock()
		glog.V(2).Infof("[cache]merge %s\n", event.EntityId)
		return
	}
	self.refetches += 1
	self.mutex.Unlock()

	// unknown id. a blind insert of partial data would violate the cache
	// invariant, so decide by refetching the full record
	go self.refetch(event.Name, event.EntityId)
}

// deletion always wins, even over local optimism or an in-flight fetch
func (self *Cache[T]) applyRemoteDelete(event *PushEvent) {
	if !self.inScope(event.ProjectId) {
		return
	}

	self.mutex.Lock()
	self.removeLocal(event.EntityId)
	self.mutex.Unlock()
}

func (self *Cache[T]) applyRemoteCreate(event *PushEvent) {
	if !self.inScope(event.ProjectId) {
		return
	}
	self.mutex.Lock()
	self.refetches += 1
	self.mutex.Unlock()
	go self.refetch(event.Name, event.EntityId)
}

// refetch adopts a record the cache learned about from a push. Failures are
// swallowed: access may have been revoked or the record deleted concurrently,
// and the cache stays in its prior consistent state either way.
func (self *Cache[T]) refetch(eventName string, id Id) {
	item, err := self.resource.Get(self.ctx, id)

	self.mutex.Lock()
	defer func() {
		self.refetches -= 1
		if self.refetches == 0 && !self.fetching {
			self.pendingDeletes = map[Id]bool{}
		}
		self.mutex.Unlock()
	}()

	if err != nil {
		glog.V(1).Infof("[cache]refetch %s %s dropped = %s\n", eventName, id, err)
		return
	}
	if !self.inScope(item.EntityProjectId()) {
		return
	}
	if self.pendingDeletes[id] {
		// deleted while the refetch was in flight
		return
	}
	self.upsert(item)
}

func (self *Cache[T]) inScope(projectId Id) bool {
	if self.projectId.IsZero() {
		return true
	}
	return self.projectId == projectId
}

// must hold mutex
func (self *Cache[T]) indexOf(id Id) int {
	return slices.IndexFunc(self.items, func(item T) bool {
		return item.EntityId() == id
	})
}

// must hold mutex
func (self *Cache[T]) upsert(item T) {
	next := slices.Clone(self.items)
	if i := slices.IndexFunc(next, func(existing T) bool {
		return existing.EntityId() == item.EntityId()
	}); 0 <= i {
		next[i] = item
	} else {
		next = append(next, item)
	}
	self.items = next
}

// must hold mutex
func (self *Cache[T]) removeLocal(id Id) {
	// a pending-delete entry only matters while a fetch could re-add the
	// record; recording them unconditionally would grow without bound on a
	// cache that never fetches again
	if self.fetching || 0 < self.refetches {
		self.pendingDeletes[id] = true
	}
	i := self.indexOf(id)
	if i < 0 {
		return
	}
	next := slices.Clone(self.items)
	next = slices.Delete(next, i, i+1)
	self.items = next
}
