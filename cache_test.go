package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testTodo(projectId Id, title string, status string, version int) *Todo {
	return &Todo{
		TodoId:    NewId(),
		ProjectId: projectId,
		Title:     title,
		Status:    status,
		Version:   version,
	}
}

func TestCachePartialPatchMerge(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Updated: EventTodoUpdated, Deleted: EventTodoDeleted},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				return []*Todo{todo}, nil
			},
		},
	)
	defer cache.Close()

	_, err := cache.FetchAll(context.Background())
	assert.Equal(t, err, nil)

	dispatcher.Emit(EventTodoUpdated, &PushEvent{
		Name:      EventTodoUpdated,
		EntityId:  todo.TodoId,
		ProjectId: projectId,
		Changes:   map[string]any{"status": "done"},
	})

	merged, ok := cache.Get(todo.TodoId)
	assert.Equal(t, ok, true)
	assert.Equal(t, merged.Status, "done")
	// fields absent from the patch are untouched
	assert.Equal(t, merged.Title, "T")
	// the notification carried no version, so the version is unchanged
	assert.Equal(t, merged.Version, 1)

	// the held record was replaced, not mutated in place
	assert.Equal(t, todo.Status, "new")
}

func TestCacheConflictRejection(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 3)

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				return []*Todo{todo}, nil
			},
			Update: func(ctx context.Context, id Id, update *UpdateArgs) (*Todo, error) {
				if update.ExpectedVersion != todo.Version {
					return nil, &ConflictError{
						Message: "stale write",
						Version: todo.Version,
					}
				}
				next := *todo
				next.Version += 1
				return &next, nil
			},
		},
	)
	defer cache.Close()

	_, err := cache.FetchAll(context.Background())
	assert.Equal(t, err, nil)

	_, err = cache.Update(context.Background(), todo.TodoId, map[string]any{"status": "done"}, 2)

	var conflictError *ConflictError
	assert.Equal(t, errors.As(err, &conflictError), true)
	assert.Equal(t, conflictError.Version, 3)

	// the local record is untouched
	held, ok := cache.Get(todo.TodoId)
	assert.Equal(t, ok, true)
	assert.Equal(t, held.Status, "new")
	assert.Equal(t, held.Version, 3)

	// a correct expected version succeeds and replaces the local copy
	updated, err := cache.Update(context.Background(), todo.TodoId, map[string]any{"status": "done"}, 3)
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Version, 4)
	held, _ = cache.Get(todo.TodoId)
	assert.Equal(t, held.Version, 4)
}

func TestCacheDeletionPrecedence(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	listEntered := make(chan struct{})
	listRelease := make(chan struct{})

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Deleted: EventTodoDeleted},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				close(listEntered)
				<-listRelease
				return []*Todo{todo}, nil
			},
		},
	)
	defer cache.Close()

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		cache.FetchAll(context.Background())
	}()

	<-listEntered

	// the deletion arrives while the fetch is in flight and would otherwise
	// be re-added by the fetched result
	dispatcher.Emit(EventTodoDeleted, &PushEvent{
		Name:      EventTodoDeleted,
		EntityId:  todo.TodoId,
		ProjectId: projectId,
	})

	close(listRelease)
	<-fetchDone

	_, ok := cache.Get(todo.TodoId)
	assert.Equal(t, ok, false)
	assert.Equal(t, len(cache.Items()), 0)
}

func TestCacheFetchAllShortCircuit(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	listCalls := 0
	listEntered := make(chan struct{})
	listRelease := make(chan struct{})

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				listCalls += 1
				close(listEntered)
				<-listRelease
				return []*Todo{todo}, nil
			},
		},
	)
	defer cache.Close()

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		cache.FetchAll(context.Background())
	}()

	<-listEntered

	// the second caller returns without a second network call
	items, err := cache.FetchAll(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(items), 0)
	assert.Equal(t, listCalls, 1)

	close(listRelease)
	<-fetchDone
	assert.Equal(t, len(cache.Items()), 1)
	assert.Equal(t, listCalls, 1)
}

func TestCacheRefetchOnUnknownId(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Updated: EventTodoUpdated},
		&CacheResource[*Todo]{
			Get: func(ctx context.Context, id Id) (*Todo, error) {
				if id == todo.TodoId {
					return todo, nil
				}
				return nil, fmt.Errorf("not found")
			},
		},
	)
	defer cache.Close()

	// a partial patch for an unknown id is never inserted blindly; the cache
	// refetches the full record
	dispatcher.Emit(EventTodoUpdated, &PushEvent{
		Name:      EventTodoUpdated,
		EntityId:  todo.TodoId,
		ProjectId: projectId,
		Changes:   map[string]any{"status": "done"},
	})

	assert.Equal(t, waitFor(2*time.Second, func() bool {
		_, ok := cache.Get(todo.TodoId)
		return ok
	}), true)
}

func TestCacheRefetchFailureSwallowed(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Updated: EventTodoUpdated, Created: EventTodoCreated},
		&CacheResource[*Todo]{
			Get: func(ctx context.Context, id Id) (*Todo, error) {
				// access revoked or deleted concurrently
				return nil, fmt.Errorf("no access")
			},
		},
	)
	defer cache.Close()

	dispatcher.Emit(EventTodoUpdated, &PushEvent{
		Name:      EventTodoUpdated,
		EntityId:  NewId(),
		ProjectId: projectId,
		Changes:   map[string]any{"status": "done"},
	})
	dispatcher.Emit(EventTodoCreated, &PushEvent{
		Name:      EventTodoCreated,
		EntityId:  NewId(),
		ProjectId: projectId,
	})

	// the cache stays in its prior consistent state
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(cache.Items()), 0)
}

func TestCacheProjectScope(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	otherProjectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	getCalls := 0
	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Updated: EventTodoUpdated, Deleted: EventTodoDeleted},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				return []*Todo{todo}, nil
			},
			Get: func(ctx context.Context, id Id) (*Todo, error) {
				getCalls += 1
				return nil, fmt.Errorf("not found")
			},
		},
	)
	defer cache.Close()

	cache.FetchAll(context.Background())

	// events scoped to another project are ignored entirely
	dispatcher.Emit(EventTodoUpdated, &PushEvent{
		Name:      EventTodoUpdated,
		EntityId:  NewId(),
		ProjectId: otherProjectId,
		Changes:   map[string]any{"status": "done"},
	})
	dispatcher.Emit(EventTodoDeleted, &PushEvent{
		Name:      EventTodoDeleted,
		EntityId:  todo.TodoId,
		ProjectId: otherProjectId,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, getCalls, 0)
	assert.Equal(t, len(cache.Items()), 1)
}

func TestCacheCreatedNotification(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Created: EventTodoCreated},
		&CacheResource[*Todo]{
			Get: func(ctx context.Context, id Id) (*Todo, error) {
				return todo, nil
			},
		},
	)
	defer cache.Close()

	dispatcher.Emit(EventTodoCreated, &PushEvent{
		Name:      EventTodoCreated,
		EntityId:  todo.TodoId,
		ProjectId: projectId,
	})
	// a duplicate created event must not produce a duplicate record
	dispatcher.Emit(EventTodoCreated, &PushEvent{
		Name:      EventTodoCreated,
		EntityId:  todo.TodoId,
		ProjectId: projectId,
	})

	assert.Equal(t, waitFor(2*time.Second, func() bool {
		return len(cache.Items()) == 1
	}), true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(cache.Items()), 1)
}

func TestCacheCreateNoOptimisticInsert(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()

	createEntered := make(chan struct{})
	createRelease := make(chan struct{})

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{},
		&CacheResource[*Todo]{
			Create: func(ctx context.Context, args any) (*Todo, error) {
				createArgs := args.(*CreateTodoArgs)
				close(createEntered)
				<-createRelease
				return &Todo{
					TodoId:    NewId(),
					ProjectId: projectId,
					Title:     createArgs.Title,
					Status:    "new",
					Version:   1,
				}, nil
			},
		},
	)
	defer cache.Close()

	createDone := make(chan *Todo, 1)
	go func() {
		created, err := cache.Create(context.Background(), &CreateTodoArgs{
			ProjectId: projectId,
			Title:     "T",
		})
		assert.Equal(t, err, nil)
		createDone <- created
	}()

	<-createEntered
	// nothing visible before server confirmation
	assert.Equal(t, len(cache.Items()), 0)

	close(createRelease)
	created := <-createDone

	held, ok := cache.Get(created.TodoId)
	assert.Equal(t, ok, true)
	assert.Equal(t, held.Version, 1)
}

func TestCacheDeleteNoPendingGrowth(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{Deleted: EventTodoDeleted},
		&CacheResource[*Todo]{
			Remove: func(ctx context.Context, id Id) error {
				return nil
			},
		},
	)
	defer cache.Close()

	// with no fetch in flight there is nothing a deletion could race, so
	// none of these leave a pending-delete entry behind
	for i := 0; i < 100; i++ {
		dispatcher.Emit(EventTodoDeleted, &PushEvent{
			Name:      EventTodoDeleted,
			EntityId:  NewId(),
			ProjectId: projectId,
		})
	}
	assert.Equal(t, cache.Delete(context.Background(), NewId()), nil)

	cache.mutex.Lock()
	pending := len(cache.pendingDeletes)
	cache.mutex.Unlock()
	assert.Equal(t, pending, 0)
}

func TestCacheDelete(t *testing.T) {
	dispatcher := NewDispatcher()
	projectId := NewId()
	todo := testTodo(projectId, "T", "new", 1)

	cache := NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				return []*Todo{todo}, nil
			},
			Remove: func(ctx context.Context, id Id) error {
				return nil
			},
		},
	)
	defer cache.Close()

	cache.FetchAll(context.Background())
	assert.Equal(t, len(cache.Items()), 1)

	err := cache.Delete(context.Background(), todo.TodoId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(cache.Items()), 0)
}
