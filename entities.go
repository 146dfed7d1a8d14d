package realtime

import (
	"context"
)

// Entity is the contract every cached record satisfies: an opaque id, the
// optimistic-lock version, the project scope, and a copy-with-patch used for
// push reconciliation. `WithChanges` must leave fields absent from the patch
// untouched, and must not modify the receiver.
type Entity[T any] interface {
	EntityId() Id
	EntityVersion() int
	EntityProjectId() Id
	WithChanges(changes map[string]any) T
}

type Todo struct {
	TodoId      Id     `json:"todo_id"`
	ProjectId   Id     `json:"project_id"`
	FeatureId   Id     `json:"feature_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	AssigneeId  Id     `json:"assignee_id,omitempty"`
	Version     int    `json:"version"`
}

func (self *Todo) EntityId() Id {
	return self.TodoId
}

func (self *Todo) EntityVersion() int {
	return self.Version
}

func (self *Todo) EntityProjectId() Id {
	return self.ProjectId
}

func (self *Todo) WithChanges(changes map[string]any) *Todo {
	next := *self
	if title, ok := changes["title"].(string); ok {
		next.Title = title
	}
	if description, ok := changes["description"].(string); ok {
		next.Description = description
	}
	if status, ok := changes["status"].(string); ok {
		next.Status = status
	}
	if assigneeIdStr, ok := changes["assigneeId"].(string); ok {
		if assigneeId, err := ParseId(assigneeIdStr); err == nil {
			next.AssigneeId = assigneeId
		}
	}
	if featureIdStr, ok := changes["featureId"].(string); ok {
		if featureId, err := ParseId(featureIdStr); err == nil {
			next.FeatureId = featureId
		}
	}
	// notifications do not carry a version. see the note on applyRemoteUpdate
	if version, ok := changes["version"].(float64); ok {
		next.Version = int(version)
	}
	return &next
}

type Feature struct {
	FeatureId   Id     `json:"feature_id"`
	ProjectId   Id     `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Version     int    `json:"version"`
}

func (self *Feature) EntityId() Id {
	return self.FeatureId
}

func (self *Feature) EntityVersion() int {
	return self.Version
}

func (self *Feature) EntityProjectId() Id {
	return self.ProjectId
}

func (self *Feature) WithChanges(changes map[string]any) *Feature {
	next := *self
	if name, ok := changes["name"].(string); ok {
		next.Name = name
	}
	if description, ok := changes["description"].(string); ok {
		next.Description = description
	}
	if status, ok := changes["status"].(string); ok {
		next.Status = status
	}
	if version, ok := changes["version"].(float64); ok {
		next.Version = int(version)
	}
	return &next
}

type Project struct {
	ProjectId   Id     `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
}

func (self *Project) EntityId() Id {
	return self.ProjectId
}

func (self *Project) EntityVersion() int {
	return self.Version
}

func (self *Project) EntityProjectId() Id {
	return self.ProjectId
}

func (self *Project) WithChanges(changes map[string]any) *Project {
	next := *self
	if name, ok := changes["name"].(string); ok {
		next.Name = name
	}
	if description, ok := changes["description"].(string); ok {
		next.Description = description
	}
	if version, ok := changes["version"].(float64); ok {
		next.Version = int(version)
	}
	return &next
}

// NewTodoCache holds the todos of one project and follows
// todoCreated/todoUpdated/todoDeleted pushes.
func NewTodoCache(api *Api, dispatcher *Dispatcher, projectId Id) *Cache[*Todo] {
	return NewCache[*Todo](
		dispatcher,
		projectId,
		&CacheEvents{
			Created: EventTodoCreated,
			Updated: EventTodoUpdated,
			Deleted: EventTodoDeleted,
		},
		&CacheResource[*Todo]{
			List: func(ctx context.Context) ([]*Todo, error) {
				result, err := api.ListTodosSync(ctx, projectId)
				if err != nil {
					return nil, err
				}
				return result.Todos, nil
			},
			Get: func(ctx context.Context, id Id) (*Todo, error) {
				return api.GetTodoSync(ctx, id)
			},
			Create: func(ctx context.Context, args any) (*Todo, error) {
				return api.CreateTodoSync(ctx, args.(*CreateTodoArgs))
			},
			Update: func(ctx context.Context, id Id, update *UpdateArgs) (*Todo, error) {
				return api.UpdateTodoSync(ctx, id, update)
			},
			Remove: func(ctx context.Context, id Id) error {
				return api.RemoveTodoSync(ctx, id)
			},
		},
	)
}

func NewFeatureCache(api *Api, dispatcher *Dispatcher, projectId Id) *Cache[*Feature] {
	return NewCache[*Feature](
		dispatcher,
		projectId,
		&CacheEvents{
			Created: EventFeatureCreated,
			Updated: EventFeatureUpdated,
			Deleted: EventFeatureDeleted,
		},
		&CacheResource[*Feature]{
			List: func(ctx context.Context) ([]*Feature, error) {
				result, err := api.ListFeaturesSync(ctx, projectId)
				if err != nil {
					return nil, err
				}
				return result.Features, nil
			},
			Get: func(ctx context.Context, id Id) (*Feature, error) {
				return api.GetFeatureSync(ctx, id)
			},
			Create: func(ctx context.Context, args any) (*Feature, error) {
				return api.CreateFeatureSync(ctx, args.(*CreateFeatureArgs))
			},
			Update: func(ctx context.Context, id Id, update *UpdateArgs) (*Feature, error) {
				return api.UpdateFeatureSync(ctx, id, update)
			},
			Remove: func(ctx context.Context, id Id) error {
				return api.RemoveFeatureSync(ctx, id)
			},
		},
	)
}

// NewProjectCache holds every project visible to the user. Project pushes are
// update-only; projects are created and removed through admin flows outside
// this package.
func NewProjectCache(api *Api, dispatcher *Dispatcher) *Cache[*Project] {
	return NewCache[*Project](
		dispatcher,
		Id{},
		&CacheEvents{
			Updated: EventProjectUpdated,
		},
		&CacheResource[*Project]{
			List: func(ctx context.Context) ([]*Project, error) {
				result, err := api.ListProjectsSync(ctx)
				if err != nil {
					return nil, err
				}
				return result.Projects, nil
			},
			Get: func(ctx context.Context, id Id) (*Project, error) {
				return api.GetProjectSync(ctx, id)
			},
			Update: func(ctx context.Context, id Id, update *UpdateArgs) (*Project, error) {
				return api.UpdateProjectSync(ctx, id, update)
			},
		},
	)
}
