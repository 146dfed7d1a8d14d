package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// ConflictError is the optimistic-lock rejection. `Version` is the server's
// current version so the caller can decide to refetch-and-retry or abandon.
type ConflictError struct {
	Message string `json:"message"`
	Version int    `json:"version"`
}

func (self *ConflictError) Error() string {
	return fmt.Sprintf("version conflict (current version %d): %s", self.Version, self.Message)
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	jwt string
}

func NewApi(apiUrl string) *Api {
	return NewApiWithContext(context.Background(), apiUrl)
}

func NewApiWithContext(ctx context.Context, apiUrl string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &Api{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// the session layer calls this after login and after a token refresh
func (self *Api) SetToken(jwt string) {
	self.jwt = jwt
}

func (self *Api) Close() {
	self.cancel()
}

type ListTodosCallback apiCallback[*ListTodosResult]

type ListTodosResult struct {
	Todos []*Todo `json:"todos"`
}

func (self *Api) ListTodos(projectId Id, callback ListTodosCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/todos", self.apiUrl, projectId),
		self.jwt,
		&ListTodosResult{},
		callback,
	)
}

func (self *Api) ListTodosSync(ctx context.Context, projectId Id) (*ListTodosResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/projects/%s/todos", self.apiUrl, projectId),
		self.jwt,
		&ListTodosResult{},
		NewNoopApiCallback[*ListTodosResult](),
	)
}

func (self *Api) GetTodoSync(ctx context.Context, todoId Id) (*Todo, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/todos/%s", self.apiUrl, todoId),
		self.jwt,
		&Todo{},
		NewNoopApiCallback[*Todo](),
	)
}

type CreateTodoArgs struct {
	ProjectId   Id     `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (self *Api) CreateTodoSync(ctx context.Context, createTodo *CreateTodoArgs) (*Todo, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/projects/%s/todos", self.apiUrl, createTodo.ProjectId),
		createTodo,
		self.jwt,
		&Todo{},
		NewNoopApiCallback[*Todo](),
	)
}

// UpdateArgs is the shared shape of a version-checked update.
// `Changes` carries only the fields being written.
type UpdateArgs struct {
	Changes         map[string]any `json:"changes"`
	ExpectedVersion int            `json:"expected_version"`
}

func (self *Api) UpdateTodoSync(ctx context.Context, todoId Id, updateTodo *UpdateArgs) (*Todo, error) {
	return put(
		ctx,
		fmt.Sprintf("%s/todos/%s", self.apiUrl, todoId),
		updateTodo,
		self.jwt,
		&Todo{},
		NewNoopApiCallback[*Todo](),
	)
}

func (self *Api) RemoveTodoSync(ctx context.Context, todoId Id) error {
	_, err := del(
		ctx,
		fmt.Sprintf("%s/todos/%s", self.apiUrl, todoId),
		self.jwt,
		&emptyResult{},
		NewNoopApiCallback[*emptyResult](),
	)
	return err
}

type ListFeaturesCallback apiCallback[*ListFeaturesResult]

type ListFeaturesResult struct {
	Features []*Feature `json:"features"`
}

func (self *Api) ListFeatures(projectId Id, callback ListFeaturesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/features", self.apiUrl, projectId),
		self.jwt,
		&ListFeaturesResult{},
		callback,
	)
}

func (self *Api) ListFeaturesSync(ctx context.Context, projectId Id) (*ListFeaturesResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/projects/%s/features", self.apiUrl, projectId),
		self.jwt,
		&ListFeaturesResult{},
		NewNoopApiCallback[*ListFeaturesResult](),
	)
}

func (self *Api) GetFeatureSync(ctx context.Context, featureId Id) (*Feature, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/features/%s", self.apiUrl, featureId),
		self.jwt,
		&Feature{},
		NewNoopApiCallback[*Feature](),
	)
}

type CreateFeatureArgs struct {
	ProjectId Id     `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
}

func (self *Api) CreateFeatureSync(ctx context.Context, createFeature *CreateFeatureArgs) (*Feature, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/projects/%s/features", self.apiUrl, createFeature.ProjectId),
		createFeature,
		self.jwt,
		&Feature{},
		NewNoopApiCallback[*Feature](),
	)
}

func (self *Api) UpdateFeatureSync(ctx context.Context, featureId Id, updateFeature *UpdateArgs) (*Feature, error) {
	return put(
		ctx,
		fmt.Sprintf("%s/features/%s", self.apiUrl, featureId),
		updateFeature,
		self.jwt,
		&Feature{},
		NewNoopApiCallback[*Feature](),
	)
}

func (self *Api) RemoveFeatureSync(ctx context.Context, featureId Id) error {
	_, err := del(
		ctx,
		fmt.Sprintf("%s/features/%s", self.apiUrl, featureId),
		self.jwt,
		&emptyResult{},
		NewNoopApiCallback[*emptyResult](),
	)
	return err
}

type ListProjectsCallback apiCallback[*ListProjectsResult]

type ListProjectsResult struct {
	Projects []*Project `json:"projects"`
}

func (self *Api) ListProjects(callback ListProjectsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects", self.apiUrl),
		self.jwt,
		&ListProjectsResult{},
		callback,
	)
}

func (self *Api) ListProjectsSync(ctx context.Context) (*ListProjectsResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/projects", self.apiUrl),
		self.jwt,
		&ListProjectsResult{},
		NewNoopApiCallback[*ListProjectsResult](),
	)
}

func (self *Api) GetProjectSync(ctx context.Context, projectId Id) (*Project, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/projects/%s", self.apiUrl, projectId),
		self.jwt,
		&Project{},
		NewNoopApiCallback[*Project](),
	)
}

func (self *Api) UpdateProjectSync(ctx context.Context, projectId Id, updateProject *UpdateArgs) (*Project, error) {
	return put(
		ctx,
		fmt.Sprintf("%s/projects/%s", self.apiUrl, projectId),
		updateProject,
		self.jwt,
		&Project{},
		NewNoopApiCallback[*Project](),
	)
}

type PresenceSnapshotResult struct {
	Users []*UserSummary `json:"users"`
}

func (self *Api) GetProjectPresenceSync(ctx context.Context, projectId Id) (*PresenceSnapshotResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/projects/%s/presence", self.apiUrl, projectId),
		self.jwt,
		&PresenceSnapshotResult{},
		NewNoopApiCallback[*PresenceSnapshotResult](),
	)
}

type emptyResult struct{}

func post[R any](ctx context.Context, url string, args any, jwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, jwt, result, callback)
}

func put[R any](ctx context.Context, url string, args any, jwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "PUT", url, args, jwt, result, callback)
}

func get[R any](ctx context.Context, url string, jwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, jwt, result, callback)
}

func del[R any](ctx context.Context, url string, jwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "DELETE", url, nil, jwt, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, jwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode == http.StatusConflict {
		// optimistic-lock rejection. the body carries the current version
		conflictError := &ConflictError{}
		if jsonErr := json.Unmarshal(responseBodyBytes, conflictError); jsonErr != nil {
			conflictError.Message = strings.TrimSpace(string(responseBodyBytes))
		}
		callback.Result(result, conflictError)
		return result, conflictError
	}

	if r.StatusCode != http.StatusOK && r.StatusCode != http.StatusCreated && r.StatusCode != http.StatusNoContent {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if len(responseBodyBytes) != 0 {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
