package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"taskhive.com/realtime"
)

const RealtimeCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// env defaults; flags win
type ctlConfig struct {
	ApiUrl string `env:"TASKHIVE_API_URL" envDefault:"https://api.taskhive.com"`
	WsUrl  string `env:"TASKHIVE_WS_URL" envDefault:"wss://push.taskhive.com/ws"`
	Jwt    string `env:"TASKHIVE_JWT"`
}

func main() {
	usage := `Taskhive realtime control.

The default urls are:
    api_url: https://api.taskhive.com
    ws_url: wss://push.taskhive.com/ws
Urls and the jwt can also come from TASKHIVE_API_URL, TASKHIVE_WS_URL and
TASKHIVE_JWT. A missing jwt is prompted for.

Usage:
    realtimectl client-id [--jwt=<jwt>]
    realtimectl watch [--api_url=<api_url>] [--ws_url=<ws_url>] [--jwt=<jwt>]
        --project=<project_id>
    realtimectl todos [--api_url=<api_url>] [--jwt=<jwt>] --project=<project_id>
    realtimectl todo-create [--api_url=<api_url>] [--jwt=<jwt>]
        --project=<project_id>
        --title=<title>
    realtimectl todo-update [--api_url=<api_url>] [--jwt=<jwt>]
        --todo=<todo_id>
        --status=<status>
        --expected_version=<expected_version>
    realtimectl todo-delete [--api_url=<api_url>] [--jwt=<jwt>] --todo=<todo_id>

Options:
    -h --help                              Show this screen.
    --version                              Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --jwt=<jwt>                            Your session JWT.
    --project=<project_id>
    --todo=<todo_id>
    --title=<title>
    --status=<status>
    --expected_version=<expected_version>  The version you last observed.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if todos_, _ := opts.Bool("todos"); todos_ {
		todos(opts)
	} else if todoCreate_, _ := opts.Bool("todo-create"); todoCreate_ {
		todoCreate(opts)
	} else if todoUpdate_, _ := opts.Bool("todo-update"); todoUpdate_ {
		todoUpdate(opts)
	} else if todoDelete_, _ := opts.Bool("todo-delete"); todoDelete_ {
		todoDelete(opts)
	}
}

func loadConfig(opts docopt.Opts) *ctlConfig {
	config := &ctlConfig{}
	if err := env.Parse(config); err != nil {
		panic(err)
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		config.WsUrl = wsUrl
	}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		config.Jwt = jwt
	}
	if config.Jwt == "" {
		fmt.Fprint(os.Stderr, "jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			panic(err)
		}
		config.Jwt = string(jwtBytes)
	}
	return config
}

func requireId(opts docopt.Opts, key string) realtime.Id {
	idStr, err := opts.String(key)
	if err != nil {
		panic(err)
	}
	id, err := realtime.ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func clientId(opts docopt.Opts) {
	config := loadConfig(opts)

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(config.Jwt, gojwt.MapClaims{})
	if err != nil {
		panic(err)
	}
	claims := token.Claims.(gojwt.MapClaims)
	claimsJson, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", claimsJson)
}

func watch(opts docopt.Opts) {
	config := loadConfig(opts)
	projectId := requireId(opts, "--project")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := realtime.NewClientWithDefaults(cancelCtx, config.ApiUrl, config.WsUrl, config.Jwt)
	defer client.Close()

	eventNames := []string{
		realtime.EventTodoCreated,
		realtime.EventTodoUpdated,
		realtime.EventTodoDeleted,
		realtime.EventFeatureCreated,
		realtime.EventFeatureUpdated,
		realtime.EventFeatureDeleted,
		realtime.EventProjectUpdated,
		realtime.EventUserJoined,
		realtime.EventUserLeft,
		realtime.EventSessionStarted,
		realtime.EventSessionEnded,
	}
	for _, eventName := range eventNames {
		client.Dispatcher().On(eventName, func(event *realtime.PushEvent) {
			changesJson, _ := json.Marshal(event.Changes)
			Out.Printf("%s %s project=%s entity=%s user=%s %s\n",
				time.Now().Format(time.RFC3339),
				event.Name,
				event.ProjectId,
				event.EntityId,
				event.UserId,
				changesJson,
			)
		})
	}

	client.Connect()
	for !client.IsConnected() {
		if client.Channel().GaveUp() {
			Err.Fatalf("could not connect to %s", config.WsUrl)
		}
		time.Sleep(100 * time.Millisecond)
	}
	Out.Printf("connected, watching project %s\n", projectId)

	if err := client.JoinProject(cancelCtx, projectId); err != nil {
		Err.Fatalf("join error = %s", err)
	}
	for _, user := range client.Presence().ActiveUsers(projectId) {
		Out.Printf("active: %s (%s)\n", user.Name, user.UserId)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	client.LeaveProject(projectId)
}

func todos(opts docopt.Opts) {
	config := loadConfig(opts)
	projectId := requireId(opts, "--project")

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetToken(config.Jwt)

	result, err := api.ListTodosSync(context.Background(), projectId)
	if err != nil {
		Err.Fatalf("list error = %s", err)
	}
	for _, todo := range result.Todos {
		Out.Printf("%s v%d [%s] %s\n", todo.TodoId, todo.Version, todo.Status, todo.Title)
	}
}

func todoCreate(opts docopt.Opts) {
	config := loadConfig(opts)
	projectId := requireId(opts, "--project")
	title, err := opts.String("--title")
	if err != nil {
		panic(err)
	}

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetToken(config.Jwt)

	todo, err := api.CreateTodoSync(context.Background(), &realtime.CreateTodoArgs{
		ProjectId: projectId,
		Title:     title,
	})
	if err != nil {
		Err.Fatalf("create error = %s", err)
	}
	Out.Printf("%s v%d [%s] %s\n", todo.TodoId, todo.Version, todo.Status, todo.Title)
}

func todoUpdate(opts docopt.Opts) {
	config := loadConfig(opts)
	todoId := requireId(opts, "--todo")
	status, err := opts.String("--status")
	if err != nil {
		panic(err)
	}
	expectedVersionStr, err := opts.String("--expected_version")
	if err != nil {
		panic(err)
	}
	expectedVersion, err := strconv.Atoi(expectedVersionStr)
	if err != nil {
		panic(err)
	}

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetToken(config.Jwt)

	todo, err := api.UpdateTodoSync(context.Background(), todoId, &realtime.UpdateArgs{
		Changes:         map[string]any{"status": status},
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		// a conflict carries the authoritative version; refetch before retrying
		Err.Fatalf("update error = %s", err)
	}
	Out.Printf("%s v%d [%s] %s\n", todo.TodoId, todo.Version, todo.Status, todo.Title)
}

func todoDelete(opts docopt.Opts) {
	config := loadConfig(opts)
	todoId := requireId(opts, "--todo")

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetToken(config.Jwt)

	if err := api.RemoveTodoSync(context.Background(), todoId); err != nil {
		Err.Fatalf("delete error = %s", err)
	}
	Out.Printf("deleted %s\n", todoId)
}
