package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/matchflow/prototypes/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "https://api.matchflow.io"
const DefaultRealtimeUrl = "wss://realtime.matchflow.io"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Prototype collaboration control.

The default urls are:
    api_url: https://api.matchflow.io
    realtime_url: wss://realtime.matchflow.io

Usage:
    collabctl get [--api_url=<api_url>] --jwt=<jwt> <prototype_id>
    collabctl set [--api_url=<api_url>] --jwt=<jwt> <prototype_id>
        [--name=<name>]
        [--description=<description>]
        [--color=<color>]
    collabctl watch [--api_url=<api_url>] [--realtime_url=<realtime_url>]
        --jwt=<jwt> <prototype_id>
    collabctl whoami --jwt=<jwt>
    collabctl login

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --jwt=<jwt>                    Your platform JWT.
    --name=<name>                  Prototype name.
    --description=<description>    Prototype description.
    --color=<color>                Primary accent color.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func realtimeUrl(opts docopt.Opts) string {
	if realtimeUrl, err := opts.String("--realtime_url"); err == nil && realtimeUrl != "" {
		return realtimeUrl
	}
	return DefaultRealtimeUrl
}

func parsePrototypeId(opts docopt.Opts) (collab.Id, bool) {
	prototypeIdStr, _ := opts.String("<prototype_id>")
	prototypeId, err := collab.ParseId(prototypeIdStr)
	if err != nil {
		Out.Printf("Invalid prototype_id (%s).\n", err)
		return collab.Id{}, false
	}
	return prototypeId, true
}

// point read, print the document
func get(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	prototypeId, ok := parsePrototypeId(opts)
	if !ok {
		return
	}

	api := collab.NewDocumentStoreApi(apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	prototype, err := api.GetPrototypeSync(prototypeId)
	if err != nil {
		Out.Printf("Read error (%s).\n", err)
		return
	}
	printPrototype(prototype)
}

// partial metadata write
func set(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	prototypeId, ok := parsePrototypeId(opts)
	if !ok {
		return
	}

	update := &collab.PrototypeUpdate{}
	if name, err := opts.String("--name"); err == nil && name != "" {
		update.Name = &name
	}
	if description, err := opts.String("--description"); err == nil && description != "" {
		update.Description = &description
	}
	if color, err := opts.String("--color"); err == nil && color != "" {
		update.PrimaryColor = &color
	}

	api := collab.NewDocumentStoreApi(apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	callback, c := collab.NewBlockingApiCallback[*collab.Prototype]()
	api.UpdatePrototype(prototypeId, update, callback)
	result := <-c
	if result.Error != nil {
		Out.Printf("Write error (%s).\n", result.Error)
		return
	}
	printPrototype(result.Result)
}

// subscribe to the change feed and presence for a prototype and print
// events until interrupted
func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	prototypeId, ok := parsePrototypeId(opts)
	if !ok {
		return
	}

	identity, err := collab.NewJwtIdentity(jwt)
	if err != nil {
		Out.Printf("Invalid jwt (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := collab.NewDocumentStoreApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	realtime := collab.NewRealtimeClientWithDefaults(
		cancelCtx,
		realtimeUrl(opts),
		&collab.RealtimeAuth{
			ByJwt:      jwt,
			InstanceId: collab.NewId(),
		},
	)
	defer realtime.Close()

	session := collab.NewCollabSessionWithDefaults(
		cancelCtx,
		api,
		realtime,
		identity,
		prototypeId,
	)
	defer session.Close()

	session.AddRenderCallback(func(state *collab.RenderState) {
		if state.Gone {
			Out.Printf("[%s] document gone\n", timestamp())
			return
		}
		if state.Document != nil {
			Out.Printf(
				"[%s] %s steps=%d updated_at=%s\n",
				timestamp(),
				state.Document.Name,
				len(state.Document.Steps),
				state.Document.UpdatedAt.Format(time.RFC3339),
			)
		}
	})
	session.AddPresenceChangeCallback(func(users []*collab.PresenceUser) {
		names := []string{}
		for _, user := range users {
			name := user.Name
			if user.IsEditing {
				name = fmt.Sprintf("%s(editing %s)", name, user.EditingField)
			}
			names = append(names, name)
		}
		Out.Printf("[%s] online: %s\n", timestamp(), strings.Join(names, ", "))
	})
	session.AddConnectionChangeCallback(func(connected bool) {
		Out.Printf("[%s] connected=%t\n", timestamp(), connected)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// print the identity claims of the jwt (unverified)
func whoami(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(jwt, claims); err != nil {
		Out.Printf("Invalid jwt (%s).\n", err)
		return
	}

	identity, err := collab.NewJwtIdentity(jwt)
	if err != nil {
		Out.Printf("JWT has no usable identity (%s).\n", err)
		return
	}
	Out.Printf("user_id: %s\n", identity.UserId())
	if name := identity.UserName(); name != "" {
		Out.Printf("user_name: %s\n", name)
	}
}

// prompt for a token without echo and print the derived identity
func login(opts docopt.Opts) {
	fmt.Fprint(os.Stderr, "Token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Out.Printf("Read error (%s).\n", err)
		return
	}

	identity, err := collab.NewJwtIdentity(strings.TrimSpace(string(tokenBytes)))
	if err != nil {
		Out.Printf("Invalid token (%s).\n", err)
		return
	}
	Out.Printf("user_id: %s\n", identity.UserId())
	if name := identity.UserName(); name != "" {
		Out.Printf("user_name: %s\n", name)
	}
}

func printPrototype(prototype *collab.Prototype) {
	prototypeJson, err := json.MarshalIndent(prototype, "", "  ")
	if err != nil {
		Out.Printf("Encode error (%s).\n", err)
		return
	}
	Out.Printf("%s\n", prototypeJson)
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}
