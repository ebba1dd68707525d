package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/machiato32/liveresource"
)

const LiveResourceCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live resource control.

Watches or mutates a conventionally-routed remote resource. With --ws_url
the watched state is kept current from the real-time event channel.

Usage:
    liveresourcectl watch --api_url=<api_url> [--ws_url=<ws_url>] [--jwt=<jwt>]
        [--id=<id>] <resource>
    liveresourcectl store --api_url=<api_url> [--jwt=<jwt>] <resource> <json>
    liveresourcectl update --api_url=<api_url> [--jwt=<jwt>] [--method=<method>]
        <resource> <id> <json>
    liveresourcectl destroy --api_url=<api_url> [--jwt=<jwt>] [--method=<method>]
        <resource> <id>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --api_url=<api_url>  Base url of the resource routes.
    --ws_url=<ws_url>    Socket endpoint delivering resource events.
    --jwt=<jwt>          Your platform JWT. Prompted when omitted.
    --id=<id>            Bind to a single entity instead of the collection.
    --method=<method>    on-success, immediate or local-only [default: on-success].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveResourceCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if store_, _ := opts.Bool("store"); store_ {
		store(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if destroy_, _ := opts.Bool("destroy"); destroy_ {
		destroy(opts)
	}
}

func deps(ctx context.Context, opts docopt.Opts) *liveresource.BindingDeps {
	apiUrl, _ := opts.String("--api_url")
	wsUrl, _ := opts.String("--ws_url")
	jwt := requireJwt(opts)

	client := liveresource.NewApiClient(ctx)
	if jwt != "" {
		client.SetByJwt(jwt)
	}

	var subscriber liveresource.Subscriber
	if wsUrl != "" {
		var auth *liveresource.ClientAuth
		if jwt != "" {
			auth = &liveresource.ClientAuth{
				ByJwt:      jwt,
				InstanceId: liveresource.NewId(),
				AppVersion: LiveResourceCtlVersion,
			}
		}
		subscriber = liveresource.NewSocketSubscriberWithDefaults(ctx, wsUrl, auth)
	}

	return &liveresource.BindingDeps{
		Client:     client,
		Router:     liveresource.NewConventionRouter(apiUrl),
		Subscriber: subscriber,
	}
}

func requireJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Print("jwt (blank for none): ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return ""
	}
	return string(jwtBytes)
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindingDeps := deps(ctx, opts)
	resource, _ := opts.String("<resource>")

	printState := func(state any, loading bool) {
		stateJson, err := json.Marshal(state)
		if err != nil {
			Err.Printf("state encode = %s", err)
			return
		}
		Out.Printf("loading=%t %s", loading, stateJson)
	}

	if id, err := opts.String("--id"); err == nil && id != "" {
		binding := liveresource.NewEntityBindingWithDefaults(ctx, resource, id, bindingDeps)
		defer binding.Close()
		unsub := binding.AddStateListener(func() {
			printState(binding.State(), binding.IsLoading())
		})
		defer unsub()
		waitForInterrupt()
	} else {
		binding := liveresource.NewCollectionBindingWithDefaults(ctx, resource, bindingDeps)
		defer binding.Close()
		unsub := binding.AddStateListener(func() {
			printState(binding.State(), binding.IsLoading())
		})
		defer unsub()
		waitForInterrupt()
	}
}

func store(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindingDeps := deps(ctx, opts)
	resource, _ := opts.String("<resource>")
	payload := parsePayload(opts)

	binding := liveresource.NewCollectionBindingWithDefaults(ctx, resource, bindingDeps)
	defer binding.Close()

	entity, err := binding.Store(ctx, payload)
	if err != nil {
		Err.Fatalf("store = %s", err)
	}
	printEntity(entity)
}

func update(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindingDeps := deps(ctx, opts)
	resource, _ := opts.String("<resource>")
	id, _ := opts.String("<id>")
	method, _ := opts.String("--method")
	payload := parsePayload(opts)

	binding := liveresource.NewCollectionBindingWithDefaults(ctx, resource, bindingDeps)
	defer binding.Close()

	entity, err := binding.UpdateWithMethod(ctx, id, payload, liveresource.UpdateMethod(method))
	if err != nil {
		Err.Fatalf("update = %s", err)
	}
	printEntity(entity)
}

func destroy(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindingDeps := deps(ctx, opts)
	resource, _ := opts.String("<resource>")
	id, _ := opts.String("<id>")
	method, _ := opts.String("--method")

	binding := liveresource.NewCollectionBindingWithDefaults(ctx, resource, bindingDeps)
	defer binding.Close()

	if err := binding.DestroyWithMethod(ctx, id, liveresource.UpdateMethod(method)); err != nil {
		Err.Fatalf("destroy = %s", err)
	}
	Out.Printf("destroyed %s", id)
}

func parsePayload(opts docopt.Opts) liveresource.Attrs {
	payloadJson, _ := opts.String("<json>")
	var payload liveresource.Attrs
	if err := json.Unmarshal([]byte(payloadJson), &payload); err != nil {
		Err.Fatalf("payload decode = %s", err)
	}
	return payload
}

func printEntity(entity liveresource.Attrs) {
	if entity == nil {
		return
	}
	entityJson, err := json.Marshal(entity)
	if err != nil {
		Err.Fatalf("entity encode = %s", err)
	}
	Out.Printf("%s", entityJson)
}

func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
