// Command duelctl is a player and operator client for a duelnode.
//
//	duelctl [-rpc URL] [-token T] <command> [flags]
//
// Keystores are unlocked with DUEL_PASSWORD. A .env file in the working
// directory is loaded first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tolelom/shadowduel/rpc"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, c *rpc.Client, args []string) error
}

var commands = []command{
	{"keygen", "create a player keystore", cmdKeygen},
	{"token", "mint an RPC access token", cmdToken},
	{"status", "show chain and cluster identity", cmdStatus},
	{"create", "open a match", cmdCreate},
	{"join", "take seat B of a match", cmdJoin},
	{"move", "seal and commit a move", cmdMove},
	{"resolve", "request resolution of the current turn", cmdResolve},
	{"abandon", "clear an expired resolution", cmdAbandon},
	{"match", "show a match", cmdMatch},
	{"matches", "list a player's matches", cmdMatches},
	{"rounds", "list resolved rounds and damage totals", cmdRounds},
	{"watch", "stream ledger events", cmdWatch},
}

func main() {
	log.SetFlags(0)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env: %v", err)
	}

	rpcURL := flag.String("rpc", envOr("DUEL_RPC_URL", "http://localhost:8645"), "node RPC URL")
	token := flag.String("token", os.Getenv("DUEL_RPC_TOKEN"), "RPC bearer token or JWT")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout (watch ignores it)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		ctx := context.Background()
		if name != "watch" {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}
		client := rpc.NewClient(*rpcURL, *token)
		if err := cmd.run(withEndpoint(ctx, *rpcURL, *token), client, args); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		return
	}
	log.Printf("unknown command %q", name)
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: duelctl [flags] <command> [command flags]\n\nflags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\ncommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", cmd.name, cmd.usage)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type endpointKey struct{}

type endpoint struct{ url, token string }

// withEndpoint lets commands that bypass the JSON-RPC client (watch) find
// the node.
func withEndpoint(ctx context.Context, url, token string) context.Context {
	return context.WithValue(ctx, endpointKey{}, endpoint{url: url, token: token})
}

func endpointFrom(ctx context.Context) endpoint {
	ep, _ := ctx.Value(endpointKey{}).(endpoint)
	return ep
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
