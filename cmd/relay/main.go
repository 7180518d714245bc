// Command relay is the relay CLI client. It talks to an orchestrator.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/server/auth"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "orchestrator URL")
		token     = flag.String("token", os.Getenv("RELAY_TOKEN"), "bearer token (or $RELAY_TOKEN)")
		name      = flag.String("name", "cli", "client name signed into minted tokens")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Printf("relay %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		return
	}

	tok := *token
	if tok == "" {
		var err error
		if tok, err = mintToken(*name); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      tok,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Stream:     &http.Client{},
	}

	var err error
	switch cmd {
	case "status":
		err = cli.cmdStatus(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	case "delegate":
		err = cli.cmdDelegate(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "progress":
		err = cli.cmdProgress(rest)
	case "claim":
		err = cli.cmdClaim(rest)
	case "cancel":
		err = cli.cmdCancel(rest)
	case "answer":
		err = cli.cmdAnswer(rest)
	case "watch":
		err = cli.cmdWatch(rest)
	case "say":
		err = cli.cmdSay(rest)
	case "reply":
		err = cli.cmdReply(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// mintToken signs a short-lived orchestrator token from the cluster secret.
func mintToken(name string) (string, error) {
	secret := os.Getenv(config.SecretEnv)
	if secret == "" {
		return "", fmt.Errorf("no token: pass --token or set %s", config.SecretEnv)
	}
	key, err := auth.DeriveKey([]byte(secret), name)
	if err != nil {
		return "", err
	}
	return auth.Issue(key, name, auth.Orchestrator, time.Hour)
}

func usage() {
	fmt.Fprint(os.Stderr, `relay: relay CLI

Usage:
  relay [flags] <command> [args]

Flags:
  --server <url>     orchestrator URL (default: http://localhost:9090)
  --token  <token>   bearer token (or $RELAY_TOKEN; minted from $RELAY_SECRET when unset)
  --name   <name>    client name for minted tokens (default: cli)

Commands:
  version                           print version
  status                            show orchestrator version and worker count
  agents                            list workers and their health
  delegate <worker> <prompt...>     start a task on a worker
  tasks [status]                    list tasks
  progress <task>                   show task progress
  claim <task>                      claim a finished task's completion
  cancel <task>                     cancel a task
  answer <task> <question> <json>   answer a task's pending question
  watch <task>                      stream task events, resuming after drops
  say <conversation> <text...>      send a message and stream the turn
  reply <question> <json>           answer a conversation question
`)
}
