// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command stagectl is a small interactive driver for the staging
// engine, grounded on cmd/consensus and cmd/checker's one-tool-per-
// main.go layout. Unlike those flag-parsed tools, stagectl uses
// github.com/alecthomas/kong for a git-style subcommand CLI, since the
// engine exposes several verbs (create-repo, transact, commit,
// connect) rather than one tunable run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/config"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/internal/telemetry"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stage"
	"github.com/luxfi/stage/wire"
)

// cli is the top-level command tree. stagectl's default mode wires a
// stage against an in-process loopback peer (wire.WireLoopback) that
// acks every :meta-pub and answers every :connect, since the spec
// treats the real peer wire as an external collaborator (§6) this tool
// doesn't supply.
var cli struct {
	MetricsAddr string `help:"Address to serve /metrics and /healthz on, empty to disable." default:":9090"`

	CreateRepo struct {
		InitVal string `help:"JSON-encoded initial value." default:"{}"`
		Branch  string `help:"Branch name." default:"master"`
	} `cmd:"" help:"Create a repository and print its id."`

	Transact struct {
		RepoID  string `arg:"" help:"Repository id, as printed by create-repo."`
		Branch  string `help:"Branch name." default:"master"`
		TransFn string `help:"Evaluator trans-fn name." default:"merge"`
		Params  string `help:"JSON-encoded transaction params." default:"{}"`
	} `cmd:"" help:"Stage a transaction and print the recomputed value."`

	Commit struct {
		RepoID string `arg:"" help:"Repository id, as printed by create-repo."`
		Branch string `help:"Branch name." default:"master"`
	} `cmd:"" help:"Commit staged transactions on a branch."`

	Connect struct {
		URL string `arg:"" help:"Peer URL to announce."`
	} `cmd:"" help:"Send :connect and wait for :connected."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("stagectl"),
		kong.Description("Drive a staging engine stage from the command line."))

	ctx := context.Background()
	logger := log.NewNoOpLogger()
	local, remote := wire.WireLoopback(64)
	defer local.Close()
	go autoAck(remote)

	store := blobstore.NewMapStore()
	eval := evalfn.NewRegistry("stagectl", map[string]evalfn.Func{"merge": evalfn.MergeMaps})

	telSrv := telemetry.NewServer()
	metrics, err := telemetry.NewMetrics("stage", telSrv.Registry())
	kctx.FatalIfErrorf(err)
	telSrv.RegisterCheck("blobstore", storeChecker{store})
	if cli.MetricsAddr != "" {
		go func() {
			_ = http.ListenAndServe(cli.MetricsAddr, telSrv.Handler())
		}()
	}

	s, err := stage.CreateStage(ctx, currentUser(), local, eval, store, config.LocalParams(), logger)
	kctx.FatalIfErrorf(err)
	defer s.Close()

	switch kctx.Command() {
	case "create-repo":
		var initVal any
		kctx.FatalIfErrorf(json.Unmarshal([]byte(cli.CreateRepo.InitVal), &initVal))
		id, err := s.CreateRepo(ctx, initVal, cli.CreateRepo.Branch)
		kctx.FatalIfErrorf(err)
		fmt.Println(id)

	case "transact <repo-id>":
		id, err := parseID(cli.Transact.RepoID)
		kctx.FatalIfErrorf(err)
		var params any
		kctx.FatalIfErrorf(json.Unmarshal([]byte(cli.Transact.Params), &params))
		err = s.Transact(ctx, id, cli.Transact.Branch, []model.StagedTransaction{
			{Params: params, TransFn: cli.Transact.TransFn},
		})
		kctx.FatalIfErrorf(err)
		metrics.StagedTransactions.Inc()
		printCurrentValue(s, id, cli.Transact.Branch)

	case "commit <repo-id>":
		id, err := parseID(cli.Commit.RepoID)
		kctx.FatalIfErrorf(err)
		err = s.Commit(ctx, map[ids.ID][]string{id: {cli.Commit.Branch}})
		kctx.FatalIfErrorf(err)
		metrics.CommitsApplied.Inc()
		fmt.Println("committed")

	case "connect <url>":
		err := s.Connect(ctx, cli.Connect.URL)
		kctx.FatalIfErrorf(err)
		fmt.Println("connected")
	}
}

// storeChecker adapts a blobstore.Store into a telemetry.Checker: the
// store is healthy as long as a lookup of a well-known sentinel key
// doesn't error (a miss is not a failure; an I/O error is).
type storeChecker struct {
	store blobstore.Store
}

func (c storeChecker) HealthCheck(ctx context.Context) (any, error) {
	_, _, err := c.store.Get(ctx, ids.ID{})
	return nil, err
}

// printCurrentValue drains the next push on Values() for (user, repo,
// branch) and prints it as JSON, for a script piping stagectl output.
func printCurrentValue(s *stage.Stage, id ids.ID, branch string) {
	v := <-s.Values()
	b, err := json.Marshal(v[currentUser()][id][branch])
	if err != nil {
		fmt.Fprintln(os.Stderr, "stagectl: encode value:", err)
		return
	}
	fmt.Println(string(b))
}

func parseID(hex string) (ids.ID, error) {
	return ids.FromString(hex)
}

// currentUser is fixed for this single-session tool; a real deployment
// would derive it from an authenticated session (spec §1 Non-goals:
// "no authentication").
func currentUser() string { return "stagectl" }

// autoAck stands in for a real remote peer (spec §6 treats the wire
// transport as an external collaborator): it acks every :meta-pub so
// SyncDriver's ack wait never times out in this single-process tool,
// and answers every :connect with a :connected for the same URL.
func autoAck(remote *wire.ChanPeer) {
	for env := range remote.Inbound() {
		switch env.Topic {
		case wire.TopicMetaPub:
			_ = remote.Send(wire.Envelope{Topic: wire.TopicMetaPubed, Peer: env.Peer})
		case wire.TopicConnect:
			_ = remote.Send(wire.Envelope{Topic: wire.TopicConnected, Peer: env.Peer, URL: env.URL})
		}
	}
}
