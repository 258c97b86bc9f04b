// swarm-node runs one mesh participant: it joins its seeds, serves the peer
// API, and executes or delegates tasks until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "swarm-node:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", "", "path to a .env file (optional)")
	listen := flag.String("listen", "", "listen address, overrides SWARM_LISTEN_ADDR")
	name := flag.String("name", "", "node name, overrides SWARM_NODE_NAME")
	seeds := flag.String("seeds", "", "comma-separated seed URLs, overrides SWARM_SEEDS")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		// A .env beside the binary is picked up when present.
		_ = godotenv.Load()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg := swarm.FromEnv()
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *name != "" {
		cfg.NodeName = *name
	}
	if *seeds != "" {
		var list []string
		for _, s := range strings.Split(*seeds, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		cfg.Discovery.Seeds = list
	}

	node, err := swarm.NewNode(cfg, logger)
	if err != nil {
		return err
	}
	node.SetExecutor(func(ctx context.Context, env common.TaskEnvelope) (*common.TaskResult, error) {
		// Placeholder executor: acknowledge the task so operators can
		// exercise the mesh before wiring a real backend.
		return &common.TaskResult{
			Status: common.TaskCompleted,
			Findings: []common.Finding{{
				StepTitle: "echo",
				Summary:   "no executor backend configured; task acknowledged: " + env.Task,
				Status:    "succeeded",
			}},
		}, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("node up", "node_id", node.Identity().NodeID, "url", node.Identity().APIURL)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return node.Stop(shutdownCtx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
