// deimos-master is a standalone simulated master for developing and
// testing frameworks without a cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hub-cap/deimos/internal/logging"
	"github.com/hub-cap/deimos/internal/master"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := master.DefaultConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.IntVar(&cfg.Agents, "agents", cfg.Agents, "Number of simulated agents")
	flag.Float64Var(&cfg.AgentCPUs, "agent-cpus", cfg.AgentCPUs, "CPUs per agent")
	flag.Float64Var(&cfg.AgentMemMB, "agent-mem", cfg.AgentMemMB, "Memory per agent in MB")
	flag.StringVar(&cfg.HostnamePrefix, "hostname-prefix", cfg.HostnamePrefix, "Agent hostname prefix")
	flag.DurationVar(&cfg.OfferInterval, "offer-interval", cfg.OfferInterval, "Pause between offer rounds")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Heartbeat cadence on the event stream (0 disables)")
	flag.StringVar(&cfg.Containerizer, "containerizer", cfg.Containerizer, "Containerizer (mock, docker)")
	flag.DurationVar(&cfg.StartDelay, "start-delay", cfg.StartDelay, "Mock: delay before launched tasks report RUNNING")
	flag.DurationVar(&cfg.TaskRuntime, "task-runtime", cfg.TaskRuntime, "Mock: command task runtime before FINISHED")
	flag.IntVar(&cfg.FailEvery, "fail-every", cfg.FailEvery, "Mock: fail every Nth command task (0 disables)")
	flag.StringVar(&cfg.DefaultImage, "default-image", cfg.DefaultImage, "Docker: image for tasks that name none")
	flag.StringVar(&cfg.SandboxRoot, "sandbox-root", cfg.SandboxRoot, "Docker: parent directory for task sandboxes")
	flag.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite journal of task transitions (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})

	m, err := master.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init master: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "master error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("master stopped")
}
