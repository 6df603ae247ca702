package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-fleet/pkg/agent"
	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

func main() {
	configPath := flag.String("config", "./agent.yaml", "Config file path")
	artifactPath := flag.String("artifact", "", "Identity artifact path (overrides config)")
	projectRoot := flag.String("root", "", "Project root for file relay (overrides config)")
	flag.Parse()

	fmt.Printf("🛠  Cluso Fleet - Worker Agent\n")
	fmt.Printf("=============================\n\n")

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *artifactPath != "" {
		cfg.ArtifactPath = *artifactPath
	}
	if *projectRoot != "" {
		cfg.ProjectRoot = *projectRoot
	}

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	artifact, err := identity.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		log.Fatalf("Failed to load identity artifact: %v", err)
	}
	fmt.Printf("🪪  Identity: %s\n", artifact.ID)
	fmt.Printf("🌐 Orchestrator: %s\n", artifact.Host)
	fmt.Printf("📦 Child: %v\n\n", cfg.ChildCommand)

	a, err := agent.New(cfg, artifact, logger)
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			fmt.Printf("\n🛑 Worker terminated by orchestrator\n")
			return
		}
		log.Fatalf("Agent failed: %v", err)
	}
	fmt.Printf("\n👋 Shutting down...\n")
}
