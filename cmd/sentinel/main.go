package main

import (
	"context"
	"log"
	"os"

	"github.com/decoynest/sentinel-engine/internal/agentkit"
	"github.com/decoynest/sentinel-engine/internal/api"
	"github.com/decoynest/sentinel-engine/internal/classifier"
	"github.com/decoynest/sentinel-engine/internal/config"
	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/internal/identity"
	"github.com/decoynest/sentinel-engine/internal/ingest"
)

// Exit codes: 0 normal, 1 bad configuration, 2 storage unreachable with
// STORAGE_REQUIRED=true. Without that flag the server boots degraded and
// keeps /health answering while persistence is down.
func main() {
	log.Println("Starting Sentinel deception-telemetry engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}

	var store db.Store
	if pg, err := db.Connect(cfg.StorageURI); err != nil {
		if cfg.StorageRequired {
			log.Printf("FATAL: storage unreachable: %v", err)
			os.Exit(2)
		}
		log.Printf("Warning: storage unreachable, serving degraded (reads 500, ingest 503): %v", err)
	} else {
		store = pg
		defer pg.Close()
	}

	idsvc := identity.NewService(store, cfg.AuthMode, cfg.TokenSigningKey)
	if !cfg.Enforced() {
		log.Println("Warning: AUTH_MODE=open - every request resolves to the demo principal")
	}

	hub := api.NewHub()
	go hub.Run()

	scorer := classifier.NewClient(cfg.ClassifierURL)
	monitor := classifier.NewMonitor(cfg.ClassifierURL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	pipeline := ingest.NewPipeline(store, scorer, hub, cfg.AlertThreshold)

	bundles, err := agentkit.NewBuilder(cfg.PublicURL, cfg.ClassifierURL, api.Version)
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}

	r := api.SetupRouter(store, idsvc, pipeline, monitor, bundles, hub, cfg)

	log.Printf("Engine listening on %s (auth=%s, threshold=%.1f)", cfg.ListenAddr, cfg.AuthMode, cfg.AlertThreshold)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
