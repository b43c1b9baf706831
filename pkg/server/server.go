// Package server provides the public entry point for initializing the
// AdPilot control plane server.
//
// This package exists in pkg/ (not internal/) so embedding deployments
// can compose the full pipeline with their own platform invoker and
// workflow agents.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/adpilot/control-plane/internal/api"
	"github.com/adpilot/control-plane/internal/api/handlers"
	"github.com/adpilot/control-plane/internal/audit"
	"github.com/adpilot/control-plane/internal/breaker"
	"github.com/adpilot/control-plane/internal/config"
	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/executor"
	"github.com/adpilot/control-plane/internal/idempotency"
	"github.com/adpilot/control-plane/internal/notify"
	"github.com/adpilot/control-plane/internal/planner"
	"github.com/adpilot/control-plane/internal/platform"
	"github.com/adpilot/control-plane/internal/policy"
	"github.com/adpilot/control-plane/internal/registry"
	"github.com/adpilot/control-plane/internal/retention"
	"github.com/adpilot/control-plane/internal/saga"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/internal/telemetry"
	"github.com/adpilot/control-plane/internal/vault"
	"github.com/adpilot/control-plane/internal/workflow"
	"github.com/adpilot/control-plane/pkg/models"

	"github.com/rs/zerolog/log"
)

// Options customize the composition. Zero values select the defaults:
// environment configuration, the fake platform invoker, no agents.
type Options struct {
	Config *config.Config

	// Invoker is the external platform boundary. Defaults to the fake
	// invoker, which echoes payloads without side effects.
	Invoker platform.Invoker

	// Agents are the external analysis collaborators available to
	// workflow agent steps, keyed by name.
	Agents map[string]workflow.Agent

	// Operations overrides the default operation catalog.
	Operations []models.OperationDefinition
}

// Server holds the initialized AdPilot control plane.
type Server struct {
	Handler http.Handler
	Store   store.Store

	Connector *connector.Connector
	Workflow  *workflow.Engine
	Planner   *planner.Planner

	Port int

	// ShutdownFunc should be called on graceful shutdown to stop the
	// janitor and flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the control plane from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, Options{})
}

// NewWithOptions initializes the control plane with explicit overrides.
func NewWithOptions(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	emitter := audit.NewEmitter(dataStore)

	vaultKey := cfg.Vault.EncryptionKey
	if vaultKey == "" {
		// Zero-config dev mode: credentials encrypted under an ephemeral
		// key do not survive restart.
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate vault key: %w", err)
		}
		vaultKey = base64.StdEncoding.EncodeToString(raw)
		log.Warn().Msg("ADPILOT_VAULT_KEY not set, using an ephemeral key")
	}
	credVault, err := vault.New(dataStore, vaultKey, emitter)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	defs := opts.Operations
	if defs == nil {
		defs = registry.DefaultCatalog()
	}
	reg, err := registry.New(defs)
	if err != nil {
		return nil, fmt.Errorf("build operation registry: %w", err)
	}
	log.Info().Int("operations", len(reg.List())).Msg("Operation registry initialized")

	invoker := opts.Invoker
	if invoker == nil {
		invoker = platform.NewFake()
		log.Warn().Msg("No platform invoker configured, using the fake invoker")
	}

	brk := breaker.New(dataStore, cfg.Executor.BreakerThreshold, cfg.Executor.BreakerCooldown)
	exec := executor.New(credVault, brk, invoker, cfg.Executor)
	journal := saga.NewJournal(dataStore, reg, exec)
	guard := idempotency.NewGuard(dataStore, cfg.Idempotency.TTL)

	conn := connector.New(
		dataStore, reg, policy.NewEngine(dataStore), guard,
		journal, exec, emitter, cfg.Approvals.MaxWait,
	)
	if notifier := notify.NewServiceFromEnv(); notifier.Enabled() {
		conn.SetNotifier(notifier)
		log.Info().Msg("Webhook notifications enabled")
	}

	workflows, err := loadWorkflowDefinitions()
	if err != nil {
		return nil, err
	}
	wf, err := workflow.NewEngine(workflows, conn, dataStore, dataStore, opts.Agents)
	if err != nil {
		return nil, fmt.Errorf("build workflow engine: %w", err)
	}
	if err := wf.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("Workflow resume sweep failed")
	}

	pl := planner.New(conn, journal)

	janitor := retention.NewJanitor(dataStore, conn, cfg.Retention)
	janitor.Start(ctx)

	h := handlers.New(dataStore, reg, credVault, conn, pl, wf, journal)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:   router,
		Store:     dataStore,
		Connector: conn,
		Workflow:  wf,
		Planner:   pl,
		Port:      cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			janitor.Stop()
			return telemetryShutdown(ctx)
		},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL store initialized")
		return s, nil
	}
	s := store.NewMemoryStore()
	log.Info().Msg("In-memory store initialized")
	return s, nil
}

// loadWorkflowDefinitions reads workflow JSON files from the directory
// named by ADPILOT_WORKFLOWS_DIR. Unset means no workflows are loaded;
// runs can still be driven by embedders via Options.
func loadWorkflowDefinitions() ([]models.WorkflowDefinition, error) {
	dir := os.Getenv("ADPILOT_WORKFLOWS_DIR")
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	var defs []models.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", entry.Name(), err)
		}
		var def models.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parse workflow %s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	log.Info().Int("workflows", len(defs)).Str("dir", dir).Msg("Workflow definitions loaded")
	return defs, nil
}
