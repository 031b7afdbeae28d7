package main

import (
	"context"
	"fmt"

	"github.com/kestrelworks/sprintd/internal/config"
	"github.com/kestrelworks/sprintd/internal/engine"
	"github.com/kestrelworks/sprintd/internal/events"
	"github.com/kestrelworks/sprintd/internal/gates"
	"github.com/kestrelworks/sprintd/internal/persistence"
	"github.com/kestrelworks/sprintd/internal/worker"
)

// runtime holds everything a command needs to drive or observe a sprint.
type runtime struct {
	store   *persistence.SQLiteStore
	engine  *engine.Engine
	bus     *events.EventBus
	procMgr *worker.ProcessManager
}

func (r *runtime) close() {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.procMgr != nil {
		_ = r.procMgr.KillAll()
	}
	_ = r.store.Close()
}

// newRuntime wires the store, workers, gate registry, and engine from
// configuration. Every worker gets retry and circuit-breaker protection.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	pm := worker.NewProcessManager()
	breakers := worker.NewBreakerRegistry(log)
	retry := worker.RetryConfig{
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		MaxElapsedTime:      cfg.Retry.MaxElapsedTime,
		Multiplier:          cfg.Retry.Multiplier,
		RandomizationFactor: cfg.Retry.RandomizationFactor,
	}

	workers := make(map[worker.Role]worker.Worker, len(cfg.Roles))
	for name, rc := range cfg.Roles {
		role := worker.Role(name)
		cw, err := worker.NewCommandWorker(role, worker.CommandConfig{
			Command:      rc.Command,
			Args:         rc.Args,
			Model:        rc.Model,
			SystemPrompt: rc.SystemPrompt,
			WorkDir:      rc.WorkDir,
		}, pm)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		workers[role] = worker.NewResilient(cw, breakers.Get(role), retry)
	}

	bus := events.NewEventBus()
	registry := gates.NewRegistry(store, workers[worker.RoleGatekeeper], cfg.Limits.GateRetryCeiling, log)
	eng := engine.New(store, workers, registry, bus, log)

	return &runtime{store: store, engine: eng, bus: bus, procMgr: pm}, nil
}

// newReadOnlyRuntime opens just the store, for projection commands.
func newReadOnlyRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return &runtime{store: store}, nil
}
