// Package host wires the six agent-substrate components together in the
// dependency order spec §2 names: persistence/quota first, then the
// memory store and file tracker (leaf data stores), then the event bus,
// then session management (which consumes the LLM backend), then the
// sub-agent task manager (which consumes session, file tracker and the
// bus), and finally the scheduler (which consumes the task manager and
// the bus). Grounded on the teacher's cmd/gateway.go top-level wiring
// function, generalized away from the chat-gateway-specific pieces that
// function built (HTTP server, channel registry, provider registry) since
// those are out of this module's scope.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/agentsubstrate/internal/bus"
	"github.com/nextlevelbuilder/agentsubstrate/internal/chatadapter"
	"github.com/nextlevelbuilder/agentsubstrate/internal/config"
	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
	"github.com/nextlevelbuilder/agentsubstrate/internal/memory"
	"github.com/nextlevelbuilder/agentsubstrate/internal/quota"
	"github.com/nextlevelbuilder/agentsubstrate/internal/scheduler"
	"github.com/nextlevelbuilder/agentsubstrate/internal/session"
	"github.com/nextlevelbuilder/agentsubstrate/internal/store/pg"
	"github.com/nextlevelbuilder/agentsubstrate/internal/taskmanager"
)

// AgentHost owns every live component for one running process. It is the
// single value an embedding cmd/serve.go (or a test) needs to hold.
type AgentHost struct {
	Config *config.Config

	Memory    memory.Backend
	Quota     *quota.InMemoryGate
	Events    *bus.Bus
	Chat      *chatadapter.Serializer
	Sessions  *session.Manager
	Tasks     *taskmanager.Manager
	Scheduler *scheduler.Scheduler
	Backend   llmbackend.Backend

	cancelScheduler context.CancelFunc
	pgPool          *pgxpool.Pool
}

// New builds an AgentHost from cfg. adapter is the concrete chat
// transport; pass chatadapter.LoggingAdapter{} for a transport-less
// standalone run. backend is the opaque LLM collaborator; if nil, an
// HTTPBackend is built from cfg.LLMBackend. ctx bounds the optional
// managed-mode database connection attempt.
func New(ctx context.Context, cfg *config.Config, adapter chatadapter.Adapter, backend llmbackend.Backend) (*AgentHost, error) {
	root := config.ExpandHome(cfg.StorageRoot)

	if backend == nil {
		backend = llmbackend.NewHTTPBackend(cfg.LLMBackend.Endpoint, cfg.LLMBackend.APIKey, cfg.LLMBackend.Model)
	}
	if adapter == nil {
		adapter = chatadapter.LoggingAdapter{}
	}

	quotaGate := quota.NewInMemoryGate(cfg.Quota.DefaultQuotaBytes)

	var memStore memory.Backend
	var pgPool *pgxpool.Pool
	if cfg.IsManagedMode() {
		pool, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("host: managed-mode database: %w", err)
		}
		pgPool = pool
		memStore = pg.NewMemoryStore(pool)
	} else {
		memStore = memory.NewStore(filepath.Join(root, "memory"))
	}

	events := bus.New(cfg.EventBus.PingInterval())
	chat := chatadapter.NewSerializer(adapter)

	sessions := session.NewManager(filepath.Join(root, "sessions"), backend, session.Config{
		SessionTimeout:        cfg.Session.SessionTimeout(),
		ContextStaleThreshold: cfg.Session.ContextStaleThreshold(),
		RecoverLastKChars:     cfg.Session.RecoverLastKChars,
		RecoverLastNSummaries: cfg.Session.RecoverLastNSummaries,
	})

	workingDirFor := func(userID string) string {
		return filepath.Join(root, "workspaces", userID)
	}

	tasks := taskmanager.New(
		taskmanager.Config{
			MaxSubAgents:      cfg.TaskManager.MaxSubAgents,
			MaxRetries:        cfg.TaskManager.MaxRetries,
			FileTrackerInline: cfg.TaskManager.FileTrackerInline,
			LLMCallsPerSecond: cfg.TaskManager.LLMCallsPerSecond,
		},
		backend,
		sessions,
		&taskmanager.LLMReviewAgent{Backend: backend},
		events,
		chat,
		workingDirFor,
		filepath.Join(root, "tasks"),
	)

	sched := scheduler.New(filepath.Join(root, "schedules"), tasks, events, cfg.Scheduler.TickEvery())

	h := &AgentHost{
		Config:    cfg,
		Memory:    memStore,
		Quota:     quotaGate,
		Events:    events,
		Chat:      chat,
		Sessions:  sessions,
		Tasks:     tasks,
		Scheduler: sched,
		Backend:   backend,
		pgPool:    pgPool,
	}

	return h, nil
}

// Run starts the scheduler's tick loop and blocks until ctx is cancelled,
// then performs the global shutdown sequence spec §5 requires: refuse new
// admissions, cancel running tasks, stop the bus's ping loop.
func (h *AgentHost) Run(ctx context.Context) error {
	schedCtx, cancel := context.WithCancel(ctx)
	h.cancelScheduler = cancel

	done := make(chan struct{})
	go func() {
		h.Scheduler.Run(schedCtx)
		close(done)
	}()

	<-ctx.Done()
	slog.Info("host: shutting down")
	h.Shutdown()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("host: scheduler did not stop within grace period")
	}
	return nil
}

// Shutdown refuses new task admissions, cancels running sub-agent tasks,
// stops the scheduler tick loop, and stops the event bus's ping goroutine.
func (h *AgentHost) Shutdown() {
	h.Tasks.Shutdown()
	h.Scheduler.Stop()
	h.Chat.Close()
	h.Events.Stop()
	if h.pgPool != nil {
		h.pgPool.Close()
	}
}
