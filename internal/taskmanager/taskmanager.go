// Package taskmanager implements the Sub-Agent Task Manager (spec §4.2):
// bounded concurrent execution of delegated tasks with an iterative
// review/retry loop and per-task artifact capture.
//
// The goroutine-per-task execution model, admission-limit checking under a
// single mutex, and per-task cancellation handle are grounded on the
// teacher's internal/tools/subagent.go (SubagentManager.Spawn/runTask). The
// review/retry loop — accumulating retry_history, re-invoking the target
// with a feedback message, accepting the last result once retries are
// exhausted — is grounded on internal/tools/delegate_policy.go's
// applyQualityGates. Status string constants (running/completed/failed/
// cancelled) follow the teacher's naming.
package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentsubstrate/internal/bus"
	"github.com/nextlevelbuilder/agentsubstrate/internal/chatadapter"
	"github.com/nextlevelbuilder/agentsubstrate/internal/filetracker"
	"github.com/nextlevelbuilder/agentsubstrate/internal/idgen"
	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
	"github.com/nextlevelbuilder/agentsubstrate/internal/lock"
	"github.com/nextlevelbuilder/agentsubstrate/internal/session"
	"github.com/nextlevelbuilder/agentsubstrate/internal/tracing"
)

// Status constants for SubAgentTask.Status (spec §3).
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RetryEntry is one rejection recorded in a task's retry_history (spec §3).
type RetryEntry struct {
	Feedback          string   `json:"feedback"`
	Suggestions       []string `json:"suggestions,omitempty"`
	MissingDimensions []string `json:"missing_dimensions,omitempty"`
	ResultSummary     string   `json:"result_summary"`
}

// SubAgentTask is a single delegated unit of work (spec §3).
type SubAgentTask struct {
	TaskID           string       `json:"task_id"`
	UserID           string       `json:"user_id"`
	Description      string       `json:"description"`
	Prompt           string       `json:"prompt"`
	Status           string       `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	RetryCount       int          `json:"retry_count"`
	MaxRetries       int          `json:"max_retries"`
	ReviewCriteria   string       `json:"review_criteria,omitempty"`
	RetryHistory     []RetryEntry `json:"retry_history,omitempty"`
	MaxRetriesReached bool        `json:"max_retries_reached,omitempty"`
	FilesProduced    []string     `json:"files_produced,omitempty"`
	Result           string       `json:"result,omitempty"`
	Error            string       `json:"error,omitempty"`

	cancel context.CancelFunc
}

// ReviewVerdict is the sum type returned by a ReviewAgent (spec §9: "a sum
// type ReviewVerdict = Accept | Reject{feedback, suggestions,
// missing_dimensions}").
type ReviewVerdict struct {
	Accepted          bool
	Feedback          string
	Suggestions       []string
	MissingDimensions []string
}

// ReviewAgent evaluates a task's output against declarative review_criteria
// (spec §4.2, GLOSSARY).
type ReviewAgent interface {
	Review(ctx context.Context, result, criteria string, currentDate time.Time) (ReviewVerdict, error)
}

// Config tunes the Task Manager's policy knobs (spec §6).
type Config struct {
	MaxSubAgents      int     // default 10
	MaxRetries        int     // default 10
	FileTrackerInline int     // default 5, passed through to filetracker.Deliver
	LLMCallsPerSecond float64 // default 5, token-bucket rate independent of MaxSubAgents
}

func (c Config) withDefaults() Config {
	if c.MaxSubAgents <= 0 {
		c.MaxSubAgents = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.FileTrackerInline <= 0 {
		c.FileTrackerInline = filetracker.InlineThreshold
	}
	if c.LLMCallsPerSecond <= 0 {
		c.LLMCallsPerSecond = 5
	}
	return c
}

// WorkingDirFunc resolves a user's working directory root for File Tracker
// scoping.
type WorkingDirFunc func(userID string) string

// Manager owns all SubAgentTask records and FileTrackerScopes (spec §3
// Ownership).
type Manager struct {
	cfg         Config
	backend     llmbackend.Backend
	sessions    *session.Manager
	reviewAgent ReviewAgent
	events      *bus.Bus
	chat        *chatadapter.Serializer
	workingDir  WorkingDirFunc
	persistRoot string
	locks       *lock.Table

	mu      sync.Mutex
	tasks   map[string]*SubAgentTask
	running int
	queue   []string // FIFO task_ids awaiting admission
	closed  bool

	limiter *rate.Limiter
}

// New constructs a Task Manager. reviewAgent may be nil if delegate_and_review
// is never called. sessions may be nil in tests that never exercise recovery;
// execute() then invokes the backend directly with no history/remote_id.
func New(cfg Config, backend llmbackend.Backend, sessions *session.Manager, reviewAgent ReviewAgent, events *bus.Bus, chat *chatadapter.Serializer, workingDir WorkingDirFunc, persistRoot string) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		backend:     backend,
		sessions:    sessions,
		reviewAgent: reviewAgent,
		events:      events,
		chat:        chat,
		workingDir:  workingDir,
		persistRoot: persistRoot,
		locks:       lock.NewTable(),
		tasks:       make(map[string]*SubAgentTask),
		limiter:     rate.NewLimiter(rate.Limit(cfg.LLMCallsPerSecond), 1),
	}
}

// Delegate enqueues a simple task and returns immediately (spec §4.2
// delegate).
func (m *Manager) Delegate(userID, description, prompt string) (string, error) {
	return m.submit(userID, description, prompt, "")
}

// DelegateAndReview enqueues a task subject to the review loop (spec §4.2
// delegate_and_review).
func (m *Manager) DelegateAndReview(userID, description, prompt, reviewCriteria string) (string, error) {
	if reviewCriteria == "" {
		return "", fmt.Errorf("taskmanager: review_criteria required for delegate_and_review")
	}
	return m.submit(userID, description, prompt, reviewCriteria)
}

func (m *Manager) submit(userID, description, prompt, reviewCriteria string) (string, error) {
	task := &SubAgentTask{
		TaskID:         idgen.Short(),
		UserID:         userID,
		Description:    description,
		Prompt:         prompt,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     m.cfg.MaxRetries,
		ReviewCriteria: reviewCriteria,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("taskmanager: shutting down, new admissions refused")
	}
	m.tasks[task.TaskID] = task
	m.queue = append(m.queue, task.TaskID)
	m.mu.Unlock()

	if err := m.persist(task, false); err != nil {
		slog.Warn("taskmanager: persist pending task failed", "task", task.TaskID, "error", err)
	}

	m.events.BroadcastTaskCreated(userID, bus.TaskCreatedPayload{
		TaskID:      task.TaskID,
		Description: description,
		CreatedAt:   task.CreatedAt.UnixMilli(),
	})

	m.dispatch()
	return task.TaskID, nil
}

// dispatch admits queued tasks up to the global concurrency cap, in FIFO
// order (spec §4.2 Concurrency policy).
func (m *Manager) dispatch() {
	m.mu.Lock()
	var toRun []*SubAgentTask
	for m.running < m.cfg.MaxSubAgents && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		task, ok := m.tasks[id]
		if !ok || task.Status != StatusPending {
			continue
		}
		m.running++
		toRun = append(toRun, task)
	}
	m.mu.Unlock()

	for _, task := range toRun {
		go m.runTask(task)
	}
}

// Cancel transitions a running task to cancelled best-effort (spec §4.2
// cancel).
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("taskmanager: task %s not found", taskID)
	}
	cancel := task.cancel
	status := task.Status
	m.mu.Unlock()

	if status != StatusRunning && status != StatusPending {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a snapshot of task state (spec §4.2 get).
func (m *Manager) Get(taskID string) (SubAgentTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return SubAgentTask{}, false
	}
	return *task, true
}

// List returns all tasks for userID (spec §4.2 list).
func (m *Manager) List(userID string) []SubAgentTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubAgentTask
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

// Shutdown refuses new admissions, cancels every running task, and drops
// pending tasks as cancelled (spec §5 "On global shutdown").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	pending := m.queue
	m.queue = nil
	var cancels []context.CancelFunc
	for _, t := range m.tasks {
		if t.Status == StatusRunning && t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
	}
	for _, id := range pending {
		if t, ok := m.tasks[id]; ok && t.Status == StatusPending {
			t.Status = StatusCancelled
		}
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (m *Manager) runTask(task *SubAgentTask) {
	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		m.dispatch()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	ctx, endSpan := tracing.StartSpan(ctx, "taskmanager.run_task",
		"task_id", task.TaskID, "user_id", task.UserID)
	var spanErr error
	defer func() { endSpan(spanErr) }()

	m.mu.Lock()
	task.Status = StatusRunning
	now := time.Now().UTC()
	task.StartedAt = &now
	task.cancel = cancel
	m.mu.Unlock()

	m.events.BroadcastTaskUpdate(task.UserID, bus.TaskUpdatePayload{TaskID: task.TaskID, Status: StatusRunning})
	m.persist(task, false)

	scope, scopeErr := filetracker.Start(m.workingDir(task.UserID))
	if scopeErr != nil {
		slog.Warn("taskmanager: file tracker scope failed to start", "task", task.TaskID, "error", scopeErr)
	}

	result, execErr := m.execute(ctx, task)

	select {
	case <-ctx.Done():
		m.finishCancelled(task)
		return
	default:
	}

	if execErr != nil {
		spanErr = execErr
		m.finishFailed(task, execErr)
		return
	}

	if task.ReviewCriteria != "" {
		result, execErr = m.reviewLoop(ctx, task, result)
		if execErr != nil {
			m.finishFailed(task, execErr)
			return
		}
		select {
		case <-ctx.Done():
			m.finishCancelled(task)
			return
		default:
		}
	}

	m.finishCompleted(task, result, scope)
}

// execute runs a single attempt: (original_prompt + accumulated
// retry_history) against the LLM backend (spec §4.2 step 1). Before the
// call it consults the owning user's Session — recovering context ahead of
// time if the session has gone stale; if the backend reports remote_unknown
// it expires that session (writing its summary), opens a fresh one, and
// retries with the recovered context — so a sub-agent invocation behaves the
// same way an ordinary chat turn would (spec §4.1 recover_context: "invoked
// by the Task Manager before an LLM call").
func (m *Manager) execute(ctx context.Context, task *SubAgentTask) (string, error) {
	prompt := task.Prompt
	for _, entry := range task.RetryHistory {
		prompt += fmt.Sprintf("\n\n[Review feedback — retry %d]\n%s\nSuggestions: %v\nMissing: %v\nPrevious result summary: %s\nPlease revise your output addressing the feedback.",
			task.RetryCount, entry.Feedback, entry.Suggestions, entry.MissingDimensions, entry.ResultSummary)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("taskmanager: rate limit wait %s: %w", task.TaskID, err)
	}

	if m.sessions == nil {
		resp, err := m.backend.Invoke(ctx, llmbackend.InvokeRequest{Prompt: prompt})
		if err != nil {
			return "", fmt.Errorf("taskmanager: execute %s: %w", task.TaskID, err)
		}
		return resp.Text, nil
	}

	sess, err := m.sessions.OpenOrResume(task.UserID)
	if err != nil {
		return "", fmt.Errorf("taskmanager: execute %s: open session: %w", task.TaskID, err)
	}

	req := llmbackend.InvokeRequest{Prompt: prompt, RemoteID: sess.RemoteID}
	if m.sessions.IsStale(sess) {
		history, rerr := m.sessions.RecoverContext(sess)
		if rerr != nil {
			slog.Warn("taskmanager: recover context for stale session failed", "task", task.TaskID, "session", sess.ID, "error", rerr)
		} else {
			req.History = history
			req.RemoteID = ""
		}
	}

	resp, err := m.backend.Invoke(ctx, req)
	if err != nil && m.sessions.NeedsRecovery(sess, err) {
		slog.Info("taskmanager: remote session unknown, expiring session and recovering context", "task", task.TaskID, "session", sess.ID)
		if _, xerr := m.sessions.Expire(ctx, sess, session.ReasonRemoteUnknown); xerr != nil {
			slog.Warn("taskmanager: expire after remote_unknown failed", "task", task.TaskID, "session", sess.ID, "error", xerr)
		}
		if next, oerr := m.sessions.OpenOrResume(task.UserID); oerr == nil {
			sess = next
		}
		history, rerr := m.sessions.RecoverContext(sess)
		if rerr != nil {
			return "", fmt.Errorf("taskmanager: execute %s: recover context: %w", task.TaskID, rerr)
		}
		resp, err = m.backend.Invoke(ctx, llmbackend.InvokeRequest{Prompt: prompt, History: history})
	}
	if err != nil {
		return "", fmt.Errorf("taskmanager: execute %s: %w", task.TaskID, err)
	}

	m.sessions.SetRemoteID(sess, resp.RemoteID)
	usage := &session.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, Cost: resp.Usage.CostUSD}
	if rerr := m.sessions.RecordTurn(sess, "sub_agent", resp.Text, usage); rerr != nil {
		slog.Warn("taskmanager: record turn failed", "task", task.TaskID, "session", sess.ID, "error", rerr)
	}

	return resp.Text, nil
}

// reviewLoop runs the Review Agent after each execution, retrying on
// rejection with accumulated retry_history (spec §4.2 steps 2-5).
func (m *Manager) reviewLoop(ctx context.Context, task *SubAgentTask, result string) (string, error) {
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("taskmanager: rate limit wait %s: %w", task.TaskID, err)
		}

		verdict, err := m.reviewAgent.Review(ctx, result, task.ReviewCriteria, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("taskmanager: review %s: %w", task.TaskID, err)
		}

		if verdict.Accepted {
			return result, nil
		}

		if task.RetryCount >= task.MaxRetries {
			// Terminal rejection (spec §4.2 step 5): retry_count == max_retries.
			// The final verdict does not get its own retry_history entry —
			// only attempts that actually triggered a retry do.
			m.mu.Lock()
			task.MaxRetriesReached = true
			m.mu.Unlock()
			return result, nil
		}

		entry := RetryEntry{
			Feedback:          verdict.Feedback,
			Suggestions:       verdict.Suggestions,
			MissingDimensions: verdict.MissingDimensions,
			ResultSummary:     summarize(result),
		}

		m.mu.Lock()
		task.RetryHistory = append(task.RetryHistory, entry)
		task.RetryCount++
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		result, err = m.execute(ctx, task)
		if err != nil {
			return "", err
		}
	}
}

func summarize(result string) string {
	const max = 280
	if len(result) <= max {
		return result
	}
	return result[:max] + "…"
}

func (m *Manager) finishCompleted(task *SubAgentTask, result string, scope *filetracker.Scope) {
	var files []string
	if scope != nil {
		if diffed, err := scope.Diff(); err == nil {
			files = diffed
		} else {
			slog.Warn("taskmanager: file tracker diff failed", "task", task.TaskID, "error", err)
		}
		if err := scope.Cleanup(); err != nil {
			slog.Warn("taskmanager: file tracker cleanup failed", "task", task.TaskID, "error", err)
		}
	}

	m.mu.Lock()
	task.Status = StatusCompleted
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Result = result
	task.FilesProduced = files
	m.mu.Unlock()

	m.deliverFiles(task, scope, files)

	m.events.BroadcastTaskUpdate(task.UserID, bus.TaskUpdatePayload{
		TaskID:      task.TaskID,
		Status:      StatusCompleted,
		Result:      result,
		CompletedAt: now.UnixMilli(),
	})
	m.persist(task, true)
}

func (m *Manager) deliverFiles(task *SubAgentTask, scope *filetracker.Scope, files []string) {
	if scope == nil || len(files) == 0 || m.chat == nil {
		return
	}

	delivery, err := filetracker.Deliver(scope.Root, files, filepath.Join(scope.Root, "temp"), m.cfg.FileTrackerInline)
	if err != nil {
		slog.Warn("taskmanager: file delivery packing failed", "task", task.TaskID, "error", err)
		return
	}

	for _, rel := range delivery.Inline {
		m.chat.SendFile(task.UserID, filepath.Join(scope.Root, rel), "")
	}
	if delivery.ArchivePath != "" {
		m.chat.SendFile(task.UserID, delivery.ArchivePath, "task artifacts")
		defer os.Remove(delivery.ArchivePath)
	}
}

func (m *Manager) finishFailed(task *SubAgentTask, execErr error) {
	m.mu.Lock()
	task.Status = StatusFailed
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Error = execErr.Error()
	m.mu.Unlock()

	m.events.BroadcastTaskUpdate(task.UserID, bus.TaskUpdatePayload{
		TaskID:      task.TaskID,
		Status:      StatusFailed,
		Result:      execErr.Error(),
		CompletedAt: now.UnixMilli(),
	})
	m.persist(task, true)
}

func (m *Manager) finishCancelled(task *SubAgentTask) {
	m.mu.Lock()
	task.Status = StatusCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.FilesProduced = nil // files-produced dropped silently (spec §4.2)
	m.mu.Unlock()

	m.events.BroadcastTaskUpdate(task.UserID, bus.TaskUpdatePayload{TaskID: task.TaskID, Status: StatusCancelled, CompletedAt: now.UnixMilli()})
	m.persist(task, true)
}

// persist writes the task document to running_tasks/ or, once terminal, to
// completed_tasks/ — authoritative history per spec §6.
func (m *Manager) persist(task *SubAgentTask, terminal bool) error {
	if m.persistRoot == "" {
		return nil
	}

	m.mu.Lock()
	snapshot := *task
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	userDir := filepath.Join(m.persistRoot, idgen.SanitizeKey(task.UserID), "data")
	runningPath := filepath.Join(userDir, "running_tasks", task.TaskID+".json")
	completedPath := filepath.Join(userDir, "completed_tasks", task.TaskID+".json")

	if terminal {
		if err := m.locks.WithLock(completedPath, func() error {
			return lock.WriteFileAtomic(completedPath, data, 0o644)
		}); err != nil {
			return err
		}
		os.Remove(runningPath)
		return nil
	}

	return m.locks.WithLock(runningPath, func() error {
		return lock.WriteFileAtomic(runningPath, data, 0o644)
	})
}
