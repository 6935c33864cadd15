// Package scheduler implements the Scheduler (spec §4.3): a typed
// recurrence engine (daily/weekly/monthly/interval/once) with run caps, an
// operation log, and durable execution history.
//
// The call shape — resolve the agent, build a prompt, submit a sub-agent
// task without waiting for its result, publish an event — is grounded on the
// teacher's cmd/gateway_cron.go (makeCronJobHandler). The teacher's own
// internal/scheduler package was not present in the retrieved file slice,
// so the firing-rule engine itself is authored fresh against
// github.com/adhocore/gronx for the daily/weekly/monthly cron-style
// matches, with direct time arithmetic for interval/once, per the domain
// stack wiring.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentsubstrate/internal/bus"
	"github.com/nextlevelbuilder/agentsubstrate/internal/idgen"
	"github.com/nextlevelbuilder/agentsubstrate/internal/lock"
	"github.com/nextlevelbuilder/agentsubstrate/internal/tracing"
)

// ScheduleType enumerates the recurrence kinds (spec §3).
type ScheduleType string

const (
	TypeDaily    ScheduleType = "daily"
	TypeWeekly   ScheduleType = "weekly"
	TypeMonthly  ScheduleType = "monthly"
	TypeInterval ScheduleType = "interval"
	TypeOnce     ScheduleType = "once"
)

// ScheduledTask is a user's recurring or one-shot prompt (spec §3).
type ScheduledTask struct {
	TaskID          string       `json:"task_id"` // matches [A-Za-z0-9_]{1,32}, unique per user
	UserID          string       `json:"user_id"`
	Name            string       `json:"name"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	Hour            int          `json:"hour"`   // 0..23
	Minute          int          `json:"minute"` // 0..59
	Weekdays        []int        `json:"weekdays,omitempty"`    // subset of 0..6, weekly
	MonthDay        int          `json:"month_day,omitempty"`   // 1..31, monthly
	IntervalSeconds int64        `json:"interval_seconds,omitempty"`
	RunDate         string       `json:"run_date,omitempty"` // ISO date, once
	FirstFireAt     *time.Time   `json:"first_fire_at,omitempty"`
	Enabled         bool         `json:"enabled"`
	MaxRuns         *int         `json:"max_runs,omitempty"`
	RunCount        int          `json:"run_count"`
	LastRun         *time.Time   `json:"last_run,omitempty"`
	Prompt          string       `json:"prompt"`
	CreatedAt       time.Time    `json:"created_at"`
	TimeZone        string       `json:"time_zone"`
}

// OperationKind enumerates ScheduleOperationLog entry types (spec §3).
type OperationKind string

const (
	OpCreate  OperationKind = "create"
	OpUpdate  OperationKind = "update"
	OpDelete  OperationKind = "delete"
	OpEnable  OperationKind = "enable"
	OpDisable OperationKind = "disable"
	OpExecute OperationKind = "execute"
)

// OperationLogEntry is one append-only record (spec §3 ScheduleOperationLog).
type OperationLogEntry struct {
	Op             OperationKind  `json:"op"`
	TaskID         string         `json:"task_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Snapshot       *ScheduledTask `json:"snapshot,omitempty"`        // full snapshot on delete (spec P7)
	SubAgentTaskID string         `json:"sub_agent_task_id,omitempty"` // set on execute
	RunCount       int            `json:"run_count,omitempty"`
	NextRun        *time.Time     `json:"next_run,omitempty"`
}

// TaskSubmitter is the Task Manager contract the Scheduler depends on (spec
// §2 dependency order: Scheduler consumes Task Manager).
type TaskSubmitter interface {
	Delegate(userID, description, prompt string) (string, error)
}

// Scheduler owns ScheduledTask records and the operation log (spec §3
// Ownership).
type Scheduler struct {
	root    string
	locks   *lock.Table
	tasks   TaskSubmitter
	events  *bus.Bus
	tickEvery time.Duration

	mu      sync.Mutex
	byUser  map[string]map[string]*ScheduledTask // userID -> taskID -> task

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler that persists each user's schedule state under
// root.
func New(root string, submitter TaskSubmitter, events *bus.Bus, tickEvery time.Duration) *Scheduler {
	if tickEvery <= 0 {
		tickEvery = 15 * time.Second
	}
	return &Scheduler{
		root:      root,
		locks:     lock.NewTable(),
		tasks:     submitter,
		events:    events,
		tickEvery: tickEvery,
		byUser:    make(map[string]map[string]*ScheduledTask),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) tasksPath(userID string) string {
	return filepath.Join(s.root, idgen.SanitizeKey(userID), "data", "schedules", "tasks.json")
}

func (s *Scheduler) opLogPath(userID string) string {
	return filepath.Join(s.root, idgen.SanitizeKey(userID), "data", "schedules", "operation_log.jsonl")
}

// Load reads userID's persisted schedules into memory (call once per user on
// first touch, or eagerly at startup for all known users).
func (s *Scheduler) Load(userID string) error {
	data, err := os.ReadFile(s.tasksPath(userID))
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			if s.byUser[userID] == nil {
				s.byUser[userID] = make(map[string]*ScheduledTask)
			}
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("scheduler: load %s: %w", userID, err)
	}

	var list []*ScheduledTask
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scheduler: decode %s: %w", userID, err)
	}

	m := make(map[string]*ScheduledTask, len(list))
	for _, t := range list {
		m[t.TaskID] = t
	}

	s.mu.Lock()
	s.byUser[userID] = m
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) ensureLoaded(userID string) map[string]*ScheduledTask {
	s.mu.Lock()
	m, ok := s.byUser[userID]
	s.mu.Unlock()
	if ok {
		return m
	}
	s.Load(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser[userID]
}

func (s *Scheduler) persistTasks(userID string) error {
	s.mu.Lock()
	m := s.byUser[userID]
	list := make([]*ScheduledTask, 0, len(m))
	for _, t := range m {
		list = append(list, t)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].TaskID < list[j].TaskID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	path := s.tasksPath(userID)
	return s.locks.WithLock(path, func() error {
		return lock.WriteFileAtomic(path, data, 0o644)
	})
}

func (s *Scheduler) appendOpLog(userID string, entry OperationLogEntry) error {
	entry.Timestamp = time.Now().UTC()
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path := s.opLogPath(userID)
	return s.locks.WithLock(path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(append(line, '\n'))
		return err
	})
}

// Create adds a new ScheduledTask, atomically against the user's schedule
// file, and appends a `create` operation-log entry (spec §4.3).
func (s *Scheduler) Create(task *ScheduledTask) error {
	if !idgen.ValidTaskID(task.TaskID) {
		return fmt.Errorf("scheduler: invalid task_id %q", task.TaskID)
	}
	if task.TimeZone == "" {
		task.TimeZone = "UTC"
	}
	task.CreatedAt = time.Now().UTC()

	m := s.ensureLoaded(task.UserID)
	s.mu.Lock()
	if _, exists := m[task.TaskID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task_id %q already exists for user", task.TaskID)
	}
	m[task.TaskID] = task
	s.mu.Unlock()

	if err := s.persistTasks(task.UserID); err != nil {
		return err
	}
	return s.appendOpLog(task.UserID, OperationLogEntry{Op: OpCreate, TaskID: task.TaskID})
}

// Update replaces fields on an existing task via mutate, then persists and
// logs (spec §4.3).
func (s *Scheduler) Update(userID, taskID string, mutate func(*ScheduledTask)) error {
	m := s.ensureLoaded(userID)
	s.mu.Lock()
	t, ok := m[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %s not found", taskID)
	}
	mutate(t)
	s.mu.Unlock()

	if err := s.persistTasks(userID); err != nil {
		return err
	}
	return s.appendOpLog(userID, OperationLogEntry{Op: OpUpdate, TaskID: taskID})
}

// Delete removes a task, recording a full snapshot in the operation log
// (spec §4.3, P7).
func (s *Scheduler) Delete(userID, taskID string) error {
	m := s.ensureLoaded(userID)
	s.mu.Lock()
	t, ok := m[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %s not found", taskID)
	}
	snapshot := *t
	delete(m, taskID)
	s.mu.Unlock()

	if err := s.persistTasks(userID); err != nil {
		return err
	}
	return s.appendOpLog(userID, OperationLogEntry{Op: OpDelete, TaskID: taskID, Snapshot: &snapshot})
}

// SetEnabled flips a task's enabled flag and logs enable/disable (spec
// §4.3).
func (s *Scheduler) SetEnabled(userID, taskID string, enabled bool) error {
	m := s.ensureLoaded(userID)
	s.mu.Lock()
	t, ok := m[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %s not found", taskID)
	}
	t.Enabled = enabled
	s.mu.Unlock()

	if err := s.persistTasks(userID); err != nil {
		return err
	}
	op := OpDisable
	if enabled {
		op = OpEnable
	}
	return s.appendOpLog(userID, OperationLogEntry{Op: op, TaskID: taskID})
}

// Reset clears run_count and re-enables a task that hit max_runs (spec
// §4.3 reset).
func (s *Scheduler) Reset(userID, taskID string) error {
	return s.Update(userID, taskID, func(t *ScheduledTask) {
		t.RunCount = 0
		t.Enabled = true
		t.LastRun = nil
	})
}

// Get returns a copy of a single task.
func (s *Scheduler) Get(userID, taskID string) (ScheduledTask, bool) {
	m := s.ensureLoaded(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := m[taskID]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

// List returns all of userID's tasks.
func (s *Scheduler) List(userID string) []ScheduledTask {
	m := s.ensureLoaded(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(m))
	for _, t := range m {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Run starts the dispatcher loop; it returns once ctx is cancelled or Stop
// is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// Stop halts the dispatcher loop started by Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// candidate pairs a task with the user it belongs to, for tie-break
// ordering (spec §4.3: "tasks fire in (user_id, task_id) lexicographic
// order").
type candidate struct {
	userID string
	task   *ScheduledTask
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []candidate
	for userID, m := range s.byUser {
		for _, t := range m {
			if isDue(t, now) {
				due = append(due, candidate{userID: userID, task: t})
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].userID != due[j].userID {
			return due[i].userID < due[j].userID
		}
		return due[i].task.TaskID < due[j].task.TaskID
	})

	for _, c := range due {
		s.fire(c.userID, c.task, now)
	}
}

// isDue evaluates the firing rule table in spec §4.3.
func isDue(t *ScheduledTask, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.MaxRuns != nil && t.RunCount >= *t.MaxRuns {
		return false
	}
	if alreadyFiredThisMinute(t, now) {
		return false
	}

	loc := locationFor(t.TimeZone)
	local := now.In(loc)

	switch t.ScheduleType {
	case TypeDaily:
		return cronDue(dailyExpr(t), local)
	case TypeWeekly:
		return cronDue(weeklyExpr(t), local)
	case TypeMonthly:
		return monthlyDue(t, local)
	case TypeInterval:
		return intervalDue(t, now)
	case TypeOnce:
		return onceDue(t, local)
	default:
		return false
	}
}

func alreadyFiredThisMinute(t *ScheduledTask, now time.Time) bool {
	if t.LastRun == nil {
		return false
	}
	if t.ScheduleType == TypeInterval {
		return false // interval compares against next_run arithmetic instead
	}
	return t.LastRun.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
}

func locationFor(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func dailyExpr(t *ScheduledTask) string {
	return fmt.Sprintf("%d %d * * *", t.Minute, t.Hour)
}

func weeklyExpr(t *ScheduledTask) string {
	days := make([]string, len(t.Weekdays))
	for i, d := range t.Weekdays {
		days[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, strings.Join(days, ","))
}

func cronDue(expr string, ref time.Time) bool {
	g := gronx.New()
	due, err := g.IsDue(expr, ref)
	if err != nil {
		slog.Warn("scheduler: invalid cron expression", "expr", expr, "error", err)
		return false
	}
	return due
}

// monthlyDue fires on daily-match AND day-of-month == MonthDay, skipping
// months that lack that day (spec §4.3, B2).
func monthlyDue(t *ScheduledTask, local time.Time) bool {
	if local.Day() != t.MonthDay {
		return false
	}
	return cronDue(dailyExpr(t), local)
}

// intervalDue implements first_fire_at (or immediate) then every
// interval_seconds thereafter, including the past-first-fire catch-up
// exception (spec §4.3, B1, §9).
func intervalDue(t *ScheduledTask, now time.Time) bool {
	if t.IntervalSeconds <= 0 {
		return false
	}

	if t.LastRun == nil {
		if t.FirstFireAt == nil || !t.FirstFireAt.After(now) {
			return true // unset, or in the past: fire once immediately
		}
		return !t.FirstFireAt.After(now)
	}

	next := t.LastRun.Add(time.Duration(t.IntervalSeconds) * time.Second)
	return !next.After(now)
}

func onceDue(t *ScheduledTask, local time.Time) bool {
	if t.LastRun != nil {
		return false // already fired, single-shot
	}
	runDate, err := time.ParseInLocation("2006-01-02", t.RunDate, local.Location())
	if err != nil {
		return false
	}
	target := time.Date(runDate.Year(), runDate.Month(), runDate.Day(), t.Hour, t.Minute, 0, 0, local.Location())
	return !local.Before(target) && local.Sub(target) < time.Minute
}

// fire executes the per-fire procedure (spec §4.3 steps 1-5).
func (s *Scheduler) fire(userID string, t *ScheduledTask, now time.Time) {
	_, endSpan := tracing.StartSpan(context.Background(), "scheduler.fire",
		"user_id", userID, "task_id", t.TaskID, "schedule_type", string(t.ScheduleType))
	var spanErr error
	defer func() { endSpan(spanErr) }()

	subTaskID, err := s.tasks.Delegate(userID, "scheduled: "+t.Name, t.Prompt)
	if err != nil {
		spanErr = err
		slog.Error("scheduler: delegate failed for scheduled task", "user", userID, "task", t.TaskID, "error", err)
		return
	}

	s.mu.Lock()
	t.RunCount++
	lastRun := now
	t.LastRun = &lastRun
	if t.MaxRuns != nil && t.RunCount >= *t.MaxRuns {
		t.Enabled = false
	}
	runCount := t.RunCount
	s.mu.Unlock()

	if err := s.persistTasks(userID); err != nil {
		slog.Warn("scheduler: persist after fire failed", "user", userID, "task", t.TaskID, "error", err)
	}

	next := s.computeNextRun(t, now)
	s.appendOpLog(userID, OperationLogEntry{
		Op:             OpExecute,
		TaskID:         t.TaskID,
		SubAgentTaskID: subTaskID,
		RunCount:       runCount,
		NextRun:        next,
	})

	var nextMs int64
	if next != nil {
		nextMs = next.UnixMilli()
	}
	if s.events != nil {
		s.events.BroadcastScheduleExecuted(userID, bus.ScheduleExecutedPayload{
			TaskID:   t.TaskID,
			RunCount: runCount,
			NextRun:  nextMs,
		})
	}
}

// computeNextRun is best-effort: its result is recorded in the execute
// operation-log entry and the schedule_executed event payload, and it does
// not gate firing decisions. Daily, weekly and monthly tasks report now plus
// 24 hours rather than their next matching slot.
func (s *Scheduler) computeNextRun(t *ScheduledTask, now time.Time) *time.Time {
	if !t.Enabled {
		return nil
	}
	switch t.ScheduleType {
	case TypeInterval:
		next := now.Add(time.Duration(t.IntervalSeconds) * time.Second)
		return &next
	case TypeOnce:
		return nil
	default:
		next := now.Add(24 * time.Hour)
		return &next
	}
}
