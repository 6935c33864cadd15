package scheduler

import (
	"testing"
	"time"
)

type recordingSubmitter struct {
	calls []string
}

func (r *recordingSubmitter) Delegate(userID, description, prompt string) (string, error) {
	r.calls = append(r.calls, userID+":"+description)
	return "sub-" + userID, nil
}

func intPtr(n int) *int { return &n }

func TestDailyFiresAtMatchingMinuteOncePerDay(t *testing.T) {
	task := &ScheduledTask{
		TaskID:       "daily1",
		ScheduleType: TypeDaily,
		Hour:         9,
		Minute:       0,
		Enabled:      true,
		TimeZone:     "UTC",
		MaxRuns:      intPtr(2),
	}

	day1 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !isDue(task, day1) {
		t.Fatal("expected daily task to be due at 09:00")
	}
	task.RunCount++
	task.LastRun = &day1

	// same minute again: must not re-fire
	if isDue(task, day1) {
		t.Fatal("expected daily task not to re-fire within the same minute")
	}

	day2 := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !isDue(task, day2) {
		t.Fatal("expected daily task to fire again on day 2")
	}
	task.RunCount++
	task.LastRun = &day2
	task.Enabled = task.RunCount < *task.MaxRuns

	if task.Enabled {
		t.Fatal("expected task disabled after reaching max_runs")
	}

	day3 := time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)
	if isDue(task, day3) {
		t.Fatal("expected no fire once max_runs reached and disabled")
	}
}

func TestMonthlySkipsMonthsWithoutDay31(t *testing.T) {
	task := &ScheduledTask{
		TaskID:       "monthly1",
		ScheduleType: TypeMonthly,
		Hour:         10,
		Minute:       0,
		MonthDay:     31,
		Enabled:      true,
		TimeZone:     "UTC",
	}

	feb := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	if isDue(task, feb) {
		t.Fatal("expected no fire in February for month_day=31")
	}

	jan31 := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	if !isDue(task, jan31) {
		t.Fatal("expected fire on January 31")
	}
}

func TestIntervalWithPastFirstFireFiresOnceImmediatelyThenOnInterval(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := start.Add(-10 * time.Minute)

	task := &ScheduledTask{
		TaskID:          "interval1",
		ScheduleType:    TypeInterval,
		IntervalSeconds: 3600,
		FirstFireAt:     &past,
		Enabled:         true,
		TimeZone:        "UTC",
	}

	if !isDue(task, start) {
		t.Fatal("expected interval task with past first_fire_at to fire immediately")
	}
	task.RunCount++
	task.LastRun = &start

	soon := start.Add(30 * time.Minute)
	if isDue(task, soon) {
		t.Fatal("expected no fire before the next interval elapses")
	}

	later := start.Add(3600 * time.Second)
	if !isDue(task, later) {
		t.Fatal("expected interval task to fire again after interval_seconds")
	}
}

func TestOnceFiresSingleTime(t *testing.T) {
	task := &ScheduledTask{
		TaskID:       "once1",
		ScheduleType: TypeOnce,
		RunDate:      "2026-03-05",
		Hour:         8,
		Minute:       30,
		Enabled:      true,
		TimeZone:     "UTC",
	}

	target := time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC)
	if !isDue(task, target) {
		t.Fatal("expected once task to fire at target time")
	}
	task.RunCount++
	task.LastRun = &target

	if isDue(task, target.Add(time.Minute)) {
		t.Fatal("expected once task never to fire again")
	}
}

func TestFireCallsSubmitterAndIncrementsRunCount(t *testing.T) {
	submitter := &recordingSubmitter{}
	s := New(t.TempDir(), submitter, nil, time.Hour)
	defer s.Stop()

	task := &ScheduledTask{
		TaskID:       "t1",
		UserID:       "u1",
		Name:         "greet",
		ScheduleType: TypeDaily,
		Hour:         9,
		Enabled:      true,
		TimeZone:     "UTC",
		Prompt:       "say hi",
	}
	if err := s.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.fire("u1", task, time.Now().UTC())

	if len(submitter.calls) != 1 {
		t.Fatalf("expected exactly one delegate call, got %d", len(submitter.calls))
	}

	got, ok := s.Get("u1", "t1")
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if got.RunCount != 1 {
		t.Fatalf("expected run_count 1, got %d", got.RunCount)
	}
	if got.LastRun == nil {
		t.Fatal("expected last_run set")
	}
}

func TestDeleteRecordsFullSnapshot(t *testing.T) {
	s := New(t.TempDir(), &recordingSubmitter{}, nil, time.Hour)
	defer s.Stop()

	task := &ScheduledTask{TaskID: "t1", UserID: "u1", ScheduleType: TypeDaily, Hour: 9, Enabled: true, Prompt: "x"}
	if err := s.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("u1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := s.Get("u1", "t1"); ok {
		t.Fatal("expected task removed after delete")
	}
}
