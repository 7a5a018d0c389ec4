package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"localcron/internal/clock"
	"localcron/internal/domain"
	"localcron/internal/queue"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, queue.Repository, *clock.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	c := clock.Fake(epoch)
	repo := queue.NewSQLiteRepo(db, c)
	svc := NewService(repo, WithClock(c), WithLogger(zerolog.Nop()), WithDefaultTimezone("UTC"))
	t.Cleanup(svc.Stop)
	return svc, repo, c
}

func countTasks(t *testing.T, repo queue.Repository) []domain.Task {
	t.Helper()
	tasks, err := repo.ListRecentTasks(context.Background(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	return tasks
}

func TestServiceEnqueuesEveryMatchingMinute(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newTestService(t)

	id, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name: "tick", CronExpr: "*/2 * * * *", TaskType: "shell", Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := svc.Running(); len(got) != 1 || got[0] != id {
		t.Fatalf("Running() = %v", got)
	}

	c.Advance(5 * time.Minute)

	// 09:00, 09:02, 09:04
	tasks := countTasks(t, repo)
	if len(tasks) != 3 {
		t.Fatalf("enqueued %d tasks, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.ScheduleID == nil || *task.ScheduleID != id || task.Type != "shell" {
			t.Fatalf("task %+v not linked to schedule", task)
		}
	}

	sch, err := repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if want := epoch.Add(4 * time.Minute); sch.LastRun == nil || !sch.LastRun.Equal(want) {
		t.Fatalf("LastRun = %v, want %v", sch.LastRun, want)
	}
}

func TestServiceSkipsDisabledAndInvalid(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	if _, err := repo.CreateSchedule(ctx, domain.Schedule{Name: "off", CronExpr: "* * * * *", TaskType: "shell"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateSchedule(ctx, domain.Schedule{Name: "bad", CronExpr: "* * *", TaskType: "shell", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := svc.Running(); len(got) != 0 {
		t.Fatalf("Running() = %v, want none", got)
	}
}

func TestServiceReplaceDoesNotDuplicateBoundary(t *testing.T) {
	svc, repo, c := newTestService(t)

	sch := domain.Schedule{ID: "sch_fixed", Name: "fixed", CronExpr: "* * * * *", TaskType: "shell", Enabled: true}
	if err := svc.Add(sch); err != nil {
		t.Fatal(err)
	}
	// Restarting within the same minute re-evaluates 09:00.
	sch.Priority = 9
	if err := svc.Add(sch); err != nil {
		t.Fatal(err)
	}
	if n := len(countTasks(t, repo)); n != 1 {
		t.Fatalf("enqueued %d tasks for one boundary, want 1", n)
	}

	c.Advance(time.Minute)
	tasks := countTasks(t, repo)
	if len(tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(tasks))
	}
	if tasks[0].Priority != 9 {
		t.Fatalf("replacement engine did not use new definition: %+v", tasks[0])
	}
}

func TestServiceRemove(t *testing.T) {
	svc, repo, c := newTestService(t)

	sch := domain.Schedule{ID: "sch_gone", Name: "gone", CronExpr: "* * * * *", TaskType: "shell", Enabled: true}
	if err := svc.Add(sch); err != nil {
		t.Fatal(err)
	}
	if !svc.Remove(sch.ID) {
		t.Fatal("Remove reported no engine")
	}
	if svc.Remove(sch.ID) {
		t.Fatal("second Remove reported an engine")
	}

	c.Advance(10 * time.Minute)
	if n := len(countTasks(t, repo)); n != 1 {
		t.Fatalf("enqueued %d tasks after removal, want 1", n)
	}

	sch.Enabled = false
	if err := svc.Add(sch); err != nil {
		t.Fatalf("Add disabled: %v", err)
	}
	if len(svc.Running()) != 0 {
		t.Fatal("disabled schedule is running")
	}
}

func TestServiceValidateAndUpcoming(t *testing.T) {
	svc, _, _ := newTestService(t)

	if err := svc.Validate(domain.Schedule{CronExpr: "0 9 * * *", Timezone: "Asia/Tokyo"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := svc.Validate(domain.Schedule{CronExpr: "0 9 * *"}); err == nil {
		t.Fatal("Validate accepted four fields")
	}
	if err := svc.Validate(domain.Schedule{CronExpr: "0 9 * * *", Timezone: "Not/AZone"}); err == nil {
		t.Fatal("Validate accepted an unknown zone")
	}

	got, err := svc.Upcoming(domain.Schedule{CronExpr: "30 * * * *"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{epoch.Add(30 * time.Minute), epoch.Add(90 * time.Minute)}
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("Upcoming = %v, want %v", got, want)
	}
}
