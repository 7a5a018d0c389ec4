package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"localcron/internal/clock"
	"localcron/internal/domain"
	"localcron/internal/queue"
	"localcron/internal/scheduler"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *httptest.Server
	repo  queue.Repository
	svc   *scheduler.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
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
	svc := scheduler.NewService(repo, scheduler.WithClock(c), scheduler.WithLogger(zerolog.Nop()), scheduler.WithDefaultTimezone("UTC"))
	t.Cleanup(svc.Stop)

	srv := httptest.NewServer(NewServer(repo, svc, WithLogger(zerolog.Nop())))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: repo, svc: svc, clock: c}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, http.MethodGet, "/health", ""), http.StatusOK)

	resp := f.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "localcron_up 1") || !strings.Contains(buf.String(), "localcron_engines 0") {
		t.Fatalf("metrics = %q", buf.String())
	}
}

func TestTasks(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", `{"type":"shell","payload":{"command":"true"}}`)
	expectStatus(t, resp, http.StatusAccepted)
	var created idResp
	decode(t, resp, &created)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+created.ID, "")
	expectStatus(t, resp, http.StatusOK)
	var task domain.Task
	decode(t, resp, &task)
	if task.Type != "shell" || task.State != domain.StateQueued {
		t.Fatalf("task = %+v", task)
	}

	resp = f.do(t, http.MethodGet, "/api/tasks?limit=10", "")
	expectStatus(t, resp, http.StatusOK)
	var tasks []domain.Task
	decode(t, resp, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("listed %d tasks, want 1", len(tasks))
	}

	expectStatus(t, f.do(t, http.MethodGet, "/api/tasks/tsk_missing", ""), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/api/tasks", `{"payload":{}}`), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/api/tasks?limit=zero", ""), http.StatusBadRequest)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/schedules", `{"name":"report","cron_expr":"*/15 * * * *","task_type":"http","payload":{"url":"http://example.invalid"}}`)
	expectStatus(t, resp, http.StatusCreated)
	var created idResp
	decode(t, resp, &created)

	if got := f.svc.Running(); len(got) != 1 || got[0] != created.ID {
		t.Fatalf("Running() = %v", got)
	}
	// The engine started at 09:00:00 and fired the first boundary.
	tasks, err := f.repo.ListRecentTasks(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ScheduleID == nil || *tasks[0].ScheduleID != created.ID {
		t.Fatalf("tasks after create = %+v", tasks)
	}

	resp = f.do(t, http.MethodGet, "/api/schedules/"+created.ID+"/upcoming?n=3", "")
	expectStatus(t, resp, http.StatusOK)
	var up upcomingResp
	decode(t, resp, &up)
	want := []time.Time{epoch.Add(15 * time.Minute), epoch.Add(30 * time.Minute), epoch.Add(45 * time.Minute)}
	if len(up.Run) != 3 {
		t.Fatalf("upcoming = %v", up.Run)
	}
	for i := range want {
		if !up.Run[i].Equal(want[i]) {
			t.Fatalf("upcoming[%d] = %v, want %v", i, up.Run[i], want[i])
		}
	}

	resp = f.do(t, http.MethodPut, "/api/schedules/"+created.ID, `{"enabled":false}`)
	expectStatus(t, resp, http.StatusOK)
	var updated domain.Schedule
	decode(t, resp, &updated)
	if updated.Enabled || updated.CronExpr != "*/15 * * * *" {
		t.Fatalf("updated = %+v", updated)
	}
	if got := f.svc.Running(); len(got) != 0 {
		t.Fatalf("disabled schedule still running: %v", got)
	}

	expectStatus(t, f.do(t, http.MethodPut, "/api/schedules/"+created.ID, `{"cron_expr":"* * *"}`), http.StatusBadRequest)

	expectStatus(t, f.do(t, http.MethodDelete, "/api/schedules/"+created.ID, ""), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/api/schedules/"+created.ID, ""), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodDelete, "/api/schedules/"+created.ID, ""), http.StatusNotFound)
}

func TestCreateScheduleValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"cron_expr":"* * * * *","task_type":"shell"}`},
		{"missing expr", `{"name":"x","task_type":"shell"}`},
		{"missing type", `{"name":"x","cron_expr":"* * * * *"}`},
		{"four fields", `{"name":"x","cron_expr":"* * * *","task_type":"shell"}`},
		{"bad item", `{"name":"x","cron_expr":"1-2-3 * * * *","task_type":"shell"}`},
		{"bad zone", `{"name":"x","cron_expr":"* * * * *","task_type":"shell","timezone":"Mars/Olympus"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, f.do(t, http.MethodPost, "/api/schedules", tt.body), http.StatusBadRequest)
		})
	}
	if got := f.svc.Running(); len(got) != 0 {
		t.Fatalf("Running() = %v", got)
	}
}

func TestParseExpression(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/expressions/parse", `{"expr":"*/20 9-10 * * 1,5","count":2}`)
	expectStatus(t, resp, http.StatusOK)
	var got parseResp
	decode(t, resp, &got)

	if !equalInts(got.Minutes, []int{0, 20, 40}) || !equalInts(got.Hours, []int{9, 10}) || !equalInts(got.Dows, []int{1, 5}) {
		t.Fatalf("fields = %+v", got)
	}
	if len(got.Days) != 31 || len(got.Months) != 12 {
		t.Fatalf("days %d months %d", len(got.Days), len(got.Months))
	}
	// 2026-10-15 is a Thursday; the next Friday is the 16th.
	want := []time.Time{
		time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 16, 9, 20, 0, 0, time.UTC),
	}
	if len(got.Next) != 2 || !got.Next[0].Equal(want[0]) || !got.Next[1].Equal(want[1]) {
		t.Fatalf("next = %v, want %v", got.Next, want)
	}
	if got.Warnings == nil {
		t.Fatal("warnings should encode as an empty list")
	}

	resp = f.do(t, http.MethodPost, "/api/expressions/parse", `{"expr":"0 0 */2 * *"}`)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &got)
	if len(got.Warnings) == 0 {
		t.Fatal("expected a warning for a stepped wildcard on day of month")
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/expressions/parse", `{"expr":"* * * *"}`), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/api/expressions/parse", `{"expr":"* * * * *","timezone":"Nowhere/Zone"}`), http.StatusBadRequest)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
