package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/conduit/internal/dispatch"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/pool"
	"github.com/seantiz/conduit/internal/txn"
)

func seedTasks(t *testing.T, env *testEnv, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		task := &model.Task{
			ID:        model.NewID(),
			Name:      "seed",
			Status:    model.StatusSubmitted,
			CreatedAt: time.Now().UTC(),
		}
		if err := env.journal.CreateTask(context.Background(), task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		ids = append(ids, task.ID)
	}
	return ids
}

func deleteTask(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	return resp
}

func TestGetTaskExisting(t *testing.T) {
	env := newTestEnv(t, pool.Config{CoreSize: 1, MaxSize: 1, QueueCapacity: 4})
	h, err := env.d.Dispatch(context.Background(), dispatch.WorkItem{
		Name: "answer",
		Body: func(context.Context, *txn.Context) (any, error) { return 42, nil },
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitForStatus(t, env.journal, h.ID(), model.StatusCompleted)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + h.ID())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got model.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != h.ID() || got.Name != "answer" {
		t.Errorf("task = %s/%s, want %s/answer", got.ID, got.Name, h.ID())
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil || got.DurationMS == nil {
		t.Error("completed task missing timing fields")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasksEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tasks == nil || len(body.Tasks) != 0 {
		t.Errorf("tasks = %v, want empty non-nil slice", body.Tasks)
	}
	if body.Total != 0 || body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("page = total %d limit %d offset %d", body.Total, body.Limit, body.Offset)
	}
}

func TestListTasksPagination(t *testing.T) {
	env := newTestEnv(t, pool.Config{CoreSize: 1, MaxSize: 1, QueueCapacity: 1})
	seedTasks(t, env, 5)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	tests := []struct {
		query     string
		wantLen   int
		wantLimit int
	}{
		{"?limit=2&offset=0", 2, 2},
		{"?limit=2&offset=4", 1, 2},
		{"?limit=2&offset=10", 0, 2},
		{"?limit=0", 5, defaultListLimit},
		{"?limit=1000", 5, defaultListLimit},
		{"?limit=abc&offset=-3", 5, defaultListLimit},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/tasks" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			var body listTasksResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Tasks) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(body.Tasks), tt.wantLen)
			}
			if body.Total != 5 {
				t.Errorf("total = %d, want 5", body.Total)
			}
			if body.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", body.Limit, tt.wantLimit)
			}
			if body.Offset < 0 {
				t.Errorf("offset = %d, want >= 0", body.Offset)
			}
		})
	}
}

func TestCancelQueuedTask(t *testing.T) {
	env := newTestEnv(t, pool.Config{CoreSize: 1, MaxSize: 1, QueueCapacity: 4})
	blocker, started, release := blockingItem(t, "blocker")
	if _, err := env.d.Dispatch(context.Background(), blocker); err != nil {
		t.Fatalf("Dispatch(blocker): %v", err)
	}
	<-started

	h, err := env.d.Dispatch(context.Background(), dispatch.WorkItem{
		Name: "queued",
		Body: func(context.Context, *txn.Context) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("Dispatch(queued): %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := deleteTask(t, ts.URL+"/v1/tasks/"+h.ID())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Cancelled || body.Status != model.StatusCancelled {
		t.Errorf("response = %+v, want cancelled", body)
	}
	release()
	waitForStatus(t, env.journal, h.ID(), model.StatusCancelled)

	again := deleteTask(t, ts.URL+"/v1/tasks/"+h.ID())
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second DELETE status = %d, want 409", again.StatusCode)
	}
}

func TestCancelRunningTask(t *testing.T) {
	env := newTestEnv(t, pool.Config{CoreSize: 1, MaxSize: 1, QueueCapacity: 4})
	started := make(chan struct{})
	h, err := env.d.Dispatch(context.Background(), dispatch.WorkItem{
		Name: "poller",
		Body: func(ctx context.Context, _ *txn.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := deleteTask(t, ts.URL+"/v1/tasks/"+h.ID())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Cancelled {
		t.Error("running task reported as cancelled before start")
	}
	waitForStatus(t, env.journal, h.ID(), model.StatusFailed)
}

func TestCancelTaskNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := deleteTask(t, ts.URL+"/v1/tasks/nonexistent")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
