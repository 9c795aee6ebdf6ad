package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danshapiro/poppobuilder/internal/bus"
	"github.com/danshapiro/poppobuilder/internal/coordinator"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	b, err := bus.New(bus.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	c, err := coordinator.New(coordinator.Config{Bus: b})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHealthReportsOKStatus(t *testing.T) {
	c := newTestCoordinator(t)
	c.SubmitTask(domain.Task{TaskID: "t1", Type: "issue_tracker_report"})

	srv := New(":0", Dependencies{Coordinator: c})
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
}

func TestTaskEndpointReturnsSubmittedTask(t *testing.T) {
	c := newTestCoordinator(t)
	c.SubmitTask(domain.Task{TaskID: "t-42", Type: "issue_tracker_report"})

	srv := New(":0", Dependencies{Coordinator: c})
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/t-42")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var task domain.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.TaskID != "t-42" {
		t.Fatalf("expected task t-42, got %+v", task)
	}
}

func TestTaskEndpointReturns404ForUnknownID(t *testing.T) {
	c := newTestCoordinator(t)
	srv := New(":0", Dependencies{Coordinator: c})
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
