package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/critic"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/executor"
	"reelforge/internal/migrate"
	"reelforge/internal/orchestrator"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("tenant-1")
	cfg.Loop.ExplorationRate = 0
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := orchestrator.New(conn, cfg, executor.NewTemplateExecutor(), critic.Critic{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Shutdown()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func pollJob(t *testing.T, srv *testServer, jobID string, headers map[string]string) orchestrator.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+jobID, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get job status %d: %s", res.StatusCode, string(data))
		}
		var st orchestrator.Status
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		switch st.Job.State {
		case domain.JobAccepted, domain.JobFailed, domain.JobCancelled:
			return st
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return orchestrator.Status{}
}

func TestSubmitJobReachesAccepted(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"platform": "shorts",
		"topic":    "octopus camouflage",
		"audience": "science fans",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitJobResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.Deduped {
		t.Fatal("fresh submission reported as deduped")
	}

	st := pollJob(t, srv, submitted.Job.ID, nil)
	if st.Job.State != domain.JobAccepted {
		t.Fatalf("job state %s, reason %v", st.Job.State, st.Job.FailureReason)
	}
	if st.Story == nil || len(st.Story.Scenes) == 0 {
		t.Fatal("accepted job has no story")
	}
	if st.Score == nil || st.Score.Verdict != critic.VerdictAccept {
		t.Fatalf("accepted job missing accept score: %+v", st.Score)
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs?state=accepted", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listData))
	}
	var list JobListResponse
	if err := json.Unmarshal(listData, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != submitted.Job.ID {
		t.Fatalf("list returned %d jobs", len(list.Jobs))
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"platform": "shorts",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing topic: expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code == "" || envelope.Error.Message == "" {
		t.Fatalf("error envelope incomplete: %s", string(data))
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"platform": "shorts",
		"topic":    "done deal",
	}, nil)
	var submitted SubmitJobResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatal(err)
	}
	pollJob(t, srv, submitted.Job.ID, nil)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+submitted.Job.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for terminal job, got %d %s", res.StatusCode, string(body))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{APIKeys: []string{"secret-key"}})
	defer cleanup()
	client := srv.Client()

	// Health stays open.
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d %s", res.StatusCode, string(data))
	}
}
