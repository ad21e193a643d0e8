package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"truecoding/internal/config"
	"truecoding/internal/db"
	"truecoding/internal/domain"
	"truecoding/internal/engine"
	"truecoding/internal/liveness"
	"truecoding/internal/migrate"
	"truecoding/internal/worker"
)

const (
	testOwner      = "owner-1"
	testSecret     = "test-secret"
	testAssessment = `{"complexityScore":56,"complexityLevel":"medium","factors":[],"recommendedIterations":1}`
	testIterations = `[{"index":1,"name":"Fundacao","slug":"fundacao","scope":{"goals":["Base"],"featureTags":["@fundacao"],"risks":[]},"gherkinPath":"iter-1-fundacao.feature"}]`
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer starts the API over a migrated temp workspace. With drive
// set, started runs are executed by a simulated worker; otherwise they stay
// QUEUED.
func newTestServer(t *testing.T, executionEnabled, drive bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Execution.Enabled = executionEnabled
	cfg.Stream.PollInterval = 10 * time.Millisecond
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	live := liveness.NewRegistry()
	e := engine.New(conn, cfg, live)
	sim := worker.Simulated{}
	w := worker.New(e, live, sim, sim)
	if drive {
		e.Dispatcher = w
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		DevLogin: true,
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			w.Wait()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", string(data), err)
	}
	return env.Error.Code
}

// createProject creates a project for testOwner and records every required plan.
func createProject(t *testing.T, srv *testServer, withPlans bool) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": "shop"}, as(testOwner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if !withPlans {
		return p.ID
	}
	for _, kind := range domain.RequiredPlans {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/projects/"+p.ID+"/plans/"+string(kind),
			map[string]any{"content": map[string]any{"summary": "ok"}}, as(testOwner))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("put plan %s: %d %s", kind, res.StatusCode, string(data))
		}
	}
	return p.ID
}

func startBody() string {
	return `{"assessment":` + testAssessment + `,"iterations":` + testIterations + `}`
}

func TestStartRunIsIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t, true, false)
	defer cleanup()
	projectID := createProject(t, srv, true)

	first, body1 := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first start: %d %s", first.StatusCode, string(body1))
	}
	second, body2 := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second start: %d %s", second.StatusCode, string(body2))
	}
	var a, b StartRunResponse
	_ = json.Unmarshal(body1, &a)
	_ = json.Unmarshal(body2, &b)
	if a.AlreadyActive || !b.AlreadyActive {
		t.Fatalf("unexpected already_active flags: %v %v", a.AlreadyActive, b.AlreadyActive)
	}
	if a.Run.ID == "" || a.Run.ID != b.Run.ID {
		t.Fatalf("expected the same run, got %q and %q", a.Run.ID, b.Run.ID)
	}
	if a.Run.Status != domain.RunQueued {
		t.Fatalf("expected QUEUED, got %s", a.Run.Status)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+projectID+"/runs", nil, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
	var list RunListResponse
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != a.Run.ID {
		t.Fatalf("expected one run in list, got %+v", list.Items)
	}
}

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func readFrames(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestStreamDeliversEventsThenDone(t *testing.T) {
	srv, cleanup := newTestServer(t, true, true)
	defer cleanup()
	projectID := createProject(t, srv, true)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}
	var started StartRunResponse
	_ = json.Unmarshal(data, &started)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/projects/"+projectID+"/runs/"+started.Run.ID+"/stream", nil)
	req.Header.Set("X-Actor-Id", testOwner)
	stream, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	frames := readFrames(t, stream.Body)
	if len(frames) < 2 {
		t.Fatalf("expected events and done, got %+v", frames)
	}
	if frames[0].ID != "1" || frames[0].Event != string(domain.EventRunStatus) {
		t.Fatalf("first frame should be sequence 1 run_status, got %+v", frames[0])
	}
	last := frames[len(frames)-1]
	if last.Event != "done" {
		t.Fatalf("expected done frame last, got %+v", last)
	}
	var done streamDone
	if err := json.Unmarshal([]byte(last.Data), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Status != domain.RunSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", done.Status)
	}
	prev := int64(0)
	for _, f := range frames[:len(frames)-1] {
		var evt domain.DevelopmentEvent
		if err := json.Unmarshal([]byte(f.Data), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Sequence != prev+1 {
			t.Fatalf("stream skipped from %d to %d", prev, evt.Sequence)
		}
		prev = evt.Sequence
	}
	if done.LastSequence != prev {
		t.Fatalf("done should carry the last sequence %d, got %d", prev, done.LastSequence)
	}
}

func TestStreamResumesAfterCursor(t *testing.T) {
	srv, cleanup := newTestServer(t, true, true)
	defer cleanup()
	projectID := createProject(t, srv, true)
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	var started StartRunResponse
	_ = json.Unmarshal(data, &started)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := srv.Engine.GetRun(context.Background(), projectID, started.Run.ID, testOwner)
		if err == nil && run.Status == domain.RunSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/projects/"+projectID+"/runs/"+started.Run.ID+"/stream", nil)
	req.Header.Set("X-Actor-Id", testOwner)
	req.Header.Set("Last-Event-ID", "3")
	stream, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	frames := readFrames(t, stream.Body)
	if len(frames) == 0 || frames[0].ID != "4" {
		t.Fatalf("expected resume at sequence 4, got %+v", frames)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, true, false)
	defer cleanup()
	bare := createProject(t, srv, false)
	ready := createProject(t, srv, true)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		actor  string
		status int
		code   string
	}{
		{"no auth", http.MethodGet, "/v1/projects/" + ready, nil, "", http.StatusUnauthorized, "unauthorized"},
		{"unknown project", http.MethodGet, "/v1/projects/nope", nil, testOwner, http.StatusNotFound, "project_not_found"},
		{"not owner", http.MethodGet, "/v1/projects/" + ready + "/runs", nil, "intruder", http.StatusForbidden, "forbidden"},
		{"missing plans", http.MethodPost, "/v1/projects/" + bare + "/runs", startBody(), testOwner, http.StatusUnprocessableEntity, "prerequisite_not_met"},
		{"partial plan", http.MethodPost, "/v1/projects/" + ready + "/runs", `{"assessment":` + testAssessment + `}`, testOwner, http.StatusBadRequest, "invalid_plan"},
		{"malformed iterations", http.MethodPost, "/v1/projects/" + ready + "/runs", `{"assessment":` + testAssessment + `,"iterations":[{"index":"one"}]}`, testOwner, http.StatusBadRequest, "invalid_plan"},
		{"unknown run", http.MethodGet, "/v1/projects/" + ready + "/runs/nope", nil, testOwner, http.StatusNotFound, "run_not_found"},
		{"negative cursor", http.MethodGet, "/v1/projects/" + ready + "/runs/nope/stream?after=-1", nil, testOwner, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.actor != "" {
				headers = as(tc.actor)
			}
			res, data := doJSON(t, srv.Client(), tc.method, srv.URL+tc.path, tc.body, headers)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			if code := errorCode(t, data); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestRunControlErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, true, false)
	defer cleanup()
	projectID := createProject(t, srv, true)
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	var started StartRunResponse
	_ = json.Unmarshal(data, &started)
	runURL := srv.URL + "/v1/projects/" + projectID + "/runs/" + started.Run.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, runURL+"/iterations/0/checkpoint", map[string]any{"action": "pause"}, as(testOwner))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_input" {
		t.Fatalf("index 0: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/iterations/9/checkpoint", map[string]any{"action": "pause"}, as(testOwner))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "iteration_not_found" {
		t.Fatalf("unknown iteration: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/iterations/1/checkpoint", map[string]any{"action": "approve"}, as(testOwner))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "prerequisite_not_met" {
		t.Fatalf("approve of queued run: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/iterations/1/checkpoint", map[string]any{"action": "pause"}, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d %s", res.StatusCode, string(data))
	}
	var cp engine.CheckpointResult
	_ = json.Unmarshal(data, &cp)
	if cp.Status != domain.RunWaitingCheckpoint || cp.Action != engine.CheckpointPause {
		t.Fatalf("unexpected checkpoint result %+v", cp)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/recover", nil, as(testOwner))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "run_not_recoverable" {
		t.Fatalf("recover waiting run: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/cancel", map[string]any{"reason": "scope changed"}, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, runURL+"/retry", nil, as(testOwner))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("retry canceled run: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, runURL+"/events?after=0&limit=2", nil, as(testOwner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page EventPage
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextAfter != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestExecutionDisabled(t *testing.T) {
	srv, cleanup := newTestServer(t, false, false)
	defer cleanup()
	projectID := createProject(t, srv, true)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "execution_disabled" {
		t.Fatalf("expected execution_disabled, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, true, false)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "dev-1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with jwt: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "dev-1" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}

	raw, _, err := srv.Engine.CreateAPIKey(context.Background(), "bot-1", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "bot-1" || who.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, true, false)
	defer cleanup()
	projectID := createProject(t, srv, true)

	var (
		mu       sync.Mutex
		received []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Header.Get("X-Truecoding-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"run_status"}}}, nil)
	ctx := context.Background()
	// Prime the cursor: events that exist before the dispatcher starts are not replayed.
	d.DispatchAll(ctx)

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/runs", startBody(), as(testOwner))
	var started StartRunResponse
	_ = json.Unmarshal(data, &started)
	if _, err := srv.Engine.AppendEvent(ctx, started.Run.ID, 1, domain.EventInfo, "note", nil); err != nil {
		t.Fatalf("append info: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "run_status" {
		t.Fatalf("expected one filtered run_status delivery, got %v", received)
	}
}
