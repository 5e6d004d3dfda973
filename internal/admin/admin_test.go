package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickd/internal/rt"
	"tickd/internal/storage"
	"tickd/internal/task/registry"
	"tickd/internal/task/repeated"
	logx "tickd/pkg/logx"
)

type fixture struct {
	reg *registry.Registry
	rt  *rt.Runtime
	srv *Server
	h   http.Handler
}

func newFixture(t *testing.T, cfg Config, history History) *fixture {
	t.Helper()
	r, err := rt.New(rt.Config{Name: "admin-test", Workers: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("rt.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	reg := registry.New(logx.Nop(), nil)
	task, err := repeated.New("gc", time.Hour, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("repeated.New: %v", err)
	}
	if err := reg.Add(task, r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	srv := New(cfg, Deps{
		Tasks:       reg,
		Runtimes:    func() []rt.Snapshot { return []rt.Snapshot{r.Snapshot()} },
		History:     history,
		StopTimeout: 2 * time.Second,
	}, logx.Nop())
	return &fixture{reg: reg, rt: r, srv: srv, h: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzAndTaskList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)

	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodGet, "/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /tasks = %d", rec.Code)
	}
	var body struct {
		Tasks []repeated.Status `json:"tasks"`
	}
	decode(t, rec, &body)
	if len(body.Tasks) != 1 || body.Tasks[0].Name != "gc" || body.Tasks[0].State != "not-started" {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
	if got := time.Duration(body.Tasks[0].Interval); got != time.Hour {
		t.Fatalf("interval = %v, want 1h", got)
	}
	if !strings.Contains(rec.Body.String(), `"interval":"1h0m0s"`) || !strings.Contains(rec.Body.String(), `"last_duration":"0s"`) {
		t.Fatalf("durations not encoded as strings: %s", rec.Body.String())
	}

	if rec := f.do(t, http.MethodGet, "/tasks/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /tasks/missing = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/runtimes", nil)
	var rts struct {
		Runtimes []rt.Snapshot `json:"runtimes"`
	}
	decode(t, rec, &rts)
	if len(rts.Runtimes) != 1 || rts.Runtimes[0].Name != "admin-test" {
		t.Fatalf("runtimes = %+v", rts.Runtimes)
	}
}

func TestStopTaskStatusCodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)

	if rec := f.do(t, http.MethodPost, "/tasks/gc/stop", nil); rec.Code != http.StatusConflict {
		t.Fatalf("stop before start = %d, want 409", rec.Code)
	}
	if err := f.reg.Start("gc"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/tasks/gc/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", rec.Code, rec.Body.String())
	}
	var st repeated.Status
	decode(t, rec, &st)
	if st.State != "stopped" {
		t.Fatalf("state = %q", st.State)
	}
	// Repeated stops report the first outcome.
	if rec := f.do(t, http.MethodPost, "/tasks/gc/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("second stop = %d", rec.Code)
	}
}

func TestStopTaskJoinFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)
	if err := f.reg.Start("gc"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Out-of-band cancellation makes the join fail.
	if err := f.rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/tasks/gc/stop", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("stop = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "failed to wait for repeated task gc to stop") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0", Token: "s3cret"}, nil)

	tests := []struct {
		name string
		path string
		hdr  map[string]string
		want int
	}{
		{"healthz is open", "/healthz", nil, http.StatusOK},
		{"missing token", "/tasks", nil, http.StatusUnauthorized},
		{"wrong bearer", "/tasks", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/tasks", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/tasks?token=s3cret", nil, http.StatusOK},
		{"wrong query", "/tasks?token=x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		if rec := f.do(t, http.MethodGet, tc.path, tc.hdr); rec.Code != tc.want {
			t.Fatalf("%s: code = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

type fakeHistory struct{ limit int }

func (h *fakeHistory) RecentRuns(_ context.Context, task string, limit int) ([]storage.Run, error) {
	h.limit = limit
	return []storage.Run{{ID: "r1", Task: task, Started: time.Unix(100, 0)}}, nil
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)
	if rec := f.do(t, http.MethodGet, "/tasks/gc/runs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("runs without storage = %d", rec.Code)
	}

	h := &fakeHistory{}
	f = newFixture(t, Config{Addr: "127.0.0.1:0"}, h)
	rec := f.do(t, http.MethodGet, "/tasks/gc/runs?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("runs = %d", rec.Code)
	}
	var body struct {
		Runs []storage.Run `json:"runs"`
	}
	decode(t, rec, &body)
	if len(body.Runs) != 1 || body.Runs[0].ID != "r1" || h.limit != 5 {
		t.Fatalf("runs = %+v limit = %d", body.Runs, h.limit)
	}
	if rec := f.do(t, http.MethodGet, "/tasks/gc/runs?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 = %d", rec.Code)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)
	if rec := off.do(t, http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off = %d", rec.Code)
	}
	on := newFixture(t, Config{Addr: "127.0.0.1:0", Pprof: true}, nil)
	if rec := on.do(t, http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof on = %d", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)
	ctx := context.Background()
	f.srv.Start(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = f.srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.srv.Stop(stopCtx)
	if f.srv.Addr() != "" || f.srv.Supervisor() != nil {
		t.Fatal("server still running after Stop")
	}

	// Disabling through Reconfigure keeps it stopped.
	f.srv.Reconfigure(ctx, Config{})
	if f.srv.Supervisor() != nil {
		t.Fatal("disabled server started")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.1.2.3:80":    false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
