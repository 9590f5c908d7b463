package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coldlab-data/fountain/internal/archive"
	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/daq"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/run"
	"github.com/coldlab-data/fountain/internal/store"
	"github.com/coldlab-data/fountain/internal/sweep"
	"github.com/coldlab-data/fountain/internal/testutil"
)

type stubPreparer struct{}

func (stubPreparer) Prepare(ctx context.Context, p sweep.StepParams) (float64, error) {
	return 0.1, nil
}

// gatedBackend holds every Fetch until the gate opens, keeping a run
// active for as long as a test needs it.
type gatedBackend struct {
	daq.MockBackend
	gate chan struct{}
}

func (b *gatedBackend) Fetch(ctx context.Context, h daq.Handle) (daq.RawStep, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return daq.RawStep{}, ctx.Err()
	}
	return b.MockBackend.Fetch(ctx, h)
}

type testEnv struct {
	ts  *httptest.Server
	mgr *run.Manager
	cfg *config.RunConfig
}

func newTestEnv(t *testing.T, backend daq.Backend) *testEnv {
	t.Helper()
	dir := t.TempDir()

	tmpl := filepath.Join(dir, "seq0.mot")
	if err := os.WriteFile(tmpl, []byte("a=<PARAMETER0> b=<PARAMETER1>\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	one := 1.0
	cfg := &config.RunConfig{
		DataDir:      strPtr(filepath.Join(dir, "Data_log")),
		TemplatePath: strPtr(tmpl),
		GainUp:       &one,
		GainDw:       &one,
	}

	d, err := db.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.MigrateUp(); err != nil {
		t.Fatal(err)
	}

	files := &store.Store{Base: cfg.GetDataDir()}
	mgr := &run.Manager{
		Cfg:     cfg,
		Backend: backend,
		Prep:    stubPreparer{},
		Store:   files,
		Index:   d,
	}
	srv := NewServer(mgr, d, files, &archive.Reanalyzer{Index: d}, cfg)

	ts := httptest.NewServer(LoggingMiddleware(srv.ServeMux()))
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, mgr: mgr, cfg: cfg}
}

func strPtr(s string) *string { return &s }

func sweepJSON(n int) string {
	vals := make([]string, n)
	for i := range vals {
		vals[i] = fmt.Sprintf("%g", 318000+float64(i))
	}
	return fmt.Sprintf(`{
		"axes": [
			{"name": "delay", "values": [%s]},
			{"name": "power", "values": [0.5]}
		],
		"mode": "cartesian"
	}`, strings.Join(vals, ","))
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode: %v", url, err)
		}
	}
	return resp
}

func TestStartStatusAbort(t *testing.T) {
	backend := &gatedBackend{gate: make(chan struct{})}
	env := newTestEnv(t, backend)

	resp, body := postJSON(t, env.ts.URL+"/api/runs", sweepJSON(4))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, body)
	}
	var started run.StartResult
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatal(err)
	}
	if started.Total != 4 || started.UUID == "" {
		t.Errorf("start result = %+v", started)
	}

	var status run.Status
	getJSON(t, env.ts.URL+"/api/runs/status", &status)
	if status.State != run.StateRunning {
		t.Errorf("state = %s, want running", status.State)
	}

	// The hardware is single-owner: a second start must be refused.
	resp, _ = postJSON(t, env.ts.URL+"/api/runs", sweepJSON(2))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}

	resp, _ = postJSON(t, env.ts.URL+"/api/runs/abort", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("abort status = %d", resp.StatusCode)
	}
	close(backend.gate)
	env.mgr.Wait()

	getJSON(t, env.ts.URL+"/api/runs/status", &status)
	if !status.State.Terminal() {
		t.Errorf("state after abort = %s", status.State)
	}

	var runs []db.RunRow
	getJSON(t, env.ts.URL+"/api/runs", &runs)
	if len(runs) != 1 || runs[0].UUID != started.UUID {
		t.Errorf("runs = %+v", runs)
	}
}

func TestStartRun_BadRequests(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})

	resp, _ := postJSON(t, env.ts.URL+"/api/runs", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}

	// Zipped axes of unequal length cannot be expanded.
	zipped := `{
		"axes": [
			{"name": "delay", "values": [1, 2, 3]},
			{"name": "power", "values": [1]}
		],
		"mode": "zipped"
	}`
	resp, body := postJSON(t, env.ts.URL+"/api/runs", zipped)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zipped mismatch status = %d, body %s", resp.StatusCode, body)
	}

	if env.mgr.Status().State != run.StateIdle {
		t.Errorf("bad requests must not leave a run behind, state = %s", env.mgr.Status().State)
	}
}

func TestAbortWithoutRun(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})
	resp, _ := postJSON(t, env.ts.URL+"/api/runs/abort", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("abort status = %d, want 409", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	backend := &gatedBackend{gate: make(chan struct{})}
	env := newTestEnv(t, backend)

	resp, body := postJSON(t, env.ts.URL+"/api/runs", sweepJSON(3))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}

	stream, err := http.Get(env.ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %s", ct)
	}

	close(backend.gate)

	var stepEvents, stateEvents int
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: step":
			stepEvents++
		case line == "event: state":
			stateEvents++
		}
	}
	// The stream must close by itself once the run seals.
	if stepEvents != 3 {
		t.Errorf("step events = %d, want 3", stepEvents)
	}
	if stateEvents != 1 {
		t.Errorf("state events = %d, want 1", stateEvents)
	}

	env.mgr.Wait()

	// With the run sealed a new subscription is refused.
	late, err := http.Get(env.ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	late.Body.Close()
	if late.StatusCode != http.StatusConflict {
		t.Errorf("late subscribe status = %d, want 409", late.StatusCode)
	}
}

func completedRun(t *testing.T, env *testEnv, steps int) run.StartResult {
	t.Helper()
	resp, body := postJSON(t, env.ts.URL+"/api/runs", sweepJSON(steps))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var started run.StartResult
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatal(err)
	}
	env.mgr.Wait()
	return started
}

func TestShowRun(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})
	started := completedRun(t, env, 2)

	var resp struct {
		Run   db.RunRow    `json:"run"`
		Steps []db.StepRow `json:"steps"`
	}
	r := getJSON(t, env.ts.URL+"/api/run?uuid="+started.UUID, &resp)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", r.StatusCode)
	}
	if resp.Run.State != "completed" || len(resp.Steps) != 2 {
		t.Errorf("run = %+v, %d steps", resp.Run, len(resp.Steps))
	}

	r = getJSON(t, env.ts.URL+"/api/run?uuid=nope", nil)
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("unknown uuid status = %d", r.StatusCode)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})
	started := completedRun(t, env, 2)
	date := time.Now().Format("2006-01-02")

	var days []store.DayEntry
	getJSON(t, env.ts.URL+"/api/archive", &days)
	if len(days) != 1 || len(days[0].Runs) != 1 {
		t.Fatalf("tree = %+v", days)
	}
	if days[0].Runs[0] != started.RunID {
		t.Errorf("archived run = %s, want %s", days[0].Runs[0], started.RunID)
	}

	runURL := fmt.Sprintf("%s/api/archive/run?date=%s&run=%s", env.ts.URL, date, started.RunID)
	var runResp struct {
		Meta    store.RunMeta      `json:"meta"`
		Results []store.StepRecord `json:"results"`
	}
	r := getJSON(t, runURL, &runResp)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("archive run status = %d", r.StatusCode)
	}
	if len(runResp.Results) != 2 || runResp.Meta.UUID != started.UUID {
		t.Errorf("archive run = %+v", runResp)
	}

	wfURL := fmt.Sprintf("%s/api/archive/waveforms?date=%s&run=%s&step=0", env.ts.URL, date, started.RunID)
	var wf store.Waveforms
	r = getJSON(t, wfURL, &wf)
	if r.StatusCode != http.StatusOK || len(wf.Up) == 0 {
		t.Errorf("waveforms status = %d, %d samples", r.StatusCode, len(wf.Up))
	}

	r = getJSON(t, fmt.Sprintf("%s/api/archive/run?date=%s&run=nope", env.ts.URL, date), nil)
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d", r.StatusCode)
	}
}

func TestReanalyzeEndpoint(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})
	started := completedRun(t, env, 2)
	date := time.Now().Format("2006-01-02")

	body := fmt.Sprintf(`{"date": %q, "run": %q, "overrides": {}}`, date, started.RunID)
	resp, raw := postJSON(t, env.ts.URL+"/api/reanalyze", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reanalyze status = %d, body %s", resp.StatusCode, raw)
	}
	var res archive.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Steps != 2 {
		t.Errorf("reanalysis = %+v", res)
	}

	resp, _ = postJSON(t, env.ts.URL+"/api/reanalyze", `{"date": "2001-01-01", "run": "run99_20010101"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d", resp.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})

	var cfg config.RunConfig
	r := getJSON(t, env.ts.URL+"/api/config", &cfg)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("get config status = %d", r.StatusCode)
	}
	if cfg.TemplatePath == nil {
		t.Fatal("config lost its template path")
	}

	resp, _ := postJSON(t, env.ts.URL+"/api/config", `{"backend": "bogus"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid config status = %d", resp.StatusCode)
	}

	next, _ := json.Marshal(cfg)
	var update map[string]any
	json.Unmarshal(next, &update)
	update["decimation"] = 4096
	body, _ := json.Marshal(update)
	resp, _ = postJSON(t, env.ts.URL+"/api/config", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update config status = %d", resp.StatusCode)
	}
	if env.cfg.GetDecimation() != 4096 {
		t.Errorf("decimation = %d after update", env.cfg.GetDecimation())
	}
}

func TestConfigRefusedWhileRunning(t *testing.T) {
	backend := &gatedBackend{gate: make(chan struct{})}
	env := newTestEnv(t, backend)
	defer func() {
		close(backend.gate)
		env.mgr.Wait()
	}()

	if resp, body := postJSON(t, env.ts.URL+"/api/runs", sweepJSON(2)); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}

	resp, _ := postJSON(t, env.ts.URL+"/api/config", `{"decimation": 4096}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("config change during run status = %d, want 409", resp.StatusCode)
	}
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t, &daq.MockBackend{})

	resp, err := http.Get(env.ts.URL + "/api/version")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	var info map[string]string
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&info))
	if info["version"] == "" {
		t.Error("version missing from response")
	}
}
