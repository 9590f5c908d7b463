package daq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldlab-data/fountain/internal/httputil"
	"github.com/coldlab-data/fountain/internal/timeutil"
)

func TestParseDat(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantN       int
		wantFirst   float64
		wantTrigger bool // first line consumed as timestamp
	}{
		{
			name:        "timestamp header, two columns comma",
			body:        "1723814400.5\n0.000,0.125\n0.008,0.250\n",
			wantN:       2,
			wantFirst:   0.125,
			wantTrigger: true,
		},
		{
			name:      "two columns space",
			body:      "0.000 0.125\n0.008 0.250\n0.016 0.500\n",
			wantN:     3,
			wantFirst: 0.125,
		},
		{
			name:        "single column",
			body:        "0.125\n0.250\n",
			wantN:       1, // first value read as trigger time
			wantFirst:   0.250,
			wantTrigger: true,
		},
		{
			name:      "garbage lines skipped",
			body:      "# header\n0.0 0.125\nnot a number\n0.008 0.250\n\n",
			wantN:     2,
			wantFirst: 0.125,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := time.Unix(1000, 0)
			trigger, vs, err := parseDat(strings.NewReader(tt.body), fallback)
			if err != nil {
				t.Fatalf("parseDat: %v", err)
			}
			if len(vs) != tt.wantN {
				t.Fatalf("got %d samples, want %d", len(vs), tt.wantN)
			}
			if vs[0] != tt.wantFirst {
				t.Errorf("first sample = %v, want %v", vs[0], tt.wantFirst)
			}
			if tt.wantTrigger == trigger.Equal(fallback) {
				t.Errorf("trigger = %v, fallback = %v, wantTrigger = %v", trigger, fallback, tt.wantTrigger)
			}
		})
	}
}

func TestRemoteBackend_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ch1.dat":
			w.Write([]byte("1723814400.0\n0.0,0.1\n0.008,0.9\n0.016,0.2\n"))
		case "/ch2.dat":
			w.Write([]byte("1723814400.0\n0.0,0.05\n0.008,0.3\n0.016,0.1\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := &RemoteBackend{BaseURL: srv.URL, Decimation: 64}
	h, err := b.Trigger(context.Background(), 7)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	step, err := b.Fetch(context.Background(), h)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if step.Handle.Index != 7 {
		t.Errorf("handle index = %d, want 7", step.Handle.Index)
	}
	if len(step.Up) != 3 || len(step.Dw) != 3 {
		t.Fatalf("trace lengths = %d/%d, want 3/3", len(step.Up), len(step.Dw))
	}
	if step.Up[1] != 0.9 {
		t.Errorf("Up[1] = %v, want 0.9", step.Up[1])
	}
	if got, want := step.SampleInterval, 64*8*time.Nanosecond; got != want {
		t.Errorf("sample interval = %v, want %v", got, want)
	}
	if step.TriggerTime.Unix() != 1723814400 {
		t.Errorf("trigger time = %v, want epoch 1723814400", step.TriggerTime)
	}
}

func TestRemoteBackend_FetchErrors(t *testing.T) {
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	b := &RemoteBackend{BaseURL: srv.URL}

	status.Store(http.StatusInternalServerError)
	_, err := b.Fetch(context.Background(), Handle{})
	if !IsTransient(err) {
		t.Errorf("5xx should be transient, got %v", err)
	}

	status.Store(http.StatusNotFound)
	_, err = b.Fetch(context.Background(), Handle{})
	if err == nil || IsTransient(err) {
		t.Errorf("4xx should be fatal, got %v", err)
	}

	srv.Close()
	_, err = b.Fetch(context.Background(), Handle{})
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestRemoteBackend_TriggerUnreachable(t *testing.T) {
	b := &RemoteBackend{
		BaseURL:    "http://127.0.0.1:1", // nothing listens here
		CanTrigger: true,
		Client:     httputil.NewStandardClient(&http.Client{Timeout: 200 * time.Millisecond}),
	}
	_, err := b.Trigger(context.Background(), 0)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("want ErrDeviceUnreachable, got %v", err)
	}
}

func TestLocalBackend(t *testing.T) {
	dir := t.TempDir()
	b := &LocalBackend{SpoolDir: dir, Decimation: 8}

	h, err := b.Trigger(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Spool not written yet.
	_, err = b.Fetch(context.Background(), h)
	if !IsTransient(err) {
		t.Fatalf("missing spool should be transient, got %v", err)
	}

	os.WriteFile(filepath.Join(dir, "ch1.dat"), []byte("0.0 0.5\n0.008 0.8\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "ch2.dat"), []byte("0.0 0.1\n0.008 0.2\n"), 0o644)

	step, err := b.Fetch(context.Background(), h)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(step.Up) != 2 || step.Dw[1] != 0.2 {
		t.Errorf("unexpected traces: up=%v dw=%v", step.Up, step.Dw)
	}

	// Trigger clears stale spools so the next fetch is transient again.
	h2, err := b.Trigger(context.Background(), 1)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := b.Fetch(context.Background(), h2); !IsTransient(err) {
		t.Errorf("stale spool should have been cleared, got %v", err)
	}
}

func TestLocalBackend_MissingSpoolDir(t *testing.T) {
	b := &LocalBackend{SpoolDir: filepath.Join(t.TempDir(), "nope")}
	_, err := b.Trigger(context.Background(), 0)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("want ErrDeviceUnreachable, got %v", err)
	}
}

// flakyBackend fails transiently a set number of times before succeeding.
type flakyBackend struct {
	MockBackend
	failures atomic.Int64
}

func (f *flakyBackend) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	if f.failures.Add(-1) >= 0 {
		return RawStep{}, Transient(errors.New("not ready"))
	}
	return f.MockBackend.Fetch(ctx, h)
}

func TestRetryPolicy_RecoversTransient(t *testing.T) {
	fb := &flakyBackend{}
	fb.failures.Store(2)
	fb.Seed = 1

	p := &RetryPolicy{Backend: fb, Attempts: 4, Delay: time.Millisecond, Backoff: 2}
	step, err := p.Fetch(context.Background(), Handle{Index: 3})
	if err != nil {
		t.Fatalf("Fetch after retries: %v", err)
	}
	if len(step.Up) == 0 {
		t.Error("expected a trace after retries")
	}
}

func TestRetryPolicy_ExhaustedBecomesFatal(t *testing.T) {
	fb := &flakyBackend{}
	fb.failures.Store(100)

	p := &RetryPolicy{Backend: fb, Attempts: 3, Delay: time.Millisecond}
	_, err := p.Fetch(context.Background(), Handle{})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("exhausted budget must escalate to fatal, got %v", err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Errorf("want FatalError, got %T", err)
	}
}

func TestRetryPolicy_FatalPassesThrough(t *testing.T) {
	calls := 0
	b := backendFunc(func() error {
		calls++
		return Fatal(errors.New("no such channel"))
	})
	p := &RetryPolicy{Backend: b, Attempts: 5, Delay: time.Millisecond}
	if _, err := p.Fetch(context.Background(), Handle{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("fatal error retried %d times, want 1 call", calls)
	}
}

type backendFunc func() error

func (f backendFunc) Trigger(ctx context.Context, index int) (Handle, error) {
	return Handle{}, f()
}
func (f backendFunc) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	return RawStep{}, f()
}
func (f backendFunc) Status(ctx context.Context) (Status, error) { return StatusIdle, nil }

func TestMockBackend_Deterministic(t *testing.T) {
	a := &MockBackend{Seed: 42, Samples: 256}
	b := &MockBackend{Seed: 42, Samples: 256}

	sa, _ := a.Fetch(context.Background(), Handle{})
	sb, _ := b.Fetch(context.Background(), Handle{})
	for i := range sa.Up {
		if sa.Up[i] != sb.Up[i] {
			t.Fatalf("seeded mocks diverge at sample %d", i)
		}
	}
}

func TestRemoteBackend_MockClient(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, "1723814400\n0.1\n0.2\n")
	mock.AddResponse(200, "1723814400\n0.3\n0.4\n")

	b := &RemoteBackend{BaseURL: "http://board", Decimation: 8, Client: mock}
	step, err := b.Fetch(context.Background(), Handle{Index: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("requests = %d, want 2", mock.RequestCount())
	}
	if got := mock.GetRequest(0).URL.String(); got != "http://board/ch1.dat" {
		t.Errorf("first request %s", got)
	}
	if step.Up[1] != 0.2 || step.Dw[0] != 0.3 {
		t.Errorf("traces up=%v dw=%v", step.Up, step.Dw)
	}
}

func TestRetryPolicy_BackoffUsesClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	fb := &flakyBackend{}
	fb.failures.Store(2)
	fb.Seed = 1

	p := &RetryPolicy{Backend: fb, Attempts: 3, Delay: time.Minute, Backoff: 2, Clock: clock}

	done := make(chan error, 1)
	go func() {
		_, err := p.Fetch(context.Background(), Handle{})
		done <- err
	}()

	start := time.Now()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			// Minute-scale backoffs must not translate into wall time.
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("backoff waited %v of real time", elapsed)
			}
			return
		default:
			clock.Advance(time.Minute)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRetryPolicy_MaxDelayCapsBackoff(t *testing.T) {
	fb := &flakyBackend{}
	fb.failures.Store(2)
	fb.Seed = 1

	p := &RetryPolicy{
		Backend:  fb,
		Attempts: 3,
		Delay:    time.Millisecond,
		Backoff:  100,
		MaxDelay: 5 * time.Millisecond,
	}

	start := time.Now()
	if _, err := p.Fetch(context.Background(), Handle{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// Uncapped the second wait alone would be 100ms.
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("backoff waited %v, cap not applied", elapsed)
	}
}

func TestRemoteBackend_TimeoutConfigured(t *testing.T) {
	b := &RemoteBackend{BaseURL: "http://board", Timeout: 7 * time.Second}
	sc, ok := b.client().(*httputil.StandardClient)
	if !ok {
		t.Fatalf("client type %T", b.client())
	}
	if sc.Client.Timeout != 7*time.Second {
		t.Errorf("timeout = %v, want 7s", sc.Client.Timeout)
	}

	b.Timeout = 0
	sc = b.client().(*httputil.StandardClient)
	if sc.Client.Timeout != 2*time.Second {
		t.Errorf("default timeout = %v, want 2s", sc.Client.Timeout)
	}
}
