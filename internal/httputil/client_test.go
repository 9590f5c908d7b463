package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coldlab-data/fountain/internal/monitoring"
)

func doGet(t *testing.T, c HTTPClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.Do(req)
}

func TestStandardClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ch1.dat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0.1\n0.2\n"))
	}))
	defer server.Close()

	resp, err := doGet(t, NewStandardClient(nil), server.URL+"/ch1.dat")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "0.1\n0.2\n" {
		t.Errorf("body = %q", string(body))
	}
}

func TestStandardClient_TraceLogging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	monitoring.SetTrace(true)
	defer monitoring.SetTrace(false)

	resp, err := doGet(t, NewStandardClient(nil), server.URL+"/ch2.dat")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if len(lines) != 1 || !strings.Contains(lines[0], "ch2.dat") {
		t.Errorf("trace log = %v", lines)
	}
}

func TestStandardClient_WrapsGivenClient(t *testing.T) {
	custom := &http.Client{}
	if c := NewStandardClient(custom); c.Client != custom {
		t.Error("custom client not wrapped")
	}
	if c := NewStandardClient(nil); c.Client != http.DefaultClient {
		t.Error("nil should fall back to the default client")
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "first")
	mock.AddResponse(http.StatusAccepted, "second")

	for i, want := range []struct {
		status int
		body   string
	}{
		{http.StatusOK, "first"},
		{http.StatusAccepted, "second"},
		{http.StatusOK, ""}, // queue exhausted
	} {
		resp, err := doGet(t, mock, "http://board/ch1.dat")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want.status || string(body) != want.body {
			t.Errorf("request %d: got %d %q, want %d %q",
				i, resp.StatusCode, body, want.status, want.body)
		}
	}

	if mock.RequestCount() != 3 {
		t.Errorf("recorded %d requests, want 3", mock.RequestCount())
	}
}

func TestMockHTTPClient_Errors(t *testing.T) {
	queued := errors.New("connection refused")
	mock := NewMockHTTPClient()
	mock.AddErrorResponse(queued)
	if _, err := doGet(t, mock, "http://board/ch1.dat"); !errors.Is(err, queued) {
		t.Errorf("queued error: got %v", err)
	}

	fallback := errors.New("network down")
	mock = NewMockHTTPClient()
	mock.DefaultError = fallback
	if _, err := doGet(t, mock, "http://board/ch1.dat"); !errors.Is(err, fallback) {
		t.Errorf("default error: got %v", err)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTeapot,
			Body:       io.NopCloser(strings.NewReader("custom")),
			Request:    req,
		}, nil
	}

	resp, err := doGet(t, mock, "http://board/ch1.dat")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestMockHTTPClient_GetRequest(t *testing.T) {
	mock := NewMockHTTPClient()
	doGet(t, mock, "http://board/ch1.dat")
	doGet(t, mock, "http://board/ch2.dat")

	if req := mock.GetRequest(0); req == nil || !strings.HasSuffix(req.URL.Path, "ch1.dat") {
		t.Error("first request not recorded")
	}
	if req := mock.GetRequest(1); req == nil || !strings.HasSuffix(req.URL.Path, "ch2.dat") {
		t.Error("second request not recorded")
	}
	if mock.GetRequest(99) != nil || mock.GetRequest(-1) != nil {
		t.Error("out-of-range index should return nil")
	}
}

func TestMockHTTPClient_Reset(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "x")
	mock.DefaultError = errors.New("boom")
	mock.Reset()

	if len(mock.Requests) != 0 || len(mock.Responses) != 0 || mock.DefaultError != nil {
		t.Error("Reset did not clear state")
	}
}
