package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/treesync/dispatch"
	"github.com/pithecene-io/treesync/journal"
	"github.com/pithecene-io/treesync/metrics"
	"github.com/pithecene-io/treesync/seal"
	"github.com/pithecene-io/treesync/store"
)

const testSecret = "relay-secret"

// workflow is a fake AI workflow recording dispatched requests.
type workflow struct {
	mu     sync.Mutex
	reqs   []dispatch.Request
	status int
	srv    *httptest.Server
}

func newWorkflow(t *testing.T, status int) *workflow {
	t.Helper()
	wf := &workflow{status: status}
	wf.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("workflow decode: %v", err)
		}
		if got := r.Header.Get(dispatch.SecretHeader); got != testSecret {
			t.Errorf("workflow secret = %q", got)
		}
		wf.mu.Lock()
		wf.reqs = append(wf.reqs, req)
		wf.mu.Unlock()
		w.WriteHeader(wf.status)
	}))
	t.Cleanup(wf.srv.Close)
	return wf
}

func (wf *workflow) requests() []dispatch.Request {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return append([]dispatch.Request(nil), wf.reqs...)
}

type testStack struct {
	*Stack
	store    *store.SQLite
	journal  *journal.Journal
	workflow *workflow
	metrics  *metrics.Collector
	url      string
}

func newTestStack(t *testing.T, workflowStatus int) *testStack {
	t.Helper()
	sealer, err := seal.FromSecret("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "treesync.db"), sealer)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.NewCollector("test", "sqlite", "memory")
	j, err := journal.NewMemory(journal.DefaultDataset, journal.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	wf := newWorkflow(t, workflowStatus)

	stack, err := NewStack(StackConfig{
		Secret:  testSecret,
		Store:   st,
		Journal: j,
		Workflow: dispatch.Config{
			URL:       wf.srv.URL,
			Retries:   1,
			BaseDelay: 5 * time.Millisecond,
		},
		ChunkSize: 16,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	ts := httptest.NewServer(stack.Server)
	t.Cleanup(func() {
		stack.Hub.Close()
		ts.Close()
		stack.Inbound.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stack.Outbox.Flush(ctx)
		_ = stack.Close()
	})
	return &testStack{Stack: stack, store: st, journal: j, workflow: wf, metrics: m, url: ts.URL}
}

func (s *testStack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.url, "http") + "/ws"
}

func (s *testStack) webhook(t *testing.T, body string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, s.url+"/webhook", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(dispatch.SecretHeader, testSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
