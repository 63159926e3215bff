package frontend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/frontend"
	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/pogoerr"
	"github.com/hamba/pogo/worker"
)

var (
	errNotFound         = pogoerr.New(pogoerr.Internal, "not found")
	errUnknownNamespace = pogoerr.New(pogoerr.UnknownNamespace, "unknown namespace")
)

type fakeCore struct {
	jobs map[string]*job.Job
	next string
}

func newFakeCore() *fakeCore {
	return &fakeCore{jobs: make(map[string]*job.Job)}
}

func (f *fakeCore) Create(_ context.Context, spec job.Spec) (string, error) {
	if spec.Namespace == "missing" {
		return "", errUnknownNamespace
	}
	id := f.next
	if id == "" {
		id = "p0000000001"
	}
	f.jobs[id] = &job.Job{
		JobID: id, User: spec.User, Command: spec.Command,
		Target: spec.Target, Namespace: spec.Namespace, State: job.Gathering,
	}
	return id, nil
}

func (f *fakeCore) Start(_ context.Context, jobID string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return errNotFound
	}
	j.State = job.Pending
	return nil
}

func (f *fakeCore) Halt(_ context.Context, jobID string, reason job.HaltReason) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return errNotFound
	}
	j.State = job.Halted
	j.HaltReason = reason
	return nil
}

func (f *fakeCore) Retry(_ context.Context, jobID string, _ []string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return errNotFound
	}
	return nil
}

func (f *fakeCore) Snapshot(_ context.Context, jobID string) (*job.Job, []*job.Host, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil, errNotFound
	}
	return j, nil, nil
}

func (f *fakeCore) ListJobIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.jobs))
	for id := range f.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeNamespaceStore struct {
	stored map[string][]byte
}

func (f *fakeNamespaceStore) Store(_ context.Context, name string, raw []byte) error {
	if f.stored == nil {
		f.stored = make(map[string][]byte)
	}
	f.stored[name] = raw
	return nil
}

type fakeFleet struct{ stats worker.Stats }

func (f *fakeFleet) Stats() worker.Stats { return f.stats }

func TestPing(t *testing.T) {
	core := newFakeCore()
	srv := frontend.New(core, &fakeNamespaceStore{}, &fakeFleet{stats: worker.Stats{Idle: 2, Busy: 1}}, "dispatcher-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	core := newFakeCore()
	srv := frontend.New(core, &fakeNamespaceStore{}, &fakeFleet{stats: worker.Stats{Idle: 2, Busy: 1}}, "dispatcher-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "dispatcher-1", body["hostname"])
	assert.EqualValues(t, 2, body["workers_idle"])
	assert.EqualValues(t, 1, body["workers_busy"])
}

func TestRun_UnknownNamespaceFailsSynchronously(t *testing.T) {
	core := newFakeCore()
	srv := frontend.New(core, &fakeNamespaceStore{}, &fakeFleet{}, "dispatcher-1", nil)

	body, _ := json.Marshal(map[string]interface{}{
		"user": "alice", "command": "uptime", "target": "web*", "namespace": "missing",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, core.jobs)
}

func TestRun_ThenHalt(t *testing.T) {
	core := newFakeCore()
	srv := frontend.New(core, &fakeNamespaceStore{}, &fakeFleet{}, "dispatcher-1", nil)

	body, _ := json.Marshal(map[string]interface{}{
		"user": "alice", "command": "uptime", "target": "web*", "namespace": "prod",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["jobid"]
	require.NotEmpty(t, jobID)

	haltReq := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/halt", bytes.NewReader([]byte(`{}`)))
	haltReq.Header.Set("Content-Type", "application/json")
	haltRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(haltRec, haltReq)
	assert.Equal(t, http.StatusOK, haltRec.Code)
	assert.Equal(t, job.Halted, core.jobs[jobID].State)
}

func TestListJobs_FiltersByUser(t *testing.T) {
	core := newFakeCore()
	core.jobs["p0000000001"] = &job.Job{JobID: "p0000000001", User: "alice", State: job.Running}
	core.jobs["p0000000002"] = &job.Job{JobID: "p0000000002", User: "bob", State: job.Running}
	srv := frontend.New(core, &fakeNamespaceStore{}, &fakeFleet{}, "dispatcher-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?user=alice", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []*job.Job `json:"jobs"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "alice", body.Jobs[0].User)
}

func TestLoadConf(t *testing.T) {
	core := newFakeCore()
	ns := &fakeNamespaceStore{}
	srv := frontend.New(core, ns, &fakeFleet{}, "dispatcher-1", nil)

	doc := []byte("hosts:\n  - name: web1\n")
	req := httptest.NewRequest(http.MethodPut, "/api/v1/namespaces/prod/config", bytes.NewReader(doc))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doc, ns.stored["prod"])
}
