// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudplane-org/director/lib/blobstore"
	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/sdk/go/ctxlog"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct {
	store   *stubStore
	blobs   *blobstore.Local
	bus     *bus.MemBus
	handler *Handler
	logRoot string
}

func (s *HandlerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.store = &stubStore{
		users: map[string]string{"alice": "secret"},
		tasks: map[int64]director.Task{},
	}
	var err error
	s.blobs, err = blobstore.NewLocal(c.MkDir())
	c.Assert(err, check.IsNil)
	s.bus = bus.NewMemBus()
	s.logRoot = c.MkDir()
	s.handler = &Handler{
		Store:           s.store,
		Tasks:           task.NewManager(s.store, s.bus, s.logRoot, logger),
		Blobs:           s.blobs,
		Logger:          logger,
		Admin:           director.User{Username: "admin", Password: "hunter2"},
		ManagementToken: "mgmt-token",
		Registry:        prometheus.NewRegistry(),
	}
}

func (s *HandlerSuite) TearDownTest(c *check.C) {
	s.bus.Close()
}

// do performs an authenticated request as admin.
func (s *HandlerSuite) do(method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) errorCode(c *check.C, w *httptest.ResponseRecorder) int {
	var body struct {
		Code int `json:"code"`
	}
	c.Assert(json.Unmarshal(w.Body.Bytes(), &body), check.IsNil)
	return body.Code
}

func (s *HandlerSuite) TestAuthRequired(c *check.C) {
	req := httptest.NewRequest("GET", "/deployments", nil)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	c.Check(w.Code, check.Equals, http.StatusUnauthorized)
	c.Check(w.Header().Get("WWW-Authenticate"), check.Matches, `Basic realm=.*`)
	c.Check(s.errorCode(c, w), check.Equals, director.CodeNotAuthorized)

	req = httptest.NewRequest("GET", "/deployments", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	c.Check(w.Code, check.Equals, http.StatusUnauthorized)
}

func (s *HandlerSuite) TestDatabaseUserAuth(c *check.C) {
	req := httptest.NewRequest("GET", "/status", nil)
	req.SetBasicAuth("alice", "secret")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	c.Check(w.Code, check.Equals, http.StatusOK)
	var body map[string]string
	c.Assert(json.Unmarshal(w.Body.Bytes(), &body), check.IsNil)
	c.Check(body["user"], check.Equals, "alice")
	c.Check(body["status"], check.Equals, "running")
}

func (s *HandlerSuite) TestContentTypeGate(c *check.C) {
	w := s.do("POST", "/deployments", "application/json", []byte(`{}`))
	c.Check(w.Code, check.Equals, http.StatusNotFound)

	w = s.do("POST", "/releases", "text/yaml", []byte("x"))
	c.Check(w.Code, check.Equals, http.StatusNotFound)

	w = s.do("POST", "/users", "text/plain", []byte("x"))
	c.Check(w.Code, check.Equals, http.StatusNotFound)
}

func (s *HandlerSuite) TestCreateDeployment(c *check.C) {
	manifest := "name: hello\n"
	w := s.do("POST", "/deployments", "text/yaml", []byte(manifest))
	c.Assert(w.Code, check.Equals, http.StatusFound, check.Commentf("body: %s", w.Body.String()))
	c.Check(w.Header().Get("Location"), check.Equals, "/tasks/1")

	t := s.store.task(1)
	c.Check(t.Kind, check.Equals, director.TaskUpdateDeployment)
	c.Check(t.Description, check.Equals, "create deployment hello")
	c.Check(t.Payload, check.Matches, `.*name: hello.*`)
}

func (s *HandlerSuite) TestCreateDeploymentBadManifest(c *check.C) {
	w := s.do("POST", "/deployments", "text/yaml", []byte("{{nope"))
	c.Check(w.Code, check.Equals, http.StatusBadRequest)
	c.Check(s.errorCode(c, w), check.Equals, director.CodeBadManifest)
}

func (s *HandlerSuite) TestUploadRelease(c *check.C) {
	w := s.do("POST", "/releases", "application/x-compressed", []byte("bundle-bytes"))
	c.Assert(w.Code, check.Equals, http.StatusFound)
	c.Check(w.Header().Get("Location"), check.Equals, "/tasks/1")

	t := s.store.task(1)
	c.Check(t.Kind, check.Equals, director.TaskUpdateRelease)
	var payload struct {
		BlobID string `json:"blob_id"`
	}
	c.Assert(json.Unmarshal([]byte(t.Payload), &payload), check.IsNil)
	rdr, err := s.blobs.Get(context.Background(), payload.BlobID)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	buf := make([]byte, 32)
	n, _ := rdr.Read(buf)
	c.Check(string(buf[:n]), check.Equals, "bundle-bytes")
}

func (s *HandlerSuite) TestDeleteReleaseForce(c *check.C) {
	w := s.do("DELETE", "/releases/myrel?force=true", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusFound)
	t := s.store.task(1)
	c.Check(t.Kind, check.Equals, director.TaskDeleteRelease)
	c.Check(t.Payload, check.Matches, `.*"force":true.*`)
}

func (s *HandlerSuite) TestDeleteStemcell(c *check.C) {
	w := s.do("DELETE", "/stemcells/ubuntu/3263", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusFound)
	t := s.store.task(1)
	c.Check(t.Kind, check.Equals, director.TaskDeleteStemcell)
	c.Check(t.Description, check.Equals, "delete stemcell ubuntu/3263")
}

func (s *HandlerSuite) TestListReleases(c *check.C) {
	s.store.releases = map[string][]string{
		"zzz": {"1"},
		"aaa": {"1", "2"},
	}
	w := s.do("GET", "/releases", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	var out []struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
	c.Assert(json.Unmarshal(w.Body.Bytes(), &out), check.IsNil)
	c.Assert(out, check.HasLen, 2)
	c.Check(out[0].Name, check.Equals, "aaa")
	c.Check(out[0].Versions, check.DeepEquals, []string{"1", "2"})
	c.Check(out[1].Name, check.Equals, "zzz")
}

func (s *HandlerSuite) TestListStemcellsAndDeployments(c *check.C) {
	s.store.stemcells = []director.Stemcell{{Name: "ubuntu", Version: "3263", CID: "sc-1"}}
	s.store.deployments = []string{"hello"}

	w := s.do("GET", "/stemcells", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Body.String(), check.Matches, `(?s).*"cid":"sc-1".*`)

	w = s.do("GET", "/deployments", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(strings.TrimSpace(w.Body.String()), check.Equals, `[{"name":"hello"}]`)
}

func (s *HandlerSuite) TestListTasks(c *check.C) {
	w := s.do("GET", "/tasks?limit=bogus", "", nil)
	c.Check(w.Code, check.Equals, http.StatusBadRequest)

	s.store.taskList = []director.Task{{ID: 9, Kind: director.TaskUpdateRelease, State: director.TaskDone}}
	w = s.do("GET", "/tasks?limit=5&state=done", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(s.store.gotLimit, check.Equals, 5)
	c.Check(s.store.gotState, check.Equals, director.TaskDone)
	var out []director.Task
	c.Assert(json.Unmarshal(w.Body.Bytes(), &out), check.IsNil)
	c.Assert(out, check.HasLen, 1)
	c.Check(out[0].ID, check.Equals, int64(9))
}

func (s *HandlerSuite) TestShowTaskNotFound(c *check.C) {
	w := s.do("GET", "/tasks/404", "", nil)
	c.Check(w.Code, check.Equals, http.StatusNotFound)
	c.Check(s.errorCode(c, w), check.Equals, director.CodeNotFound)
}

func (s *HandlerSuite) TestTaskOutput(c *check.C) {
	dir := filepath.Join(s.logRoot, "7")
	c.Assert(os.MkdirAll(dir, 0o755), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "event"), []byte(`{"stage":"x"}`+"\n"), 0o644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "debug"), nil, 0o644), check.IsNil)
	s.store.mtx.Lock()
	s.store.tasks[7] = director.Task{ID: 7, State: director.TaskProcessing, Output: dir}
	s.store.mtx.Unlock()

	w := s.do("GET", "/tasks/7/output?type=event", "", nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Header().Get("Content-Type"), check.Equals, "text/plain")
	c.Check(w.Body.String(), check.Matches, `(?s).*"stage":"x".*`)

	// debug stream exists but is empty
	w = s.do("GET", "/tasks/7/output", "", nil)
	c.Check(w.Code, check.Equals, http.StatusNoContent)

	w = s.do("GET", "/tasks/7/output?type=core", "", nil)
	c.Check(w.Code, check.Equals, http.StatusBadRequest)
}

func (s *HandlerSuite) TestCancelTask(c *check.C) {
	w := s.do("POST", "/deployments", "text/yaml", []byte("name: hello\n"))
	c.Assert(w.Code, check.Equals, http.StatusFound)

	w = s.do("DELETE", "/tasks/1", "", nil)
	c.Check(w.Code, check.Equals, http.StatusNoContent)
	c.Check(s.store.task(1).State, check.Equals, director.TaskCancelled)
}

func (s *HandlerSuite) TestUserCRUD(c *check.C) {
	w := s.do("POST", "/users", "application/json",
		[]byte(`{"username":"bob","password":"pw"}`))
	c.Check(w.Code, check.Equals, http.StatusNoContent)
	c.Check(s.store.users["bob"], check.Equals, "pw")

	// Renaming via PUT is rejected.
	w = s.do("PUT", "/users/bob", "application/json",
		[]byte(`{"username":"robert","password":"pw2"}`))
	c.Check(w.Code, check.Equals, http.StatusBadRequest)
	c.Check(s.errorCode(c, w), check.Equals, director.CodeImmutableUsername)

	w = s.do("PUT", "/users/bob", "application/json", []byte(`{"password":"pw2"}`))
	c.Check(w.Code, check.Equals, http.StatusNoContent)
	c.Check(s.store.users["bob"], check.Equals, "pw2")

	w = s.do("DELETE", "/users/bob", "", nil)
	c.Check(w.Code, check.Equals, http.StatusNoContent)

	w = s.do("DELETE", "/users/bob", "", nil)
	c.Check(w.Code, check.Equals, http.StatusNotFound)
}

func (s *HandlerSuite) TestInternalErrorHasNoBody(c *check.C) {
	s.store.listErr = errors.New("the database is on fire")
	w := s.do("GET", "/deployments", "", nil)
	c.Check(w.Code, check.Equals, http.StatusInternalServerError)
	c.Check(w.Body.String(), check.Equals, "")
}

func (s *HandlerSuite) TestMetricsEndpoint(c *check.C) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	c.Check(w.Code, check.Equals, http.StatusUnauthorized)

	req = httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer mgmt-token")
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	c.Check(w.Code, check.Equals, http.StatusOK)
}

// stubStore implements Store and task.Store in memory.
type stubStore struct {
	mtx    sync.Mutex
	users  map[string]string
	nextID int64
	tasks  map[int64]director.Task

	releases    map[string][]string
	stemcells   []director.Stemcell
	deployments []string
	taskList    []director.Task
	gotLimit    int
	gotState    director.TaskState
	listErr     error
}

func (s *stubStore) task(id int64) director.Task {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tasks[id]
}

func (s *stubStore) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	pw, ok := s.users[username]
	return ok && pw == password, nil
}

func (s *stubStore) InsertUser(ctx context.Context, u director.User) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.users[u.Username] = u.Password
	return nil
}

func (s *stubStore) UpdateUser(ctx context.Context, u director.User) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.users[u.Username]; !ok {
		return director.NewNotFoundError("user", u.Username)
	}
	s.users[u.Username] = u.Password
	return nil
}

func (s *stubStore) DeleteUser(ctx context.Context, username string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.users[username]; !ok {
		return director.NewNotFoundError("user", username)
	}
	delete(s.users, username)
	return nil
}

func (s *stubStore) ListReleases(ctx context.Context) (map[string][]string, error) {
	return s.releases, s.listErr
}

func (s *stubStore) ListStemcells(ctx context.Context) ([]director.Stemcell, error) {
	return s.stemcells, s.listErr
}

func (s *stubStore) ListDeployments(ctx context.Context) ([]string, error) {
	return s.deployments, s.listErr
}

func (s *stubStore) ListTasks(ctx context.Context, limit int, state director.TaskState) ([]director.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.gotLimit, s.gotState = limit, state
	return s.taskList, s.listErr
}

func (s *stubStore) InsertTask(ctx context.Context, t *director.Task) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.nextID++
	t.ID = s.nextID
	t.State = director.TaskQueued
	t.Timestamp = time.Now()
	s.tasks[t.ID] = *t
	return nil
}

func (s *stubStore) GetTask(ctx context.Context, id int64) (director.Task, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return director.Task{}, director.NewNotFoundError("task", fmt.Sprintf("%d", id))
	}
	return t, nil
}

func (s *stubStore) SetTaskOutput(ctx context.Context, id int64, output string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t := s.tasks[id]
	t.Output = output
	s.tasks[id] = t
	return nil
}

func (s *stubStore) ClaimTask(ctx context.Context, id int64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t := s.tasks[id]
	if t.State != director.TaskQueued {
		return false, nil
	}
	t.State = director.TaskProcessing
	s.tasks[id] = t
	return true, nil
}

func (s *stubStore) NextQueuedTask(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *stubStore) FinishTask(ctx context.Context, id int64, state director.TaskState, result string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t := s.tasks[id]
	t.State, t.Result = state, result
	s.tasks[id] = t
	return nil
}

func (s *stubStore) TaskState(ctx context.Context, id int64) (director.TaskState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tasks[id].State, nil
}

func (s *stubStore) CancelQueuedTask(ctx context.Context, id int64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.State != director.TaskQueued {
		return false, nil
	}
	t.State = director.TaskCancelled
	t.Result = "task cancelled"
	s.tasks[id] = t
	return true, nil
}

func (s *stubStore) RequestTaskCancel(ctx context.Context, id int64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.State != director.TaskProcessing {
		return false, nil
	}
	t.State = director.TaskCancelling
	s.tasks[id] = t
	return true, nil
}
