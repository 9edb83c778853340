// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cloudplane-org/director/lib/deploy"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/julienschmidt/httprouter"
)

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	var u director.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		h.sendError(w, r, director.NewValidationError([]string{"malformed user body: " + err.Error()}))
		return
	}
	if u.Username == "" || u.Password == "" {
		h.sendError(w, r, director.NewValidationError([]string{"username and password are required"}))
		return
	}
	if err := h.Store.InsertUser(r.Context(), u); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	var u director.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		h.sendError(w, r, director.NewValidationError([]string{"malformed user body: " + err.Error()}))
		return
	}
	if u.Username != "" && u.Username != ps.ByName("username") {
		h.sendError(w, r, director.Errorf(director.CodeImmutableUsername, http.StatusBadRequest,
			"the username is immutable"))
		return
	}
	u.Username = ps.ByName("username")
	if u.Password == "" {
		h.sendError(w, r, director.NewValidationError([]string{"password is required"}))
		return
	}
	if err := h.Store.UpdateUser(r.Context(), u); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	if err := h.Store.DeleteUser(r.Context(), ps.ByName("username")); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createRelease stores the uploaded bundle and queues update_release.
func (h *Handler) createRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	blobID, _, _, err := h.Blobs.Put(r.Context(), r.Body)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	t, err := h.Tasks.Create(r.Context(), director.TaskUpdateRelease, "create release",
		deploy.UpdateReleasePayload{BlobID: blobID})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

func (h *Handler) listReleases(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	releases, err := h.Store.ListReleases(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	type entry struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
	out := []entry{}
	for name, versions := range releases {
		out = append(out, entry{Name: name, Versions: versions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	h.sendJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	name := ps.ByName("name")
	t, err := h.Tasks.Create(r.Context(), director.TaskDeleteRelease, "delete release "+name,
		deploy.DeleteReleasePayload{Name: name, Force: r.URL.Query().Get("force") == "true"})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

// createDeployment parses the manifest far enough to reject garbage
// synchronously, then queues update_deployment.
func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	m, err := deploy.ParseManifest(body)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	t, err := h.Tasks.Create(r.Context(), director.TaskUpdateDeployment,
		fmt.Sprintf("create deployment %s", m.Name),
		deploy.UpdateDeploymentPayload{Manifest: string(body)})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	names, err := h.Store.ListDeployments(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	type entry struct {
		Name string `json:"name"`
	}
	out := []entry{}
	for _, name := range names {
		out = append(out, entry{Name: name})
	}
	h.sendJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteDeployment(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	name := ps.ByName("name")
	t, err := h.Tasks.Create(r.Context(), director.TaskDeleteDeployment, "delete deployment "+name,
		deploy.DeleteDeploymentPayload{Name: name, Force: r.URL.Query().Get("force") == "true"})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

func (h *Handler) createStemcell(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	blobID, _, _, err := h.Blobs.Put(r.Context(), r.Body)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	t, err := h.Tasks.Create(r.Context(), director.TaskUpdateStemcell, "create stemcell",
		deploy.UpdateStemcellPayload{BlobID: blobID})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

func (h *Handler) listStemcells(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	stemcells, err := h.Store.ListStemcells(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	type entry struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		CID     string `json:"cid"`
	}
	out := []entry{}
	for _, sc := range stemcells {
		out = append(out, entry{Name: sc.Name, Version: sc.Version, CID: sc.CID})
	}
	h.sendJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteStemcell(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	name, version := ps.ByName("name"), ps.ByName("version")
	t, err := h.Tasks.Create(r.Context(), director.TaskDeleteStemcell,
		fmt.Sprintf("delete stemcell %s/%s", name, version),
		deploy.DeleteStemcellPayload{Name: name, Version: version})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.redirectToTask(w, r, t)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	limit := 30
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.sendError(w, r, director.NewValidationError([]string{"limit must be a positive integer"}))
			return
		}
		limit = n
	}
	state := director.TaskState(r.URL.Query().Get("state"))
	tasks, err := h.Store.ListTasks(r.Context(), limit, state)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []director.Task{}
	}
	h.sendJSON(w, http.StatusOK, tasks)
}

func (h *Handler) showTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	t, err := h.taskByID(r, ps)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, t)
}

// taskOutput streams one of the task's log files; ?type selects
// debug (default), event, or result. An absent or empty log answers
// 204.
func (h *Handler) taskOutput(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	t, err := h.taskByID(r, ps)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = "debug"
	}
	switch kind {
	case "debug", "event", "result":
	default:
		h.sendError(w, r, director.NewValidationError([]string{"unknown log type " + kind}))
		return
	}
	if t.Output == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	f, err := os.Open(filepath.Join(t.Output, kind))
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.Size() == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	t, err := h.taskByID(r, ps)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.Tasks.Cancel(r.Context(), t.ID); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) taskByID(r *http.Request, ps httprouter.Params) (director.Task, error) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		return director.Task{}, director.NewNotFoundError("task", ps.ByName("id"))
	}
	return h.Store.GetTask(r.Context(), id)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, ps httprouter.Params, username string) {
	h.sendJSON(w, http.StatusOK, map[string]string{
		"status": "running",
		"user":   username,
	})
}
