// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package api is the director's HTTP surface: a thin layer that
// authenticates, validates, and hands the real work to the task
// framework, answering with a redirect to the created task.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"sync"

	"github.com/cloudplane-org/director/lib/blobstore"
	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/sdk/go/director"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Store is the database surface the API reads. *pgdb.DB implements it.
type Store interface {
	AuthenticateUser(ctx context.Context, username, password string) (bool, error)
	InsertUser(ctx context.Context, u director.User) error
	UpdateUser(ctx context.Context, u director.User) error
	DeleteUser(ctx context.Context, username string) error

	ListReleases(ctx context.Context) (map[string][]string, error)
	ListStemcells(ctx context.Context) ([]director.Stemcell, error)
	ListDeployments(ctx context.Context) ([]string, error)
	ListTasks(ctx context.Context, limit int, state director.TaskState) ([]director.Task, error)
	GetTask(ctx context.Context, id int64) (director.Task, error)
}

// Handler serves the director API. Fill in the exported fields and use
// it as an http.Handler; routes are wired on first request.
type Handler struct {
	Store  Store
	Tasks  *task.Manager
	Blobs  blobstore.Store
	Logger logrus.FieldLogger

	// Admin is the configured fallback account, usable before any row
	// exists in the users table.
	Admin director.User

	// ManagementToken guards /metrics (Bearer auth). Empty disables
	// the endpoint.
	ManagementToken string

	// Registry receives request metrics; /metrics serves it. Optional.
	Registry *prometheus.Registry

	setupOnce sync.Once
	router    *httprouter.Router
	requests  *prometheus.CounterVec
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "director_api_requests_total",
		Help: "API requests by method and response code.",
	}, []string{"method", "code"})
	if h.Registry != nil {
		h.Registry.MustRegister(h.requests)
	}

	r := httprouter.New()
	r.POST("/users", h.auth(h.requireType("application/json", h.createUser)))
	r.PUT("/users/:username", h.auth(h.requireType("application/json", h.updateUser)))
	r.DELETE("/users/:username", h.auth(h.deleteUser))

	r.POST("/releases", h.auth(h.requireType("application/x-compressed", h.createRelease)))
	r.GET("/releases", h.auth(h.listReleases))
	r.DELETE("/releases/:name", h.auth(h.deleteRelease))

	r.POST("/deployments", h.auth(h.requireType("text/yaml", h.createDeployment)))
	r.GET("/deployments", h.auth(h.listDeployments))
	r.DELETE("/deployments/:name", h.auth(h.deleteDeployment))

	r.POST("/stemcells", h.auth(h.requireType("application/x-compressed", h.createStemcell)))
	r.GET("/stemcells", h.auth(h.listStemcells))
	r.DELETE("/stemcells/:name/:version", h.auth(h.deleteStemcell))

	r.GET("/tasks", h.auth(h.listTasks))
	r.GET("/tasks/:id", h.auth(h.showTask))
	r.GET("/tasks/:id/output", h.auth(h.taskOutput))
	r.DELETE("/tasks/:id", h.auth(h.cancelTask))

	r.GET("/status", h.auth(h.status))

	if h.Registry != nil && h.ManagementToken != "" {
		metrics := promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{})
		r.Handler("GET", "/metrics", h.requireToken(metrics))
	}
	h.router = r
}

// handle is an authenticated route body. The username is the
// authenticated caller.
type handle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, username string)

// auth enforces HTTP basic authentication against the users table,
// with the configured admin account as fallback, and counts the
// request once the body has answered.
func (h *Handler) auth(next handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		cw := &codeWriter{ResponseWriter: w}
		defer func() {
			h.requests.WithLabelValues(r.Method, strconv.Itoa(cw.code())).Inc()
		}()
		username, password, ok := r.BasicAuth()
		if !ok {
			h.challenge(cw)
			return
		}
		if !h.adminMatch(username, password) {
			authed, err := h.Store.AuthenticateUser(r.Context(), username, password)
			if err != nil {
				h.sendError(cw, r, err)
				return
			}
			if !authed {
				h.challenge(cw)
				return
			}
		}
		next(cw, r, ps, username)
	}
}

func (h *Handler) adminMatch(username, password string) bool {
	if h.Admin.Username == "" {
		return false
	}
	u := subtle.ConstantTimeCompare([]byte(username), []byte(h.Admin.Username))
	p := subtle.ConstantTimeCompare([]byte(password), []byte(h.Admin.Password))
	return u&p == 1
}

func (h *Handler) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="director"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(director.ErrNotAuthorized)
}

// requireType rejects requests whose Content-Type does not match.
// Mismatches look like unrouted paths to the client.
func (h *Handler) requireType(ct string, next handle) handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, username string) {
		if got, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); got != ct {
			http.Error(w, "404 page not found", http.StatusNotFound)
			return
		}
		next(w, r, ps, username)
	}
}

// requireToken guards the management endpoints with a bearer token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + h.ManagementToken
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sendError renders a domain error as its HTTP status plus a
// {code, description} body. Anything else is a bare 500; details stay
// in the log.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	if de := director.AsError(err); de != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(de.Status)
		json.NewEncoder(w).Encode(de)
		return
	}
	h.Logger.WithError(err).WithFields(logrus.Fields{
		"Method": r.Method,
		"Path":   r.URL.Path,
	}).Error("internal error")
	w.WriteHeader(http.StatusInternalServerError)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// redirectToTask answers a successfully queued operation.
func (h *Handler) redirectToTask(w http.ResponseWriter, r *http.Request, t director.Task) {
	http.Redirect(w, r, "/tasks/"+strconv.FormatInt(t.ID, 10), http.StatusFound)
}

// codeWriter remembers the response status for the request counter.
type codeWriter struct {
	http.ResponseWriter
	status int
}

func (w *codeWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *codeWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *codeWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
