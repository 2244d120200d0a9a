package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/nodefixture/internal/manager"
	"github.com/loykin/nodefixture/internal/metrics"
)

// Router exposes read-only fixture status over HTTP.
// Endpoints:
//
//	GET {basePath}/fixtures               status of every fixture
//	GET {basePath}/fixtures/:name         status of one fixture
//	GET {basePath}/fixtures/:name/logs    captured output; query n=lines (default 100, 0 = all)
//	GET {basePath}/metrics                Prometheus metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
}

const defaultLogLines = 100

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/fixtures", r.handleList)
	group.GET("/fixtures/:name", r.handleStatus)
	group.GET("/fixtures/:name/logs", r.handleLogs)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr, basePath string, mgr *mng.Manager) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(mgr, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type logsResp struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.nameParam(c)
	if !ok {
		return
	}
	st, err := r.mgr.StatusOf(name)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := r.nameParam(c)
	if !ok {
		return
	}
	n := defaultLogLines
	if q := c.Query("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a non-negative integer"})
			return
		}
		n = v
	}
	lines, err := r.mgr.Logs(name, n)
	switch {
	case errors.Is(err, mng.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	case errors.Is(err, mng.ErrNoLogs):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Name: name, Lines: lines})
}

func (r *Router) nameParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid fixture name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}
