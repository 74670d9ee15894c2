package server

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/pcontrol/internal/auth"
	mng "github.com/loykin/pcontrol/internal/manager"
	"github.com/loykin/pcontrol/internal/metrics"
)

// maxStdinBody bounds a single framed message sent through the API.
const maxStdinBody = 1 << 20

// Router provides embeddable HTTP handlers for managing processes.
// Endpoints:
//
//	GET  {basePath}/status            query: name=... (single) or nothing (all)
//	POST {basePath}/start             query: name=...
//	POST {basePath}/stop              query: name=...
//	POST {basePath}/destroy           query: name=...
//	POST {basePath}/kill              query: name=...
//	POST {basePath}/shutdown          query: name=...
//	POST {basePath}/stdin             query: name=...  body: raw payload, sent as one frame
//	POST {basePath}/reconnect         query: name=...  body: reconnectReq JSON
//	POST {basePath}/login             body: auth.LoginRequest JSON (only with auth)
//	GET  /metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *mng.Registry
	basePath string
	auth     *auth.Service
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/start, /abc/stop, /abc/status.
func NewRouter(reg *mng.Registry, basePath string) *Router {
	return &Router{reg: reg, basePath: sanitizeBase(basePath)}
}

// WithAuth protects every endpoint except /metrics with s. A nil s leaves
// the API open.
func (r *Router) WithAuth(s *auth.Service) *Router {
	r.auth = s
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/login", r.handleLogin)
	}
	read, write := auth.GinAuth(r.auth, false), auth.GinAuth(r.auth, true)
	group.GET("/status", read, r.handleStatus)
	group.POST("/start", write, r.lifecycle(r.reg.Start))
	group.POST("/stop", write, r.lifecycle(r.reg.Stop))
	group.POST("/destroy", write, r.lifecycle(r.reg.Destroy))
	group.POST("/kill", write, r.lifecycle(r.reg.Kill))
	group.POST("/shutdown", write, r.lifecycle(r.reg.ShutdownProcess))
	group.POST("/stdin", write, r.handleStdin)
	group.POST("/reconnect", write, r.handleReconnect)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Call Shutdown or Close on the returned server to stop it.
func NewServer(addr, basePath string, reg *mng.Registry) (*http.Server, error) {
	return NewTLSServer(addr, NewRouter(reg, basePath), nil)
}

// NewTLSServer starts a server for r, over HTTPS when tlsConf is non-nil.
// The certificate comes from tlsConf, so no files are passed to
// ListenAndServeTLS.
func NewTLSServer(addr string, r *Router, tlsConf *tls.Config) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsConf != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type reconnectReq struct {
	Scheme             string `json:"scheme"`
	Host               string `json:"host"`
	Port               int32  `json:"port"`
	ManagementEndpoint bool   `json:"management_endpoint"`
	AuthKey            string `json:"auth_key"`
}

// nameParam reads and validates the name query parameter. It writes the
// error response itself and reports whether the handler should continue.
func nameParam(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return "", false
	}
	return name, true
}

func writeError(c *gin.Context, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, mng.ErrUnknownProcess):
		code = http.StatusNotFound
	case errors.Is(err, mng.ErrNotRunning):
		code = http.StatusConflict
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func (r *Router) lifecycle(op func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := nameParam(c)
		if !ok {
			return
		}
		if err := op(name); err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	if c.Query("name") == "" {
		writeJSON(c, http.StatusOK, r.reg.Statuses())
		return
	}
	name, ok := nameParam(c)
	if !ok {
		return
	}
	mp, err := r.reg.Get(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, mp.Status())
}

func (r *Router) handleStdin(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxStdinBody)
	payload, err := io.ReadAll(body)
	if err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	if err := r.reg.SendStdin(name, bytes.NewReader(payload)); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	tok, err := r.auth.Login(req)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

func (r *Router) handleReconnect(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	var req reconnectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "host and a valid port are required"})
		return
	}
	if err := r.reg.Reconnect(name, req.Scheme, req.Host, req.Port, req.ManagementEndpoint, req.AuthKey); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
