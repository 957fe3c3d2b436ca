// Package adminapi exposes a small read-mostly HTTP surface over a
// running Supervisor: aggregate and per-service status, metrics, and a
// resume control.
package adminapi

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keepwatch/keepwatch/internal/metrics"
	"github.com/keepwatch/keepwatch/internal/supervisor"
)

// Router provides embeddable HTTP handlers over one Supervisor.
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

// NewRouter constructs a Router with the given basePath, e.g. "" or "/admin".
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	// Route on the escaped path so an encoded "/" in :name reaches the
	// handler's isSafeName check instead of failing to match any route.
	g.UseRawPath = true
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:name", r.handleStatusOne)
	group.POST("/resume", r.handleResume)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. If
// tlsConfig is non-nil the server terminates TLS; otherwise it serves
// plain HTTP.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, tlsConfig *tls.Config) *http.Server {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if tlsConfig != nil {
			_ = server.ListenAndServeTLS("", "")
			return
		}
		_ = server.ListenAndServe()
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type resumeReq struct {
	Name string `json:"name"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Snapshot())
}

func (r *Router) handleStatusOne(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	st, ok := r.sup.One(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown sub-service " + name})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleResume(c *gin.Context) {
	var req resumeReq
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		r.sup.Resume()
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	if err := r.sup.ResumeOne(req.Name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName validates sub-service names to avoid path traversal when
// used as route parameters or filenames.
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") || strings.ContainsAny(s, "/\\") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
