// Package admin serves the JSON admin surface of a running server: pool and
// controller snapshots, process and group management, and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/turtacn/Portus/internal/controller"
	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

// Basic auth user names. The password is an API key.
const (
	UserAdmin    = "admin"
	UserReadOnly = "ro_admin"
)

const maxRequestBody = 64 * 1024

// StatsSource is anything that reports controller statistics.
type StatsSource interface {
	Stats() controller.Stats
}

type Server struct {
	pool        *pool.Pool
	controllers []StatsSource
	log         logger.Logger
	mux         *http.ServeMux
	srv         *http.Server
	started     time.Time
}

func New(p *pool.Pool, controllers ...StatsSource) *Server {
	s := &Server{
		pool:        p,
		controllers: controllers,
		log:         logger.Log.With("component", "admin"),
		mux:         http.NewServeMux(),
		started:     time.Now(),
	}
	s.mux.HandleFunc("GET /pool.json", s.handlePool)
	s.mux.HandleFunc("GET /server.json", s.handleServer)
	s.mux.HandleFunc("POST /pool/restart_app_group.json", s.handleRestartGroup)
	s.mux.HandleFunc("POST /pool/detach_app_group.json", s.handleDetachGroup)
	s.mux.HandleFunc("POST /pool/detach_process.json", s.processAction(s.detachProcess))
	s.mux.HandleFunc("POST /pool/disable_process.json", s.processAction(s.disableProcess))
	s.mux.HandleFunc("POST /pool/enable_process.json", s.processAction(s.enableProcess))
	s.mux.HandleFunc("POST /pool/request_oobw.json", s.processAction(s.requestOOBW))
	s.mux.Handle("GET /metrics", monitor.Handler())
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve serves the admin API on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("Admin server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

/***** Auth *****/

type credentials struct {
	user string
	key  string
}

func (c credentials) level(p *pool.Pool, group string) pool.AuthLevel {
	lvl := p.Authorize(c.key, group)
	if c.user == UserReadOnly && lvl > pool.AuthReadOnly {
		return pool.AuthReadOnly
	}
	return lvl
}

func credentialsOf(r *http.Request) (credentials, error) {
	user, key, ok := r.BasicAuth()
	if !ok || (user != UserAdmin && user != UserReadOnly) {
		return credentials{}, unauthorized()
	}
	return credentials{user: user, key: key}, nil
}

func unauthorized() error {
	return perrors.New(perrors.ErrCodeUnauthorized, "admin.auth", "unauthorized", nil)
}

// requireWrite checks that the caller may change group, or the whole pool
// when group is empty.
func (s *Server) requireWrite(cred credentials, group string) error {
	switch lvl := cred.level(s.pool, group); {
	case lvl == pool.AuthFull, lvl == pool.AuthGroup && group != "":
		return nil
	case lvl == pool.AuthReadOnly:
		return perrors.New(perrors.ErrCodeForbidden, "admin.auth", "read-only access", nil)
	}
	return unauthorized()
}

/***** Responses *****/

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Cannot write admin response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := perrors.HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="portus"`)
	}
	if status >= 500 {
		s.log.Warn("Admin request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return perrors.New(perrors.ErrCodeMalformedJSON, "admin.decode", "malformed JSON body", err)
	}
	return nil
}

/***** Handlers *****/

// handlePool answers the pool snapshot. Keys with pool-wide read access see
// every group; group keys see only their own groups.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	cred, err := credentialsOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap := s.pool.Snapshot()
	if cred.level(s.pool, "") < pool.AuthReadOnly {
		snap.Groups = lo.Filter(snap.Groups, func(g pool.GroupSnapshot, _ int) bool {
			return cred.level(s.pool, g.Name) >= pool.AuthGroup
		})
		if len(snap.Groups) == 0 {
			s.writeError(w, unauthorized())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// ServerStatus is the body of /server.json.
type ServerStatus struct {
	PID         int                `json:"pid"`
	Uptime      string             `json:"uptime"`
	Controllers []controller.Stats `json:"controllers"`
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	cred, err := credentialsOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cred.level(s.pool, "") < pool.AuthReadOnly {
		s.writeError(w, unauthorized())
		return
	}
	s.writeJSON(w, http.StatusOK, ServerStatus{
		PID:         os.Getpid(),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Controllers: lo.Map(s.controllers, func(c StatsSource, _ int) controller.Stats { return c.Stats() }),
	})
}

// RestartRequest is the body of /pool/restart_app_group.json.
type RestartRequest struct {
	Name   string `json:"name"`
	Method string `json:"method,omitempty"`
}

func (s *Server) handleRestartGroup(w http.ResponseWriter, r *http.Request) {
	cred, err := credentialsOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req RestartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	method := consts.RestartMethod(req.Method)
	switch method {
	case "", consts.RestartRolling, consts.RestartBlocking:
	default:
		s.writeError(w, perrors.New(perrors.ErrCodeMalformedJSON, "admin.restart", "unknown restart method "+strconv.Quote(req.Method), nil))
		return
	}
	if err := s.groupAction(cred, req.Name, func() error { return s.pool.RestartGroupByName(req.Name, method) }); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("Group restart requested", "group", req.Name, "method", method)
	s.writeJSON(w, http.StatusOK, map[string]bool{"restarted": true})
}

// GroupRequest names a group.
type GroupRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleDetachGroup(w http.ResponseWriter, r *http.Request) {
	cred, err := credentialsOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req GroupRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.groupAction(cred, req.Name, func() error { return s.pool.DetachGroupByName(req.Name) }); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"detached": true})
}

func (s *Server) groupAction(cred credentials, name string, fn func() error) error {
	if name == "" {
		return perrors.New(perrors.ErrCodeMalformedJSON, "admin.group", "name is required", nil)
	}
	if err := s.requireWrite(cred, name); err != nil {
		return err
	}
	return fn()
}

// ProcessRequest names a process by gupid or pid.
type ProcessRequest struct {
	PID   int    `json:"pid,omitempty"`
	Gupid string `json:"gupid,omitempty"`
}

func (p ProcessRequest) id() string {
	if p.Gupid != "" {
		return p.Gupid
	}
	if p.PID > 0 {
		return strconv.Itoa(p.PID)
	}
	return ""
}

// groupOf finds the group owning the process, or "" when there is none.
func (s *Server) groupOf(req ProcessRequest) string {
	for _, g := range s.pool.Snapshot().Groups {
		_, ok := lo.Find(g.Processes, func(p pool.ProcessSnapshot) bool {
			return (req.Gupid != "" && p.Gupid == req.Gupid) || (req.PID > 0 && p.PID == req.PID)
		})
		if ok {
			return g.Name
		}
	}
	return ""
}

type processHandler func(ctx context.Context, id string) (any, error)

func (s *Server) processAction(fn processHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := credentialsOf(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		var req ProcessRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		id := req.id()
		if id == "" {
			s.writeError(w, perrors.New(perrors.ErrCodeMalformedJSON, "admin.process", "pid or gupid is required", nil))
			return
		}
		if err := s.requireWrite(cred, s.groupOf(req)); err != nil {
			s.writeError(w, err)
			return
		}
		out, err := fn(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) detachProcess(_ context.Context, id string) (any, error) {
	if err := s.pool.DetachProcess(id); err != nil {
		return nil, err
	}
	s.log.Info("Process detached", "process", id)
	return map[string]bool{"detached": true}, nil
}

func (s *Server) disableProcess(ctx context.Context, id string) (any, error) {
	res, err := s.pool.DisableProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]string{"result": string(res)}, nil
}

func (s *Server) enableProcess(_ context.Context, id string) (any, error) {
	if err := s.pool.EnableProcess(id); err != nil {
		return nil, err
	}
	return map[string]bool{"enabled": true}, nil
}

func (s *Server) requestOOBW(_ context.Context, id string) (any, error) {
	if err := s.pool.RequestOOBW(id); err != nil {
		return nil, err
	}
	return map[string]bool{"requested": true}, nil
}

// Personal.AI order the ending
