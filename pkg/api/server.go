// Package api is the admin control-plane: a plain net/http + JSON surface
// over the store, the auth actor, and the audit actor. The upstream
// project exposes this as a generated gRPC service; the generated stub
// package (api/proto) was never part of this repository's source tree, so
// there is nothing here to regenerate against. This package instead
// follows the HTTP-handler idiom pkg/metrics/health.go already establishes
// for the rest of the ambient stack — every route returns a JSON body
// built the same way HealthHandler does.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/strata/internal/audit"
	"github.com/cuemby/strata/internal/auth"
	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/maintenance"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/txstore"
)

// Server bundles the handlers for one strata instance's admin surface.
type Server struct {
	store      *txstore.Store
	authActor  *auth.Actor
	auditActor *audit.Actor
	scheduler  *maintenance.Scheduler
	mux        *http.ServeMux
}

// NewServer wires routes over the given store and actors.
func NewServer(store *txstore.Store, authActor *auth.Actor, auditActor *audit.Actor, scheduler *maintenance.Scheduler) *Server {
	s := &Server{store: store, authActor: authActor, auditActor: auditActor, scheduler: scheduler, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", metrics.HealthHandler())
	s.mux.HandleFunc("/livez", metrics.LivenessHandler())
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/v1/auth/register", s.handleRegister)
	s.mux.HandleFunc("/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/v1/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/v1/auth/verify", s.handleVerify)
	s.mux.HandleFunc("/v1/auth/approve", s.handleApprove)
	s.mux.HandleFunc("/v1/auth/reject", s.handleReject)
	s.mux.HandleFunc("/v1/auth/pending", s.handlePending)
	s.mux.HandleFunc("/v1/auth/users", s.handleAllUsers)
	s.mux.HandleFunc("/v1/auth/gdpr-delete", s.handleGDPRDelete)

	s.mux.HandleFunc("/v1/audit/activity", s.handleUserActivity)
	s.mux.HandleFunc("/v1/audit/recent", s.handleRecentEvents)
	s.mux.HandleFunc("/v1/audit/billing", s.handleBillingSummary)

	s.mux.HandleFunc("/v1/tables", s.handleListTables)
	s.mux.HandleFunc("/v1/tables/", s.handleTable)
	s.mux.HandleFunc("/v1/maintenance/run", s.handleMaintenanceRun)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.ListTables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.NotFound), errs.Is(err, errs.VersionNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.AlreadyExists):
		status = http.StatusConflict
	case errs.Is(err, errs.SchemaMismatch), errs.Is(err, errs.InvalidPredicate), errs.Is(err, errs.AuthWeakPassword):
		status = http.StatusBadRequest
	case errs.Is(err, errs.AuthInvalidCredentials), errs.Is(err, errs.AuthTokenInvalid), errs.Is(err, errs.AuthDisabled):
		status = http.StatusUnauthorized
	case errs.Is(err, errs.CommitConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email     string `json:"email"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	rec, err := s.authActor.Register(r.Context(), req.Email, req.Username, req.Password, req.FirstName, req.LastName)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditActor.Log(rec.UserID, rec.Username, audit.ActionRegister, "", "", clientIP(r))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	token, rec, err := s.authActor.Login(r.Context(), req.Username, req.Password, req.RememberMe)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditActor.Log(rec.UserID, rec.Username, audit.ActionLogin, "", "", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": rec})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing bearer token"})
		return
	}
	if err := s.authActor.Logout(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	claims, err := s.authActor.VerifyToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string                `json:"user_id"`
		Tier   auth.SubscriptionTier `json:"tier"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Tier == "" {
		req.Tier = auth.TierFree
	}
	rec, err := s.authActor.ApproveUser(r.Context(), req.UserID, req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditActor.Log(rec.UserID, rec.Username, audit.ActionUserApproved, "", "", clientIP(r))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.authActor.RejectUser(r.Context(), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.auditActor.Log(req.UserID, "", audit.ActionUserRejected, "", "", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	users, err := s.authActor.GetPendingUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authActor.GetAllUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGDPRDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.authActor.GDPRDelete(r.Context(), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.auditActor.Log(req.UserID, "", audit.ActionUserDeleted, "", "", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	limit := intParam(r, "limit", 100)
	events, err := s.auditActor.GetUserActivity(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 100)
	events, err := s.auditActor.GetRecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleBillingSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	end := dateParam(r, "end", time.Now())
	start := dateParam(r, "start", end.AddDate(0, -1, 0))
	summary, err := s.auditActor.BillingSummary(r.Context(), userID, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleTable dispatches /v1/tables/{name}/{op} (scan|query|sql|history|version).
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	table, op := parseTablePath(r.URL.Path)
	if table == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing table name"})
		return
	}
	ctx := r.Context()
	switch op {
	case "scan", "":
		rows, err := s.store.Scan(ctx, table)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case "query":
		rows, err := s.store.Query(ctx, table, r.URL.Query().Get("where"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case "sql":
		var req struct {
			SQL string `json:"sql"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		rows, err := s.store.SQL(ctx, table, req.SQL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case "history":
		entries, err := s.store.History(ctx, table, intParam(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case "version":
		v, err := s.store.Version(ctx, table)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"version": v})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown table operation"})
	}
}

func (s *Server) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.scheduler.RunOnce(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTablePath(path string) (table, op string) {
	const prefix = "/v1/tables/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func dateParam(r *http.Request, name string, def time.Time) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return def
	}
	return t
}
