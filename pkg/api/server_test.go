package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/audit"
	"github.com/cuemby/strata/internal/auth"
	"github.com/cuemby/strata/internal/config"
	"github.com/cuemby/strata/internal/maintenance"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
	"github.com/cuemby/strata/internal/txstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sub, err := substrate.NewLocal(t.TempDir())
	require.NoError(t, err)
	cfg := config.New(t.TempDir())
	store, err := txstore.New(sub, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.Create(ctx, schema.TableUsers, schema.UsersSchema())
	require.NoError(t, err)
	_, err = store.Create(ctx, schema.TableSessions, schema.SessionsSchema())
	require.NoError(t, err)
	_, err = store.Create(ctx, schema.TableAuditLog, schema.AuditLogSchema())
	require.NoError(t, err)
	_, err = store.Create(ctx, schema.TableUserActions, schema.UserActionsSchema())
	require.NoError(t, err)

	authActor := auth.NewActor(store, cfg)
	t.Cleanup(authActor.Stop)
	auditActor := audit.NewActor(store)
	t.Cleanup(auditActor.Stop)
	sched := maintenance.New(store, cfg.VacuumRetentionHours)

	return NewServer(store, authActor, auditActor, sched)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestHealthzAndLivezAlwaysOK(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/healthz", "/livez"} {
		w := doJSON(t, s, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestRegisterLoginApproveFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/auth/register", map[string]string{
		"email":      "new@example.com",
		"username":   "newuser",
		"password":   "longenoughpw",
		"first_name": "New",
		"last_name":  "User",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec auth.UserRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, auth.RolePending, rec.Role)

	// Login before approval must be rejected.
	w = doJSON(t, s, http.MethodPost, "/v1/auth/login", map[string]string{
		"username": "newuser",
		"password": "longenoughpw",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/auth/approve", map[string]string{
		"user_id": rec.UserID,
		"tier":    string(auth.TierFree),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/auth/login", map[string]string{
		"username": "newuser",
		"password": "longenoughpw",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var loginResp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loginResp))
	require.NotEmpty(t, loginResp.Token)

	r := httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
	r.Header.Set("Authorization", "Bearer "+loginResp.Token)
	ww := httptest.NewRecorder()
	s.ServeHTTP(ww, r)
	require.Equal(t, http.StatusOK, ww.Code)
}

func TestRegisterWeakPasswordIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/auth/register", map[string]string{
		"email":    "weak@example.com",
		"username": "weak",
		"password": "short",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTableScanAndVersionRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/tables", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tables []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tables))
	require.Contains(t, tables, "users")

	w = doJSON(t, s, http.MethodGet, "/v1/tables/users/scan", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/tables/users/version", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var versionResp struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versionResp))
	require.GreaterOrEqual(t, versionResp.Version, int64(0))
}

func TestUnknownTableOperationIsNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/v1/tables/users/bogus", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaintenanceRunRequiresPost(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/v1/maintenance/run", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestBillingSummaryReflectsAuditedUsage(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/auth/register", map[string]string{
		"email":    "trader@example.com",
		"username": "trader1",
		"password": "longenoughpw",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec auth.UserRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	s.auditActor.Log(rec.UserID, rec.Username, audit.ActionQueryExecuted, "widgets", "", "127.0.0.1")

	deadline := time.Now().Add(2 * time.Second)
	var w2 *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		w2 = doJSON(t, s, http.MethodGet, "/v1/audit/billing?user_id="+rec.UserID, nil)
		var summary audit.BillingSummary
		require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &summary))
		if summary.BillableActions == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("billable action never reflected in billing summary")
}
