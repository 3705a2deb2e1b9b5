// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/mycelium-backup/internal/auth"
	"github.com/tomtom215/mycelium-backup/internal/authz"
	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/location"
	"github.com/tomtom215/mycelium-backup/internal/maintenance"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
	ws "github.com/tomtom215/mycelium-backup/internal/websocket"
)

const testSecret = "api_test_secret_that_is_long_enough_for_hmac_signing"

// fakeBackups records calls and returns canned results.
type fakeBackups struct {
	mu sync.Mutex

	startErr   error
	job        jobs.Job
	waitJob    jobs.Job
	artifacts  []backup.Artifact
	lastKinds  []backup.ArtifactKind
	lastKind   backup.ArtifactKind
	lastReq    orchestrator.RestoreRequest
	lastMonths int
	deleteErr  error
	deleted    string
	external   string
	retention  map[backup.ArtifactKind]int
	info       location.Info
}

func newFakeBackups() *fakeBackups {
	return &fakeBackups{
		job:  jobs.Job{ID: "job-1", Kind: jobs.KindBackup, Operation: "manual_backup", Status: jobs.StatusRunning},
		info: location.Info{IsLocal: true, CanBackup: true, DBHost: "localhost"},
	}
}

func (f *fakeBackups) StartBackup(_ context.Context, kind backup.ArtifactKind) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKind = kind
	return f.job, f.startErr
}

func (f *fakeBackups) StartRestore(_ context.Context, req orchestrator.RestoreRequest) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.job, f.startErr
}

func (f *fakeBackups) StartMaintenance(context.Context) (jobs.Job, error) {
	return f.job, f.startErr
}

func (f *fakeBackups) StartLogCleanup(_ context.Context, months int) (jobs.Job, error) {
	f.mu.Lock()
	f.lastMonths = months
	f.mu.Unlock()
	if months < 1 {
		return jobs.Job{}, fmt.Errorf("%w: got %d", maintenance.ErrInvalidMonths, months)
	}
	return f.job, f.startErr
}

func (f *fakeBackups) RequestCancel() (jobs.Job, error) {
	if f.job.Status.Active() {
		j := f.job
		j.Status = jobs.StatusCancelling
		j.CancelRequested = true
		return j, nil
	}
	return f.job, jobs.ErrNotRunning
}

func (f *fakeBackups) Wait(context.Context, string) (jobs.Job, error) {
	return f.waitJob, nil
}

func (f *fakeBackups) Status() jobs.Job { return f.job }

func (f *fakeBackups) Location(context.Context) location.Info { return f.info }

func (f *fakeBackups) ListArtifacts(kinds ...backup.ArtifactKind) ([]backup.Artifact, error) {
	f.lastKinds = kinds
	return f.artifacts, nil
}

func (f *fakeBackups) DeleteArtifact(name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if err := backup.ValidateName(name); err != nil {
		return err
	}
	f.deleted = name
	return nil
}

func (f *fakeBackups) ApplyRetention(context.Context) (map[backup.ArtifactKind]int, error) {
	return f.retention, nil
}

func (f *fakeBackups) InternalDir() string { return "/var/lib/mycelium/backups" }

func (f *fakeBackups) ExternalDir(context.Context) (string, error) { return f.external, nil }

func (f *fakeBackups) SetExternalDir(_ context.Context, path string) (string, error) {
	f.external = path
	return path, nil
}

func (f *fakeBackups) BackupSummary(context.Context) (orchestrator.Summary, error) {
	return orchestrator.Summary{DayOfWeek: "Thursday", ReminderDay: "Friday"}, nil
}

// testRouter builds the full router in none auth mode.
func testRouter(t *testing.T, f *fakeBackups) http.Handler {
	t.Helper()
	enforcer, err := authz.NewEnforcer("")
	require.NoError(t, err)
	h := NewHandler(f, nil, nil, nil)
	cfg := DefaultChiMiddlewareConfig()
	cfg.RateLimitDisabled = true
	return NewRouter(h, NewChiMiddleware(cfg), nil, auth.AuthModeNone, enforcer).SetupChi()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec, resp
}

func TestRunBackup(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/backup/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, backup.KindManual, f.lastKind)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/backup/run", `{"kind":"daily"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, backup.KindDaily, f.lastKind)

	rec, resp = doRequest(t, router, http.MethodPost, "/api/backup/run", `{"kind":"weekly"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, resp.Code)
}

func TestRunBackupConflict(t *testing.T) {
	f := newFakeBackups()
	f.startErr = jobs.ErrAlreadyRunning
	rec, resp := doRequest(t, testRouter(t, f), http.MethodPost, "/api/backup/run", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeAlreadyRunning, resp.Code)
}

func TestRunBackupLocationUnsupported(t *testing.T) {
	f := newFakeBackups()
	f.startErr = fmt.Errorf("%w: remote host", orchestrator.ErrLocationUnsupported)
	rec, resp := doRequest(t, testRouter(t, f), http.MethodPost, "/api/backup/run", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, CodeLocationUnsupported, resp.Code)
}

func TestRunBackupInternalErrorMasked(t *testing.T) {
	f := newFakeBackups()
	f.startErr = errors.New("secret connection string leaked")
	rec, resp := doRequest(t, testRouter(t, f), http.MethodPost, "/api/backup/run", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, resp.Error, "secret")
}

func TestRestore(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	rec, _ := doRequest(t, router, http.MethodPost, "/api/backup/restore",
		`{"name":"manual_backup_20260101_120000.json.gz","safety_backup":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "manual_backup_20260101_120000.json.gz", f.lastReq.Name)
	assert.True(t, f.lastReq.SafetyBackup)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing name", `{}`, CodeValidation},
		{"path traversal", `{"name":"../etc/passwd"}`, CodeValidation},
		{"malformed json", `{"name":}`, CodeInvalidRequest},
		{"unknown field", `{"name":"a.json","force":true}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := doRequest(t, router, http.MethodPost, "/api/backup/restore", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestRestoreNotFound(t *testing.T) {
	f := newFakeBackups()
	f.startErr = fmt.Errorf("%w: manual_backup_20260101_120000.json", backup.ErrNotFound)
	rec, resp := doRequest(t, testRouter(t, f), http.MethodPost, "/api/backup/restore",
		`{"name":"manual_backup_20260101_120000.json"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, resp.Code)
}

func TestCleanupLogs(t *testing.T) {
	f := newFakeBackups()
	f.waitJob = jobs.Job{ID: "job-1", Status: jobs.StatusCompleted, Result: map[string]int64{"system_logs": 42}}
	router := testRouter(t, f)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/backup/cleanup", `{"months":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, resp.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/backup/cleanup", `{"months":6}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 6, f.lastMonths)

	rec, resp = doRequest(t, router, http.MethodPost, "/api/backup/cleanup?wait=true", `{"months":6}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "completed", data["status"])
	result, ok := data["result"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, result["system_logs"])
}

func TestMaintenanceWait(t *testing.T) {
	f := newFakeBackups()
	f.waitJob = jobs.Job{ID: "job-1", Status: jobs.StatusCompleted}
	router := testRouter(t, f)

	rec, _ := doRequest(t, router, http.MethodPost, "/api/backup/maintenance", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/backup/maintenance?wait=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancel(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/backup/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "cancelling", data["status"])

	f.job.Status = jobs.StatusCompleted
	rec, resp = doRequest(t, router, http.MethodPost, "/api/backup/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNotRunning, resp.Code)
}

func TestListBackups(t *testing.T) {
	f := newFakeBackups()
	created := time.Now().Add(-3 * time.Hour)
	f.artifacts = []backup.Artifact{{
		Name:      "auto_backup_20260101_120000.json.gz",
		Kind:      backup.KindAuto,
		CreatedAt: created,
		Timestamp: created.Unix(),
		Size:      2048,
	}}
	router := testRouter(t, f)

	rec, resp := doRequest(t, router, http.MethodGet, "/api/backup/auto", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []backup.ArtifactKind{backup.KindAuto, backup.KindDaily}, f.lastKinds)

	items := resp.Data.([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, "auto_backup_20260101_120000.json.gz", item["name"])
	assert.Contains(t, item["created_at_display"], "(3 hours ago)")
	assert.Equal(t, "2.0 kB", item["size_display"])

	_, _ = doRequest(t, router, http.MethodGet, "/api/backup/auto?kind=all", "")
	assert.Equal(t, backup.AllKinds, f.lastKinds)

	_, _ = doRequest(t, router, http.MethodGet, "/api/backup/auto?kind=manual", "")
	assert.Equal(t, []backup.ArtifactKind{backup.KindManual}, f.lastKinds)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/backup/auto?kind=hourly", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteArtifact(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	rec, _ := doRequest(t, router, http.MethodDelete, "/api/backup/artifacts/manual_backup_20260101_120000.json", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual_backup_20260101_120000.json", f.deleted)

	f.deleteErr = jobs.ErrAlreadyRunning
	rec, _ = doRequest(t, router, http.MethodDelete, "/api/backup/artifacts/manual_backup_20260101_120000.json", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.deleteErr = fmt.Errorf("%w: x.json", backup.ErrNotFound)
	rec, _ = doRequest(t, router, http.MethodDelete, "/api/backup/artifacts/x.json", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExternalPath(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/backup/path/external", `{"path":"relative/dir"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, resp.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/backup/path/external", `{"path":"/mnt/usb"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = doRequest(t, router, http.MethodGet, "/api/backup/path/external", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/mnt/usb", resp.Data.(map[string]interface{})["path"])

	rec, _ = doRequest(t, router, http.MethodPost, "/api/backup/path/external", `{"path":""}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", f.external)

	_, resp = doRequest(t, router, http.MethodGet, "/api/backup/path/internal", "")
	assert.Equal(t, "/var/lib/mycelium/backups", resp.Data.(map[string]interface{})["path"])
}

func TestStatusProgressSummary(t *testing.T) {
	f := newFakeBackups()
	router := testRouter(t, f)

	_, resp := doRequest(t, router, http.MethodGet, "/api/backup/status", "")
	status := resp.Data.(map[string]interface{})
	assert.Equal(t, true, status["can_backup"])

	_, resp = doRequest(t, router, http.MethodGet, "/api/backup/progress", "")
	assert.Equal(t, "job-1", resp.Data.(map[string]interface{})["id"])

	_, resp = doRequest(t, router, http.MethodGet, "/api/backup/summary", "")
	assert.Equal(t, "Friday", resp.Data.(map[string]interface{})["reminder_day"])
}

func TestCleanupFiles(t *testing.T) {
	f := newFakeBackups()
	f.retention = map[backup.ArtifactKind]int{backup.KindAuto: 3, backup.KindDaily: 1}
	rec, resp := doRequest(t, testRouter(t, f), http.MethodPost, "/api/backup/cleanup-files", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 4, data["total"])
}

func TestHealth(t *testing.T) {
	router := testRouter(t, newFakeBackups())

	rec, resp := doRequest(t, router, http.MethodGet, "/api/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, resp = doRequest(t, router, http.MethodGet, "/api/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}

type stubPinger struct{ err error }

func (p stubPinger) PingWithin(context.Context, time.Duration) error { return p.err }

func TestHealthReadyPingsDatabase(t *testing.T) {
	h := NewHandler(newFakeBackups(), nil, stubPinger{}, nil)
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewHandler(newFakeBackups(), nil, stubPinger{err: errors.New("connection refused")}, nil)
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthenticationAndAuthorization(t *testing.T) {
	jwtManager, err := auth.NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret, TokenTTL: time.Hour})
	require.NoError(t, err)
	enforcer, err := authz.NewEnforcer("")
	require.NoError(t, err)

	cfg := DefaultChiMiddlewareConfig()
	cfg.RateLimitDisabled = true
	router := NewRouter(NewHandler(newFakeBackups(), nil, nil, nil), NewChiMiddleware(cfg), jwtManager, auth.AuthModeJWT, enforcer).SetupChi()

	viewer, err := jwtManager.GenerateToken("grower", auth.RoleViewer)
	require.NoError(t, err)
	admin, err := jwtManager.GenerateToken("ops", auth.RoleAdmin)
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
		wantErr  string
	}{
		{"no token", http.MethodGet, "/api/backup/progress", "", http.StatusUnauthorized, CodeUnauthorized},
		{"bad token", http.MethodGet, "/api/backup/progress", "garbage", http.StatusUnauthorized, CodeUnauthorized},
		{"viewer read", http.MethodGet, "/api/backup/progress", viewer, http.StatusOK, ""},
		{"viewer write", http.MethodPost, "/api/backup/run", viewer, http.StatusForbidden, CodeForbidden},
		{"viewer delete", http.MethodDelete, "/api/backup/artifacts/x.json", viewer, http.StatusForbidden, CodeForbidden},
		{"admin write", http.MethodPost, "/api/backup/run", admin, http.StatusAccepted, ""},
		{"health is public", http.MethodGet, "/api/health/live", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				var resp Response
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.False(t, resp.Success)
				assert.Equal(t, tt.wantErr, resp.Code)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	enforcer, err := authz.NewEnforcer("")
	require.NoError(t, err)
	cfg := DefaultChiMiddlewareConfig()
	cfg.RateLimitRequests = 2
	cfg.RateLimitWindow = time.Minute
	router := NewRouter(NewHandler(newFakeBackups(), nil, nil, nil), NewChiMiddleware(cfg), nil, auth.AuthModeNone, enforcer).SetupChi()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := doRequest(t, router, http.MethodGet, "/api/backup/progress", "")
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestWebSocketSendsSnapshot(t *testing.T) {
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	f := newFakeBackups()
	h := NewHandler(f, hub, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.WebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string   `json:"type"`
		Data jobs.Job `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.MessageTypeJobProgress, msg.Type)
	assert.Equal(t, "job-1", msg.Data.ID)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := NewHandler(newFakeBackups(), ws.NewHub(), nil, []string{"https://farm.example"})
	req := httptest.NewRequest(http.MethodGet, "/api/backup/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkWebSocketOrigin(req))

	req.Header.Set("Origin", "https://farm.example")
	assert.True(t, h.checkWebSocketOrigin(req))
}
