package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"accession/internal/server/checksum"
	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/jobs"
	"accession/internal/server/packaging"
	"accession/internal/server/policy"
	"accession/internal/server/service"
	"accession/internal/server/storage"
	"accession/internal/server/sweeper"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	groups, err := policy.ParseGroups(policy.DefaultGroups)
	require.NoError(t, err)
	return &config.Config{
		BaseURL: "http://accession.test",
		Limits: policy.Limits{
			MaxFileCount: 3,
			MaxFileSize:  1024,
			MaxTotalSize: 2048,
			Groups:       groups,
		},
		MinFileCount:        1,
		ChecksumAlgorithms:  []checksum.Algorithm{checksum.SHA256, checksum.MD5},
		InactivityThreshold: time.Hour,
		ReminderWindow:      10 * time.Minute,
		SweepInterval:       time.Hour,
		AllowAnonymous:      true,
		AdminToken:          adminToken,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
	}
}

func newServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	temp := storage.NewFileSystemStore(t.TempDir())
	archive := storage.NewFileSystemStore(t.TempDir())
	p := packaging.New(temp, archive, cfg.ChecksumAlgorithms)
	svc := service.NewSessionService(database.NewMemory(), temp, p, nil, cfg)

	runner := jobs.NewRunner(svc, jobs.NewMemoryStore(), 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	t.Cleanup(func() {
		cancel()
		runner.Wait()
	})

	h := NewHandler(svc, runner, p, sweeper.New(svc, cfg.SweepInterval, nil), cfg)
	return SetupRouter(h, cfg)
}

func do(t *testing.T, e *echo.Echo, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req
}

func uploadRequest(t *testing.T, token, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+token+"/files", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func createSession(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec, body := do(t, e, jsonRequest(http.MethodPost, "/api/sessions", `{"owner":"donor@example.org"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	return body["token"].(string)
}

func TestCreateAndGetSession(t *testing.T) {
	e := newServer(t, testConfig(t))

	rec, body := do(t, e, jsonRequest(http.MethodPost, "/api/sessions", ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	token := body["token"].(string)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, "http://accession.test/api/sessions/"+token+"/files", body["upload_url"])

	rec, body = do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, token, body["token"])
	assert.NotEmpty(t, body["expires_at"])
	limits := body["limits"].(map[string]any)
	assert.EqualValues(t, 3, limits["max_file_count"])

	t.Run("unknown token", func(t *testing.T) {
		rec, _ := do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("owner required", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AllowAnonymous = false
		rec, _ := do(t, newServer(t, cfg), jsonRequest(http.MethodPost, "/api/sessions", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUpload(t *testing.T) {
	e := newServer(t, testConfig(t))
	token := createSession(t, e)

	rec, body := do(t, e, uploadRequest(t, token, "letter.pdf", "hello"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["accepted"])
	file := body["file"].(map[string]any)
	assert.Equal(t, "letter.pdf", file["name"])
	assert.EqualValues(t, 5, file["size"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", file["checksum"])

	tests := []struct {
		name    string
		file    string
		content string
		status  int
		kind    string
	}{
		{"duplicate name", "letter.pdf", "again", http.StatusUnprocessableEntity, "duplicate_name"},
		{"type not allowed", "tool.exe", "MZ", http.StatusUnprocessableEntity, "file_type_not_allowed"},
		{"too large", "big.txt", strings.Repeat("x", 1025), http.StatusRequestEntityTooLarge, "file_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, e, uploadRequest(t, token, tt.file, tt.content))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["accepted"])
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["message"])
		})
	}

	t.Run("missing file field", func(t *testing.T) {
		rec, _ := do(t, e, jsonRequest(http.MethodPost, "/api/sessions/"+token+"/files", `{}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec, _ := do(t, e, uploadRequest(t, "nope", "a.txt", "a"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListAndDeleteFiles(t *testing.T) {
	e := newServer(t, testConfig(t))
	token := createSession(t, e)

	rec, _ := do(t, e, uploadRequest(t, token, "my letter.pdf", "hello"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/"+token+"/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["files"], 1)

	rec, _ = do(t, e, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+token+"/files/my%20letter.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, e, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+token+"/files/my%20letter.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/"+token+"/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["files"])
}

func TestDeleteFile_Escaping(t *testing.T) {
	e := newServer(t, testConfig(t))
	token := createSession(t, e)

	t.Run("percent sign in the stored name", func(t *testing.T) {
		rec, _ := do(t, e, uploadRequest(t, token, "a%20b.txt", "hello"))
		require.Equal(t, http.StatusCreated, rec.Code)
		rec, _ = do(t, e, uploadRequest(t, token, "a b.txt", "other"))
		require.Equal(t, http.StatusCreated, rec.Code)

		rec, _ = do(t, e, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+token+"/files/a%2520b.txt", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, body := do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/"+token+"/files", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		files := body["files"].([]any)
		require.Len(t, files, 1)
		assert.Equal(t, "a b.txt", files[0].(map[string]any)["name"])
	})

	t.Run("non-canonical escaping", func(t *testing.T) {
		rec, _ := do(t, e, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+token+"/files/a%20b%2Etxt", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSubmitAndExport(t *testing.T) {
	e := newServer(t, testConfig(t))
	token := createSession(t, e)

	t.Run("empty session", func(t *testing.T) {
		rec, body := do(t, e, jsonRequest(http.MethodPost, "/api/sessions/"+token+"/submit", `{"title":"Letters"}`))
		require.Equal(t, http.StatusAccepted, rec.Code)
		job := waitForJob(t, e, body["job_id"].(string))
		assert.Equal(t, "failed", job["state"])
		assert.Equal(t, "empty_session", job["error_kind"])
	})

	rec, _ := do(t, e, uploadRequest(t, token, "letter.pdf", "hello"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := do(t, e, jsonRequest(http.MethodPost, "/api/sessions/"+token+"/submit",
		`{"title":"Letters","description":"Family letters","metadata":{"Source-Organization":"Archive"}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := body["job_id"].(string)
	assert.Equal(t, "http://accession.test/api/jobs/"+jobID, body["status_url"])

	job := waitForJob(t, e, jobID)
	require.Equal(t, "succeeded", job["state"])
	pkgID := job["package_id"].(string)

	rec, body = do(t, e, httptest.NewRequest(http.MethodGet, "/api/sessions/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONSUMED", body["status"])

	t.Run("consumed session rejects changes", func(t *testing.T) {
		rec, _ := do(t, e, jsonRequest(http.MethodPost, "/api/sessions/"+token+"/submit", ""))
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec, body := do(t, e, uploadRequest(t, token, "late.txt", "late"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "session_inactive", body["kind"])
	})

	t.Run("package", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/packages/"+pkgID, nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
		rec, body := do(t, e, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, body["file_count"])
		assert.Equal(t, []any{"sha256", "md5"}, body["algorithms"])
	})

	t.Run("export", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/packages/"+pkgID+"/export", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))

		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, f := range zr.File {
			names[f.Name] = true
		}
		assert.True(t, names[pkgID+"/bagit.txt"])
		assert.True(t, names[pkgID+"/data/letter.pdf"])
		assert.True(t, names[pkgID+"/manifest-md5.txt"])
	})

	t.Run("malformed package id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/packages/not-a-uuid", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
		rec, _ := do(t, e, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec, _ := do(t, e, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func waitForJob(t *testing.T, e *echo.Echo, id string) map[string]any {
	t.Helper()
	var job map[string]any
	require.Eventually(t, func() bool {
		rec, body := do(t, e, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		job = body
		return body["state"] == "succeeded" || body["state"] == "failed"
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestAdminAuth(t *testing.T) {
	e := newServer(t, testConfig(t))

	rec, _ := do(t, e, httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	rec, _ = do(t, e, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
	rec, body := do(t, e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["expired"])

	req = httptest.NewRequest(http.MethodGet, "/api/admin/sessions/expiring", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
	rec, body = do(t, e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["sessions"])

	t.Run("disabled without a token", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AdminToken = ""
		req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer ")
		rec, _ := do(t, newServer(t, cfg), req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	e := newServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec, _ := do(t, e, jsonRequest(http.MethodPost, "/api/sessions", ""))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec, _ := do(t, e, jsonRequest(http.MethodPost, "/api/sessions", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// reads are not limited
	rec, _ = do(t, e, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	e := newServer(t, testConfig(t))
	token := createSession(t, e)
	rec, _ := do(t, e, uploadRequest(t, token, "a.txt", "abc"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := do(t, e, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, body = do(t, e, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["active_sessions"])
	assert.EqualValues(t, 3, body["temporary_bytes"])
	assert.Equal(t, "3 B", body["temporary_bytes_human"])
}
