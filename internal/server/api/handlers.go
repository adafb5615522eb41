package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/jobs"
	"accession/internal/server/packaging"
	"accession/internal/server/policy"
	"accession/internal/server/service"
	"accession/internal/server/session"
	"accession/internal/server/storage"
	"accession/internal/server/sweeper"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the accession API.
type Handler struct {
	svc      *service.SessionService
	runner   *jobs.Runner
	packager *packaging.Packager
	sweeper  *sweeper.Sweeper
	cfg      *config.Config
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.SessionService, runner *jobs.Runner, packager *packaging.Packager, sw *sweeper.Sweeper, cfg *config.Config) *Handler {
	return &Handler{svc: svc, runner: runner, packager: packager, sweeper: sw, cfg: cfg}
}

type createSessionRequest struct {
	Owner string `json:"owner"`
}

type sessionResponse struct {
	Token          string         `json:"token"`
	Status         session.Status `json:"status"`
	Owner          string         `json:"owner,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	UploadURL      string         `json:"upload_url,omitempty"`
	FileCount      int            `json:"file_count"`
	TotalSize      int64          `json:"total_size"`
	Limits         limitsResponse `json:"limits"`
}

type limitsResponse struct {
	MaxFileCount  int    `json:"max_file_count"`
	MaxFileSize   int64  `json:"max_file_size"`
	MaxTotalSize  int64  `json:"max_total_size"`
	MinFileCount  int    `json:"min_file_count"`
	AcceptedTypes string `json:"accepted_types"`
}

type fileResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

func toFileResponse(f *database.File) fileResponse {
	return fileResponse{
		ID:        f.ID,
		Name:      f.OriginalName,
		Size:      f.SizeBytes,
		Checksum:  f.Checksum,
		CreatedAt: f.CreatedAt,
	}
}

func (h *Handler) sessionURL(token string) string {
	return fmt.Sprintf("%s/api/sessions/%s", h.cfg.BaseURL, token)
}

func (h *Handler) limits() limitsResponse {
	return limitsResponse{
		MaxFileCount:  h.cfg.Limits.MaxFileCount,
		MaxFileSize:   h.cfg.Limits.MaxFileSize,
		MaxTotalSize:  h.cfg.Limits.MaxTotalSize,
		MinFileCount:  h.cfg.MinFileCount,
		AcceptedTypes: h.cfg.Limits.Groups.Describe(),
	}
}

// HandleCreateSession handles POST /api/sessions.
// The body is optional; {"owner": "..."} attributes the session to a donor.
func (h *Handler) HandleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	sess, err := h.svc.CreateSession(c.Request().Context(), req.Owner)
	if err != nil {
		return mapServiceError(c, err)
	}

	resp := h.sessionResponse(sess, nil)
	resp.UploadURL = h.sessionURL(sess.Token) + "/files"
	return c.JSON(http.StatusCreated, resp)
}

// HandleGetSession handles GET /api/sessions/:token.
// Works for sessions in any state so donors can see what happened.
func (h *Handler) HandleGetSession(c echo.Context) error {
	ctx := c.Request().Context()
	token := c.Param("token")

	sess, err := h.svc.GetSession(ctx, token, service.AccessRead)
	if err != nil {
		return mapServiceError(c, err)
	}

	var files []*database.File
	if sess.Status == session.StatusActive {
		files, err = h.svc.ListFiles(ctx, token)
		if err != nil {
			return mapServiceError(c, err)
		}
	}

	return c.JSON(http.StatusOK, h.sessionResponse(sess, files))
}

func (h *Handler) sessionResponse(sess *database.Session, files []*database.File) sessionResponse {
	resp := sessionResponse{
		Token:          sess.Token,
		Status:         sess.Status,
		Owner:          sess.Owner,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		FileCount:      len(files),
		Limits:         h.limits(),
	}
	if sess.Status == session.StatusActive {
		expires := sess.LastActivityAt.Add(h.cfg.InactivityThreshold)
		resp.ExpiresAt = &expires
	}
	for _, f := range files {
		resp.TotalSize += f.SizeBytes
	}
	return resp
}

// HandleUpload handles POST /api/sessions/:token/files.
// Accepts a multipart form with a "file" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	token := c.Param("token")

	// Read the uploaded file from the multipart form
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	file, err := h.svc.AddFile(c.Request().Context(), token, fileHeader.Filename, fileHeader.Size, src)
	if err != nil {
		if rej, ok := policy.AsRejection(err); ok {
			return c.JSON(rejectionStatus(rej.Kind), echo.Map{
				"accepted": false,
				"kind":     rej.Kind,
				"message":  rej.Message,
			})
		}
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"accepted": true,
		"file":     toFileResponse(file),
		"url":      h.sessionURL(token) + "/files/" + url.PathEscape(file.OriginalName),
	})
}

func rejectionStatus(kind policy.Kind) int {
	switch kind {
	case policy.KindFileTooLarge, policy.KindTotalSizeExceeded:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusUnprocessableEntity
	}
}

// HandleListFiles handles GET /api/sessions/:token/files.
func (h *Handler) HandleListFiles(c echo.Context) error {
	files, err := h.svc.ListFiles(c.Request().Context(), c.Param("token"))
	if err != nil {
		return mapServiceError(c, err)
	}

	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toFileResponse(f))
	}
	return c.JSON(http.StatusOK, echo.Map{"files": out})
}

// HandleDeleteFile handles DELETE /api/sessions/:token/files/:name.
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	// echo routes on RawPath when it is set, leaving params escaped
	name := c.Param("name")
	if c.Request().URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
	}

	if err := h.svc.RemoveFile(c.Request().Context(), c.Param("token"), name); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": "file removed",
	})
}

// HandleSubmit handles POST /api/sessions/:token/submit.
// Packaging runs in the background; the response points at the job.
func (h *Handler) HandleSubmit(c echo.Context) error {
	ctx := c.Request().Context()
	token := c.Param("token")

	var in service.SubmissionInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	sess, err := h.svc.GetSession(ctx, token, service.AccessRead)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !sess.Status.Mutable() {
		return mapServiceError(c, service.ErrInvalidState)
	}

	job, err := h.runner.Submit(ctx, token, in)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, echo.Map{
		"job_id":     job.ID,
		"status":     job.State,
		"status_url": fmt.Sprintf("%s/api/jobs/%s", h.cfg.BaseURL, job.ID),
	})
}

// HandleGetJob handles GET /api/jobs/:id.
func (h *Handler) HandleGetJob(c echo.Context) error {
	job, err := h.runner.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// HandleExpiring handles GET /api/admin/sessions/expiring.
// Lists ACTIVE sessions that will expire within the reminder window.
func (h *Handler) HandleExpiring(c echo.Context) error {
	reminders, err := h.svc.ListNearingExpiry(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	if reminders == nil {
		reminders = []service.Reminder{}
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": reminders})
}

// HandleSweep handles POST /api/admin/sweep.
func (h *Handler) HandleSweep(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sweeper.RunOnce(c.Request().Context()))
}

// HandleGetPackage handles GET /api/admin/packages/:id.
func (h *Handler) HandleGetPackage(c echo.Context) error {
	pkg, err := h.lookupPackage(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":            pkg.ID,
		"submission_id": pkg.SubmissionID,
		"storage_root":  pkg.StorageRoot,
		"algorithms":    pkg.Algorithms,
		"file_count":    pkg.FileCount,
		"total_size":    pkg.TotalSize,
		"created_at":    pkg.CreatedAt,
		"manifest":      pkg.Manifest,
	})
}

// HandleExportPackage handles GET /api/admin/packages/:id/export.
// Streams the bag as a ZIP archive.
func (h *Handler) HandleExportPackage(c echo.Context) error {
	pkg, err := h.lookupPackage(c)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.zip"`, pkg.ID))
	res.WriteHeader(http.StatusOK)

	if err := h.packager.Export(c.Request().Context(), pkg, res); err != nil {
		// headers are gone; all we can do is cut the stream short
		slog.Error("package export failed", "package_id", pkg.ID, "error", err)
		return nil
	}
	return nil
}

// lookupPackage resolves :id, writing the error response itself on failure.
func (h *Handler) lookupPackage(c echo.Context) (*database.Package, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid package id"})
	}
	pkg, err := h.svc.GetPackage(c.Request().Context(), id)
	if err != nil {
		return nil, mapServiceError(c, err)
	}
	return pkg, nil
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.svc.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		slog.Error("failed to retrieve stats", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"active_sessions":       stats.ActiveSessions,
		"expired_sessions":      stats.ExpiredSessions,
		"consumed_sessions":     stats.ConsumedSessions,
		"temporary_bytes":       stats.TemporaryBytes,
		"temporary_bytes_human": policy.HumanizeBytes(stats.TemporaryBytes),
		"packages":              stats.Packages,
		"archived_bytes":        stats.ArchivedBytes,
		"archived_bytes_human":  policy.HumanizeBytes(stats.ArchivedBytes),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "upload session not found"})
	case errors.Is(err, service.ErrFileNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found in this session"})
	case errors.Is(err, jobs.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrInvalidState):
		return c.JSON(http.StatusConflict, echo.Map{
			"error": "this upload has already been submitted or has expired",
		})
	case errors.Is(err, service.ErrEmptySession):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrOwnerRequired):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "owner is required"})
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error": "packaging is busy, please try again later",
		})
	case errors.Is(err, service.ErrStorageFailure), errors.Is(err, service.ErrPackagingFailure):
		slog.Error("request failed", "route", c.Path(), "error", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error": "storage is temporarily unavailable, please try again",
		})
	default:
		slog.Error("unexpected error", "route", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
