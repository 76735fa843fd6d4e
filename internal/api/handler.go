package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"PulseDispatch/internal/csvparser"
	"PulseDispatch/internal/db"
	"PulseDispatch/internal/dispatch"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/ratelimit"
)

const maxBodyBytes = 10 << 20

// AdminStore is the document store behind the admin endpoints.
type AdminStore interface {
	GetSMTPSettings(ctx context.Context) (*models.SMTPSettings, bool, error)
	SaveSMTPSettings(ctx context.Context, st *models.SMTPSettings) error
	ListActiveTemplates(ctx context.Context) ([]*models.Template, error)
	CreateTemplate(ctx context.Context, t *models.Template) error
	UpdateTemplate(ctx context.Context, id string, patch db.TemplatePatch) (*models.Template, error)
	DeactivateTemplate(ctx context.Context, id string) error
}

// RateStatus reports the submission window for response headers.
type RateStatus interface {
	Remaining(ctx context.Context, key string) (ratelimit.Status, error)
}

type Handler struct {
	Dispatch *dispatch.Service
	Store    AdminStore
	Limits   RateStatus
	Log      *zap.Logger

	// MaxCSVRows caps recipients read from an uploaded CSV. Default: 1000
	MaxCSVRows int
	// MaxBatch is the size of each submission chunk of a CSV upload. Default: 100
	MaxBatch int
	// Ping, when set, backs the health check.
	Ping func(ctx context.Context) error
}

// handlerFunc is an http handler that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// Routes builds the API router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.wrap(h.Health))

	r.Route("/emails", func(r chi.Router) {
		r.Post("/send", h.wrap(h.SendEmail))
		r.Post("/batch", h.wrap(h.SendBatch))
		r.Post("/batch/csv", h.wrap(h.SendCSVBatch))
		r.Get("/status/{jobId}", h.wrap(h.GetEmailStatus))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/smtp", h.wrap(h.GetSMTPSettings))
		r.Put("/smtp", h.wrap(h.SaveSMTPSettings))
		r.Post("/smtp/reload", h.wrap(h.ReloadSMTP))

		r.Get("/templates", h.wrap(h.ListTemplates))
		r.Post("/templates", h.wrap(h.CreateTemplate))
		r.Put("/templates/{id}", h.wrap(h.UpdateTemplate))
		r.Delete("/templates/{id}", h.wrap(h.DeleteTemplate))

		r.Get("/queue/metrics", h.wrap(h.QueueMetrics))
		r.Delete("/queue", h.wrap(h.ClearQueue))
		r.Delete("/queue/jobs/{jobId}", h.wrap(h.RemoveJob))
	})

	return r
}

func (h *Handler) wrap(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			h.writeError(w, r, err)
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)

	if ae.status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", ae.code),
			zap.Error(err),
		)
	}

	writeJSON(w, ae.status, errorBody{
		Status:  "error",
		Code:    ae.code,
		Message: err.Error(),
		Details: errorDetails(err),
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.Log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	body := map[string]any{"status": "success", "data": data}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body: %w", errBadRequest, err)
	}
	return nil
}

// setRateHeaders is best effort; a failed lookup leaves the headers out.
func (h *Handler) setRateHeaders(w http.ResponseWriter, r *http.Request) {
	if h.Limits == nil {
		return
	}

	st, err := h.Limits.Remaining(r.Context(), dispatch.RateLimitKey)
	if err != nil {
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(st.ResetIn.Seconds())))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return nil
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) error {
	var opts models.EmailOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		return err
	}

	id, err := h.Dispatch.SendEmail(r.Context(), opts)
	h.setRateHeaders(w, r)
	if err != nil {
		return err
	}

	writeSuccess(w, http.StatusAccepted, "Email queued successfully", map[string]any{
		"jobId": id,
	})
	return nil
}

type batchItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (h *Handler) SendBatch(w http.ResponseWriter, r *http.Request) error {
	var items []models.EmailOptions
	if err := decodeJSON(w, r, &items); err != nil {
		return err
	}

	results, err := h.Dispatch.SendBatch(r.Context(), items)
	h.setRateHeaders(w, r)
	if err != nil {
		return err
	}

	return h.writeBatch(w, results, nil)
}

// writeBatch reports per-item outcomes. A batch in which nothing was queued
// fails with the first item's error.
func (h *Handler) writeBatch(w http.ResponseWriter, results []dispatch.BatchResult, recipients []string) error {
	jobIDs := make([]string, 0, len(results))
	itemErrs := make([]batchItemError, 0)

	var firstErr error
	for _, res := range results {
		if res.Err == nil {
			jobIDs = append(jobIDs, res.JobID)
			continue
		}
		if firstErr == nil {
			firstErr = res.Err
		}
		itemErrs = append(itemErrs, batchItemError{
			Index:   res.Index,
			Code:    classify(res.Err).code,
			Message: res.Err.Error(),
			Details: errorDetails(res.Err),
		})
	}

	if len(jobIDs) == 0 && firstErr != nil {
		return firstErr
	}

	data := map[string]any{
		"jobIds": jobIDs,
		"errors": itemErrs,
	}
	if recipients != nil {
		data["recipients"] = len(recipients)
	}

	writeSuccess(w, http.StatusAccepted, fmt.Sprintf("%d emails queued successfully", len(jobIDs)), data)
	return nil
}

// SendCSVBatch sends a template to every recipient of an uploaded CSV. The
// Email column addresses the message; the other columns become variables.
func (h *Handler) SendCSVBatch(w http.ResponseWriter, r *http.Request) error {
	templateID := strings.TrimSpace(r.URL.Query().Get("templateId"))
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if templateID == "" || subject == "" {
		return fmt.Errorf("%w: templateId and subject query parameters are required", errBadRequest)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: csv file upload required in field \"file\": %w", errBadRequest, err)
	}
	defer file.Close()

	maxRows := h.MaxCSVRows
	if maxRows <= 0 {
		maxRows = 1000
	}
	rows, err := csvparser.ParseRecipientRows(file, maxRows)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	chunk := h.MaxBatch
	if chunk <= 0 {
		chunk = 100
	}

	recipients := make([]string, 0, len(rows))
	results := make([]dispatch.BatchResult, 0, len(rows))

	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))

		items := make([]models.EmailOptions, 0, end-start)
		for _, row := range rows[start:end] {
			recipients = append(recipients, row.Email)
			items = append(items, models.EmailOptions{
				To:         models.Recipients{row.Email},
				Subject:    subject,
				TemplateID: templateID,
				Variables:  row.Variables(),
			})
		}

		part, err := h.Dispatch.SendBatch(r.Context(), items)
		if err != nil {
			return err
		}
		for _, res := range part {
			res.Index += start
			results = append(results, res)
		}
	}

	h.setRateHeaders(w, r)
	return h.writeBatch(w, results, recipients)
}

func (h *Handler) GetEmailStatus(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	st, found, err := h.Dispatch.GetEmailStatus(r.Context(), jobID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", errJobNotFound, jobID)
	}

	writeSuccess(w, http.StatusOK, "", st)
	return nil
}
