package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"PulseDispatch/internal/db"
	"PulseDispatch/internal/models"
)

const redacted = "********"

func (h *Handler) GetSMTPSettings(w http.ResponseWriter, r *http.Request) error {
	st, found, err := h.Store.GetSMTPSettings(r.Context())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: smtp settings not configured", db.ErrNotFound)
	}

	if st.Pass != "" {
		st.Pass = redacted
	}

	writeSuccess(w, http.StatusOK, "", st)
	return nil
}

// SaveSMTPSettings stores new settings and rebuilds the transport. Sends in
// flight finish on the previous connection pool.
func (h *Handler) SaveSMTPSettings(w http.ResponseWriter, r *http.Request) error {
	var st models.SMTPSettings
	if err := decodeJSON(w, r, &st); err != nil {
		return err
	}

	// Keep the stored password when the client echoes the redacted value.
	if st.Pass == redacted || st.Pass == "" {
		cur, found, err := h.Store.GetSMTPSettings(r.Context())
		if err != nil {
			return err
		}
		if found {
			st.Pass = cur.Pass
		}
	}

	if err := h.Store.SaveSMTPSettings(r.Context(), &st); err != nil {
		return err
	}

	if err := h.Dispatch.ReloadTransport(r.Context()); err != nil {
		return err
	}

	h.Log.Info("smtp settings updated",
		zap.String("host", st.Host),
		zap.String("service", st.Service),
	)

	st.Pass = redacted
	writeSuccess(w, http.StatusOK, "SMTP settings updated", st)
	return nil
}

func (h *Handler) ReloadSMTP(w http.ResponseWriter, r *http.Request) error {
	if err := h.Dispatch.ReloadTransport(r.Context()); err != nil {
		return err
	}

	writeSuccess(w, http.StatusOK, "SMTP transport reloaded", nil)
	return nil
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	templates, err := h.Store.ListActiveTemplates(r.Context())
	if err != nil {
		return err
	}

	writeSuccess(w, http.StatusOK, "", templates)
	return nil
}

type templateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Subject     *string `json:"subject"`
	Content     *struct {
		HTML *string `json:"html"`
		Text *string `json:"text"`
	} `json:"content"`
	IsActive *bool `json:"isActive"`
}

func (req templateRequest) patch() db.TemplatePatch {
	p := db.TemplatePatch{
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		IsActive:    req.IsActive,
	}
	if req.Content != nil {
		p.HTML = req.Content.HTML
		p.Text = req.Content.Text
	}
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) error {
	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}

	p := req.patch()
	t := &models.Template{
		Name:        deref(p.Name),
		Description: deref(p.Description),
		Subject:     deref(p.Subject),
		Content: models.TemplateContent{
			HTML: deref(p.HTML),
			Text: deref(p.Text),
		},
	}

	if err := h.Store.CreateTemplate(r.Context(), t); err != nil {
		return err
	}

	h.Log.Info("template created", zap.String("template_id", t.ID), zap.String("name", t.Name))

	writeSuccess(w, http.StatusCreated, "Template created", t)
	return nil
}

// UpdateTemplate applies a partial update and drops the compiled copy so the
// next send renders the new content.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}

	t, err := h.Store.UpdateTemplate(r.Context(), id, req.patch())
	if err != nil {
		return err
	}
	h.Dispatch.InvalidateTemplate(id)

	h.Log.Info("template updated", zap.String("template_id", id), zap.Int("version", t.Version))

	writeSuccess(w, http.StatusOK, "Template updated", t)
	return nil
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")

	if err := h.Store.DeactivateTemplate(r.Context(), id); err != nil {
		return err
	}
	h.Dispatch.InvalidateTemplate(id)

	h.Log.Info("template deactivated", zap.String("template_id", id))

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) QueueMetrics(w http.ResponseWriter, r *http.Request) error {
	m, err := h.Dispatch.QueueMetrics(r.Context())
	if err != nil {
		return err
	}

	writeSuccess(w, http.StatusOK, "", m)
	return nil
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) error {
	n, err := h.Dispatch.ClearQueue(r.Context())
	if err != nil {
		return err
	}

	h.Log.Warn("queue cleared by admin", zap.Int("removed", n))

	writeSuccess(w, http.StatusOK, "Queue cleared", map[string]int{"removed": n})
	return nil
}

func (h *Handler) RemoveJob(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	if err := h.Dispatch.RemoveJob(r.Context(), jobID); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
