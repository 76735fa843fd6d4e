package models

import (
	"bytes"
	"encoding/json"
	"time"
)

type EmailStatusValue string

const (
	StatusPending    EmailStatusValue = "pending"
	StatusProcessing EmailStatusValue = "processing"
	StatusCompleted  EmailStatusValue = "completed"
	StatusFailed     EmailStatusValue = "failed"
)

// Rank orders statuses so callers can check that observed statuses never move
// backward.
func (s EmailStatusValue) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Recipients accepts either a single address or a list of addresses in JSON.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		if one == "" {
			*r = nil
			return nil
		}
		*r = Recipients{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

type Body struct {
	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"contentType"`
}

// EmailOptions is a caller-supplied send request.
type EmailOptions struct {
	To          Recipients     `json:"to"`
	Cc          Recipients     `json:"cc,omitempty"`
	Bcc         Recipients     `json:"bcc,omitempty"`
	From        string         `json:"from,omitempty"`
	Subject     string         `json:"subject"`
	Body        *Body          `json:"body,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	TemplateID  string         `json:"templateId,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// EmailJobData is the fully resolved payload persisted with a queued job.
// No template references remain except TemplateID, which is kept for logs.
type EmailJobData struct {
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	From        string       `json:"from,omitempty"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TemplateID  string       `json:"templateId,omitempty"`
}

// EmailStatus is the public view of a queued email.
type EmailStatus struct {
	JobID       string           `json:"jobId"`
	Status      EmailStatusValue `json:"status"`
	Attempts    int              `json:"attempts"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
}
