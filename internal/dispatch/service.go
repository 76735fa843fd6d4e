// Package dispatch is the entry point of the email pipeline. It validates and
// renders send requests, applies the submission rate limit, queues jobs and
// answers status queries. It also adapts the mail transport into the queue's
// job processor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/ratelimit"
	"PulseDispatch/internal/render"
)

// RateLimitKey is the limiter key every submission counts against.
const RateLimitKey = "email"

const (
	defaultMaxBatch         = 100
	defaultBatchConcurrency = 10
)

type Renderer interface {
	Render(ctx context.Context, templateID string, variables map[string]any) (render.Content, error)
	ValidateVariables(ctx context.Context, templateID string, variables map[string]any) error
	Invalidate(templateID string)
	InvalidateAll()
}

type Limiter interface {
	CheckLimit(ctx context.Context, key string) error
}

type Queue interface {
	Add(ctx context.Context, data models.EmailJobData) (string, error)
	GetJob(ctx context.Context, id string) (*queue.Job, bool, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
	Metrics(ctx context.Context) (queue.Metrics, error)
}

type Transport interface {
	Deliver(ctx context.Context, data models.EmailJobData) error
	Reload(ctx context.Context) error
}

// BatchResult is the outcome of one batch item. Exactly one of JobID and Err
// is set.
type BatchResult struct {
	Index int
	JobID string
	Err   error
}

type Options struct {
	// MaxBatch caps SendBatch. Default: 100
	MaxBatch int
	// BatchConcurrency bounds concurrent submissions within a batch. Default: 10
	BatchConcurrency int
}

type Service struct {
	renderer  Renderer
	limiter   Limiter
	queue     Queue
	transport Transport
	log       *zap.Logger

	maxBatch         int
	batchConcurrency int
}

func New(r Renderer, l Limiter, q Queue, t Transport, log *zap.Logger, opts Options) *Service {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}

	return &Service{
		renderer:         r,
		limiter:          l,
		queue:            q,
		transport:        t,
		log:              log,
		maxBatch:         opts.MaxBatch,
		batchConcurrency: opts.BatchConcurrency,
	}
}

// SendEmail queues one email and returns its job id. A returned id means the
// email was accepted for delivery, not that it was delivered.
func (s *Service) SendEmail(ctx context.Context, opts models.EmailOptions) (string, error) {
	data, err := s.buildJobData(ctx, opts)
	if err != nil {
		return "", s.sendFailed(opts, err)
	}

	if err := s.limiter.CheckLimit(ctx, RateLimitKey); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			metrics.RateLimited.Inc()
		}
		return "", s.sendFailed(opts, err)
	}

	id, err := s.queue.Add(ctx, data)
	if err != nil {
		return "", s.sendFailed(opts, err)
	}

	metrics.EmailsQueued.Inc()
	s.log.Info("email queued",
		zap.String("job_id", id),
		zap.String("to", email.FormatAddressList(data.To)),
		zap.String("template_id", data.TemplateID),
	)

	return id, nil
}

func (s *Service) sendFailed(opts models.EmailOptions, err error) error {
	s.log.Warn("email rejected",
		zap.String("to", email.FormatAddressList(opts.To)),
		zap.String("template_id", opts.TemplateID),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %w", ErrEmailSendFailed, err)
}

// buildJobData resolves a request into the payload a worker delivers. With a
// template the html comes from the template; the text comes from the
// template's text part when it has one, otherwise from the request body.
func (s *Service) buildJobData(ctx context.Context, opts models.EmailOptions) (models.EmailJobData, error) {
	if err := validateRequest(opts); err != nil {
		return models.EmailJobData{}, err
	}

	data := models.EmailJobData{
		To:          opts.To,
		Cc:          opts.Cc,
		Bcc:         opts.Bcc,
		From:        strings.TrimSpace(opts.From),
		Subject:     opts.Subject,
		Attachments: opts.Attachments,
		TemplateID:  opts.TemplateID,
	}
	if opts.Body != nil {
		data.HTML = opts.Body.HTML
		data.Text = opts.Body.Text
	}

	if opts.TemplateID == "" {
		return data, nil
	}

	if err := s.renderer.ValidateVariables(ctx, opts.TemplateID, opts.Variables); err != nil {
		return models.EmailJobData{}, err
	}

	content, err := s.renderer.Render(ctx, opts.TemplateID, opts.Variables)
	if err != nil {
		return models.EmailJobData{}, err
	}

	data.HTML = content.HTML
	if content.Text != "" {
		data.Text = content.Text
	}

	return data, nil
}

func validateRequest(opts models.EmailOptions) error {
	var problems []string

	if len(opts.To) == 0 {
		problems = append(problems, "at least one recipient is required")
	}
	if strings.TrimSpace(opts.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if opts.TemplateID == "" && (opts.Body == nil || (opts.Body.HTML == "" && opts.Body.Text == "")) {
		problems = append(problems, "body or templateId is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// SendBatch submits every item independently. A failed item does not affect
// the others. Batches larger than the configured maximum are rejected before
// anything is queued.
func (s *Service) SendBatch(ctx context.Context, items []models.EmailOptions) ([]BatchResult, error) {
	if len(items) > s.maxBatch {
		return nil, fmt.Errorf("%w: %d emails, maximum is %d", ErrBatchTooLarge, len(items), s.maxBatch)
	}

	results := make([]BatchResult, len(items))

	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			id, err := s.SendEmail(ctx, item)
			results[i] = BatchResult{Index: i, JobID: id, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// GetEmailStatus reports the public status of a job. An unknown id returns
// false and no error.
func (s *Service) GetEmailStatus(ctx context.Context, jobID string) (*models.EmailStatus, bool, error) {
	job, found, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		s.log.Error("failed to get email status", zap.String("job_id", jobID), zap.Error(err))
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	st := &models.EmailStatus{
		JobID:     job.ID,
		Status:    job.Status(),
		Attempts:  job.AttemptsMade,
		CreatedAt: job.CreatedAt,
	}

	switch st.Status {
	case models.StatusCompleted:
		finished := job.FinishedAt
		st.CompletedAt = &finished
	case models.StatusFailed:
		finished := job.FinishedAt
		st.CompletedAt = &finished
		st.Error = job.FailedReason
	}

	return st, true, nil
}

// ValidateTemplate checks that variables covers every variable the template
// declares.
func (s *Service) ValidateTemplate(ctx context.Context, templateID string, variables map[string]any) error {
	if err := s.renderer.ValidateVariables(ctx, templateID, variables); err != nil {
		return fmt.Errorf("%w: %w", ErrTemplateValidationFailed, err)
	}
	return nil
}

// Process delivers one claimed job. It is the queue's job processor. The
// transport initializes itself on the first delivery.
func (s *Service) Process(ctx context.Context, job *queue.Job) error {
	return s.transport.Deliver(ctx, job.Data)
}

func (s *Service) ReloadTransport(ctx context.Context) error {
	if err := s.transport.Reload(ctx); err != nil {
		return err
	}
	s.log.Info("smtp transport reloaded")
	return nil
}

// InvalidateTemplate drops the compiled template so the next send reloads it.
// An empty id drops every cached template.
func (s *Service) InvalidateTemplate(templateID string) {
	if templateID == "" {
		s.renderer.InvalidateAll()
		return
	}
	s.renderer.Invalidate(templateID)
}

func (s *Service) QueueMetrics(ctx context.Context) (queue.Metrics, error) {
	return s.queue.Metrics(ctx)
}

func (s *Service) RemoveJob(ctx context.Context, jobID string) error {
	return s.queue.Remove(ctx, jobID)
}

func (s *Service) ClearQueue(ctx context.Context) (int, error) {
	return s.queue.Clear(ctx)
}
