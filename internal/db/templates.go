package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"PulseDispatch/internal/models"
	"PulseDispatch/internal/render"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const templateColumns = `id, name, description, subject, html, text, variables, version, is_active, created_at, updated_at`

// TemplatePatch holds the fields of a template update. Nil fields are left
// unchanged.
type TemplatePatch struct {
	Name        *string
	Description *string
	Subject     *string
	HTML        *string
	Text        *string
	IsActive    *bool
}

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	var id uuid.UUID

	err := row.Scan(
		&id,
		&t.Name,
		&t.Description,
		&t.Subject,
		&t.Content.HTML,
		&t.Content.Text,
		&t.Variables,
		&t.Version,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = id.String()
	return &t, nil
}

// FindActiveTemplate returns the active template with the given id.
func (s *Store) FindActiveTemplate(ctx context.Context, id string) (*models.Template, bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		// Not a template id we could have issued.
		return nil, false, nil
	}

	t, err := scanTemplate(s.Pool.QueryRow(ctx,
		`SELECT `+templateColumns+`
		 FROM email_templates
		 WHERE id=$1 AND is_active`,
		uid,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find template %s: %w", id, err)
	}

	return t, true, nil
}

// FindTemplateByName returns the active template with the given name.
func (s *Store) FindTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	t, err := scanTemplate(s.Pool.QueryRow(ctx,
		`SELECT `+templateColumns+`
		 FROM email_templates
		 WHERE name=$1 AND is_active
		 ORDER BY version DESC
		 LIMIT 1`,
		name,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find template by name %q: %w", name, err)
	}

	return t, nil
}

// ListActiveTemplates returns all active templates ordered by name.
func (s *Store) ListActiveTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+templateColumns+`
		 FROM email_templates
		 WHERE is_active
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// CreateTemplate stores a new template. Variables are derived from the html
// content; the caller-supplied Variables field is ignored.
func (s *Store) CreateTemplate(ctx context.Context, t *models.Template) error {
	if err := validateTemplate(t); err != nil {
		return err
	}

	id := uuid.New()
	now := time.Now().UTC()

	t.ID = id.String()
	t.Variables = render.ExtractVariables(t.Content.HTML)
	t.Version = 1
	t.IsActive = true
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.Pool.Exec(ctx,
		`INSERT INTO email_templates
		 (id, name, description, subject, html, text, variables, version, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		id,
		t.Name,
		t.Description,
		t.Subject,
		t.Content.HTML,
		t.Content.Text,
		t.Variables,
		t.Version,
		t.IsActive,
		now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", ErrDuplicateTemplate, t.Name)
	}
	if err != nil {
		return fmt.Errorf("create template %q: %w", t.Name, err)
	}

	return nil
}

// UpdateTemplate applies patch to the template. The version is bumped and the
// variables recomputed whenever the html or text content changes.
func (s *Store) UpdateTemplate(ctx context.Context, id string, patch TemplatePatch) (*models.Template, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var updated *models.Template

	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		t, err := scanTemplate(tx.QueryRow(ctx,
			`SELECT `+templateColumns+`
			 FROM email_templates
			 WHERE id=$1
			 FOR UPDATE`,
			uid,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if applyPatch(t, patch) {
			t.Version++
			t.Variables = render.ExtractVariables(t.Content.HTML)
		}
		if err := validateTemplate(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()

		_, err = tx.Exec(ctx,
			`UPDATE email_templates
			 SET name=$1,
			     description=$2,
			     subject=$3,
			     html=$4,
			     text=$5,
			     variables=$6,
			     version=$7,
			     is_active=$8,
			     updated_at=$9
			 WHERE id=$10`,
			t.Name,
			t.Description,
			t.Subject,
			t.Content.HTML,
			t.Content.Text,
			t.Variables,
			t.Version,
			t.IsActive,
			t.UpdatedAt,
			uid,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateTemplate, t.Name)
		}
		if err != nil {
			return err
		}

		updated = t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTemplate) || errors.Is(err, ErrDuplicateTemplate) {
			return nil, err
		}
		return nil, fmt.Errorf("update template %s: %w", id, err)
	}

	return updated, nil
}

// DeactivateTemplate soft-deletes a template.
func (s *Store) DeactivateTemplate(ctx context.Context, id string) error {
	inactive := false
	_, err := s.UpdateTemplate(ctx, id, TemplatePatch{IsActive: &inactive})
	return err
}

// applyPatch reports whether the template content changed.
func applyPatch(t *models.Template, p TemplatePatch) bool {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		t.Description = strings.TrimSpace(*p.Description)
	}
	if p.Subject != nil {
		t.Subject = strings.TrimSpace(*p.Subject)
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}

	changed := false
	if p.HTML != nil && *p.HTML != t.Content.HTML {
		t.Content.HTML = *p.HTML
		changed = true
	}
	if p.Text != nil && *p.Text != t.Content.Text {
		t.Content.Text = *p.Text
		changed = true
	}

	return changed
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func validateTemplate(t *models.Template) error {
	t.Name = strings.TrimSpace(t.Name)
	t.Subject = strings.TrimSpace(t.Subject)

	switch {
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	case t.Subject == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidTemplate)
	case strings.TrimSpace(t.Content.HTML) == "":
		return fmt.Errorf("%w: html content is required", ErrInvalidTemplate)
	}

	return nil
}
