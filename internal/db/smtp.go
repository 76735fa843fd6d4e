package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"PulseDispatch/internal/models"
)

// GetSMTPSettings returns the stored SMTP settings document.
func (s *Store) GetSMTPSettings(ctx context.Context) (*models.SMTPSettings, bool, error) {
	var st models.SMTPSettings

	err := s.Pool.QueryRow(ctx,
		`SELECT host, port, secure, username, password, from_addr, service, updated_at
		 FROM smtp_settings
		 WHERE id=1`,
	).Scan(
		&st.Host,
		&st.Port,
		&st.Secure,
		&st.User,
		&st.Pass,
		&st.From,
		&st.Service,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get smtp settings: %w", err)
	}

	return &st, true, nil
}

// SaveSMTPSettings upserts the single SMTP settings document.
func (s *Store) SaveSMTPSettings(ctx context.Context, st *models.SMTPSettings) error {
	if err := ValidateSMTPSettings(st); err != nil {
		return err
	}

	st.UpdatedAt = time.Now().UTC()

	_, err := s.Pool.Exec(ctx,
		`INSERT INTO smtp_settings
		 (id, host, port, secure, username, password, from_addr, service, updated_at)
		 VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE
		 SET host=EXCLUDED.host,
		     port=EXCLUDED.port,
		     secure=EXCLUDED.secure,
		     username=EXCLUDED.username,
		     password=EXCLUDED.password,
		     from_addr=EXCLUDED.from_addr,
		     service=EXCLUDED.service,
		     updated_at=EXCLUDED.updated_at`,
		st.Host,
		st.Port,
		st.Secure,
		st.User,
		st.Pass,
		st.From,
		st.Service,
		st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save smtp settings: %w", err)
	}

	return nil
}

// ValidateSMTPSettings checks the required fields of a settings document.
// A service name may stand in for host and port.
func ValidateSMTPSettings(st *models.SMTPSettings) error {
	var missing []string

	if strings.TrimSpace(st.Service) == "" {
		if strings.TrimSpace(st.Host) == "" {
			missing = append(missing, "host")
		}
		if st.Port <= 0 {
			missing = append(missing, "port")
		}
	}
	if st.User == "" {
		missing = append(missing, "user")
	}
	if st.Pass == "" {
		missing = append(missing, "pass")
	}
	if strings.TrimSpace(st.From) == "" {
		missing = append(missing, "from")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSMTPSettings, strings.Join(missing, ", "))
	}

	return nil
}
